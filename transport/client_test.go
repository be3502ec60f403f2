package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Send_Success(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("upload-id-1"))
	}))
	defer server.Close()

	client := NewClient(log.NewLogger(), WithHeader("Authorization", "Bearer token"))

	resp, err := client.Send(context.Background(), Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Header: http.Header{"Upload-Length": []string{"5"}},
		Body:   Bytes([]byte("hello")),
	})

	require.NoError(t, err)
	assert.Equal(t, "upload-id-1", string(resp))
	assert.Equal(t, "hello", string(gotBody))
	assert.Equal(t, "5", gotHeader.Get("Upload-Length"))
	assert.Equal(t, "Bearer token", gotHeader.Get("Authorization"))
}

func TestClient_Send_RequestFailed(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("temporary error"))
	}))
	defer server.Close()

	client := NewClient(log.NewLogger())

	_, err := client.Send(context.Background(), Request{Method: http.MethodPatch, URL: server.URL, Body: Bytes([]byte("x"))})

	var failed *RequestFailedError
	require.True(t, errors.As(err, &failed), "unexpected error: %v", err)
	assert.Equal(t, http.StatusInternalServerError, failed.StatusCode)
	assert.Equal(t, "temporary error", failed.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount), "a failed request must not be retried")
}

func TestClient_Send_NonSuccessStatuses(t *testing.T) {
	for _, status := range []int{http.StatusMultipleChoices, http.StatusBadRequest, http.StatusNotFound} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := NewClient(log.NewLogger()).Send(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
		server.Close()

		var failed *RequestFailedError
		require.True(t, errors.As(err, &failed), "status %d: %v", status, err)
		assert.Equal(t, status, failed.StatusCode)
	}
}

func TestClient_Send_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(log.NewLogger()).Send(context.Background(), Request{Method: http.MethodPost, URL: url})

	var networkErr *NetworkError
	require.True(t, errors.As(err, &networkErr), "unexpected error: %v", err)
	assert.False(t, IsAborted(err))
}

func TestClient_Send_CanceledBefore(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(log.NewLogger()).Send(ctx, Request{Method: http.MethodPost, URL: server.URL})

	assert.True(t, IsAborted(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(0), atomic.LoadInt32(&requestCount))
}

func TestClient_Send_CanceledDuring(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	start := time.Now()
	_, err := NewClient(log.NewLogger()).Send(ctx, Request{Method: http.MethodPost, URL: server.URL})

	assert.True(t, IsAborted(err), "unexpected error: %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClient_Send_Progress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer server.Close()

	var reported []int
	payload := bytes.Repeat([]byte("a"), 4*1024*1024)

	_, err := NewClient(log.NewLogger()).Send(context.Background(), Request{
		Method:     http.MethodPatch,
		URL:        server.URL,
		Body:       Bytes(payload),
		OnProgress: func(p int) { reported = append(reported, p) },
	})

	require.NoError(t, err)
	require.NotEmpty(t, reported)
	for i, p := range reported {
		assert.GreaterOrEqual(t, p, 0)
		assert.LessOrEqual(t, p, 100)
		if i > 0 {
			assert.Greater(t, p, reported[i-1])
		}
	}
	assert.Equal(t, 100, reported[len(reported)-1])
}

func TestClient_Send_NoProgressForEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	called := false
	_, err := NewClient(log.NewLogger()).Send(context.Background(), Request{
		Method:     http.MethodPatch,
		URL:        server.URL,
		Body:       Bytes(nil),
		OnProgress: func(int) { called = true },
	})

	require.NoError(t, err)
	assert.False(t, called)
}

func TestClient_Send_StreamBody(t *testing.T) {
	var gotBody []byte
	var gotLength int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLength = r.ContentLength
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	_, err := NewClient(log.NewLogger()).Send(context.Background(), Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body:   Stream(io.NopCloser(strings.NewReader("streamed payload"))),
	})

	require.NoError(t, err)
	assert.Equal(t, "streamed payload", string(gotBody))
	assert.Equal(t, int64(len("streamed payload")), gotLength, "stream bodies are sent as one contiguous payload")
}

func TestClient_Send_MultipartBody(t *testing.T) {
	var fields map[string][]string
	var fileContent []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fields = r.MultipartForm.Value
		f, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fileContent, _ = io.ReadAll(f)
	}))
	defer server.Close()

	_, err := NewClient(log.NewLogger()).Send(context.Background(), Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body: Multipart(
			map[string]string{"title": "Intro", "group": "attachments"},
			MultipartFile{FieldName: "file", FileName: "a.txt", ContentType: "text/plain", Content: strings.NewReader("content")},
		),
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Intro"}, fields["title"])
	assert.Equal(t, []string{"attachments"}, fields["group"])
	assert.Equal(t, "content", string(fileContent))
}

func TestClient_Send_StringBody(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	_, err := NewClient(log.NewLogger()).Send(context.Background(), Request{
		Method: http.MethodDelete,
		URL:    server.URL,
		Body:   String("upload-id"),
	})

	require.NoError(t, err)
	assert.Equal(t, "upload-id", string(gotBody))
	assert.Equal(t, "text/plain; charset=utf-8", gotContentType)
}

func Test_redacted(t *testing.T) {
	req, err := http.NewRequest(http.MethodPatch, "https://example.com/filepond", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Upload-Offset", "10")

	clone := redacted(req)

	assert.Equal(t, "[REDACTED]", clone.Header.Get("Authorization"))
	assert.Equal(t, "10", clone.Header.Get("Upload-Offset"))
	assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"), "the original request is untouched")
}
