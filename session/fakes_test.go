package session

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

type testFile struct {
	*bytes.Reader
	name string
}

func newTestFile(name string, size int) testFile {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return testFile{Reader: bytes.NewReader(data), name: name}
}

func (f testFile) Name() string {
	return f.name
}

type recordedRequest struct {
	Method string
	Query  string
	Header http.Header
	Body   []byte
}

// fakeUploadServer implements the receiving side of the protocol in memory.
type fakeUploadServer struct {
	*httptest.Server

	id string
	// initStatus, when non-zero, is returned for the initiation request.
	initStatus int
	// failPatch is the 1-based PATCH request that answers 500. Zero disables it.
	failPatch    int
	deleteStatus int
	// onPatch runs before a PATCH is answered; n is 1-based.
	onPatch func(n int, r *http.Request)

	mu       sync.Mutex
	requests []recordedRequest
	patches  int
}

func newFakeUploadServer(t *testing.T, id string) *fakeUploadServer {
	s := &fakeUploadServer{id: id}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeUploadServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{
		Method: r.Method,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})
	if r.Method == http.MethodPatch {
		s.patches++
	}
	n := s.patches
	s.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		if s.initStatus != 0 {
			w.WriteHeader(s.initStatus)
			return
		}
		_, _ = w.Write([]byte(s.id))
	case http.MethodPatch:
		if s.onPatch != nil {
			s.onPatch(n, r)
		}
		if r.URL.Query().Get("patch") != s.id {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if n == s.failPatch {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Upload-Offset", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if s.deleteStatus != 0 {
			w.WriteHeader(s.deleteStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *fakeUploadServer) requestsWithMethod(method string) []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matching []recordedRequest
	for _, r := range s.requests {
		if r.Method == method {
			matching = append(matching, r)
		}
	}
	return matching
}

func (s *fakeUploadServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type recordingObserver struct {
	mu       sync.Mutex
	progress []int
	statuses []Status
	onStatus func(Status)
}

func (o *recordingObserver) OnProgress(percent int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, percent)
}

func (o *recordingObserver) OnStatusChange(status Status) {
	o.mu.Lock()
	o.statuses = append(o.statuses, status)
	o.mu.Unlock()

	if o.onStatus != nil {
		o.onStatus(status)
	}
}
