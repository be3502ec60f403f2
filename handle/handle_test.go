package handle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFile struct {
	*bytes.Reader
}

func (memFile) Name() string {
	return "photo.jpg"
}

func newMemFile(size int) memFile {
	return memFile{Reader: bytes.NewReader(bytes.Repeat([]byte{7}, size))}
}

type testServer struct {
	*httptest.Server

	mu      sync.Mutex
	inits   int
	deletes []string
	// block, when set, holds every PATCH until the request is canceled.
	block bool
	// patchStarted receives a value when a PATCH arrives.
	patchStarted chan struct{}
	// holdDelete, when set, keeps DELETE requests open until it is closed.
	holdDelete    chan struct{}
	deleteStarted chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{patchStarted: make(chan struct{}, 16), deleteStarted: make(chan struct{}, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		switch r.Method {
		case http.MethodPost:
			s.mu.Lock()
			s.inits++
			id := fmt.Sprintf("id-%d", s.inits)
			s.mu.Unlock()
			_, _ = w.Write([]byte(id))
		case http.MethodPatch:
			s.patchStarted <- struct{}{}
			s.mu.Lock()
			block := s.block
			s.mu.Unlock()
			if block {
				<-r.Context().Done()
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			s.mu.Lock()
			s.deletes = append(s.deletes, string(body))
			hold := s.holdDelete
			s.mu.Unlock()
			s.deleteStarted <- struct{}{}
			if hold != nil {
				<-hold
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) setBlock(block bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = block
}

func (s *testServer) deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

func newTestHandle(server *testServer, opts session.Options) *Handle {
	uploader := session.New(session.Config{BaseURL: server.URL, Logger: log.NewLogger()})
	return New(uploader, newMemFile(100), opts)
}

func TestHandle_Idle(t *testing.T) {
	h := newTestHandle(newTestServer(t), session.Options{})

	assert.Equal(t, session.StatusIdle, h.Status())
	_, ok := h.Progress()
	assert.False(t, ok)
	_, ok = h.ID()
	assert.False(t, ok)
	assert.True(t, h.CanRetry())
	assert.False(t, h.CanRevert())
	assert.ErrorIs(t, h.Revert(context.Background()), ErrNotRevertable)

	select {
	case <-h.Done():
	default:
		t.Fatal("Done of an idle handle must be closed")
	}
	assert.Equal(t, session.StatusIdle, h.Wait().Status)
}

func TestHandle_Success(t *testing.T) {
	server := newTestServer(t)
	h := newTestHandle(server, session.Options{ChunkSize: 30})

	var completed []string
	h.OnComplete(func(id string) {
		completed = append(completed, id)
	})

	require.NoError(t, h.Start(context.Background()))
	result := h.Wait()

	assert.Equal(t, session.StatusSuccess, result.Status)
	assert.Equal(t, session.StatusSuccess, h.Status())
	id, ok := h.ID()
	assert.True(t, ok)
	assert.Equal(t, "id-1", id)
	p, ok := h.Progress()
	assert.True(t, ok)
	assert.Equal(t, 100, p)
	assert.Equal(t, []string{"id-1"}, completed)
	assert.False(t, h.CanRetry())
	assert.True(t, h.CanRevert())
	assert.ErrorIs(t, h.Retry(context.Background()), ErrNotRetryable)
}

func TestHandle_CancelAndRetry(t *testing.T) {
	server := newTestServer(t)
	server.setBlock(true)

	var statuses []session.Status
	var mu sync.Mutex
	h := newTestHandle(server, session.Options{
		ChunkSize: 30,
		Observer: session.ObserverFuncs{StatusChange: func(s session.Status) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, s)
		}},
	})

	require.NoError(t, h.Start(context.Background()))
	select {
	case <-server.patchStarted:
	case <-time.After(10 * time.Second):
		t.Fatal("no chunk was sent")
	}
	assert.ErrorIs(t, h.Start(context.Background()), ErrAlreadyRunning)
	assert.False(t, h.CanRetry())

	h.Cancel()
	result := h.Wait()

	assert.Equal(t, session.StatusCanceled, result.Status)
	_, ok := h.ID()
	assert.False(t, ok)
	assert.True(t, h.CanRetry())
	assert.False(t, h.CanRevert())

	server.setBlock(false)
	require.NoError(t, h.Retry(context.Background()))
	result = h.Wait()

	assert.Equal(t, session.StatusSuccess, result.Status)
	assert.Equal(t, "id-2", result.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []session.Status{
		session.StatusUploading, session.StatusCanceled,
		session.StatusUploading, session.StatusSuccess,
	}, statuses)
}

func TestHandle_Revert(t *testing.T) {
	server := newTestServer(t)
	h := newTestHandle(server, session.Options{})

	require.NoError(t, h.Start(context.Background()))
	require.Equal(t, session.StatusSuccess, h.Wait().Status)

	require.NoError(t, h.Revert(context.Background()))

	assert.Equal(t, []string{"id-1"}, server.deleted())
	assert.Equal(t, session.StatusIdle, h.Status())
	_, ok := h.ID()
	assert.False(t, ok)
	_, ok = h.Progress()
	assert.False(t, ok)
	assert.True(t, h.CanRetry())
	assert.ErrorIs(t, h.Revert(context.Background()), ErrNotRevertable)
}

func TestHandle_StartRefusedWhileReverting(t *testing.T) {
	server := newTestServer(t)
	hold := make(chan struct{})
	server.mu.Lock()
	server.holdDelete = hold
	server.mu.Unlock()
	h := newTestHandle(server, session.Options{})

	require.NoError(t, h.Start(context.Background()))
	require.Equal(t, session.StatusSuccess, h.Wait().Status)

	reverted := make(chan error, 1)
	go func() {
		reverted <- h.Revert(context.Background())
	}()
	select {
	case <-server.deleteStarted:
	case <-time.After(10 * time.Second):
		t.Fatal("no delete was sent")
	}

	assert.ErrorIs(t, h.Start(context.Background()), ErrAlreadyRunning)
	assert.ErrorIs(t, h.Retry(context.Background()), ErrNotRetryable)
	assert.False(t, h.CanRevert())

	close(hold)
	require.NoError(t, <-reverted)
	assert.Equal(t, session.StatusIdle, h.Status())

	require.NoError(t, h.Start(context.Background()))
	result := h.Wait()
	assert.Equal(t, session.StatusSuccess, result.Status)
	assert.Equal(t, "id-2", result.ID)
}

type countingObserver struct {
	mu       sync.Mutex
	progress []int
	statuses []session.Status
}

func (o *countingObserver) OnProgress(percent int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, percent)
}

func (o *countingObserver) OnStatusChange(status session.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *countingObserver) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.progress) + len(o.statuses)
}

func TestHandle_IgnoresSupersededSession(t *testing.T) {
	server := newTestServer(t)
	server.setBlock(true)
	observer := &countingObserver{}
	h := newTestHandle(server, session.Options{ChunkSize: 30, Observer: observer})

	require.NoError(t, h.Start(context.Background()))
	select {
	case <-server.patchStarted:
	case <-time.After(10 * time.Second):
		t.Fatal("no chunk was sent")
	}
	h.Cancel()
	require.Equal(t, session.StatusCanceled, h.Wait().Status)

	h.mu.Lock()
	superseded := h.generation
	h.mu.Unlock()

	server.setBlock(false)
	require.NoError(t, h.Retry(context.Background()))
	current := h.Wait()
	require.Equal(t, session.StatusSuccess, current.Status)
	require.Equal(t, "id-2", current.ID)

	callsBefore := observer.calls()
	stale := &sessionObserver{handle: h, generation: superseded}
	stale.OnProgress(13)
	stale.OnStatusChange(session.StatusError)
	h.finish(superseded, session.Result{ID: "id-1", Status: session.StatusError})

	assert.Equal(t, callsBefore, observer.calls())
	assert.Equal(t, session.StatusSuccess, h.Status())
	p, ok := h.Progress()
	assert.True(t, ok)
	assert.Equal(t, 100, p)
	id, ok := h.ID()
	assert.True(t, ok)
	assert.Equal(t, "id-2", id)
	assert.Equal(t, current, h.Wait())
}

func TestHandle_IgnoresSessionAfterRevert(t *testing.T) {
	server := newTestServer(t)
	observer := &countingObserver{}
	h := newTestHandle(server, session.Options{Observer: observer})

	require.NoError(t, h.Start(context.Background()))
	require.Equal(t, session.StatusSuccess, h.Wait().Status)

	h.mu.Lock()
	reverted := h.generation
	h.mu.Unlock()
	require.NoError(t, h.Revert(context.Background()))

	callsBefore := observer.calls()
	stale := &sessionObserver{handle: h, generation: reverted}
	stale.OnProgress(50)
	stale.OnStatusChange(session.StatusSuccess)
	h.finish(reverted, session.Result{ID: "id-1", Status: session.StatusSuccess})

	assert.Equal(t, callsBefore, observer.calls())
	assert.Equal(t, session.StatusIdle, h.Status())
	_, ok := h.Progress()
	assert.False(t, ok)
	_, ok = h.ID()
	assert.False(t, ok)
	assert.Equal(t, session.StatusIdle, h.Wait().Status)
}
