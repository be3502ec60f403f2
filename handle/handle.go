// Package handle wraps an upload session in the object a caller keeps per file:
// it tracks status, progress and the resulting id and offers cancel, retry and revert.
package handle

import (
	"context"
	"errors"
	"sync"

	"github.com/bitrise-io/go-chunkupload/session"
)

var (
	// ErrAlreadyRunning is returned when a session is started while another one is in flight.
	ErrAlreadyRunning = errors.New("upload is already running")
	// ErrNotRetryable is returned by Retry outside of the retryable states.
	ErrNotRetryable = errors.New("upload can not be retried in its current state")
	// ErrNotRevertable is returned by Revert when there is no completed upload.
	ErrNotRevertable = errors.New("upload can not be reverted in its current state")
)

// Handle is safe for concurrent use. Only the session it started last may change it.
type Handle struct {
	uploader *session.Uploader
	src      session.File
	opts     session.Options

	mu          sync.Mutex
	status      session.Status
	progress    int
	hasProgress bool
	id          string
	generation  uint64
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	result      session.Result
	onComplete  func(id string)
}

// New returns an idle Handle for src. opts.Observer, when set, receives the events
// of the current session.
func New(uploader *session.Uploader, src session.File, opts session.Options) *Handle {
	return &Handle{
		uploader: uploader,
		src:      src,
		opts:     opts,
		status:   session.StatusIdle,
	}
}

// OnComplete registers the callback notified with the id of every successful upload.
func (h *Handle) OnComplete(fn func(id string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onComplete = fn
}

// Start launches a new session in its own goroutine.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrAlreadyRunning
	}
	h.startLocked(ctx)
	return nil
}

// Retry starts a brand-new session on the same source. Nothing of a previous
// session is resumed.
func (h *Handle) Retry(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.canRetryLocked() {
		return ErrNotRetryable
	}
	h.startLocked(ctx)
	return nil
}

func (h *Handle) startLocked(ctx context.Context) {
	h.generation++
	generation := h.generation

	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	h.status = session.StatusPending
	h.progress = 0
	h.hasProgress = true
	h.id = ""
	h.running = true
	h.cancel = cancel
	h.done = done
	h.result = session.Result{}

	opts := h.opts
	opts.Observer = &sessionObserver{handle: h, generation: generation}

	go func() {
		defer close(done)
		defer cancel()

		result := h.uploader.Upload(sessionCtx, h.src, opts)
		h.finish(generation, result)
	}()
}

func (h *Handle) finish(generation uint64, result session.Result) {
	h.mu.Lock()
	if generation != h.generation {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.result = result
	h.status = result.Status
	h.id = result.ID
	onComplete := h.onComplete
	h.mu.Unlock()

	if result.Status == session.StatusSuccess && onComplete != nil {
		onComplete(result.ID)
	}
}

// Cancel signals the running session to stop. It does not wait for it.
func (h *Handle) Cancel() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current session finishes and returns its result.
func (h *Handle) Wait() session.Result {
	<-h.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result.Status == "" {
		return session.Result{ID: h.id, Status: h.status}
	}
	return h.result
}

// Done is closed when the current session finishes. It is closed already when
// no session was started.
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

// Revert deletes the uploaded file from the server and returns the handle to idle.
func (h *Handle) Revert(ctx context.Context) error {
	h.mu.Lock()
	if !h.canRevertLocked() {
		h.mu.Unlock()
		return ErrNotRevertable
	}
	id := h.id
	h.generation++
	// Start and Retry are refused until the file is deleted.
	h.running = true
	h.mu.Unlock()

	h.uploader.Revert(ctx, h.opts.Endpoint, id)

	h.mu.Lock()
	h.running = false
	h.id = ""
	h.status = session.StatusIdle
	h.hasProgress = false
	h.progress = 0
	h.result = session.Result{}
	h.mu.Unlock()

	if h.opts.Observer != nil {
		h.opts.Observer.OnStatusChange(session.StatusIdle)
	}
	return nil
}

func (h *Handle) Status() session.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Progress returns the overall percentage. It is absent until a session is started.
func (h *Handle) Progress() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress, h.hasProgress
}

// ID returns the session id of the completed upload.
func (h *Handle) ID() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, h.id != ""
}

// CanRetry reports whether a retry should be offered.
func (h *Handle) CanRetry() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canRetryLocked()
}

// CanRevert reports whether a revert should be offered.
func (h *Handle) CanRevert() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canRevertLocked()
}

func (h *Handle) canRetryLocked() bool {
	if h.running {
		return false
	}
	switch h.status {
	case session.StatusError, session.StatusCanceled, session.StatusPending, session.StatusIdle:
		return true
	default:
		return false
	}
}

func (h *Handle) canRevertLocked() bool {
	return !h.running && h.status == session.StatusSuccess && h.id != ""
}

type sessionObserver struct {
	handle     *Handle
	generation uint64
}

func (o *sessionObserver) OnProgress(percent int) {
	h := o.handle
	h.mu.Lock()
	if o.generation != h.generation {
		h.mu.Unlock()
		return
	}
	h.progress = percent
	h.mu.Unlock()

	if h.opts.Observer != nil {
		h.opts.Observer.OnProgress(percent)
	}
}

func (o *sessionObserver) OnStatusChange(status session.Status) {
	h := o.handle
	h.mu.Lock()
	if o.generation != h.generation {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.mu.Unlock()

	if h.opts.Observer != nil {
		h.opts.Observer.OnStatusChange(status)
	}
}
