// Package session drives the chunked upload protocol: it allocates an upload id, sends the
// chunks of a file strictly in order and reports progress and status to an Observer.
package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/progress"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	// DefaultEndpoint is the path the receiving service serves uploads on.
	DefaultEndpoint = "/filepond"
	// DefaultChunkSize is the maximum size of a single PATCH body.
	DefaultChunkSize int64 = 80 * 1024 * 1024
)

// File is the byte source of an upload. It is owned by the caller and only read by the session.
type File interface {
	io.ReaderAt
	Name() string
	Size() int64
}

// Config holds configuration for the Uploader.
type Config struct {
	// BaseURL is prepended to relative endpoints, e.g. https://example.com.
	BaseURL string
	// Endpoint defaults to DefaultEndpoint.
	Endpoint string
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int64
	// Sender defaults to a transport.Client.
	Sender transport.Sender
	Logger log.Logger
	// Tracker is optional; upload events are enqueued on it when set.
	Tracker analytics.Tracker
	// RevertOnChunkFailure deletes the partially uploaded file when a chunk fails.
	// By default the partial upload is left on the server.
	RevertOnChunkFailure bool
	// ParseID extracts the session id from the initiation response. Defaults to ParseTextID.
	ParseID func(body []byte) (string, error)
}

// Options override the Uploader configuration for a single upload.
type Options struct {
	ChunkSize int64
	Endpoint  string
	Observer  Observer
}

// Result is the outcome of an upload. ID is only set when Status is StatusSuccess.
// Err holds the cause of an error or cancellation; it is informational, failures are
// signalled through Status.
type Result struct {
	ID            string
	Status        Status
	Err           error
	UploadedBytes int64
}

// Uploader runs upload sessions. It holds no per-session state and is safe for concurrent use.
type Uploader struct {
	config  Config
	sender  transport.Sender
	logger  log.Logger
	tracker uploadTracker
}

// New creates an Uploader with the given configuration.
func New(config Config) *Uploader {
	if config.Logger == nil {
		config.Logger = log.NewLogger()
	}
	if config.Sender == nil {
		config.Sender = transport.NewClient(config.Logger)
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ParseID == nil {
		config.ParseID = ParseTextID
	}

	return &Uploader{
		config:  config,
		sender:  config.Sender,
		logger:  config.Logger,
		tracker: newUploadTracker(config.Tracker),
	}
}

// Upload sends file to the server and returns the session id on success.
// Cancelling ctx stops the upload: the in-flight request is aborted and no further chunk is sent.
// Upload never returns a failure other than through Result.
func (u *Uploader) Upload(ctx context.Context, file File, opts Options) Result {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = u.config.ChunkSize
	}
	observer := opts.Observer
	if observer == nil {
		observer = ObserverFuncs{}
	}

	r := u.newRun(file, observer)
	endpoint, err := u.resolve(opts.Endpoint)
	if err != nil {
		return r.fail(&InitiationFailedError{Err: err})
	}
	r.endpoint = endpoint
	r.chunkSize = chunkSize
	return r.execute(ctx)
}

// Revert deletes a previously uploaded file by its session id. It is best-effort:
// failures are logged and never returned.
func (u *Uploader) Revert(ctx context.Context, endpoint, id string) {
	if id == "" {
		u.logger.Warnf("Revert skipped: empty upload ID")
		return
	}

	target, err := u.resolve(endpoint)
	if err != nil {
		u.logger.Warnf("Cancel upload failed: %s", err)
		return
	}

	u.logger.Debugf("Reverting upload %s", id)
	if _, err := u.sender.Send(ctx, transport.Request{
		Method: http.MethodDelete,
		URL:    target,
		Body:   transport.String(id),
	}); err != nil {
		u.logger.Warnf("Cancel upload failed: %s", err)
		return
	}
	u.logger.Debugf("Upload %s reverted", id)
}

// Endpoint returns the configured default endpoint.
func (u *Uploader) Endpoint() string {
	return u.config.Endpoint
}

func (u *Uploader) resolve(endpoint string) (string, error) {
	if endpoint == "" {
		endpoint = u.config.Endpoint
	}

	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %s: %w", endpoint, err)
	}
	if ref.IsAbs() || u.config.BaseURL == "" {
		return ref.String(), nil
	}

	base, err := url.Parse(strings.TrimSuffix(u.config.BaseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("parse base URL %s: %w", u.config.BaseURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (u *Uploader) newRun(file File, observer Observer) *run {
	return &run{
		uploader: u,
		file:     file,
		observer: observer,
		status:   StatusPending,
		progress: progress.New(file.Size()),
	}
}

// run is the state of a single session. Apart from progress it is only touched by the goroutine executing it.
type run struct {
	uploader  *Uploader
	file      File
	observer  Observer
	endpoint  string
	chunkSize int64

	id         string
	status     Status
	progress   *progress.Aggregator
	// progressMu serializes progress delivery; transport reports from the body writer goroutine.
	progressMu sync.Mutex
	stats      chunkStats
	startTime  time.Time
}

func (r *run) execute(ctx context.Context) Result {
	logger := r.uploader.logger
	r.startTime = time.Now()

	chunks, err := chunk.Split(r.file.Size(), r.chunkSize)
	if err != nil {
		return r.fail(&InitiationFailedError{Err: err})
	}

	logger.Debugf("Uploading %s (%s) in %d chunk(s) of max %s",
		r.file.Name(),
		units.HumanSizeWithPrecision(float64(r.file.Size()), 3),
		len(chunks),
		units.HumanSizeWithPrecision(float64(r.chunkSize), 3))
	r.uploader.tracker.logUploadStarted(r.file.Size(), len(chunks))

	id, err := r.initiate(ctx)
	if err != nil {
		if isCanceled(ctx, err) {
			return r.cancel(err)
		}
		logger.Errorf("Upload initialization failed: %s", err)
		return r.fail(&InitiationFailedError{Err: err})
	}
	r.id = id
	logger.Debugf("Upload ID: %s", id)
	r.transition(StatusUploading)

	target, err := patchURL(r.endpoint, id)
	if err != nil {
		return r.fail(&ChunkTransmissionFailedError{Err: err})
	}

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			logger.Debugf("Upload canceled before chunk %d/%d", c.Index+1, len(chunks))
			return r.cancel(err)
		}

		if err := r.sendChunk(ctx, target, c, len(chunks)); err != nil {
			if isCanceled(ctx, err) {
				return r.cancel(err)
			}
			logger.Errorf("Chunk %d upload error: %s", c.Index+1, err)
			chunkErr := &ChunkTransmissionFailedError{Index: c.Index, Offset: c.Offset, Err: err}
			if r.uploader.config.RevertOnChunkFailure {
				r.uploader.Revert(ctx, r.endpoint, id)
			}
			return r.fail(chunkErr)
		}
	}

	r.completeProgress()
	r.transition(StatusSuccess)
	r.finish()

	logger.Debugf("Upload %s finished in %s (%d chunk(s), avg %s, transfer %s)",
		id, time.Since(r.startTime).Round(time.Millisecond),
		r.stats.count(), r.stats.average().Round(time.Millisecond), r.stats.total().Round(time.Millisecond))
	return Result{ID: id, Status: StatusSuccess, UploadedBytes: r.progress.UploadedBytes()}
}

func (r *run) initiate(ctx context.Context) (string, error) {
	resp, err := r.uploader.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    r.endpoint,
		Header: initiationHeader(r.file.Name(), r.file.Size()),
	})
	if err != nil {
		return "", err
	}

	return r.uploader.config.ParseID(resp)
}

func (r *run) sendChunk(ctx context.Context, target string, c chunk.Chunk, total int) error {
	data, err := c.Read(r.file)
	if err != nil {
		return err
	}

	r.uploader.logger.Debugf("Uploading chunk %d/%d (offset %d, %s)",
		c.Index+1, total, c.Offset, units.HumanSizeWithPrecision(float64(c.Size), 3))

	start := time.Now()
	_, err = r.uploader.sender.Send(ctx, transport.Request{
		Method: http.MethodPatch,
		URL:    target,
		Header: chunkHeader(r.file.Name(), r.file.Size(), c.Offset),
		Body:   transport.Bytes(data),
		OnProgress: func(percent int) {
			r.reportProgress(c, percent)
		},
	})
	if err != nil {
		return err
	}
	r.stats.update(time.Since(start))

	r.reportProgress(c, 100)
	return nil
}

func (r *run) reportProgress(c chunk.Chunk, percent int) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()

	if p, changed := r.progress.Update(c.Offset, c.Size, percent); changed {
		r.observer.OnProgress(p)
	}
}

func (r *run) completeProgress() {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()

	if p, changed := r.progress.Complete(); changed {
		r.observer.OnProgress(p)
	}
}

func (r *run) transition(status Status) {
	if r.status.IsTerminal() || r.status == status {
		return
	}
	r.status = status
	r.observer.OnStatusChange(status)
}

func (r *run) fail(err error) Result {
	r.transition(StatusError)
	r.finish()
	return Result{Status: StatusError, Err: err, UploadedBytes: r.progress.UploadedBytes()}
}

func (r *run) cancel(err error) Result {
	r.uploader.logger.Warnf("Upload of %s canceled", r.file.Name())
	r.transition(StatusCanceled)
	r.finish()
	return Result{Status: StatusCanceled, Err: err, UploadedBytes: r.progress.UploadedBytes()}
}

func (r *run) finish() {
	var elapsed time.Duration
	if !r.startTime.IsZero() {
		elapsed = time.Since(r.startTime)
	}
	r.uploader.tracker.logUploadFinished(r.status, r.file.Size(), r.stats.count(), r.stats.average(), elapsed)
}

func isCanceled(ctx context.Context, err error) bool {
	return transport.IsAborted(err) || ctx.Err() != nil
}

func patchURL(endpoint, id string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %s: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("patch", id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
