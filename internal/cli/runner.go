package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-chunkupload/session"
	"github.com/bitrise-io/go-chunkupload/source"
	"github.com/bitrise-io/go-chunkupload/tray"
	"github.com/bitrise-io/go-utils/retry"
)

type uploadOutcome struct {
	Name   string
	ID     string
	Status session.Status
	Err    error
}

// uploadAll uploads every source in its own session, at most Upload.Parallel at a time.
// Outcomes keep the order of sources; rejected sources come last.
func (a *app) uploadAll(ctx context.Context, uploader *session.Uploader, sources []source.Source) []uploadOutcome {
	maxSize, err := a.cfg.MaxFileSizeBytes()
	if err != nil {
		maxSize = 0
	}
	chunkSize, err := a.cfg.ChunkSizeBytes()
	if err != nil {
		chunkSize = 0
	}

	t := tray.New(uploader, tray.Config{
		MaxFiles:      len(sources),
		AcceptedTypes: a.cfg.Upload.AcceptedTypes,
		MaxSize:       maxSize,
		InstantUpload: false,
		Endpoint:      a.cfg.Server.Endpoint,
		ChunkSize:     chunkSize,
	}, a.logger)
	items, rejections := t.Add(ctx, sources...)

	outcomes := make([]uploadOutcome, len(items), len(items)+len(rejections))
	sem := make(chan struct{}, a.cfg.Upload.Parallel)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item *tray.Item) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcomes[i] = a.uploadWithRetry(ctx, item)
		}(i, item)
	}
	wg.Wait()

	for _, r := range rejections {
		outcomes = append(outcomes, uploadOutcome{Name: r.Name, Status: session.StatusError, Err: r.Reason})
	}
	return outcomes
}

// uploadWithRetry starts a fresh session until one succeeds, the attempts run out or
// the upload is canceled.
func (a *app) uploadWithRetry(ctx context.Context, item *tray.Item) uploadOutcome {
	h := item.Handle()
	outcome := uploadOutcome{Name: item.Name(), Status: session.StatusIdle}

	err := retry.Times(uint(a.cfg.Upload.Attempts - 1)).Wait(a.cfg.Upload.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		var startErr error
		if attempt == 0 {
			startErr = h.Start(ctx)
		} else {
			a.logger.Warnf("Retrying upload of %s (%d/%d)", item.Name(), attempt+1, a.cfg.Upload.Attempts)
			startErr = h.Retry(ctx)
		}
		if startErr != nil {
			return startErr, true
		}

		result := h.Wait()
		outcome.Status = result.Status
		outcome.ID = result.ID
		outcome.Err = result.Err

		switch result.Status {
		case session.StatusSuccess:
			return nil, false
		case session.StatusCanceled:
			return errOrStatus(result), true
		default:
			return errOrStatus(result), false
		}
	})
	if err != nil && outcome.Err == nil {
		outcome.Err = err
	}
	return outcome
}

func errOrStatus(result session.Result) error {
	if result.Err != nil {
		return result.Err
	}
	return fmt.Errorf("upload ended with status %s", result.Status)
}
