package session

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type uploadTracker struct {
	tracker analytics.Tracker
}

func newUploadTracker(tracker analytics.Tracker) uploadTracker {
	return uploadTracker{tracker: tracker}
}

func (t uploadTracker) logUploadStarted(fileSize int64, chunkCount int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"file_size_bytes": fileSize,
		"chunk_count":     chunkCount,
	}
	t.tracker.Enqueue("chunk_upload_started", properties)
}

func (t uploadTracker) logUploadFinished(status Status, fileSize int64, chunksSent int, avgChunkTime, uploadTime time.Duration) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"status":          string(status),
		"file_size_bytes": fileSize,
		"chunks_sent":     chunksSent,
		"avg_chunk_ms":    avgChunkTime.Milliseconds(),
		"upload_time_s":   uploadTime.Truncate(time.Second).Seconds(),
	}
	t.tracker.Enqueue("chunk_upload_finished", properties)
}
