// Package analytics creates the event tracker used by upload sessions.
package analytics

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	RunIDEnvKey = "CHUNKUPLOAD_RUN_ID"
	RunID       = "run_id"
	CIEnvKey    = "CI"
	Client      = "client"
	ClientName  = "chunkupload"
)

// NewUploadTracker returns a tracker whose events carry the client name, whether the
// command runs on CI and the optional run id of the environment.
func NewUploadTracker(repository env.Repository, trackerFactory TrackerFactory) analytics.Tracker {
	properties := analytics.Properties{
		Client: ClientName,
		"ci":   repository.Get(CIEnvKey) == "true",
	}
	if runID := repository.Get(RunIDEnvKey); runID != "" {
		properties[RunID] = runID
	}
	return trackerFactory(properties)
}

// NewDefaultUploadTracker ...
func NewDefaultUploadTracker(repository env.Repository, logger log.Logger) analytics.Tracker {
	return NewUploadTracker(repository, func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	})
}
