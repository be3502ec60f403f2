package cli

import (
	"fmt"
	"io"

	"github.com/bitrise-io/go-chunkupload/analytics"
	"github.com/bitrise-io/go-chunkupload/session"
	"github.com/spf13/cobra"
)

type uploadOptions struct {
	chunkSize       string
	archive         string
	attempts        int
	parallel        int
	accept          []string
	revertOnFailure bool
}

func newUploadCmd(a *app) *cobra.Command {
	opts := &uploadOptions{}

	cmd := &cobra.Command{
		Use:   "upload <path|glob|s3://bucket/key|https://url>...",
		Short: "Upload files in chunks",
		Long: `Upload one or more files. Every file is sent in its own session: an upload id is
requested first, then the chunks are sent one after the other. The ids of the
uploaded files are printed to stdout, one "name<TAB>id" line per file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUpload(cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.chunkSize, "chunk-size", "", "Maximum chunk size, e.g. 80MiB")
	cmd.Flags().StringVar(&opts.archive, "archive", "", "Bundle the local paths into a tar.zst archive with this name and upload that")
	cmd.Flags().IntVar(&opts.attempts, "attempts", 0, "Number of sessions started per file before giving up")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 0, "Number of files uploaded at the same time")
	cmd.Flags().StringSliceVar(&opts.accept, "accept", nil, "Accepted media types, e.g. image/*,application/pdf")
	cmd.Flags().BoolVar(&opts.revertOnFailure, "revert-on-failure", false, "Delete partially uploaded files when a chunk fails")

	return cmd
}

func (a *app) runUpload(cmd *cobra.Command, args []string, opts *uploadOptions) error {
	if err := a.applyUploadOptions(cmd, opts); err != nil {
		return err
	}

	ctx := cmd.Context()
	sources, cleanup, err := a.collectSources(ctx, args, opts.archive)
	if err != nil {
		return err
	}
	defer cleanup()

	uploader, flush, err := a.newUploader()
	if err != nil {
		return err
	}
	defer flush()

	outcomes := a.uploadAll(ctx, uploader, sources)
	return reportOutcomes(cmd.OutOrStdout(), a, outcomes)
}

func (a *app) applyUploadOptions(cmd *cobra.Command, opts *uploadOptions) error {
	flags := cmd.Flags()
	if flags.Changed("chunk-size") {
		a.cfg.Upload.ChunkSize = opts.chunkSize
	}
	if flags.Changed("attempts") {
		a.cfg.Upload.Attempts = opts.attempts
	}
	if flags.Changed("parallel") {
		a.cfg.Upload.Parallel = opts.parallel
	}
	if flags.Changed("accept") {
		a.cfg.Upload.AcceptedTypes = opts.accept
	}
	if flags.Changed("revert-on-failure") {
		a.cfg.Upload.RevertOnChunkFailure = opts.revertOnFailure
	}
	return a.cfg.Validate()
}

// newUploader returns the uploader and a function flushing its pending analytics events.
func (a *app) newUploader() (*session.Uploader, func(), error) {
	chunkSize, err := a.cfg.ChunkSizeBytes()
	if err != nil {
		return nil, nil, err
	}

	config := session.Config{
		BaseURL:              a.cfg.Server.BaseURL,
		Endpoint:             a.cfg.Server.Endpoint,
		ChunkSize:            chunkSize,
		Sender:               a.newTransport(),
		Logger:               a.logger,
		RevertOnChunkFailure: a.cfg.Upload.RevertOnChunkFailure,
	}
	flush := func() {}
	if a.cfg.Analytics {
		tracker := analytics.NewDefaultUploadTracker(a.envRepo, a.logger)
		config.Tracker = tracker
		flush = tracker.Wait
	}
	return session.New(config), flush, nil
}

func reportOutcomes(w io.Writer, a *app, outcomes []uploadOutcome) error {
	failed := 0
	for _, o := range outcomes {
		if o.Status == session.StatusSuccess {
			a.logger.Donef("%s uploaded", o.Name)
			if _, err := fmt.Fprintf(w, "%s\t%s\n", o.Name, o.ID); err != nil {
				return err
			}
			continue
		}

		failed++
		if o.Err != nil {
			a.logger.Errorf("%s: %s (%s)", o.Name, o.Status, o.Err)
		} else {
			a.logger.Errorf("%s: %s", o.Name, o.Status)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d upload(s) failed", failed, len(outcomes))
	}
	return nil
}
