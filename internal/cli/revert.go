package cli

import (
	"github.com/spf13/cobra"
)

func newRevertCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revert <id>...",
		Short: "Delete uploaded files from the server",
		Long:  "Delete uploaded files by their upload id. Failures are logged and do not fail the command.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploader, flush, err := a.newUploader()
			if err != nil {
				return err
			}
			defer flush()

			for _, id := range args {
				uploader.Revert(cmd.Context(), "", id)
			}
			a.logger.Donef("Revert requested for %d upload(s)", len(args))
			return nil
		},
	}
}
