package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewTotalsCommand creates the totals command.
func NewTotalsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totals",
		Short: "Show global per-crop yield totals",
		Long: `Show global per-crop yield totals, summed from both nodes' partial
aggregates. There is no degraded form: totals either cover the whole
table or fail.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			log, err := rootOpts.logger()
			if err != nil {
				return WrapExitError(ExitCommandError, "logger", err)
			}
			fed, _, err := newFederation(cfg, log)
			if err != nil {
				return err
			}
			totals, err := fed.CropTotals(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "totals", err)
			}
			return printResult(cmd.OutOrStdout(), rootOpts.Format, totals, func(w io.Writer) error {
				fmt.Fprintf(w, "crop\ttotal\n")
				for _, t := range totals {
					fmt.Fprintf(w, "%d\t%s\n", t.CropID, t.Total)
				}
				return nil
			})
		},
	}
	return cmd
}
