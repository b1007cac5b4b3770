package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/furrowdb/furrow/internal/closure"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	ClosureFile string
}

// fileClosure reads closure triples exported by the taxonomy system.
type fileClosure struct {
	path string
}

func (f fileClosure) Closure(_ context.Context, relation string) ([]closure.Triple, error) {
	buf, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var relations map[string][]closure.Triple
	if err := json.Unmarshal(buf, &relations); err != nil {
		return nil, err
	}
	return relations[relation], nil
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Roll global crop totals up the crop taxonomy",
		Long: `Roll global crop totals up the crop taxonomy.

The taxonomy comes from the collaborating closure-table export: a JSON
object mapping relation names to ancestor/descendant/depth triples.

Example:
  furrow report --closure crops_closure.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log, err := opts.logger()
			if err != nil {
				return WrapExitError(ExitCommandError, "logger", err)
			}
			fed, _, err := newFederation(cfg, log)
			if err != nil {
				return err
			}

			rows, err := closure.Rollup(cmd.Context(), fileClosure{path: opts.ClosureFile}, fed)
			if err != nil {
				return WrapExitError(ExitFailure, "rollup", err)
			}
			if opts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			return closure.Render(cmd.OutOrStdout(), rows)
		},
	}

	cmd.Flags().StringVar(&opts.ClosureFile, "closure", "", "closure-table JSON export (required)")
	cobra.CheckErr(cmd.MarkFlagRequired("closure"))

	return cmd
}
