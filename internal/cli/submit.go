package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/furrowdb/furrow/internal/fact"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	File string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a transaction across both nodes",
		Long: `Submit a transaction and report its definitive outcome.

The transaction is read as JSON from --file (or stdin with "-"):

  {"statements": [
    {"op": "INSERT", "harvest": {"id": 4, "field_id": 1, "crop_id": 7,
     "harvest_date": "2026-06-15", "yield": "812.5"}},
    {"op": "UPDATE", "id": 9, "new_yield": "101.25"},
    {"op": "DELETE", "id": 12}
  ]}

Statements are routed to the owning nodes and committed atomically: either
every node applies its share or none does. An outcome in state UNKNOWN
means the commit is decided but not yet acknowledged everywhere; the
recovery sweep will finish it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "-", "transaction JSON file, - for stdin")

	return cmd
}

func runSubmit(cmd *cobra.Command, opts *SubmitOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log, err := opts.logger()
	if err != nil {
		return WrapExitError(ExitCommandError, "logger", err)
	}

	spec, err := readSpec(opts.File, cmd.InOrStdin())
	if err != nil {
		return err
	}

	coord, dlog, err := newCoordinator(cfg, log)
	if err != nil {
		return err
	}
	defer dlog.Close()

	outcome, submitErr := coord.Submit(cmd.Context(), spec)

	out := cmd.OutOrStdout()
	printErr := printResult(out, opts.Format, outcome, func(w io.Writer) error {
		fmt.Fprintf(w, "tx:    %s\n", outcome.TxID)
		fmt.Fprintf(w, "state: %s\n", outcome.State)
		if outcome.Reason != "" {
			fmt.Fprintf(w, "reason: %s\n", outcome.Reason)
		}
		return nil
	})
	if printErr != nil {
		return printErr
	}

	if submitErr != nil {
		return WrapExitError(ExitFailure, "transaction not committed", submitErr)
	}
	return nil
}

func readSpec(path string, stdin io.Reader) (fact.TransactionSpec, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fact.TransactionSpec{}, WrapExitError(ExitCommandError, "read transaction", err)
		}
		defer f.Close()
		r = f
	}
	var spec fact.TransactionSpec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return fact.TransactionSpec{}, WrapExitError(ExitCommandError, "parse transaction", err)
	}
	return spec, nil
}
