package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/furrowdb/furrow/internal/fact"
)

// PreparedOptions holds flags for the prepared command.
type PreparedOptions struct {
	*RootOptions
	All bool
}

// NewPreparedCommand creates the prepared command and its resolve child.
func NewPreparedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PreparedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prepared",
		Short: "List in-doubt transactions on both nodes",
		Long: `List transactions sitting in the prepared state on each node. A
prepared transaction holds its row locks until resolved; long-lived
entries here mean the coordinator owes the cluster a decision.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrepared(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "include resolved transactions")

	cmd.AddCommand(newResolveCommand(rootOpts))
	return cmd
}

func runPrepared(cmd *cobra.Command, opts *PreparedOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	_, links, err := dial(cfg)
	if err != nil {
		return err
	}

	byNode := make(map[fact.NodeID][]fact.PreparedTxn, len(links))
	for _, l := range links {
		txns, err := l.ListPrepared(cmd.Context(), !opts.All)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("prepared on %s", l.Node()), err)
		}
		byNode[l.Node()] = txns
	}

	return printResult(cmd.OutOrStdout(), opts.Format, byNode, func(w io.Writer) error {
		fmt.Fprintf(w, "node\ttx\tstatus\tprepared-at\n")
		for _, l := range links {
			for _, txn := range byNode[l.Node()] {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					l.Node(), txn.GlobalTxID, txn.Status, txn.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
		}
		return nil
	})
}

func newResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <tx-id>",
		Short: "Resolve one in-doubt transaction from the decision log",
		Long: `Resolve one in-doubt transaction: commit if the decision log holds a
commit record for it, roll back otherwise (presumed abort).`,
		Args:          cobra.ExactArgs(1),
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
			coord, dlog, err := newCoordinator(cfg, log)
			if err != nil {
				return err
			}
			defer dlog.Close()

			state, err := coord.Resolve(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "resolve", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
			return nil
		},
	}
}
