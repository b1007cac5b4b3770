package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/lock"
)

// NewLocksCommand creates the locks command.
func NewLocksCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "locks",
		Short:         "Show row locks held and waited on, per node",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			_, links, err := dial(cfg)
			if err != nil {
				return err
			}

			all := make(map[fact.NodeID][]lock.Info, len(links))
			for _, l := range links {
				infos, err := l.Locks(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, fmt.Sprintf("locks on %s", l.Node()), err)
				}
				all[l.Node()] = infos
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Format, all, func(w io.Writer) error {
				fmt.Fprintf(w, "node\tkey\tholder\twaiter\tmode\theld\twaiting\n")
				for _, l := range links {
					for _, info := range all[l.Node()] {
						fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
							l.Node(), info.Key, info.HolderTx, orDash(info.WaiterTx),
							info.Mode, info.Age, info.WaitAge)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
