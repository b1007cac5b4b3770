package cli

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/furrowdb/furrow/internal/fact"
)

// NewRuleCommand creates the rule command with its get and set children.
func NewRuleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Inspect and configure business rules",
		Long: `Inspect and configure rows of the business rule table.

Rules are keyed by aggregate subject (for a crop total: crop_total/<id>)
and replicated to both nodes; a rule change takes effect for transactions
submitted after it lands, never retroactively.`,
	}
	cmd.AddCommand(newRuleGetCommand(rootOpts))
	cmd.AddCommand(newRuleSetCommand(rootOpts))
	return cmd
}

func newRuleGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <rule-key>",
		Short:         "Show a rule as each node sees it",
		Args:          cobra.ExactArgs(1),
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

			type nodeRule struct {
				Node       fact.NodeID `json:"node"`
				Configured bool        `json:"configured"`
				Rule       fact.Rule   `json:"rule,omitempty"`
			}
			out := make([]nodeRule, 0, len(links))
			for _, l := range links {
				rule, ok, err := l.GetRule(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitFailure, fmt.Sprintf("rule on %s", l.Node()), err)
				}
				out = append(out, nodeRule{Node: l.Node(), Configured: ok, Rule: rule})
			}

			return printResult(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) error {
				for _, nr := range out {
					if !nr.Configured {
						fmt.Fprintf(w, "%s: not configured\n", nr.Node)
						continue
					}
					fmt.Fprintf(w, "%s: threshold=%s active=%v %s\n",
						nr.Node, nr.Rule.Threshold, nr.Rule.Active, nr.Rule.Description)
				}
				return nil
			})
		},
	}
}

// RuleSetOptions holds flags for the rule set command.
type RuleSetOptions struct {
	*RootOptions
	Threshold string
	Inactive  bool
	Desc      string
}

func newRuleSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RuleSetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <rule-key>",
		Short: "Set a rule on both nodes",
		Long: `Set a rule on both nodes.

Example:
  furrow rule set crop_total/7 --threshold 4500.5 --desc "storage cap"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			threshold, err := decimal.NewFromString(opts.Threshold)
			if err != nil {
				return WrapExitError(ExitCommandError, "parse threshold", err)
			}
			rule := fact.Rule{
				Key:         args[0],
				Threshold:   threshold,
				Active:      !opts.Inactive,
				Description: opts.Desc,
			}

			_, links, err := dial(cfg)
			if err != nil {
				return err
			}
			for _, l := range links {
				if err := l.SetRule(cmd.Context(), rule); err != nil {
					return WrapExitError(ExitFailure, fmt.Sprintf("set rule on %s", l.Node()), err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rule %s set on %d nodes\n", rule.Key, len(links))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Threshold, "threshold", "", "aggregate ceiling (required)")
	cmd.Flags().BoolVar(&opts.Inactive, "inactive", false, "store the rule deactivated")
	cmd.Flags().StringVar(&opts.Desc, "desc", "", "rule description")
	cobra.CheckErr(cmd.MarkFlagRequired("threshold"))

	return cmd
}
