// Package cli implements the furrow command line: serving a partition node,
// submitting transactions, federated queries, and the operator tooling
// around prepared transactions, locks, rules, and integrity checks.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/furrowdb/furrow/internal/config"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "text" | "json"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the furrow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "furrow",
		Short: "Distributed harvest fact table",
		Long: `furrow runs an agricultural harvest fact table fragmented across two
storage nodes, with atomic cross-node transactions and federated queries.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "furrow.yaml", "path to the deployment config")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewNodeCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewTotalsCommand(opts))
	cmd.AddCommand(NewLocksCommand(opts))
	cmd.AddCommand(NewPreparedCommand(opts))
	cmd.AddCommand(NewRuleCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads the deployment config named by the global flag.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "config", err)
	}
	return cfg, nil
}

// logger builds the CLI logger: silent by default, development output with
// --verbose.
func (o *RootOptions) logger() (*zap.Logger, error) {
	if o.Verbose {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}
