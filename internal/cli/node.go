package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/participant"
	"github.com/furrowdb/furrow/internal/remote"
	"github.com/furrowdb/furrow/internal/route"
	"github.com/furrowdb/furrow/internal/store"
)

// NodeOptions holds flags for the node command.
type NodeOptions struct {
	*RootOptions
	ID string
}

// NewNodeCommand creates the node command, which serves one partition.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "node --id <node-id>",
		Short: "Serve one partition of the fact table",
		Long: `Serve one partition of the fact table over HTTP.

On startup the node re-acquires row locks for every transaction still
prepared on disk, so in-doubt transactions keep blocking conflicting
writers until the coordinator resolves them.

Example:
  furrow node --id alpha --config furrow.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "node id from the config (required)")
	cobra.CheckErr(cmd.MarkFlagRequired("id"))

	return cmd
}

func runNode(ctx context.Context, opts *NodeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	self, ok := cfg.Node(fact.NodeID(opts.ID))
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("node %q not in config", opts.ID))
	}

	log, err := zap.NewProduction()
	if opts.Verbose {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "logger", err)
	}
	defer log.Sync()

	router, err := route.New(cfg.Nodes[0].ID, cfg.Nodes[1].ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "routing", err)
	}

	s, err := store.Open(self.Data, self.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer s.Close()

	p := participant.New(s, router, log, cfg.LockWait.Std())
	pending, err := p.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "recover prepared transactions", err)
	}
	log.Info("node ready",
		zap.String("node", string(self.ID)),
		zap.String("addr", self.Addr),
		zap.Int("prepared_pending", len(pending)))

	srv := &http.Server{
		Addr:    self.Addr,
		Handler: remote.NewServer(remote.NewLocalLink(p), log),
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return WrapExitError(ExitCommandError, "serve", err)
	}
	return nil
}
