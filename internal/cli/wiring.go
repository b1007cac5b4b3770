package cli

import (
	"github.com/furrowdb/furrow/internal/config"
	"github.com/furrowdb/furrow/internal/coordinator"
	"github.com/furrowdb/furrow/internal/federation"
	"github.com/furrowdb/furrow/internal/remote"
	"github.com/furrowdb/furrow/internal/route"

	"go.uber.org/zap"
)

// dial builds the router and an HTTP link to each configured node.
func dial(cfg *config.Config) (*route.Router, []remote.Link, error) {
	router, err := route.New(cfg.Nodes[0].ID, cfg.Nodes[1].ID)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "routing", err)
	}
	links := make([]remote.Link, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		links[i] = remote.NewHTTPLink(n.ID, "http://"+n.Addr)
	}
	return router, links, nil
}

// newFederation wires the federated read layer from the config.
func newFederation(cfg *config.Config, log *zap.Logger) (*federation.Federation, []remote.Link, error) {
	router, links, err := dial(cfg)
	if err != nil {
		return nil, nil, err
	}
	f, err := federation.New(router, links, log)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "federation", err)
	}
	return f, links, nil
}

// newCoordinator wires a coordinator over the configured nodes. The caller
// closes the returned decision log.
func newCoordinator(cfg *config.Config, log *zap.Logger) (*coordinator.Coordinator, *coordinator.DecisionLog, error) {
	router, links, err := dial(cfg)
	if err != nil {
		return nil, nil, err
	}
	dlog, err := coordinator.OpenDecisionLog(cfg.Coordinator.DecisionLog)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "decision log", err)
	}
	coord, err := coordinator.New(router, links, dlog, log)
	if err != nil {
		dlog.Close()
		return nil, nil, WrapExitError(ExitCommandError, "coordinator", err)
	}
	if d := cfg.PrepareTimeout(); d > 0 {
		coord.SetPrepareTimeout(d)
	}
	if d := cfg.RetryInterval(); d > 0 {
		coord.SetRetryInterval(d)
	}
	return coord, dlog, nil
}
