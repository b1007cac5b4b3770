// Package config loads the deployment layout: both partition nodes, the
// coordinator's decision log, and the protocol timeouts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/furrowdb/furrow/internal/fact"
)

// Duration parses YAML values like "5s" or "100ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Node is one partition's identity and location.
type Node struct {
	ID   fact.NodeID `yaml:"id"`
	Addr string      `yaml:"addr"`
	Data string      `yaml:"data"`
}

// Coordinator configures the transaction coordinator.
type Coordinator struct {
	DecisionLog    string   `yaml:"decision_log"`
	PrepareTimeout Duration `yaml:"prepare_timeout"`
	RetryInterval  Duration `yaml:"retry_interval"`
}

// Config is the full deployment description. Node order is significant: it
// is the routing order, and every process must load the same one.
type Config struct {
	Nodes       []Node      `yaml:"nodes"`
	Coordinator Coordinator `yaml:"coordinator"`
	LockWait    Duration    `yaml:"lock_wait"`
}

// Load reads, overrides, and validates the config at path. A node's address
// can be overridden with FURROW_ADDR_<NODE-ID> so one file serves all hosts.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	for i := range cfg.Nodes {
		env := "FURROW_ADDR_" + strings.ToUpper(string(cfg.Nodes[i].ID))
		if addr := os.Getenv(env); addr != "" {
			cfg.Nodes[i].Addr = addr
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Nodes) != 2 {
		return fmt.Errorf("exactly two nodes required, got %d", len(c.Nodes))
	}
	if c.Nodes[0].ID == c.Nodes[1].ID {
		return fmt.Errorf("node ids must differ, both %q", c.Nodes[0].ID)
	}
	for _, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node id must be non-empty")
		}
		if n.Addr == "" {
			return fmt.Errorf("node %s: addr must be non-empty", n.ID)
		}
		if n.Data == "" {
			return fmt.Errorf("node %s: data path must be non-empty", n.ID)
		}
	}
	if c.Coordinator.DecisionLog == "" {
		return fmt.Errorf("coordinator decision_log path must be non-empty")
	}
	return nil
}

// Node returns the configured entry for id.
func (c *Config) Node(id fact.NodeID) (Node, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// PrepareTimeout returns the configured voting deadline, or zero to accept
// the coordinator default.
func (c *Config) PrepareTimeout() time.Duration { return c.Coordinator.PrepareTimeout.Std() }

// RetryInterval returns the configured commit retry pause, or zero to accept
// the coordinator default.
func (c *Config) RetryInterval() time.Duration { return c.Coordinator.RetryInterval.Std() }
