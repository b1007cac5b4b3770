package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
nodes:
  - id: alpha
    addr: 127.0.0.1:7401
    data: /var/lib/furrow/alpha.db
  - id: bravo
    addr: 127.0.0.1:7402
    data: /var/lib/furrow/bravo.db
coordinator:
  decision_log: /var/lib/furrow/decisions.db
  prepare_timeout: 5s
  retry_interval: 100ms
lock_wait: 3s
`

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "furrow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(write(t, sample))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if len(cfg.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(cfg.Nodes))
	}
	if cfg.Nodes[0].ID != "alpha" || cfg.Nodes[1].ID != "bravo" {
		t.Errorf("node order not preserved: %s, %s", cfg.Nodes[0].ID, cfg.Nodes[1].ID)
	}
	if cfg.PrepareTimeout() != 5*time.Second {
		t.Errorf("prepare_timeout = %v, want 5s", cfg.PrepareTimeout())
	}
	if cfg.RetryInterval() != 100*time.Millisecond {
		t.Errorf("retry_interval = %v, want 100ms", cfg.RetryInterval())
	}
	if cfg.LockWait.Std() != 3*time.Second {
		t.Errorf("lock_wait = %v, want 3s", cfg.LockWait.Std())
	}

	n, ok := cfg.Node("bravo")
	if !ok || n.Addr != "127.0.0.1:7402" {
		t.Errorf("Node(bravo) = %+v, %v", n, ok)
	}
	if _, ok := cfg.Node("charlie"); ok {
		t.Error("Node(charlie) found")
	}
}

func TestLoad_EnvOverridesAddr(t *testing.T) {
	t.Setenv("FURROW_ADDR_BRAVO", "10.0.0.9:7402")

	cfg, err := Load(write(t, sample))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Nodes[1].Addr != "10.0.0.9:7402" {
		t.Errorf("addr = %s, env override ignored", cfg.Nodes[1].Addr)
	}
	if cfg.Nodes[0].Addr != "127.0.0.1:7401" {
		t.Errorf("addr = %s, unrelated node changed", cfg.Nodes[0].Addr)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"one node": `
nodes:
  - {id: alpha, addr: "a:1", data: a.db}
coordinator: {decision_log: d.db}
`,
		"duplicate ids": `
nodes:
  - {id: alpha, addr: "a:1", data: a.db}
  - {id: alpha, addr: "a:2", data: b.db}
coordinator: {decision_log: d.db}
`,
		"missing data path": `
nodes:
  - {id: alpha, addr: "a:1", data: a.db}
  - {id: bravo, addr: "a:2", data: ""}
coordinator: {decision_log: d.db}
`,
		"missing decision log": `
nodes:
  - {id: alpha, addr: "a:1", data: a.db}
  - {id: bravo, addr: "a:2", data: b.db}
`,
		"bad duration": `
nodes:
  - {id: alpha, addr: "a:1", data: a.db}
  - {id: bravo, addr: "a:2", data: b.db}
coordinator: {decision_log: d.db, prepare_timeout: soon}
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(write(t, content)); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
