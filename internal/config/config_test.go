package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != filepath.Join(home, "stewardq.db") {
		t.Fatalf("db path: %q", cfg.DBPath)
	}
	if cfg.LeaseTTL() != 15*time.Second {
		t.Fatalf("lease ttl: %v", cfg.LeaseTTL())
	}
	if cfg.Queue.ClaimBatchSize != 4 || cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("queue defaults: %+v", cfg.Queue)
	}
	if cfg.Routing.ConfidenceThreshold != 0.55 {
		t.Fatalf("routing threshold: %v", cfg.Routing.ConfidenceThreshold)
	}
	if cfg.Routing.SpeculativeSearch {
		t.Fatal("speculative search should default off")
	}
}

func TestLoadFromYAML(t *testing.T) {
	home := t.TempDir()
	raw := `
bind_addr: "0.0.0.0:9999"
worker_count: 8
queue:
  lease_ttl_ms: 30000
  claim_batch_size: 2
routing:
  confidence_threshold: 0.7
  speculative_search: true
handler_endpoints:
  canvas.agent_prompt: "http://localhost:7000/run"
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" || cfg.WorkerCount != 8 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.LeaseTTL() != 30*time.Second {
		t.Fatalf("lease ttl: %v", cfg.LeaseTTL())
	}
	if cfg.Routing.ConfidenceThreshold != 0.7 || !cfg.Routing.SpeculativeSearch {
		t.Fatalf("routing: %+v", cfg.Routing)
	}
	if cfg.HandlerEndpoints["canvas.agent_prompt"] != "http://localhost:7000/run" {
		t.Fatalf("handler endpoints: %+v", cfg.HandlerEndpoints)
	}
}

func TestEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STEWARDQ_LEASE_TTL_MS", "2500")
	t.Setenv("STEWARDQ_ROUTING_THRESHOLD", "0.8")
	t.Setenv("STEWARDQ_SPECULATIVE_SEARCH", "true")

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LeaseTTL() != 2500*time.Millisecond {
		t.Fatalf("lease ttl: %v", cfg.LeaseTTL())
	}
	if cfg.Routing.ConfidenceThreshold != 0.8 || !cfg.Routing.SpeculativeSearch {
		t.Fatalf("routing: %+v", cfg.Routing)
	}
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	home := t.TempDir()
	a, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs produced different fingerprints")
	}
	b.WorkerCount = 99
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("config change did not change fingerprint")
	}
}
