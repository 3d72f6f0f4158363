package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBackfillLimitClamp(t *testing.T) {
	t.Setenv("BACKFILL_LIMIT", "200")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BackfillLimit != maxBackfillLimit {
		t.Fatalf("expected backfill limit %d, got %d", maxBackfillLimit, cfg.BackfillLimit)
	}
}

func TestQueueSizeRespectsWorkers(t *testing.T) {
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("QUEUE_SIZE", "4")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.WorkerCount != 8 {
		t.Fatalf("expected worker count 8, got %d", cfg.WorkerCount)
	}
	if cfg.QueueSize < cfg.WorkerCount {
		t.Fatalf("queue size should be at least workers, got %d", cfg.QueueSize)
	}
}

func TestHTTPPortDefaultFormatting(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPPort != ":9000" {
		t.Fatalf("expected HTTP_PORT to include colon, got %s", cfg.HTTPPort)
	}
}

func TestEngineDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := cfg.Engine.MinLookahead(); got != 3*time.Hour {
		t.Fatalf("min lookahead default: got %v", got)
	}
	if got := cfg.Engine.MaxLookahead(); got != 4*time.Hour {
		t.Fatalf("max lookahead default: got %v", got)
	}
	if got := cfg.Engine.ReanalysisCooldown(); got != 30*time.Minute {
		t.Fatalf("cooldown default: got %v", got)
	}
}

func TestEngineOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("engine:\n  min_lookahead_min: 120\n  reanalysis_cooldown_min: 45\nllm:\n  model: test-model\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Engine.MinLookaheadMin != 120 {
		t.Fatalf("expected min lookahead 120, got %d", cfg.Engine.MinLookaheadMin)
	}
	if cfg.Engine.MaxLookaheadMin != 240 {
		t.Fatalf("expected untouched max lookahead 240, got %d", cfg.Engine.MaxLookaheadMin)
	}
	if cfg.Engine.ReanalysisCooldownMin != 45 {
		t.Fatalf("expected cooldown 45, got %d", cfg.Engine.ReanalysisCooldownMin)
	}
	if cfg.LLM.Model != "test-model" {
		t.Fatalf("expected llm model override, got %s", cfg.LLM.Model)
	}
}

func TestEnvBeatsFileForPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("http_port: \":7000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("HTTP_PORT", "7001")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPPort != ":7001" {
		t.Fatalf("expected env port to win, got %s", cfg.HTTPPort)
	}
}

func TestStrictConfigRejectsBadPollInterval(t *testing.T) {
	t.Setenv("STRICT_CONFIG", "1")
	t.Setenv("POLL_INTERVAL_SEC", "five")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed POLL_INTERVAL_SEC under strict config")
	}
}

func TestStrictConfigRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("engine: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("STRICT_CONFIG", "1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed config file under strict config")
	}
}
