package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTmp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return fp
}

func TestLoad_Minimal(t *testing.T) {
	yml := `
channels:
  - name: primary
    target: https://api.example.com
    keys: ["k1"]
`
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.Server.Port, 9000; got != want {
		t.Fatalf("server.port = %d, want %d", got, want)
	}
	if len(cfg.Channels) != 1 {
		t.Fatalf("channels len = %d, want 1", len(cfg.Channels))
	}
	ch := cfg.Channels[0]
	if ch.Weight != 10 {
		t.Fatalf("default weight = %d, want 10", ch.Weight)
	}
	if ch.KeyStrategy != KeyStrategyRoundRobin {
		t.Fatalf("default keyStrategy = %q, want round-robin", ch.KeyStrategy)
	}
	if cfg.Settings.Retry.MaxRetries != 2 {
		t.Fatalf("default maxRetries = %d, want 2", cfg.Settings.Retry.MaxRetries)
	}
	if _, ok := cfg.Settings.Retry.RetryableStatues[503]; !ok {
		t.Fatalf("default retryable statuses missing 503")
	}
}

func TestLoad_MissingFieldsRejected(t *testing.T) {
	cases := []string{
		`channels: []`,
		`channels: [{target: "https://x", keys: ["k"]}]`,
		`channels: [{name: "a", keys: ["k"]}]`,
		`channels: [{name: "a", target: "https://x"}]`,
	}
	for _, yml := range cases {
		fp := writeTmp(t, yml)
		if _, err := Load(fp); err == nil {
			t.Fatalf("Load(%q): want error, got nil", yml)
		}
	}
}

func TestLoad_RouteReferencesUnknownChannel(t *testing.T) {
	yml := `
channels:
  - {name: a, target: "https://x", keys: ["k"]}
routes:
  - {path: "/v1/**", channels: ["missing"], strategy: priority}
`
	fp := writeTmp(t, yml)
	if _, err := Load(fp); err == nil {
		t.Fatalf("want error for route referencing unknown channel")
	}
}

func TestLoad_LegacySitesShim(t *testing.T) {
	yml := `
sites:
  - name: legacy-1
    target: https://legacy.example.com
    headers:
      Authorization: "Bearer secret-key"
      X-Custom: "value"
`
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Channels) != 1 {
		t.Fatalf("channels len = %d, want 1", len(cfg.Channels))
	}
	ch := cfg.Channels[0]
	if len(ch.Keys) != 1 || ch.Keys[0] != "secret-key" {
		t.Fatalf("derived key = %+v, want [secret-key]", ch.Keys)
	}
	if ch.FixedHeaders["X-Custom"] != "value" {
		t.Fatalf("fixed headers = %+v, want X-Custom=value", ch.FixedHeaders)
	}
	if ch.Tunnel == nil || !ch.Tunnel.Enabled {
		t.Fatalf("legacy site must have tunnel.enabled=true")
	}
}

func TestLoad_LegacySiteWithoutAuthorizationRejected(t *testing.T) {
	yml := `
sites:
  - name: legacy-1
    target: https://legacy.example.com
    headers:
      X-Custom: "value"
`
	fp := writeTmp(t, yml)
	if _, err := Load(fp); err == nil {
		t.Fatalf("want error for legacy site with no Authorization header")
	}
}
