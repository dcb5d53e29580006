package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tekledger.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
  "ledger": {"policy_path": "policy.yaml", "supply_deg": 360000000}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "journal" {
		t.Fatalf("storage driver = %q", cfg.Storage.Driver)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.BufferSize != 64 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Auth.Mode != "disabled" {
		t.Fatalf("auth mode = %q", cfg.Auth.Mode)
	}
	if cfg.Anchor.IntervalSec != 300 {
		t.Fatalf("anchor interval = %d", cfg.Anchor.IntervalSec)
	}

	baseDir := filepath.Dir(path)
	if cfg.Ledger.PolicyPath != filepath.Join(baseDir, "policy.yaml") {
		t.Fatalf("policy path not joined to config dir: %q", cfg.Ledger.PolicyPath)
	}
	if cfg.Storage.JournalPath != filepath.Join(baseDir, "data", "ledger.jsonl") {
		t.Fatalf("journal path = %q", cfg.Storage.JournalPath)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing policy path",
			`{"ledger": {"supply_deg": 100}}`,
			"policy_path",
		},
		{
			"non-positive supply",
			`{"ledger": {"policy_path": "p.yaml", "supply_deg": 0}}`,
			"supply_deg",
		},
		{
			"unknown storage driver",
			`{"ledger": {"policy_path": "p.yaml", "supply_deg": 1}, "storage": {"driver": "sqlite"}}`,
			"存储驱动",
		},
		{
			"mysql without dsn",
			`{"ledger": {"policy_path": "p.yaml", "supply_deg": 1}, "storage": {"driver": "mysql"}}`,
			"dsn",
		},
		{
			"jwt without secret",
			`{"ledger": {"policy_path": "p.yaml", "supply_deg": 1}, "auth": {"mode": "jwt"}}`,
			"jwt_secret",
		},
		{
			"anchor without rpc",
			`{"ledger": {"policy_path": "p.yaml", "supply_deg": 1}, "anchor": {"enabled": true}}`,
			"rpc_url",
		},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		_, err := Load(path)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: error = %v, want mention of %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
