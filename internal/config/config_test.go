package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mirror:
  leader_addresses: ["0xabc"]
  copy_ratio: 0.2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Log.Level)
	}
	if cfg.REST.BaseURL != "https://api.hyperliquid.xyz" {
		t.Fatalf("unexpected base url %q", cfg.REST.BaseURL)
	}
	if cfg.Mirror.PollInterval != 10*time.Second {
		t.Fatalf("expected default poll interval, got %s", cfg.Mirror.PollInterval)
	}
	if cfg.Mirror.Tif != "Ioc" || cfg.Mirror.CopyMode != "full" {
		t.Fatalf("unexpected mirror defaults: %+v", cfg.Mirror)
	}
	if cfg.Risk.MaxLeverage != 10 || cfg.Risk.Cooldown != 30*time.Second {
		t.Fatalf("unexpected risk defaults: %+v", cfg.Risk)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
mirror:
  poll_interval: 5s
  leader_addresses: ["0xabc", "0xdef"]
  follower_address: "0xfee"
  copy_ratio: 0.5
  max_notional_per_order_usd: 100000
  tif: Gtc
  copy_mode: entry-only
  enabled: true
  dry_run: true
risk:
  max_leverage: 5
  max_total_notional_usd: 500000
  cooldown: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Mirror.LeaderAddresses) != 2 || cfg.Mirror.CopyRatio != 0.5 {
		t.Fatalf("unexpected mirror config: %+v", cfg.Mirror)
	}
	if cfg.Mirror.CopyMode != "entry-only" || !cfg.Mirror.DryRun {
		t.Fatalf("unexpected mirror config: %+v", cfg.Mirror)
	}
	if cfg.Risk.Cooldown != time.Minute || cfg.Risk.MaxTotalNotionalUSD != 500000 {
		t.Fatalf("unexpected risk config: %+v", cfg.Risk)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no leaders", `
mirror:
  copy_ratio: 0.2
`},
		{"ratio out of range", `
mirror:
  leader_addresses: ["0xabc"]
  copy_ratio: 1.5
`},
		{"bad tif", `
mirror:
  leader_addresses: ["0xabc"]
  copy_ratio: 0.2
  tif: FOK
`},
		{"bad copy mode", `
mirror:
  leader_addresses: ["0xabc"]
  copy_ratio: 0.2
  copy_mode: mirror-everything
`},
		{"timescale without dsn", `
mirror:
  leader_addresses: ["0xabc"]
  copy_ratio: 0.2
timescale:
  enabled: true
`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadEnv(t *testing.T) {
	for _, key := range []string{"MIRROR_FOO", "MIRROR_QUOTED", "MIRROR_EXISTING"} {
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
	t.Setenv("MIRROR_EXISTING", "keep")
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nMIRROR_FOO=bar\nMIRROR_QUOTED=\"baz\"\nMIRROR_EXISTING=overwrite\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("MIRROR_FOO"); got != "bar" {
		t.Fatalf("MIRROR_FOO expected bar, got %q", got)
	}
	if got := os.Getenv("MIRROR_QUOTED"); got != "baz" {
		t.Fatalf("MIRROR_QUOTED expected baz, got %q", got)
	}
	if got := os.Getenv("MIRROR_EXISTING"); got != "keep" {
		t.Fatalf("existing env must not be overridden, got %q", got)
	}
}

func TestLoadEnvMissingFileIgnored(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
}
