package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
node:
  url: "http://localhost:16110"
  pay_address: "kaspa:qexample"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Server.StratumPorts) != 1 || cfg.Server.StratumPorts[0] != 5555 {
		t.Errorf("expected default stratum port 5555, got %v", cfg.Server.StratumPorts)
	}
	if cfg.Mining.SharesPerMinuteTarget != 12 {
		t.Errorf("expected default shares_per_minute_target 12, got %v", cfg.Mining.SharesPerMinuteTarget)
	}
	if cfg.Server.DrainWindow.Seconds() != 10 {
		t.Errorf("expected default drain window 10s, got %v", cfg.Server.DrainWindow)
	}
}

func TestLoadRejectsMissingNodeURL(t *testing.T) {
	path := writeTempConfig(t, `
node:
  pay_address: "kaspa:qexample"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing node.url")
	}
}

func TestLoadRejectsInvertedDifficultyBounds(t *testing.T) {
	path := writeTempConfig(t, `
node:
  url: "http://localhost:16110"
  pay_address: "kaspa:qexample"
mining:
  min_share_difficulty: 100
  max_share_difficulty: 10
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for min > max difficulty")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	os.Setenv("TEST_NODE_URL", "http://envhost:16110")
	defer os.Unsetenv("TEST_NODE_URL")

	path := writeTempConfig(t, `
node:
  url: "${TEST_NODE_URL}"
  pay_address: "kaspa:qexample"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.URL != "http://envhost:16110" {
		t.Errorf("expected env var expansion, got %q", cfg.Node.URL)
	}
}
