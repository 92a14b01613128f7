package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override searchPathsFunc
	// to avoid finding real config files on developer/deploy machines
	// (~/.config/kukuri-node/config.yaml, /etc/kukuri-node/config.yaml, etc.).
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("node_key_path: ${KUKURI_TEST_KEY_PATH}\n"), 0600)
	os.Setenv("KUKURI_TEST_KEY_PATH", "/tmp/kukuri-test-node-key")
	defer os.Unsetenv("KUKURI_TEST_KEY_PATH")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.NodeKeyPath != "/tmp/kukuri-test-node-key" {
		t.Errorf("node_key_path = %q, want %q", cfg.NodeKeyPath, "/tmp/kukuri-test-node-key")
	}
}

func TestLoad_InlineValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("bootstrap:\n  addr: https://seed.kukuri.example\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Bootstrap.Addr != "https://seed.kukuri.example" {
		t.Errorf("bootstrap.addr = %q, want %q", cfg.Bootstrap.Addr, "https://seed.kukuri.example")
	}
	if !cfg.Bootstrap.Configured() {
		t.Error("expected bootstrap to report Configured() true")
	}
}

func TestApplyDefaults_ListenAndDatabase(t *testing.T) {
	cfg := Default()
	if cfg.Listen.Port != 7777 {
		t.Errorf("expected default listen.port 7777, got %d", cfg.Listen.Port)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("expected default data_dir './data', got %q", cfg.DataDir)
	}
	if cfg.Database.Path != filepath.Join("./data", "kukuri.db") {
		t.Errorf("expected database.path derived from data_dir, got %q", cfg.Database.Path)
	}
	if cfg.NodeKeyPath != filepath.Join("./data", "node_key") {
		t.Errorf("expected node_key_path derived from data_dir, got %q", cfg.NodeKeyPath)
	}
}

func TestApplyDefaults_DatabasePathNotOverriddenByDataDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /var/lib/kukuri\ndatabase:\n  path: /custom/events.db\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Database.Path != "/custom/events.db" {
		t.Errorf("database.path = %q, want explicit value preserved", cfg.Database.Path)
	}
}

func TestApplyDefaults_RateLimits(t *testing.T) {
	cfg := Default()
	limits := cfg.RateLimits.Limits()
	if len(limits) != 3 {
		t.Fatalf("expected 3 configured purposes, got %d", len(limits))
	}
	if cfg.RateLimits.IngestEventPerMinute != 600 {
		t.Errorf("expected default ingest_event_per_minute 600, got %v", cfg.RateLimits.IngestEventPerMinute)
	}
	if cfg.RateLimits.IdleTTLSeconds != 600 {
		t.Errorf("expected default idle_ttl_seconds 600, got %d", cfg.RateLimits.IdleTTLSeconds)
	}
}

func TestApplyDefaults_Trust(t *testing.T) {
	cfg := Default()
	if cfg.Trust.WindowDays != 30 {
		t.Errorf("expected default window_days 30, got %d", cfg.Trust.WindowDays)
	}
	if cfg.Trust.ReportScoreNormalization != 10.0 {
		t.Errorf("expected default report_score_normalization 10.0, got %v", cfg.Trust.ReportScoreNormalization)
	}
	if cfg.Trust.AttestationExpSeconds != 7*24*3600 {
		t.Errorf("expected default attestation_exp_seconds of 7 days, got %d", cfg.Trust.AttestationExpSeconds)
	}

	tc := cfg.Trust.ToTrustConfig()
	if tc.ReportInterval.Seconds() != 3600 {
		t.Errorf("expected ToTrustConfig report interval of 1h, got %v", tc.ReportInterval)
	}
}

func TestValidate_StaleEpochGraceNegative(t *testing.T) {
	cfg := Default()
	cfg.AccessControl.StaleEpochGrace = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for negative stale_epoch_grace")
	}
	if !strings.Contains(err.Error(), "access_control.stale_epoch_grace") {
		t.Errorf("error should mention access_control.stale_epoch_grace, got: %v", err)
	}
}

func TestValidate_ListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for out-of-range listen.port")
	}
	if !strings.Contains(err.Error(), "listen.port") {
		t.Errorf("error should mention listen.port, got: %v", err)
	}
}

func TestValidate_TrustWindowDaysZero(t *testing.T) {
	cfg := Default()
	cfg.Trust.WindowDays = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for trust.window_days == 0")
	}
	if !strings.Contains(err.Error(), "trust.window_days") {
		t.Errorf("error should mention trust.window_days, got: %v", err)
	}
}

func TestValidate_OutboxBatchSizeZero(t *testing.T) {
	cfg := Default()
	cfg.Outbox.BatchSize = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for outbox.batch_size == 0")
	}
	if !strings.Contains(err.Error(), "outbox.batch_size") {
		t.Errorf("error should mention outbox.batch_size, got: %v", err)
	}
}

func TestValidate_Default(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestSubstatePath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/kukuri"
	want := filepath.Join("/var/lib/kukuri", "substate.db")
	if got := cfg.SubstatePath(); got != want {
		t.Errorf("SubstatePath() = %q, want %q", got, want)
	}
}
