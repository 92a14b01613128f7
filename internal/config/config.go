// Package config handles kukuri-node configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kukuri-dev/kukuri-node/internal/ratelimit"
	"github.com/kukuri-dev/kukuri-node/internal/trust"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/kukuri-node/config.yaml, /config/config.yaml,
// /etc/kukuri-node/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kukuri-node", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/kukuri-node/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can substitute a hermetic search
// path list instead of the real ~/.config and /etc locations.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all kukuri-node configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Database      DatabaseConfig      `yaml:"database"`
	NodeKeyPath   string              `yaml:"node_key_path"`
	Bootstrap     BootstrapConfig     `yaml:"bootstrap"`
	RateLimits    RateLimitsConfig    `yaml:"rate_limits"`
	AccessControl AccessControlConfig `yaml:"access_control"`
	Trust         TrustConfig         `yaml:"trust"`
	Auth          AuthConfig          `yaml:"auth"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the public WebSocket/HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig points at the node's primary SQLite database (events,
// topics, memberships, trust, outbox). internal/substate uses its own file,
// named relative to DataDir, per SubstatePath.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BootstrapConfig defines the peer-list refresh used to seed the gossip
// mesh's initial peer hints (spec §4.3).
type BootstrapConfig struct {
	Addr           string `yaml:"addr"`
	RefreshSeconds int    `yaml:"refresh_seconds"`
}

// RateLimitsConfig carries requests-per-minute/burst for each
// ratelimit.Purpose named in spec §3 RateLimitBucket.
type RateLimitsConfig struct {
	IngestEventPerMinute   float64 `yaml:"ingest_event_per_minute"`
	IngestEventBurst       int     `yaml:"ingest_event_burst"`
	NewConnectionPerMinute float64 `yaml:"new_connection_per_minute"`
	NewConnectionBurst     int     `yaml:"new_connection_burst"`
	SubscribeReqPerMinute  float64 `yaml:"subscribe_req_per_minute"`
	SubscribeReqBurst      int     `yaml:"subscribe_req_burst"`
	IdleTTLSeconds         int     `yaml:"idle_ttl_seconds"`
}

// Limits converts the configured values to a ratelimit.New input map.
func (c RateLimitsConfig) Limits() map[ratelimit.Purpose]ratelimit.Limits {
	return map[ratelimit.Purpose]ratelimit.Limits{
		ratelimit.PurposeIngestEvent:   {PerMinute: c.IngestEventPerMinute, Burst: c.IngestEventBurst},
		ratelimit.PurposeNewConnection: {PerMinute: c.NewConnectionPerMinute, Burst: c.NewConnectionBurst},
		ratelimit.PurposeSubscribeReq:  {PerMinute: c.SubscribeReqPerMinute, Burst: c.SubscribeReqBurst},
	}
}

// AccessControlConfig covers C4's Open Question decision (spec §9):
// how many epochs behind current a scoped event's epoch tag may be before
// it is rejected with stale_epoch.
type AccessControlConfig struct {
	StaleEpochGrace int64 `yaml:"stale_epoch_grace"`
}

// TrustConfig mirrors internal/trust.Config field for field, so Load can
// build one directly from the parsed YAML (spec §4.7).
type TrustConfig struct {
	WindowDays                      int             `yaml:"window_days"`
	ReportWeight                    float64         `yaml:"report_weight"`
	LabelWeight                     float64         `yaml:"label_weight"`
	ReportScoreNormalization        float64         `yaml:"report_score_normalization"`
	InteractionWeights              map[int]float64 `yaml:"interaction_weights"`
	CommunicationScoreNormalization float64         `yaml:"communication_score_normalization"`
	AttestationExpSeconds           int64           `yaml:"attestation_exp_seconds"`
	ReportIntervalSeconds           int             `yaml:"report_interval_seconds"`
	CommunicationIntervalSeconds    int             `yaml:"communication_interval_seconds"`

	// JobTimeoutSeconds bounds how long a trust_jobs row may stay
	// `running` before the reaper marks it `failed{timeout}` (spec §5).
	JobTimeoutSeconds int64 `yaml:"job_timeout_seconds"`
}

// ToTrustConfig converts the parsed YAML fields into a trust.Config,
// translating the interval fields from seconds to time.Duration.
func (c TrustConfig) ToTrustConfig() trust.Config {
	return trust.Config{
		WindowDays:                      c.WindowDays,
		ReportWeight:                    c.ReportWeight,
		LabelWeight:                     c.LabelWeight,
		ReportScoreNormalization:        c.ReportScoreNormalization,
		InteractionWeights:              c.InteractionWeights,
		CommunicationScoreNormalization: c.CommunicationScoreNormalization,
		AttestationExpSeconds:           c.AttestationExpSeconds,
		ReportInterval:                  time.Duration(c.ReportIntervalSeconds) * time.Second,
		CommunicationInterval:           time.Duration(c.CommunicationIntervalSeconds) * time.Second,
		JobTimeoutSeconds:               c.JobTimeoutSeconds,
	}
}

// AuthConfig governs the WebSocket AUTH handshake (spec §4.4/§5).
type AuthConfig struct {
	RequireAuth            bool `yaml:"require_auth"`
	ChallengeTimeoutSecond int  `yaml:"challenge_timeout_seconds"`
}

// OutboxConfig drives the C6 dispatcher's poll cadence and batch size.
type OutboxConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
}

// Configured reports whether a bootstrap peer-list address was set.
func (c BootstrapConfig) Configured() bool {
	return c.Addr != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${NODE_KEY_PATH}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 7777
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "kukuri.db")
	}
	if c.NodeKeyPath == "" {
		c.NodeKeyPath = filepath.Join(c.DataDir, "node_key")
	}
	if c.Bootstrap.RefreshSeconds == 0 {
		c.Bootstrap.RefreshSeconds = 300
	}

	if c.RateLimits.IngestEventPerMinute == 0 {
		c.RateLimits.IngestEventPerMinute = 600
	}
	if c.RateLimits.IngestEventBurst == 0 {
		c.RateLimits.IngestEventBurst = 20
	}
	if c.RateLimits.NewConnectionPerMinute == 0 {
		c.RateLimits.NewConnectionPerMinute = 30
	}
	if c.RateLimits.NewConnectionBurst == 0 {
		c.RateLimits.NewConnectionBurst = 5
	}
	if c.RateLimits.SubscribeReqPerMinute == 0 {
		c.RateLimits.SubscribeReqPerMinute = 120
	}
	if c.RateLimits.SubscribeReqBurst == 0 {
		c.RateLimits.SubscribeReqBurst = 10
	}
	if c.RateLimits.IdleTTLSeconds == 0 {
		c.RateLimits.IdleTTLSeconds = 600
	}

	if c.Trust.WindowDays == 0 {
		c.Trust.WindowDays = 30
	}
	if c.Trust.ReportWeight == 0 {
		c.Trust.ReportWeight = 1.0
	}
	if c.Trust.LabelWeight == 0 {
		c.Trust.LabelWeight = 1.0
	}
	if c.Trust.ReportScoreNormalization == 0 {
		c.Trust.ReportScoreNormalization = 10.0
	}
	if c.Trust.CommunicationScoreNormalization == 0 {
		c.Trust.CommunicationScoreNormalization = 10.0
	}
	if c.Trust.InteractionWeights == nil {
		c.Trust.InteractionWeights = map[int]float64{}
	}
	if c.Trust.AttestationExpSeconds == 0 {
		c.Trust.AttestationExpSeconds = 7 * 24 * 3600
	}
	if c.Trust.ReportIntervalSeconds == 0 {
		c.Trust.ReportIntervalSeconds = 3600
	}
	if c.Trust.CommunicationIntervalSeconds == 0 {
		c.Trust.CommunicationIntervalSeconds = 3600
	}
	if c.Trust.JobTimeoutSeconds == 0 {
		c.Trust.JobTimeoutSeconds = 15 * 60
	}

	if c.Auth.ChallengeTimeoutSecond == 0 {
		c.Auth.ChallengeTimeoutSecond = 30
	}

	if c.Outbox.PollIntervalSeconds == 0 {
		c.Outbox.PollIntervalSeconds = 2
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 200
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.AccessControl.StaleEpochGrace < 0 {
		return fmt.Errorf("access_control.stale_epoch_grace must be >= 0, got %d", c.AccessControl.StaleEpochGrace)
	}
	if c.Trust.WindowDays < 1 {
		return fmt.Errorf("trust.window_days must be >= 1, got %d", c.Trust.WindowDays)
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("outbox.batch_size must be >= 1, got %d", c.Outbox.BatchSize)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// SubstatePath returns the path for the client subscription-state
// database, substate.db inside DataDir regardless of where Database.Path
// points (C8, spec §4.8).
func (c *Config) SubstatePath() string {
	return filepath.Join(c.DataDir, "substate.db")
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
