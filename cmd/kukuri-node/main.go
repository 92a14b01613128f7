// Command kukuri-node runs a Kukuri relay node: the WebSocket/HTTP
// server (C1-C6, C4) plus the background trust worker (C7). It also
// exposes the administrative node-key and access-control operations
// from spec §6 as one-shot subcommands against the same database.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kukuri-dev/kukuri-node/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "kukuri-node",
		Short: "Kukuri federated social-messaging relay node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (searches default locations if unset)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newNodeKeyCmd())
	root.AddCommand(newAccessControlCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves and loads the node's config file, then applies the
// environment-variable overrides spec §6 calls out by name.
func loadConfig() (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		// No config file anywhere: fall back to defaults, entirely
		// env/flag driven. This keeps the container/dev-run path simple.
		cfg := config.Default()
		applyEnvOverrides(cfg)
		return cfg, cfg.Validate()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("NODE_KEY_PATH"); v != "" {
		cfg.NodeKeyPath = v
	}
	if v := os.Getenv("BOOTSTRAP_ADDR"); v != "" {
		cfg.Bootstrap.Addr = v
	}
	if v := os.Getenv("BOOTSTRAP_REFRESH_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bootstrap.RefreshSeconds = n
		}
	}
}

// newLogger builds the process-wide slog.Logger from the configured
// level, using config's custom trace level name the way the rest of the
// codebase expects.
func newLogger(levelStr string) *slog.Logger {
	level, err := config.ParseLogLevel(levelStr)
	if err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	return slog.New(handler)
}
