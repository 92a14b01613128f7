package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/kukuri-dev/kukuri-node/internal/access"
	"github.com/kukuri-dev/kukuri-node/internal/buildinfo"
	"github.com/kukuri-dev/kukuri-node/internal/config"
	"github.com/kukuri-dev/kukuri-node/internal/dedup"
	"github.com/kukuri-dev/kukuri-node/internal/gossip"
	"github.com/kukuri-dev/kukuri-node/internal/ingest"
	"github.com/kukuri-dev/kukuri-node/internal/metrics"
	"github.com/kukuri-dev/kukuri-node/internal/nodekey"
	"github.com/kukuri-dev/kukuri-node/internal/outbox"
	"github.com/kukuri-dev/kukuri-node/internal/ratelimit"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
	"github.com/kukuri-dev/kukuri-node/internal/store"
	"github.com/kukuri-dev/kukuri-node/internal/subscribe"
	"github.com/kukuri-dev/kukuri-node/internal/substate"
	"github.com/kukuri-dev/kukuri-node/internal/trust"
)

// dedupCacheSize is the recent-event-id LRU size (spec §4.2: "dedup:
// check event.id against a recent-id LRU of size >= 64k").
const dedupCacheSize = 65536

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the relay node's WebSocket/HTTP server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := newLogger(cfg.LogLevel)
	log.Info("kukuri-node starting", "version", buildinfo.Version, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0700); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	defer db.Close()

	st, err := store.NewStore(db)
	if err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	nodeSK, nodePub, err := loadOrCreateNodeKey(cfg.NodeKeyPath, log)
	if err != nil {
		return fmt.Errorf("node key: %w", err)
	}
	log.Info("node identity loaded", "pubkey", nodePub)

	limiter := ratelimit.New(cfg.RateLimits.Limits(), time.Duration(cfg.RateLimits.IdleTTLSeconds)*time.Second)

	dedupCache, err := dedup.New(dedupCacheSize)
	if err != nil {
		return fmt.Errorf("dedup cache: %w", err)
	}

	bus := realtime.New()

	hintsPath := filepath.Join(cfg.DataDir, "gossip_hints.db")
	hints, err := gossip.OpenHintStore(hintsPath)
	if err != nil {
		return fmt.Errorf("open gossip hint store %s: %w", hintsPath, err)
	}
	defer hints.Close()

	substateDB, err := sql.Open("sqlite3", cfg.SubstatePath())
	if err != nil {
		return fmt.Errorf("open substate database %s: %w", cfg.SubstatePath(), err)
	}
	defer substateDB.Close()
	subState, err := substate.NewStore(substateDB)
	if err != nil {
		return fmt.Errorf("migrate substate store: %w", err)
	}

	mesh := gossip.NewNode(bus, hints)
	if err := rejoinKnownTopics(mesh, hints, subState, log); err != nil {
		log.Warn("gossip: failed to restore topic hints", "error", err)
	}

	accessCtrl, err := access.NewController(st, mesh, bus, nodeSK)
	if err != nil {
		return fmt.Errorf("access controller: %w", err)
	}

	engine := ingest.New(ingest.Config{
		Store:           st,
		Bus:             bus,
		Mesh:            mesh,
		Limiter:         limiter,
		Dedup:           dedupCache,
		Access:          accessCtrl,
		TopicAllowed:    st.TopicExists,
		StaleEpochGrace: cfg.AccessControl.StaleEpochGrace,
		Log:             log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Bootstrap.Configured() {
		ticker := gossip.NewBootstrapTicker(mesh, cfg.Bootstrap.Addr, log)
		go ticker.Run(ctx, time.Duration(cfg.Bootstrap.RefreshSeconds)*time.Second)
	}

	trustWorker, err := trust.New(st, log, nodeSK, &ingest.TrustAdapter{Engine: engine, NodePubkey: nodePub}, cfg.Trust.ToTrustConfig())
	if err != nil {
		return fmt.Errorf("trust worker: %w", err)
	}
	if err := trustWorker.Start(ctx); err != nil {
		return fmt.Errorf("start trust worker: %w", err)
	}
	defer trustWorker.Stop()

	dispatcher := outbox.New(st, log)
	dispatcher.Register(outbox.Consumer{
		Name:         "audit-log",
		PollInterval: time.Duration(cfg.Outbox.PollIntervalSeconds) * time.Second,
		BatchSize:    cfg.Outbox.BatchSize,
		Handle:       auditLogConsumer(log),
	})
	dispatcher.Register(trustWorker.Consumer())
	dispatcher.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", subscribe.Handler(log, newSessionFactory(st, bus, limiter, engine, cfg, log)))
	mux.HandleFunc("/healthz", healthzHandler(db))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/openapi.json", openAPIHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		cancel()
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", "error", err)
	}
	cancel()
	dispatcher.Wait()
	return nil
}

// newSessionFactory closes over the node's shared collaborators and
// returns the per-connection constructor subscribe.Handler expects.
func newSessionFactory(st *store.Store, bus *realtime.Bus, limiter *ratelimit.Limiter, engine *ingest.Engine, cfg *config.Config, log *slog.Logger) func(subscribe.Conn, *http.Request) *subscribe.Session {
	return func(conn subscribe.Conn, r *http.Request) *subscribe.Session {
		var sess *subscribe.Session
		adapter := &ingest.WSAdapter{
			Engine:   engine,
			PeerAddr: r.RemoteAddr,
			AuthPubkey: func() string {
				return sess.AuthPubkey()
			},
		}
		sess = subscribe.NewSession(conn, st, bus, limiter, adapter, st.TopicExists, subscribe.Config{
			RequireAuth:     cfg.Auth.RequireAuth,
			AuthTimeout:     time.Duration(cfg.Auth.ChallengeTimeoutSecond) * time.Second,
			StaleEpochGrace: cfg.AccessControl.StaleEpochGrace,
		}, log)
		return sess
	}
}

// loadOrCreateNodeKey loads the node's key, generating a fresh one on
// first run rather than refusing to start.
func loadOrCreateNodeKey(path string, log *slog.Logger) (privHex, pubHex string, err error) {
	privHex, pubHex, err = nodekey.Load(path)
	if err == nil {
		return privHex, pubHex, nil
	}
	pubHex, genErr := nodekey.Generate(path, false)
	if genErr != nil {
		return "", "", fmt.Errorf("load failed (%v) and generate failed: %w", err, genErr)
	}
	log.Info("generated new node key", "path", path, "pubkey", pubHex)
	return nodekey.Load(path)
}

// rejoinKnownTopics restores gossip topic membership across a restart,
// tracking each topic's subscription intent in subState so a topic this
// node failed to rejoin is retried on the next startup rather than
// silently dropped (spec §4.8: C8 "knows what to re-subscribe to" across
// a reconnect, here applied to this node's own rejoin-after-restart path
// rather than a remote relay connection).
func rejoinKnownTopics(mesh *gossip.Node, hints interface {
	LoadAll() (map[string][]string, error)
}, subState *substate.Store, log *slog.Logger) error {
	all, err := hints.LoadAll()
	if err != nil {
		return err
	}

	pending, err := subState.ListForRestore()
	if err != nil {
		log.Warn("substate: list for restore failed", "error", err)
	}
	for _, rec := range pending {
		if rec.Target.Type != substate.TargetTopic {
			continue
		}
		if _, ok := all[rec.Target.ID]; !ok {
			all[rec.Target.ID] = nil
		}
	}

	for topicID, peers := range all {
		target := substate.Target{Type: substate.TargetTopic, ID: topicID}
		if _, err := subState.RecordRequest(target); err != nil {
			log.Warn("substate: record request failed", "topic_id", topicID, "error", err)
		}

		if err := mesh.JoinTopic(topicID, peers); err != nil {
			log.Warn("gossip: rejoin failed", "topic_id", topicID, "error", err)
			if markErr := subState.MarkFailure(target, err.Error()); markErr != nil {
				log.Warn("substate: mark failure failed", "topic_id", topicID, "error", markErr)
			}
			continue
		}
		if err := subState.MarkSubscribed(target, time.Now().Unix()); err != nil {
			log.Warn("substate: mark subscribed failed", "topic_id", topicID, "error", err)
		}
	}
	return nil
}

func auditLogConsumer(log *slog.Logger) outbox.Handler {
	return func(entries []store.OutboxEntry) error {
		for _, e := range entries {
			log.Info("outbox: event", "seq", e.Seq, "op", e.Op, "event_id", e.EventID, "topic_id", e.TopicID, "kind", e.Kind)
		}
		return nil
	}
}

func healthzHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func openAPIHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openAPIDocument)
}
