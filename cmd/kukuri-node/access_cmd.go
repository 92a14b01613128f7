package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/kukuri-dev/kukuri-node/internal/access"
	"github.com/kukuri-dev/kukuri-node/internal/nodekey"
	"github.com/kukuri-dev/kukuri-node/internal/realtime"
	"github.com/kukuri-dev/kukuri-node/internal/store"
)

func newAccessControlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access-control",
		Short: "administer group-key rotation and membership revocation",
	}
	cmd.AddCommand(newAccessControlRotateCmd())
	cmd.AddCommand(newAccessControlRevokeCmd())
	return cmd
}

// openController opens the node's database and builds a Controller with
// no mesh attached: key envelopes are persisted and recorded but never
// broadcast, since a one-shot CLI invocation has no live gossip node to
// broadcast through (access.NewController's documented dry-run mode).
func openController() (*access.Controller, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	db, err := sql.Open("sqlite3", cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	closeFn := func() { db.Close() }

	st, err := store.NewStore(db)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}
	nodeSK, _, err := nodekey.Load(cfg.NodeKeyPath)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("load node key: %w", err)
	}
	ctrl, err := access.NewController(st, nil, realtime.New(), nodeSK)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return ctrl, closeFn, nil
}

// rotationJSON mirrors spec §6's access-control rotate stdout shape.
type rotationJSON struct {
	TopicID       string `json:"topic_id"`
	Scope         string `json:"scope"`
	PreviousEpoch int64  `json:"previous_epoch"`
	NewEpoch      int64  `json:"new_epoch"`
	Recipients    int    `json:"recipients"`
}

// revocationJSON mirrors spec §6's access-control revoke stdout shape.
type revocationJSON struct {
	TopicID       string `json:"topic_id"`
	Scope         string `json:"scope"`
	RevokedPubkey string `json:"revoked_pubkey"`
	PreviousEpoch int64  `json:"previous_epoch"`
	NewEpoch      int64  `json:"new_epoch"`
	Recipients    int    `json:"recipients"`
}

func newAccessControlRotateCmd() *cobra.Command {
	var topic, scope string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "rotate a topic/scope's group key and redistribute it to active members",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" || scope == "" {
				return fmt.Errorf("--topic and --scope are required")
			}
			ctrl, closeFn, err := openController()
			if err != nil {
				return err
			}
			defer closeFn()

			summary, err := ctrl.Rotate(topic, scope)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(rotationJSON{
				TopicID:       summary.TopicID,
				Scope:         summary.Scope,
				PreviousEpoch: summary.PreviousEpoch,
				NewEpoch:      summary.NewEpoch,
				Recipients:    summary.Recipients,
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic id")
	cmd.Flags().StringVar(&scope, "scope", "", "scope (friend, friend_plus, invite)")
	return cmd
}

func newAccessControlRevokeCmd() *cobra.Command {
	var topic, scope, pubkey, reason string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "revoke a member's access and force a key rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" || scope == "" || pubkey == "" {
				return fmt.Errorf("--topic, --scope and --pubkey are required")
			}
			ctrl, closeFn, err := openController()
			if err != nil {
				return err
			}
			defer closeFn()

			summary, err := ctrl.RevokeMember(topic, scope, pubkey, reason)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(revocationJSON{
				TopicID:       summary.TopicID,
				Scope:         summary.Scope,
				RevokedPubkey: summary.RevokedPubkey,
				PreviousEpoch: summary.Rotation.PreviousEpoch,
				NewEpoch:      summary.Rotation.NewEpoch,
				Recipients:    summary.Rotation.Recipients,
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic id")
	cmd.Flags().StringVar(&scope, "scope", "", "scope (friend, friend_plus, invite)")
	cmd.Flags().StringVar(&pubkey, "pubkey", "", "pubkey to revoke")
	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason")
	return cmd
}
