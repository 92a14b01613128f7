package main

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/kukuri-dev/kukuri-node/internal/nodekey"
	"github.com/kukuri-dev/kukuri-node/internal/store"
)

func newNodeKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node-key",
		Short: "manage this node's Schnorr identity key",
	}
	cmd.AddCommand(newNodeKeyGenerateCmd())
	cmd.AddCommand(newNodeKeyRotateCmd())
	return cmd
}

func newNodeKeyGenerateCmd() *cobra.Command {
	var path string
	var force bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "generate a new node key and write it to --path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("--path is required")
			}
			pub, err := nodekey.Generate(path, force)
			if err != nil {
				return err
			}
			fmt.Println(pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "key file path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

func newNodeKeyRotateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "replace the node key at --path and record an audit row",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("--path is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
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
			pub, err := nodekey.Rotate(path, st)
			if err != nil {
				return err
			}
			fmt.Println(pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "key file path")
	return cmd
}
