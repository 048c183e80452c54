package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tasker-core/core/internal/config"
	"github.com/tasker-core/core/internal/store"
)

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		Long:  `Opens the SQLite store, which applies the embedded schema and seeds default settings on first run, then exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			config.ApplyEnvOverrides(cfg)

			dbPath := filepath.Join(cfg.DataDir, "tasker.db")
			st, err := store.Open(context.Background(), dbPath)
			if err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			defer st.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "schema applied at %s\n", dbPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}
