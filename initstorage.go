package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskboard/config"
	"taskboard/storage"
)

func newInitStorageCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the tables, queue or SQLite schema the server needs",
		Long:  "Creates whatever the configured backend needs. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger.Info("storage init starting")

			switch cfg.StoreBackend {
			case config.BackendTables:
				if err := storage.CreateTables(ctx, cfg.StorageConnectionString, cfg.TasksTable, cfg.UsersTable, cfg.LogsTable); err != nil {
					return fmt.Errorf("create tables: %w", err)
				}
			case config.BackendSQLite:
				s, err := storage.OpenSQLite(cfg.SQLitePath)
				if err != nil {
					return fmt.Errorf("sqlite: %w", err)
				}
				if err := s.Close(); err != nil {
					return err
				}
			}
			if cfg.EventsQueue != "" {
				if err := storage.CreateQueues(ctx, cfg.StorageConnectionString, cfg.EventsQueue); err != nil {
					return fmt.Errorf("create queues: %w", err)
				}
			}

			logger.Info("storage init complete")
			return nil
		},
	}
}
