package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tink-protocol/tipengine/config"
	"github.com/tink-protocol/tipengine/stores/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	Long: `Apply every embedded migration to the database at database_url.
Migrations are idempotent and safe to re-run.

Examples:
  TIPENGINE_DATABASE_URL=postgres://localhost/tips tipengine migrate`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set TIPENGINE_DATABASE_URL)")
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("Migrations applied")
	return nil
}
