package cmd

import (
	"fmt"

	"github.com/lorekeep/lorekeep/db"
	"github.com/lorekeep/lorekeep/internal/config"
)

// runMigrate applies pending database migrations and exits.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}
