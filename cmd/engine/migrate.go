package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

var (
	migrateRollback bool
	migrateStatus   bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply, roll back or list database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "roll back the latest applied migration")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "list migrations and whether they are applied")
	migrateCmd.MarkFlagsMutuallyExclusive("rollback", "status")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("migrate: DATABASE_URL is not set")
	}
	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	pc := postgres.DefaultConfig()
	pc.URL = cfg.Database.URL
	db, err := postgres.NewConnection(cmd.Context(), pc)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	m := postgres.NewMigrator(db)
	switch {
	case migrateStatus:
		return printStatus(cmd.Context(), m)
	case migrateRollback:
		if err := m.Rollback(cmd.Context()); err != nil {
			return err
		}
		log.Info("rolled back latest migration")
		return nil
	default:
		applied, err := m.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		log.Info("migrations applied", logger.Int("count", applied))
		return nil
	}
}

func printStatus(ctx context.Context, m *postgres.Migrator) error {
	migrations, err := m.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
	for _, mg := range migrations {
		applied := "pending"
		if mg.IsApplied {
			applied = mg.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", mg.Version, mg.Name, applied)
	}
	return w.Flush()
}
