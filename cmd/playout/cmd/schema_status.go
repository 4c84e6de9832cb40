package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/streamgrid/playout/internal/config"
	"github.com/streamgrid/playout/internal/database"
)

var schemaStatusCmd = &cobra.Command{
	Use:   "schema-status",
	Short: "Report the database connection and schema state",
	Long: `Connects to the configured database and reports whether it is
reachable and which tables the auto-migrated schema has created.

playout manages its schema via GORM AutoMigrate rather than versioned
migration files, so this command reports current state rather than a
migration version.`,
	RunE: runSchemaStatus,
}

func init() {
	rootCmd.AddCommand(schemaStatusCmd)
}

func runSchemaStatus(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		fmt.Printf("database: unreachable (%v)\n", err)
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	migrator := db.Migrator()
	tables, err := migrator.GetTables()
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}

	fmt.Printf("database: connected (%s)\n", cfg.Database.Driver)
	fmt.Printf("tables: %d\n", len(tables))
	for _, t := range tables {
		fmt.Printf("  - %s\n", t)
	}

	return nil
}
