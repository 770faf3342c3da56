// Package cli defines the splitpix command line interface. The binary has
// two modes: a long-running API server (serve, also the default action) and
// a one-shot scheduler pass (tick) for merchants who drive rotation from an
// external cron.
package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/splitpix/go-splitpix-backend/internal/config"
	"github.com/splitpix/go-splitpix-backend/internal/repo"
	"github.com/splitpix/go-splitpix-backend/internal/sysutil"
	"gorm.io/gorm"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "splitpix",
	Short: "Split-testing rotation and attribution engine for product media",
	Long: `splitpix rotates product media between control and test variants on a
time cadence, keeps an append-only ledger of every switch, and attributes
customer events (impressions, add-to-carts, purchases) to the variant that
was live when they happened.

Running without a subcommand starts the API server (same as 'splitpix serve').`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the command error, if any.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		return err
	}
	return nil
}

// loadConfig loads .env (if present), reads the environment, and configures
// global logging. Shared by all subcommands.
func loadConfig() (config.Config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.NewConsoleWriter())
	}
	return cfg, nil
}

// openDB opens the SQLite database and applies migrations. Query tracing is
// enabled when OTel is on so DB spans nest under HTTP spans.
func openDB(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.OpenSQLite(cfg.DBPath, cfg.OTEL.Enabled)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn().Err(err).Msg("close database")
	}
}
