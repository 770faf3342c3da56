package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/splitpix/go-splitpix-backend/internal/catalog"
	"github.com/splitpix/go-splitpix-backend/internal/scheduler"
	"github.com/splitpix/go-splitpix-backend/internal/sync"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass and exit",
	Long: `Run a single scheduler pass over all due rotation slots and exit.

Intended for external cron:
  */5 * * * * splitpix tick

Prints the tick summary as JSON on stdout. Exit status is non-zero only on
infrastructure failure; individual slot failures are counted in the summary
and retried on the next pass.`,
	RunE: runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	client := catalog.NewHTTPClient(cfg.Catalog.BaseURL, cfg.Catalog.Token, cfg.Catalog.Timeout, cfg.Catalog.MaxRetries)
	sched := scheduler.New(db, sync.New(client), cfg.Rotation.ClaimTTL, cfg.Rotation.MaxFailures)
	sched.BatchLimit = cfg.Rotation.BatchLimit

	summary, err := sched.Tick(ctx)
	if err != nil {
		return fmt.Errorf("scheduler tick: %w", err)
	}

	out, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	log.Info().
		Int("due", summary.Due).
		Int("switched", summary.Switched).
		Int("failed", summary.Failed).
		Int("demoted", summary.Demoted).
		Msg("tick complete")
	return nil
}
