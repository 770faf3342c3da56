package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/splitpix/go-splitpix-backend/internal/catalog"
	"github.com/splitpix/go-splitpix-backend/internal/config"
	httpapi "github.com/splitpix/go-splitpix-backend/internal/http"
	"github.com/splitpix/go-splitpix-backend/internal/ingest"
	"github.com/splitpix/go-splitpix-backend/internal/observability"
	"github.com/splitpix/go-splitpix-backend/internal/scheduler"
	"github.com/splitpix/go-splitpix-backend/internal/services"
	"github.com/splitpix/go-splitpix-backend/internal/sync"
	"gorm.io/gorm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the splitpix API server.

The server provides:
  - Slot management and manual switching
  - Event ingestion (pixel endpoint and order webhook)
  - Rotation state lookups for storefront pixels
  - Per-variant statistics with significance testing
  - An in-process scheduler ticker (ROTATION_TICK_INTERVAL; set 0 to rely
    on external cron hitting POST /scheduler/tick instead)
  - Optional Kafka event-stream ingestion (KAFKA_ENABLED)`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, Version)
	if err != nil {
		return fmt.Errorf("setup otel: %w", err)
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	// Background workers share the signal context.
	if cfg.Rotation.TickInterval > 0 {
		go runTicker(ctx, db, cfg)
	}
	if cfg.Kafka.Enabled {
		consumer := ingest.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, services.NewEventService(db))
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("version", Version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}

// runTicker drives the scheduler on a fixed cadence until the context ends.
func runTicker(ctx context.Context, db *gorm.DB, cfg config.Config) {
	client := catalog.NewHTTPClient(cfg.Catalog.BaseURL, cfg.Catalog.Token, cfg.Catalog.Timeout, cfg.Catalog.MaxRetries)
	sched := scheduler.New(db, sync.New(client), cfg.Rotation.ClaimTTL, cfg.Rotation.MaxFailures)
	sched.BatchLimit = cfg.Rotation.BatchLimit

	t := time.NewTicker(cfg.Rotation.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := sched.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("scheduler tick")
			}
		}
	}
}
