package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/fitsync/internal/engine"
	"github.com/BadgerOps/fitsync/internal/server"
)

var (
	serveListen   string
	serveInterval time.Duration
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sync scheduler",
		Long: `Start the HTTP server exposing the sync trigger (POST /sync), source
status (GET /sync), source management, sync history, the Strava OAuth
callback and Prometheus metrics.

When sync.interval is set (or --interval is given), every enabled source is
also synced on that schedule.`,
		Example: `  fitsync serve
  fitsync serve --listen 127.0.0.1:9000
  fitsync serve --interval 30m`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port), defaults to server.listen")
	cmd.Flags().DurationVar(&serveInterval, "interval", -1, "scheduled sync interval, 0 disables (defaults to sync.interval)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalManager == nil {
		return fmt.Errorf("sync engine not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}
	interval := globalCfg.Sync.Interval
	if serveInterval >= 0 {
		interval = serveInterval
	}

	log.Info("server starting", "listen", listen, "interval", interval, "sources", globalRegistry.Len())

	srv := server.NewServer(globalManager, globalRecords, globalCfg, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := engine.NewScheduler(globalManager, interval, logger)
	go scheduler.Start(ctx)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	var serveErr error
	select {
	case err := <-errChan:
		serveErr = fmt.Errorf("server error: %w", err)
		stop()
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown error: %w", err)
	}
	scheduler.Wait()

	log.Info("server stopped")
	return serveErr
}
