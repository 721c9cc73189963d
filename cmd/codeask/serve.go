package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codeask/internal/notify"
	"codeask/internal/scheduler"
	"codeask/internal/server"
)

var serveAddr string

// transcriptRetention bounds how long persisted transcripts outlive the
// in-memory conversations they record
const transcriptRetention = 30 * 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the codeask HTTP server. The server clones or verifies the
repository mirror, connects the configured tool servers, schedules periodic
repository syncs, and exposes /ask, /ask/stream, /sync, and /health.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown()

	interval, err := scheduler.ParseExpression(cfg.Repo.SyncSchedule)
	if err != nil {
		return err
	}
	sched := scheduler.New(logger)
	if err := sched.Register("repo-sync", interval, func(ctx context.Context) error {
		if err := a.mirror.Sync(ctx); err != nil {
			if a.notifier != nil {
				a.notifier.Emit(notify.NewEvent(notify.EventSyncFailed, map[string]interface{}{
					"error": err.Error(),
				}))
			}
			return err
		}
		return nil
	}); err != nil {
		return err
	}
	if err := sched.Register("conversation-cleanup", cfg.Conversation.TTL(), func(ctx context.Context) error {
		a.conversations.Sweep()
		if _, err := a.store.PruneBefore(time.Now().Add(-transcriptRetention)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(10 * time.Second); err != nil {
			logger.Warn("Scheduler shutdown error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	srv := server.NewServer(server.Config{Addr: cfg.Server.Addr},
		a.loop, a.mirror, a.registry, a.conversations, a.auth, a.notifier, logger)

	shutdownSig := make(chan os.Signal, 1)
	signal.Notify(shutdownSig, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("codeask listening on %s\n", cfg.Server.Addr)
		serverErr <- srv.Start()
	}()

	select {
	case err := <-serverErr:
		return err
	case sig := <-shutdownSig:
		logger.Info("Received shutdown signal", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
