package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/server"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cmd.ErrOrStderr())
	},
}

// runServe wires the store, model client, tools and loop, then serves
// until SIGINT or SIGTERM. Active runs are cancelled on shutdown.
func runServe(ctx context.Context, logOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := setup(logOut)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	client, err := newModelClient(cfg, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("create model client: %w", err)
	}
	defer func() {
		if err := closeAll(client, store); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	kit, err := newToolkit(cfg, logger)
	if err != nil {
		return err
	}
	defer kit.Close()

	loop := agentloop.NewLoop(store, client, kit.registry, kit.prompt, cfg.LoopConfig(), logger)
	srv := server.NewServer(cfg.Listen.Address, cfg.Listen.Port, store, loop, logger)
	srv.SetTools(kit.registry)
	if kit.sessions != nil {
		srv.AddStatusReporter(kit.sessions)
	}

	logger.Info("chatloop configured",
		"adapter", cfg.Model.Adapter,
		"provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
		"storage", cfg.Storage.Backend,
		"storage_path", cfg.StoragePath(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := srv.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("chatloop stopped")
	return nil
}
