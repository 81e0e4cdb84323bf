package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/recall/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.BindAddr = addr
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		built, err := app.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := built.Cleanup(); err != nil {
				log.Printf("cleanup failed: %v", err)
			}
		}()

		httpServer := &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           built.API.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		runCtx, runCancel := context.WithCancel(context.Background())
		defer runCancel()
		built.Sessions.StartJanitor(runCtx, 5*time.Second)

		errCh := make(chan error, 1)
		go func() {
			log.Printf("server listening on %s (model=%s store=%s)", cfg.BindAddr, cfg.LLMModel, cfg.VectorStore)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			log.Printf("shutdown signal received")
		}

		runCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		log.Printf("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides APP_BIND_ADDR)")
	rootCmd.AddCommand(serveCmd)
}
