package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/api"
	"github.com/sells-group/facility-locator/internal/config"
	"github.com/sells-group/facility-locator/internal/observability"
)

var servePort int

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control surface for batches and reviews",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, cfg, observability.NewMetrics())
		if err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := api.NewServer(env.Engine, serverOptions(cfg.Server, port))

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		var serveErr error
		select {
		case <-ctx.Done():
		case serveErr = <-errCh:
		}

		// Graceful shutdown: stop accepting requests, then drain running batches.
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
		env.Close(shutdownCtx)

		if serveErr != nil {
			return eris.Wrap(serveErr, "server listen")
		}
		return nil
	},
}

func serverOptions(c config.ServerConfig, port int) api.Options {
	return api.Options{
		Addr:           fmt.Sprintf(":%d", port),
		AllowedOrigins: c.AllowedOrigins,
		RequestTimeout: time.Duration(c.RequestTimeoutSecs) * time.Second,
		MaxBatchSize:   c.MaxBatchSize,
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
