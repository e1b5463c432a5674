package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filerelay/pkg/web"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP file-serving endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, logger, err := buildCore()
			if err != nil {
				return err
			}
			defer logger.Sync()

			server := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: web.New(svc, cfg.MaxFileSizeBytes(), logger).Router(),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP server listening",
					zap.String("addr", cfg.ListenAddr),
					zap.String("public_domain", cfg.PublicDomain))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("Shutting down", zap.String("signal", sig.String()))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		},
	}
}
