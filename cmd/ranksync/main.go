package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ranksync/internal/config"
	"ranksync/internal/logger"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ranksync",
		Short:         "Propagates purchased ranks from a storefront to game servers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaultPath := os.Getenv("RANKSYNC_CONFIG")
	if defaultPath == "" {
		defaultPath = "./config.yaml"
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "path to the config file")

	root.AddCommand(
		newCoordinatorCmd(&configPath),
		newBackendCmd(&configPath),
		newInitConfigCmd(&configPath),
		newDrainCmd(&configPath),
		newStandaloneCmd(&configPath),
	)
	return root
}

// setup loads and validates the config for role and builds the process logger.
func setup(path string, role config.Role) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	zl, err := logger.New(cfg.App.LogLevel, cfg.App.IsDevelopment())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.App.LogLevel, err)
	}
	zl = zl.With(zap.String("role", string(role)))

	if err := cfg.Validate(role); err != nil {
		return nil, nil, err
	}
	return cfg, zl, nil
}

func connectRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// serve runs srv until ctx is cancelled, then shuts it down within timeout.
func serve(ctx context.Context, srv *http.Server, timeout time.Duration, zl *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		zl.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down server", zap.String("addr", srv.Addr))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
