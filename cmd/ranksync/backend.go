package main

import (
	"context"
	"errors"
	"net/http"

	"ranksync/internal/config"
	"ranksync/internal/handler"
	"ranksync/internal/host"
	"ranksync/internal/permission"
	"ranksync/internal/presence"
	"ranksync/internal/relay"
	"ranksync/internal/router"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBackendCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Run the per-server sidecar: host bridge, command relay receiver and permission applier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, zl, err := setup(*configPath, config.RoleBackend)
			if err != nil {
				return err
			}
			defer zl.Sync()
			return runBackend(cfg, zl)
		},
	}
}

func newPermissionBackend(cfg *config.Config) permission.Backend {
	if cfg.Permission.Type == "memory" {
		b := permission.NewMemoryBackend()
		for i, name := range cfg.RankNames() {
			b.AddRank(cfg.Ranks[name], 10*(i+1))
		}
		return b
	}
	return permission.NewRESTBackend(cfg.Permission.URL, cfg.Permission.Key)
}

func runBackend(cfg *config.Config, zl *zap.Logger) error {
	zl = zl.With(zap.String("server", cfg.Host.ServerName))
	zl.Info("starting backend", zap.String("version", version), zap.String("permission", cfg.Permission.Type))

	ctx, stop := signalContext()
	defer stop()

	redisClient, err := connectRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	loop := host.NewLoop(cfg.Relay.QueueSize)
	loop.Start()
	defer loop.Stop()

	bridge := host.NewBridge(cfg.Host.ServerName, presence.NewRedisDirectory(redisClient, presence.DefaultKey), loop, zl)
	applier := permission.NewApplier(newPermissionBackend(cfg), bridge, cfg.RankNames(), zl)

	receiver := relay.NewReceiver(redisClient, applier, relay.ReceiverConfig{
		Server:       cfg.Host.ServerName,
		Workers:      cfg.Relay.Workers,
		QueueSize:    cfg.Relay.QueueSize,
		ApplyTimeout: cfg.Relay.ApplyTimeout,
	}, zl)

	receiverDone := superviseReceiver(ctx, receiver.Run, stop, zl)

	r := router.NewHost(router.HostConfig{
		Logger: zl,
		Handler: handler.New(cfg.App.Name, version, map[string]handler.Check{
			"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		}),
		HostHandler: handler.NewHostHandler(bridge, zl),
	})

	srv := &http.Server{
		Addr:         cfg.HostAddress(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	err = serve(ctx, srv, cfg.Server.ShutdownTimeout, zl)
	stop()

	if rerr := <-receiverDone; rerr != nil && err == nil {
		err = rerr
	}

	// Sessions on a stopping server are no longer reachable.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if cerr := bridge.Close(shutdownCtx); cerr != nil {
		zl.Warn("failed to withdraw sessions", zap.Error(cerr))
	}

	zl.Info("backend stopped")
	return err
}

// superviseReceiver runs the relay receiver and stops the backend when it exits before ctx is done.
func superviseReceiver(ctx context.Context, run func(context.Context) error, stop context.CancelFunc, zl *zap.Logger) <-chan error {
	done := make(chan error, 1)
	go func() {
		err := run(ctx)
		if ctx.Err() != nil {
			done <- nil
			return
		}
		if err == nil {
			err = errors.New("relay receiver exited")
		}
		zl.Error("relay receiver stopped, shutting down backend", zap.Error(err))
		stop()
		done <- err
	}()
	return done
}
