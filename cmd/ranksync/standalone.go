package main

import (
	"context"
	"net/http"
	"sync"

	"ranksync/internal/cache"
	"ranksync/internal/config"
	"ranksync/internal/handler"
	"ranksync/internal/host"
	"ranksync/internal/middleware"
	"ranksync/internal/permission"
	"ranksync/internal/presence"
	"ranksync/internal/relay"
	"ranksync/internal/repository"
	"ranksync/internal/router"
	"ranksync/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newStandaloneCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "standalone",
		Short: "Run the coordinator and one backend in a single process without redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, zl, err := setup(*configPath, config.RoleStandalone)
			if err != nil {
				return err
			}
			defer zl.Sync()
			return runStandalone(cfg, zl)
		},
	}
}

// runStandalone serves the webhook, admin and host routes on the webhook port. Presence, the drain
// lock and realtime dedup live in memory and ranks are applied in-process.
func runStandalone(cfg *config.Config, zl *zap.Logger) error {
	zl = zl.With(zap.String("server", cfg.Host.ServerName))
	zl.Info("starting standalone", zap.String("version", version), zap.String("ledger", cfg.Ledger.Type))

	ctx, stop := signalContext()
	defer stop()

	ledger, err := repository.Open(cfg.Ledger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	claimer := cache.NewMemoryClaimer()
	defer claimer.Close()

	loop := host.NewLoop(cfg.Relay.QueueSize)
	loop.Start()
	defer loop.Stop()

	directory := presence.NewMemoryDirectory()
	bridge := host.NewBridge(cfg.Host.ServerName, directory, loop, zl)
	applier := permission.NewApplier(newPermissionBackend(cfg), bridge, cfg.RankNames(), zl)

	reconciler := service.NewReconciler(
		ledger,
		directory,
		relay.NewLocalDispatcher(cfg.Host.ServerName, applier, zl),
		service.ReconcilerConfig{ApplyTimeout: cfg.Relay.ApplyTimeout, StaleAfter: cfg.Poller.StaleAfter},
		zl,
	)
	poller := service.NewPoller(reconciler, claimer, service.PollerConfig{
		Delay:    cfg.Poller.Delay,
		Interval: cfg.Poller.Interval,
		Timeout:  cfg.Poller.DrainTimeout,
	}, zl)

	c := &coordinator{ledger: ledger, claimer: claimer, reconciler: reconciler, poller: poller}
	var subscribers sync.WaitGroup
	if err := startRealtime(ctx, cfg, c, zl, &subscribers); err != nil {
		return err
	}

	poller.Start()

	r := router.New(router.Config{
		Logger: zl,
		Handler: handler.New(cfg.App.Name, version, map[string]handler.Check{
			"ledger": ledger.Ping,
		}),
		WebhookHandler: handler.NewWebhookHandler(reconciler, service.NewSignatureVerifier(cfg.Webhook.Secret), cfg.Server.WebhookTimeout, zl),
		AdminHandler:   handler.NewAdminHandler(ledger, poller, cfg.Ledger.Type, zl),
		AdminAuth:      middleware.NewAdminAuth(cfg.App.AdminKey),
		HostHandler:    handler.NewHostHandler(bridge, zl),
	})

	srv := &http.Server{
		Addr:         cfg.WebhookAddress(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	err = serve(ctx, srv, cfg.Server.ShutdownTimeout, zl)

	stop()
	poller.Stop()
	subscribers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if cerr := bridge.Close(shutdownCtx); cerr != nil {
		zl.Warn("failed to withdraw sessions", zap.Error(cerr))
	}

	zl.Info("standalone stopped")
	return err
}
