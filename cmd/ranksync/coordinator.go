package main

import (
	"context"
	"net/http"
	"os"
	"sync"

	"ranksync/internal/cache"
	"ranksync/internal/config"
	"ranksync/internal/handler"
	"ranksync/internal/middleware"
	"ranksync/internal/presence"
	"ranksync/internal/realtime"
	"ranksync/internal/relay"
	"ranksync/internal/repository"
	"ranksync/internal/router"
	"ranksync/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCoordinatorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the webhook receiver, realtime subscriber, poller and command relay dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, zl, err := setup(*configPath, config.RoleCoordinator)
			if err != nil {
				return err
			}
			defer zl.Sync()
			return runCoordinator(cfg, zl)
		},
	}
}

// coordinator holds the wired components shared by the coordinator and drain commands.
type coordinator struct {
	ledger     repository.Ledger
	redis      *redis.Client
	claimer    cache.Claimer
	reconciler *service.Reconciler
	poller     *service.Poller
	close      func()
}

func buildCoordinator(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*coordinator, error) {
	ledger, err := repository.Open(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	zl.Info("ledger opened", zap.String("type", cfg.Ledger.Type))

	redisClient, err := connectRedis(cfg.Redis)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	dispatcher := relay.NewDispatcher(redisClient, cfg.Relay.ApplyTimeout, zl)
	if err := dispatcher.Start(ctx); err != nil {
		redisClient.Close()
		ledger.Close()
		return nil, err
	}

	claimer := cache.NewRedisClaimer(redisClient, "ranksync")
	reconciler := service.NewReconciler(
		ledger,
		presence.NewRedisDirectory(redisClient, presence.DefaultKey),
		dispatcher,
		service.ReconcilerConfig{ApplyTimeout: cfg.Relay.ApplyTimeout, StaleAfter: cfg.Poller.StaleAfter},
		zl,
	)
	poller := service.NewPoller(reconciler, claimer, service.PollerConfig{
		Delay:    cfg.Poller.Delay,
		Interval: cfg.Poller.Interval,
		Timeout:  cfg.Poller.DrainTimeout,
	}, zl)

	return &coordinator{
		ledger:     ledger,
		redis:      redisClient,
		claimer:    claimer,
		reconciler: reconciler,
		poller:     poller,
		close: func() {
			if err := dispatcher.Stop(); err != nil {
				zl.Warn("dispatcher stop", zap.Error(err))
			}
			redisClient.Close()
			if err := ledger.Close(); err != nil {
				zl.Warn("ledger close", zap.Error(err))
			}
		},
	}, nil
}

func runCoordinator(cfg *config.Config, zl *zap.Logger) error {
	zl.Info("starting coordinator", zap.String("version", version), zap.String("env", cfg.App.Environment))

	ctx, stop := signalContext()
	defer stop()

	c, err := buildCoordinator(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer c.close()

	var subscribers sync.WaitGroup
	if err := startRealtime(ctx, cfg, c, zl, &subscribers); err != nil {
		return err
	}

	c.poller.Start()

	r := router.New(router.Config{
		Logger: zl,
		Handler: handler.New(cfg.App.Name, version, map[string]handler.Check{
			"ledger": c.ledger.Ping,
			"redis":  func(ctx context.Context) error { return c.redis.Ping(ctx).Err() },
		}),
		WebhookHandler: handler.NewWebhookHandler(c.reconciler, service.NewSignatureVerifier(cfg.Webhook.Secret), cfg.Server.WebhookTimeout, zl),
		AdminHandler:   handler.NewAdminHandler(c.ledger, c.poller, cfg.Ledger.Type, zl),
		AdminAuth:      middleware.NewAdminAuth(cfg.App.AdminKey),
	})

	srv := &http.Server{
		Addr:         cfg.WebhookAddress(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	err = serve(ctx, srv, cfg.Server.ShutdownTimeout, zl)

	// Stop the drain schedule before the ledger goes away.
	stop()
	c.poller.Stop()
	subscribers.Wait()

	zl.Info("coordinator stopped")
	return err
}

func startRealtime(ctx context.Context, cfg *config.Config, c *coordinator, zl *zap.Logger, wg *sync.WaitGroup) error {
	type runner interface {
		Run(ctx context.Context) error
	}

	var sub runner
	switch cfg.Realtime.Source {
	case "", "none":
		return nil
	case "stream":
		consumer := cfg.Realtime.Consumer
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		sub = realtime.NewStreamSubscriber(c.redis, c.reconciler, c.claimer, realtime.StreamConfig{
			Stream:   cfg.Realtime.Stream,
			Group:    cfg.Realtime.Group,
			Consumer: consumer,
			DedupTTL: cfg.Realtime.DedupTTL,
		}, zl)
	case "supabase":
		s, err := realtime.NewSupabaseSubscriber(c.reconciler, c.claimer, realtime.SupabaseConfig{
			URL:      cfg.Ledger.URL,
			Key:      cfg.Ledger.Key,
			DedupTTL: cfg.Realtime.DedupTTL,
		}, zl)
		if err != nil {
			return err
		}
		sub = s
	default:
		zl.Warn("unknown realtime source, push ingress disabled", zap.String("source", cfg.Realtime.Source))
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sub.Run(ctx); err != nil {
			zl.Error("realtime subscriber stopped", zap.Error(err))
		}
	}()
	return nil
}
