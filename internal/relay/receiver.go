package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ranksync/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RankApplier applies a rank to a player by username.
type RankApplier interface {
	Apply(ctx context.Context, username, rankName string) error
}

// ReceiverConfig tunes the receiver's worker pool.
type ReceiverConfig struct {
	Server       string
	Workers      int
	QueueSize    int
	ApplyTimeout time.Duration
}

// Receiver listens on one backend's command channel and applies commands on a worker pool,
// so the subscription goroutine never waits on the permission backend.
type Receiver struct {
	client  redis.UniversalClient
	applier RankApplier
	config  ReceiverConfig
	logger  *zap.Logger

	jobs chan Command
	wg   sync.WaitGroup
}

// NewReceiver creates a receiver for cfg.Server.
func NewReceiver(client redis.UniversalClient, applier RankApplier, cfg ReceiverConfig, logger *zap.Logger) *Receiver {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	return &Receiver{
		client:  client,
		applier: applier,
		config:  cfg,
		logger:  logger.Named("relay").With(zap.String("server", cfg.Server)),
		jobs:    make(chan Command, cfg.QueueSize),
	}
}

// Run subscribes and processes commands until ctx is cancelled. Queued commands are finished before it returns.
func (r *Receiver) Run(ctx context.Context) error {
	channel := CommandChannel(r.config.Server)
	pubsub := r.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.logger.Info("receiver started", zap.String("channel", channel), zap.Int("workers", r.config.Workers))

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				r.shutdown()
				return nil
			}
			r.Handle(msg.Payload)
		case <-ctx.Done():
			r.shutdown()
			return nil
		}
	}
}

func (r *Receiver) shutdown() {
	close(r.jobs)
	r.wg.Wait()
	r.logger.Info("receiver stopped")
}

// Handle parses payload and queues it. Malformed payloads are logged and dropped.
// It reports whether the command was queued.
func (r *Receiver) Handle(payload string) bool {
	cmd, err := ParseCommand(payload)
	if err != nil {
		r.logger.Warn("dropping malformed command", zap.String("payload", payload), zap.Error(err))
		return false
	}

	select {
	case r.jobs <- cmd:
		return true
	default:
		r.logger.Error("command queue full", zap.String("purchase_id", cmd.PurchaseID))
		r.ack(Ack{PurchaseID: cmd.PurchaseID, Err: model.ErrBackendUnavailable, Message: "command queue full"})
		return false
	}
}

func (r *Receiver) worker() {
	defer r.wg.Done()
	for cmd := range r.jobs {
		r.process(cmd)
	}
}

func (r *Receiver) process(cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.ApplyTimeout)
	defer cancel()

	log := r.logger.With(
		zap.String("username", cmd.Username),
		zap.String("rank", cmd.Rank),
		zap.String("purchase_id", cmd.PurchaseID),
	)

	err := r.applier.Apply(ctx, cmd.Username, cmd.Rank)
	if err != nil {
		log.Error("apply failed", zap.Error(err))
		r.ack(Ack{PurchaseID: cmd.PurchaseID, Err: classify(err), Message: err.Error()})
		return
	}

	log.Info("rank applied")
	r.ack(Ack{PurchaseID: cmd.PurchaseID})
}

func classify(err error) error {
	for _, sentinel := range []error{model.ErrIdentityNotFound, model.ErrRankNotFound, model.ErrMalformedCommand} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return model.ErrBackendUnavailable
}

func (r *Receiver) ack(a Ack) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Publish(ctx, AckChannel, a.String()).Err(); err != nil {
		r.logger.Error("failed to publish ack", zap.String("purchase_id", a.PurchaseID), zap.Error(err))
	}
}
