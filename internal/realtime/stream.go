package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"ranksync/internal/cache"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamConfig configures a Redis stream subscriber.
type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string

	// DedupTTL is how long a processed purchase ID is remembered.
	// Default: 5 minutes
	DedupTTL time.Duration

	// Block bounds each XREADGROUP call.
	// Default: 5 seconds
	Block time.Duration

	// RetryDelay is the wait before re-reading unacknowledged entries after a failure.
	// Default: 5 seconds
	RetryDelay time.Duration
}

// StreamSubscriber consumes rank update inserts from a Redis stream through a consumer group.
// Entries are acknowledged only after the reconciler accepted them, so a crash or ledger
// failure leaves them pending for redelivery.
type StreamSubscriber struct {
	client redis.UniversalClient
	config StreamConfig
	deliverer
}

// NewStreamSubscriber creates a subscriber. dedup may be nil.
func NewStreamSubscriber(client redis.UniversalClient, processor Processor, dedup cache.Claimer, cfg StreamConfig, logger *zap.Logger) *StreamSubscriber {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Minute
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	log := logger.Named("realtime").With(zap.String("source", "stream"), zap.String("stream", cfg.Stream))
	return &StreamSubscriber{
		client: client,
		config: cfg,
		deliverer: deliverer{
			processor: processor,
			dedup:     dedup,
			ttl:       cfg.DedupTTL,
			logger:    log,
		},
	}
}

// Publish appends ev to stream. The storefront side of a stream deployment uses this shape.
func Publish(ctx context.Context, client redis.UniversalClient, stream string, ev Event) (string, error) {
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"username":    ev.Username,
			"rank":        ev.Rank,
			"purchase_id": ev.PurchaseID,
		},
	}).Result()
}

// Run consumes until ctx is cancelled. It first replays this consumer's unacknowledged entries.
func (s *StreamSubscriber) Run(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.config.Stream, s.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	s.logger.Info("subscribed", zap.String("group", s.config.Group), zap.String("consumer", s.config.Consumer))

	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.config.Group,
			Consumer: s.config.Consumer,
			Streams:  []string{s.config.Stream, cursor},
			Count:    16,
			Block:    s.config.Block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.logger.Error("read failed", zap.Error(err))
			if !sleep(ctx, s.config.RetryDelay) {
				return nil
			}
			continue
		}

		read := 0
		failed := false
		for _, st := range streams {
			for _, msg := range st.Messages {
				read++
				if err := s.deliver(ctx, eventFromValues(msg.Values)); err != nil {
					s.logger.Warn("processing failed, leaving entry pending", zap.String("id", msg.ID), zap.Error(err))
					failed = true
					continue
				}
				if err := s.client.XAck(ctx, s.config.Stream, s.config.Group, msg.ID).Err(); err != nil {
					s.logger.Warn("ack failed", zap.String("id", msg.ID), zap.Error(err))
				}
			}
		}

		switch {
		case failed:
			cursor = "0"
			if !sleep(ctx, s.config.RetryDelay) {
				return nil
			}
		case cursor == "0" && read == 0:
			cursor = ">"
		}
	}
}

func eventFromValues(values map[string]any) Event {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}
	ev := Event{Username: str("username"), Rank: str("rank"), PurchaseID: str("purchase_id")}
	if ev.PurchaseID == "" {
		ev.PurchaseID = str("purchaseId")
	}
	return ev
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
