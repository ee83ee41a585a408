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

// Dispatcher publishes apply commands and waits for the backend's acknowledgement.
type Dispatcher struct {
	client  redis.UniversalClient
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	waiters map[string][]chan Ack

	pubsub   *redis.PubSub
	stopOnce sync.Once
	done     chan struct{}
}

// NewDispatcher creates a dispatcher that waits at most timeout for each acknowledgement.
func NewDispatcher(client redis.UniversalClient, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:  client,
		timeout: timeout,
		logger:  logger.Named("relay"),
		waiters: make(map[string][]chan Ack),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the acknowledgement channel. It returns once the subscription is live.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.pubsub = d.client.Subscribe(ctx, AckChannel)
	if _, err := d.pubsub.Receive(ctx); err != nil {
		d.pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", AckChannel, err)
	}

	go d.listen(d.pubsub.Channel())
	d.logger.Info("dispatcher started", zap.String("ack_channel", AckChannel), zap.Duration("timeout", d.timeout))
	return nil
}

func (d *Dispatcher) listen(ch <-chan *redis.Message) {
	defer close(d.done)
	for msg := range ch {
		ack, err := ParseAck(msg.Payload)
		if err != nil {
			d.logger.Warn("dropping malformed ack", zap.String("payload", msg.Payload), zap.Error(err))
			continue
		}
		d.deliver(ack)
	}
}

func (d *Dispatcher) deliver(ack Ack) {
	d.mu.Lock()
	waiting := d.waiters[ack.PurchaseID]
	delete(d.waiters, ack.PurchaseID)
	d.mu.Unlock()

	if len(waiting) == 0 {
		d.logger.Debug("ack with no waiter", zap.String("purchase_id", ack.PurchaseID))
	}
	for _, w := range waiting {
		w <- ack
	}
}

func (d *Dispatcher) register(purchaseID string) chan Ack {
	w := make(chan Ack, 1)
	d.mu.Lock()
	d.waiters[purchaseID] = append(d.waiters[purchaseID], w)
	d.mu.Unlock()
	return w
}

func (d *Dispatcher) unregister(purchaseID string, w chan Ack) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.waiters[purchaseID]
	for i, x := range list {
		if x == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.waiters, purchaseID)
	} else {
		d.waiters[purchaseID] = list
	}
}

// Dispatch sends rank for the player at p and blocks until the backend acknowledges,
// the timeout passes or ctx ends. A failed apply returns the backend's error.
func (d *Dispatcher) Dispatch(ctx context.Context, p model.Presence, rank, purchaseID string) error {
	cmd := Command{Username: p.Username, Rank: rank, PurchaseID: purchaseID}
	if err := cmd.Validate(); err != nil {
		return err
	}

	w := d.register(purchaseID)
	defer d.unregister(purchaseID, w)

	receivers, err := d.client.Publish(ctx, CommandChannel(p.Server), cmd.String()).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w: %w", p.Server, model.ErrBackendUnavailable, err)
	}
	if receivers == 0 {
		return fmt.Errorf("no receiver on server %s: %w", p.Server, model.ErrBackendUnavailable)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case ack := <-w:
		if ack.Err != nil {
			if ack.Message != "" {
				return fmt.Errorf("%s: %w", ack.Message, ack.Err)
			}
			return ack.Err
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("no ack from %s within %s: %w", p.Server, d.timeout, model.ErrBackendUnavailable)
	case <-ctx.Done():
		return fmt.Errorf("waiting for ack from %s: %w: %w", p.Server, model.ErrBackendUnavailable, ctx.Err())
	}
}

// Stop closes the acknowledgement subscription.
func (d *Dispatcher) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		if d.pubsub == nil {
			return
		}
		err = d.pubsub.Close()
		<-d.done
	})
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
