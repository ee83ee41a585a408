package service

import (
	"context"
	"sync"
	"time"

	"ranksync/internal/cache"

	"go.uber.org/zap"
)

// DrainLockKey is the claim that keeps coordinators from draining concurrently.
const DrainLockKey = "drain:lock"

// PollerConfig holds configuration for the drain scheduler.
type PollerConfig struct {
	// Delay before the first drain.
	// Default: 30 seconds
	Delay time.Duration

	// Interval between drains.
	// Default: 30 seconds
	Interval time.Duration

	// Timeout bounds a single drain pass.
	// Default: 2 minutes
	Timeout time.Duration
}

// Drainer runs one drain pass.
type Drainer interface {
	DrainPending(ctx context.Context) (DrainReport, error)
}

// Poller runs DrainPending on a fixed interval. A tick is skipped while the previous pass is
// still running, and with a shared Claimer only one process in the fleet drains at a time.
type Poller struct {
	drainer Drainer
	lock    cache.Claimer
	config  PollerConfig
	logger  *zap.Logger

	mu        sync.Mutex
	isRunning bool
	draining  bool
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPoller creates a poller. lock may be nil for single-instance deployments.
func NewPoller(drainer Drainer, lock cache.Claimer, config PollerConfig, logger *zap.Logger) *Poller {
	if config.Delay <= 0 {
		config.Delay = 30 * time.Second
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}

	return &Poller{
		drainer: drainer,
		lock:    lock,
		config:  config,
		logger:  logger.Named("poller"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the schedule.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.mu.Unlock()

	p.logger.Info("started", zap.Duration("delay", p.config.Delay), zap.Duration("interval", p.config.Interval))

	p.wg.Add(1)
	go p.run()
}

// run waits out the initial delay, then drains on every tick.
func (p *Poller) run() {
	defer p.wg.Done()

	delay := time.NewTimer(p.config.Delay)
	defer delay.Stop()

	select {
	case <-delay.C:
	case <-p.stopCh:
		p.logger.Info("stopped")
		return
	}

	p.mu.Lock()
	p.ticker = time.NewTicker(p.config.Interval)
	p.mu.Unlock()
	defer p.ticker.Stop()

	p.tick()
	for {
		select {
		case <-p.ticker.C:
			p.tick()
		case <-p.stopCh:
			p.logger.Info("stopped")
			return
		}
	}
}

// tick starts a drain unless one is already in flight.
func (p *Poller) tick() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		p.logger.Debug("previous drain still running, skipping tick")
		return
	}
	p.draining = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.draining = false
			p.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		defer cancel()
		go func() {
			select {
			case <-p.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		if _, _, err := p.RunNow(ctx); err != nil {
			p.logger.Error("drain failed", zap.Error(err))
		}
	}()
}

// RunNow drains immediately. ran is false when another process holds the drain lock.
func (p *Poller) RunNow(ctx context.Context) (report DrainReport, ran bool, err error) {
	if p.lock != nil {
		ok, err := p.lock.Claim(ctx, DrainLockKey, p.config.Timeout)
		if err != nil {
			// Fall back to draining without the lock.
			p.logger.Warn("drain lock unavailable, draining anyway", zap.Error(err))
		} else if !ok {
			p.logger.Debug("another coordinator is draining")
			return report, false, nil
		} else {
			defer func() {
				if err := p.lock.Release(context.Background(), DrainLockKey); err != nil {
					p.logger.Warn("failed to release drain lock", zap.Error(err))
				}
			}()
		}
	}

	report, err = p.drainer.DrainPending(ctx)
	return report, true, err
}

// Stop stops the scheduler and waits for an in-flight drain to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		p.isRunning = false
		p.mu.Unlock()
	})
	p.wg.Wait()
}
