package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ranksync/internal/cache"
	"ranksync/internal/model"
	"ranksync/internal/service"

	"go.uber.org/zap"
)

// Processor receives rank updates from a push source.
type Processor interface {
	ProcessRankUpdate(ctx context.Context, username, rank, purchaseID string) (service.Outcome, error)
}

// Event is one inserted rank update as delivered by a push source.
type Event struct {
	Username   string                 `json:"username"`
	Rank       string                 `json:"rank"`
	PurchaseID string                 `json:"purchase_id"`
	Status     model.RankUpdateStatus `json:"status,omitempty"`
}

// Validate rejects events missing a field or carrying whitespace in one.
func (e Event) Validate() error {
	for name, v := range map[string]string{"username": e.Username, "rank": e.Rank, "purchase_id": e.PurchaseID} {
		if v == "" || strings.ContainsAny(v, " \t\r\n") {
			return fmt.Errorf("%w: bad %s %q", model.ErrMalformedWebhookPayload, name, v)
		}
	}
	return nil
}

// deliverer hands events to the processor, skipping ones seen within the dedup window.
type deliverer struct {
	processor Processor
	dedup     cache.Claimer
	ttl       time.Duration
	logger    *zap.Logger
}

func dedupKey(purchaseID string) string {
	return "realtime:" + purchaseID
}

// deliver returns an error only when the event should be redelivered.
func (d *deliverer) deliver(ctx context.Context, ev Event) error {
	log := d.logger.With(zap.String("purchase_id", ev.PurchaseID), zap.String("username", ev.Username))

	if err := ev.Validate(); err != nil {
		log.Warn("dropping malformed event", zap.Error(err))
		return nil
	}
	// Records we or the poller already moved past pending need no work.
	if ev.Status != "" && ev.Status != model.RankUpdatePending {
		log.Debug("ignoring non-pending insert", zap.String("status", string(ev.Status)))
		return nil
	}

	claimed := false
	if d.dedup != nil {
		ok, err := d.dedup.Claim(ctx, dedupKey(ev.PurchaseID), d.ttl)
		switch {
		case err != nil:
			log.Warn("dedup cache unavailable", zap.Error(err))
		case !ok:
			log.Debug("duplicate delivery skipped")
			return nil
		default:
			claimed = true
		}
	}

	out, err := d.processor.ProcessRankUpdate(ctx, ev.Username, ev.Rank, ev.PurchaseID)
	if err != nil {
		if claimed {
			if rerr := d.dedup.Release(context.Background(), dedupKey(ev.PurchaseID)); rerr != nil {
				log.Warn("failed to release dedup claim", zap.Error(rerr))
			}
		}
		return err
	}

	log.Info("realtime rank update processed", zap.String("status", string(out.Status)), zap.String("message", out.Message))
	return nil
}
