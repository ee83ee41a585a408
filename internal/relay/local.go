package relay

import (
	"context"
	"errors"
	"fmt"

	"ranksync/internal/model"

	"go.uber.org/zap"
)

// LocalDispatcher applies ranks in-process for a single-node deployment where the coordinator
// and the only backend share one process. Errors carry the same sentinels a remote ack would.
type LocalDispatcher struct {
	server  string
	applier RankApplier
	logger  *zap.Logger
}

// NewLocalDispatcher creates a dispatcher for the backend named server.
func NewLocalDispatcher(server string, applier RankApplier, logger *zap.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		server:  server,
		applier: applier,
		logger:  logger.Named("relay").With(zap.String("server", server)),
	}
}

// Dispatch applies rank when p is on this process's server.
func (d *LocalDispatcher) Dispatch(ctx context.Context, p model.Presence, rank, purchaseID string) error {
	cmd := Command{Username: p.Username, Rank: rank, PurchaseID: purchaseID}
	if err := cmd.Validate(); err != nil {
		return err
	}
	if p.Server != d.server {
		return fmt.Errorf("no receiver on server %s: %w", p.Server, model.ErrBackendUnavailable)
	}

	err := d.applier.Apply(ctx, p.Username, rank)
	if err == nil {
		d.logger.Info("rank applied", zap.String("username", p.Username), zap.String("purchase_id", purchaseID))
		return nil
	}
	if sentinel := classify(err); !errors.Is(err, sentinel) {
		return fmt.Errorf("%s: %w", err.Error(), sentinel)
	}
	return err
}
