package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ranksync/internal/model"
	"ranksync/internal/presence"
	"ranksync/internal/repository"

	"go.uber.org/zap"
)

const (
	msgApplied        = "Rank has been applied successfully"
	msgAlreadyApplied = "Rank was already applied"
	msgQueued         = "Player is offline; rank will be applied on next login"
	msgProcessing     = "Processing purchase"
)

// Dispatcher applies a rank on the backend server holding the player's session.
type Dispatcher interface {
	Dispatch(ctx context.Context, p model.Presence, rank, purchaseID string) error
}

// Outcome is what happened to a purchase after ProcessRankUpdate.
type Outcome struct {
	Status  model.PurchaseState `json:"status"`
	Message string              `json:"message"`
}

// DrainReport summarizes one DrainPending pass.
type DrainReport struct {
	Scanned      int `json:"scanned"`
	Applied      int `json:"applied"`
	StillPending int `json:"still_pending"`
	Failed       int `json:"failed"`
	Stale        int `json:"stale"`
}

// ReconcilerConfig holds reconciler settings.
type ReconcilerConfig struct {
	// ApplyTimeout bounds each apply on an online player.
	ApplyTimeout time.Duration

	// StaleAfter flags pending records older than this in logs. Zero disables the check.
	StaleAfter time.Duration
}

// Reconciler decides whether a purchased rank is applied now or queued, and drains the queue.
type Reconciler struct {
	ledger     repository.Ledger
	directory  presence.Directory
	dispatcher Dispatcher
	config     ReconcilerConfig
	logger     *zap.Logger
	nowFunc    func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(ledger repository.Ledger, directory presence.Directory, dispatcher Dispatcher, config ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if config.ApplyTimeout <= 0 {
		config.ApplyTimeout = 10 * time.Second
	}
	return &Reconciler{
		ledger:     ledger,
		directory:  directory,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger.Named("reconciler"),
		nowFunc:    time.Now,
	}
}

// ProcessRankUpdate applies rank to an online player or queues it for an offline one.
// The returned error is reserved for ledger failures; a failed apply is reported in the Outcome.
func (r *Reconciler) ProcessRankUpdate(ctx context.Context, username, rank, purchaseID string) (Outcome, error) {
	log := r.logger.With(
		zap.String("username", username),
		zap.String("rank", rank),
		zap.String("purchase_id", purchaseID),
	)

	existing, err := r.ledger.Get(ctx, purchaseID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return Outcome{}, err
	}
	if existing != nil {
		switch existing.Status {
		case model.RankUpdateApplied:
			log.Info("duplicate delivery for applied purchase")
			return Outcome{Status: model.PurchaseApplied, Message: msgAlreadyApplied}, nil
		case model.RankUpdateError:
			log.Info("duplicate delivery for failed purchase")
			return Outcome{Status: model.PurchaseError, Message: existing.Message}, nil
		}
	}

	if err := r.setPurchase(ctx, purchaseID, model.PurchaseProcessing, msgProcessing); err != nil {
		return Outcome{}, err
	}

	p, online, err := r.directory.Lookup(ctx, username)
	if err != nil {
		// Presence unknown: fall back to the queue.
		log.Warn("presence lookup failed, queueing", zap.Error(err))
		online = false
	}

	if !online {
		return r.enqueue(ctx, log, username, rank, purchaseID)
	}

	if err := r.apply(ctx, p, rank, purchaseID); err != nil {
		reason := err.Error()
		log.Error("apply failed for online player", zap.String("server", p.Server), zap.Error(err))
		if err := r.setPurchase(ctx, purchaseID, model.PurchaseError, reason); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: model.PurchaseError, Message: reason}, nil
	}

	if err := r.recordApplied(ctx, existing, username, rank, purchaseID); err != nil {
		return Outcome{}, err
	}
	if err := r.setPurchase(ctx, purchaseID, model.PurchaseApplied, msgApplied); err != nil {
		return Outcome{}, err
	}

	log.Info("rank applied", zap.String("server", p.Server))
	return Outcome{Status: model.PurchaseApplied, Message: msgApplied}, nil
}

func (r *Reconciler) enqueue(ctx context.Context, log *zap.Logger, username, rank, purchaseID string) (Outcome, error) {
	created, err := r.ledger.Insert(ctx, model.RankUpdate{
		Username:   username,
		RankName:   rank,
		PurchaseID: purchaseID,
		Status:     model.RankUpdatePending,
		CreatedAt:  r.nowFunc(),
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := r.setPurchase(ctx, purchaseID, model.PurchaseQueued, msgQueued); err != nil {
		return Outcome{}, err
	}

	if created {
		log.Info("queued rank update for offline player")
	} else {
		log.Debug("rank update already queued")
	}
	return Outcome{Status: model.PurchaseQueued, Message: msgQueued}, nil
}

func (r *Reconciler) apply(ctx context.Context, p model.Presence, rank, purchaseID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.ApplyTimeout)
	defer cancel()
	return r.dispatcher.Dispatch(ctx, p, rank, purchaseID)
}

// recordApplied leaves an applied record for purchaseID, moving a pending one forward or
// inserting a fresh audit record.
func (r *Reconciler) recordApplied(ctx context.Context, existing *model.RankUpdate, username, rank, purchaseID string) error {
	now := r.nowFunc()

	if existing == nil {
		created, err := r.ledger.Insert(ctx, model.RankUpdate{
			Username:   username,
			RankName:   rank,
			PurchaseID: purchaseID,
			Status:     model.RankUpdateApplied,
			CreatedAt:  now,
			AppliedAt:  &now,
		})
		if err != nil || created {
			return err
		}
		// Another ingress path queued it between our read and write.
	}

	err := r.ledger.UpdateStatus(ctx, purchaseID, model.RankUpdatePending, model.RankUpdateApplied,
		model.UpdateFields{AppliedAt: &now})
	if errors.Is(err, model.ErrStatusConflict) {
		return nil
	}
	return err
}

func (r *Reconciler) setPurchase(ctx context.Context, purchaseID string, status model.PurchaseState, message string) error {
	err := r.ledger.SetPurchaseStatus(ctx, model.PurchaseStatus{
		PurchaseID: purchaseID,
		Status:     status,
		Message:    message,
		UpdatedAt:  r.nowFunc(),
	})
	if err != nil {
		return fmt.Errorf("set purchase %s %s: %w", purchaseID, status, err)
	}
	return nil
}

// DrainPending attempts every pending record. Records whose player is still offline, or whose
// apply fails transiently, stay pending for the next pass; an unknown rank is terminal.
// Each record is handled independently. The error is non-nil only when the pending set cannot be read.
func (r *Reconciler) DrainPending(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	records, err := r.ledger.QueryByStatus(ctx, model.RankUpdatePending)
	if err != nil {
		return report, err
	}
	report.Scanned = len(records)

	now := r.nowFunc()
	for _, rec := range records {
		if ctx.Err() != nil {
			report.StillPending += report.Scanned - report.Applied - report.StillPending - report.Failed
			break
		}

		if r.config.StaleAfter > 0 && now.Sub(rec.CreatedAt) > r.config.StaleAfter {
			report.Stale++
			r.logger.Warn("stale pending rank update",
				zap.String("purchase_id", rec.PurchaseID),
				zap.String("username", rec.Username),
				zap.Duration("age", now.Sub(rec.CreatedAt)))
		}

		switch r.drainOne(ctx, rec) {
		case model.RankUpdateApplied:
			report.Applied++
		case model.RankUpdateError:
			report.Failed++
		default:
			report.StillPending++
		}
	}

	if report.Scanned > 0 {
		r.logger.Info("drain complete",
			zap.Int("scanned", report.Scanned),
			zap.Int("applied", report.Applied),
			zap.Int("still_pending", report.StillPending),
			zap.Int("failed", report.Failed),
			zap.Int("stale", report.Stale))
	}
	return report, nil
}

// drainOne returns the record's status after the attempt.
func (r *Reconciler) drainOne(ctx context.Context, rec model.RankUpdate) model.RankUpdateStatus {
	log := r.logger.With(
		zap.String("username", rec.Username),
		zap.String("rank", rec.RankName),
		zap.String("purchase_id", rec.PurchaseID),
	)

	p, online, err := r.directory.Lookup(ctx, rec.Username)
	if err != nil {
		log.Warn("presence lookup failed", zap.Error(err))
		return model.RankUpdatePending
	}
	if !online {
		return model.RankUpdatePending
	}

	if err := r.apply(ctx, p, rec.RankName, rec.PurchaseID); err != nil {
		if !errors.Is(err, model.ErrRankNotFound) {
			log.Warn("apply failed, will retry", zap.String("server", p.Server), zap.Error(err))
			return model.RankUpdatePending
		}

		log.Error("rank does not exist, giving up", zap.Error(err))
		reason := err.Error()
		if err := r.ledger.UpdateStatus(ctx, rec.PurchaseID, model.RankUpdatePending, model.RankUpdateError,
			model.UpdateFields{Message: reason}); err != nil {
			log.Error("failed to mark rank update as error", zap.Error(err))
			return model.RankUpdatePending
		}
		if err := r.setPurchase(ctx, rec.PurchaseID, model.PurchaseError, reason); err != nil {
			log.Error("failed to update purchase status", zap.Error(err))
		}
		return model.RankUpdateError
	}

	now := r.nowFunc()
	err = r.ledger.UpdateStatus(ctx, rec.PurchaseID, model.RankUpdatePending, model.RankUpdateApplied,
		model.UpdateFields{AppliedAt: &now})
	if err != nil && !errors.Is(err, model.ErrStatusConflict) {
		// The rank is granted; the next pass re-applies idempotently and retries the write.
		log.Error("failed to mark rank update as applied", zap.Error(err))
		return model.RankUpdatePending
	}
	if err := r.setPurchase(ctx, rec.PurchaseID, model.PurchaseApplied, msgApplied); err != nil {
		log.Error("failed to update purchase status", zap.Error(err))
	}

	log.Info("queued rank applied", zap.String("server", p.Server))
	return model.RankUpdateApplied
}
