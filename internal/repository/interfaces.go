package repository

import (
	"context"
	"fmt"

	"ranksync/internal/model"
)

// Ledger is the durable store of rank update records and purchase statuses.
//
// Every implementation enforces purchase ID uniqueness in the backend itself (unique constraint,
// unique index or ignore-duplicates upsert). Concurrent ingress paths rely on that, never on a
// read-then-write check in application code.
type Ledger interface {
	// Insert stores rec unless a record with the same purchase ID exists.
	// created is false when an existing record was left untouched.
	Insert(ctx context.Context, rec model.RankUpdate) (created bool, err error)

	// Get returns the record for purchaseID, or model.ErrNotFound.
	Get(ctx context.Context, purchaseID string) (*model.RankUpdate, error)

	// QueryByStatus returns all records in status, oldest first.
	QueryByStatus(ctx context.Context, status model.RankUpdateStatus) ([]model.RankUpdate, error)

	// UpdateStatus moves a record from one status to another. It returns model.ErrStatusConflict
	// when the record is not currently in from, and model.ErrNotFound when there is no record.
	UpdateStatus(ctx context.Context, purchaseID string, from, to model.RankUpdateStatus, fields model.UpdateFields) error

	// SetPurchaseStatus records the externally visible state of a purchase.
	SetPurchaseStatus(ctx context.Context, status model.PurchaseStatus) error

	// GetPurchaseStatus returns the purchase row for purchaseID, or model.ErrNotFound.
	GetPurchaseStatus(ctx context.Context, purchaseID string) (*model.PurchaseStatus, error)

	// Stats returns per-status counts and the age of the oldest pending record.
	Stats(ctx context.Context) (*model.LedgerStats, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the ledger connection.
	Close() error
}

// unavailable wraps a storage failure so callers can classify it with errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrBackendUnavailable, err)
}

// checkTransition rejects transitions the record lifecycle does not allow.
func checkTransition(from, to model.RankUpdateStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: cannot move rank update from %s to %s", model.ErrStatusConflict, from, to)
	}
	return nil
}
