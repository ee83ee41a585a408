package model

import "time"

// RankUpdateStatus is the lifecycle state of a ledger record.
type RankUpdateStatus string

const (
	RankUpdatePending RankUpdateStatus = "pending"
	RankUpdateApplied RankUpdateStatus = "applied"
	RankUpdateError   RankUpdateStatus = "error"
)

// Valid reports whether s is a known ledger status.
func (s RankUpdateStatus) Valid() bool {
	switch s {
	case RankUpdatePending, RankUpdateApplied, RankUpdateError:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from s to next.
// Records only ever leave pending; applied and error are terminal.
func (s RankUpdateStatus) CanTransition(next RankUpdateStatus) bool {
	return s == RankUpdatePending && (next == RankUpdateApplied || next == RankUpdateError)
}

// RankUpdate is a durable request to grant a rank, keyed by purchase ID.
type RankUpdate struct {
	ID         string           `json:"id" bson:"id"`
	Username   string           `json:"username" bson:"username"`
	RankName   string           `json:"rank" bson:"rank"`
	PurchaseID string           `json:"purchase_id" bson:"purchase_id"`
	Status     RankUpdateStatus `json:"status" bson:"status"`
	Message    string           `json:"message,omitempty" bson:"message,omitempty"`
	CreatedAt  time.Time        `json:"created_at" bson:"created_at"`
	AppliedAt  *time.Time       `json:"applied_at,omitempty" bson:"applied_at,omitempty"`
}

// UpdateFields carries the optional columns written alongside a status transition.
type UpdateFields struct {
	AppliedAt *time.Time
	Message   string
}

// LedgerStats summarizes the ledger for the admin API.
type LedgerStats struct {
	Counts        map[RankUpdateStatus]int64 `json:"counts"`
	OldestPending *time.Time                 `json:"oldest_pending,omitempty"`
}
