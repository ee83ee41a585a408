package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ranksync/internal/model"
	"ranksync/pkg/uid"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	name           string
	numbered       bool // $1, $2 placeholders instead of ?
	schema         []string
	insertUpdate   string
	upsertPurchase string
}

// bind rewrites ? placeholders for engines that number them.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLLedger implements Ledger over database/sql. The dialect picks engine-specific syntax.
type SQLLedger struct {
	db      *sql.DB
	dialect dialect
	nowFunc func() time.Time
}

func newSQLLedger(db *sql.DB, d dialect) (*SQLLedger, error) {
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s tables: %w", d.name, err)
		}
	}
	return &SQLLedger{db: db, dialect: d, nowFunc: time.Now}, nil
}

const rankUpdateColumns = `id, username, rank_name, purchase_id, status, message, created_at, applied_at`

// Insert stores rec unless its purchase ID is already present.
func (l *SQLLedger) Insert(ctx context.Context, rec model.RankUpdate) (bool, error) {
	if rec.ID == "" {
		rec.ID = uid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.nowFunc()
	}
	if !rec.Status.Valid() {
		return false, fmt.Errorf("invalid rank update status %q", rec.Status)
	}

	var appliedAt sql.NullTime
	if rec.AppliedAt != nil {
		appliedAt = sql.NullTime{Time: rec.AppliedAt.UTC(), Valid: true}
	}

	res, err := l.db.ExecContext(ctx, l.dialect.bind(l.dialect.insertUpdate),
		rec.ID, rec.Username, rec.RankName, rec.PurchaseID, string(rec.Status), rec.Message,
		rec.CreatedAt.UTC(), appliedAt)
	if err != nil {
		return false, unavailable("failed to insert rank update", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("failed to read insert result", err)
	}
	return n > 0, nil
}

// Get returns the record for purchaseID.
func (l *SQLLedger) Get(ctx context.Context, purchaseID string) (*model.RankUpdate, error) {
	query := `SELECT ` + rankUpdateColumns + ` FROM rank_updates WHERE purchase_id = ?`

	rec, err := scanRankUpdate(l.db.QueryRowContext(ctx, l.dialect.bind(query), purchaseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rank update %s: %w", purchaseID, model.ErrNotFound)
		}
		return nil, unavailable("failed to get rank update", err)
	}
	return rec, nil
}

// QueryByStatus returns all records in status, oldest first.
func (l *SQLLedger) QueryByStatus(ctx context.Context, status model.RankUpdateStatus) ([]model.RankUpdate, error) {
	query := `SELECT ` + rankUpdateColumns + ` FROM rank_updates WHERE status = ? ORDER BY created_at, id`

	rows, err := l.db.QueryContext(ctx, l.dialect.bind(query), string(status))
	if err != nil {
		return nil, unavailable("failed to query rank updates", err)
	}
	defer rows.Close()

	var out []model.RankUpdate
	for rows.Next() {
		rec, err := scanRankUpdate(rows)
		if err != nil {
			return nil, unavailable("failed to scan rank update", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to iterate rank updates", err)
	}
	return out, nil
}

// UpdateStatus moves a record from one status to another.
func (l *SQLLedger) UpdateStatus(ctx context.Context, purchaseID string, from, to model.RankUpdateStatus, fields model.UpdateFields) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}

	var appliedAt sql.NullTime
	if fields.AppliedAt != nil {
		appliedAt = sql.NullTime{Time: fields.AppliedAt.UTC(), Valid: true}
	}

	query := `UPDATE rank_updates SET status = ?, message = ?, applied_at = ? WHERE purchase_id = ? AND status = ?`
	res, err := l.db.ExecContext(ctx, l.dialect.bind(query), string(to), fields.Message, appliedAt, purchaseID, string(from))
	if err != nil {
		return unavailable("failed to update rank update", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("failed to read update result", err)
	}
	if n > 0 {
		return nil
	}

	current, err := l.Get(ctx, purchaseID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: rank update %s is %s, expected %s", model.ErrStatusConflict, purchaseID, current.Status, from)
}

// SetPurchaseStatus upserts the purchase row.
func (l *SQLLedger) SetPurchaseStatus(ctx context.Context, status model.PurchaseStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = l.nowFunc()
	}

	_, err := l.db.ExecContext(ctx, l.dialect.bind(l.dialect.upsertPurchase),
		status.PurchaseID, string(status.Status), status.Message, status.UpdatedAt.UTC())
	if err != nil {
		return unavailable("failed to set purchase status", err)
	}
	return nil
}

// GetPurchaseStatus returns the purchase row for purchaseID.
func (l *SQLLedger) GetPurchaseStatus(ctx context.Context, purchaseID string) (*model.PurchaseStatus, error) {
	query := `SELECT purchase_id, status, message, updated_at FROM purchases WHERE purchase_id = ?`

	var ps model.PurchaseStatus
	var status string
	err := l.db.QueryRowContext(ctx, l.dialect.bind(query), purchaseID).Scan(&ps.PurchaseID, &status, &ps.Message, &ps.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("purchase %s: %w", purchaseID, model.ErrNotFound)
		}
		return nil, unavailable("failed to get purchase status", err)
	}
	ps.Status = model.PurchaseState(status)
	return &ps, nil
}

// Stats returns per-status counts and the oldest pending record time.
func (l *SQLLedger) Stats(ctx context.Context) (*model.LedgerStats, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM rank_updates GROUP BY status`)
	if err != nil {
		return nil, unavailable("failed to count rank updates", err)
	}
	defer rows.Close()

	stats := &model.LedgerStats{Counts: make(map[model.RankUpdateStatus]int64)}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, unavailable("failed to scan counts", err)
		}
		stats.Counts[model.RankUpdateStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to iterate counts", err)
	}
	rows.Close()

	query := `SELECT created_at FROM rank_updates WHERE status = ? ORDER BY created_at LIMIT 1`
	var oldest time.Time
	err = l.db.QueryRowContext(ctx, l.dialect.bind(query), string(model.RankUpdatePending)).Scan(&oldest)
	switch {
	case err == nil:
		stats.OldestPending = &oldest
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, unavailable("failed to find oldest pending", err)
	}

	return stats, nil
}

// Ping checks the database connection.
func (l *SQLLedger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return unavailable("ping "+l.dialect.name, err)
	}
	return nil
}

// Close closes the database connection.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRankUpdate(row rowScanner) (*model.RankUpdate, error) {
	var rec model.RankUpdate
	var status string
	var message sql.NullString
	var appliedAt sql.NullTime

	if err := row.Scan(&rec.ID, &rec.Username, &rec.RankName, &rec.PurchaseID, &status, &message, &rec.CreatedAt, &appliedAt); err != nil {
		return nil, err
	}
	rec.Status = model.RankUpdateStatus(status)
	rec.Message = message.String
	if appliedAt.Valid {
		t := appliedAt.Time
		rec.AppliedAt = &t
	}
	return &rec, nil
}

// Ensure SQLLedger implements Ledger
var _ Ledger = (*SQLLedger)(nil)
