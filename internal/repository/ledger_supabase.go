package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ranksync/internal/model"
	"ranksync/pkg/uid"

	"github.com/go-resty/resty/v2"
)

// SupabaseLedger implements Ledger against the PostgREST API of a Supabase project.
// The rank_updates table must carry a unique constraint on purchase_id.
type SupabaseLedger struct {
	client  *resty.Client
	nowFunc func() time.Time
}

// NewSupabaseLedger creates a ledger for the project at baseURL (e.g. "https://abc.supabase.co").
func NewSupabaseLedger(baseURL, apiKey string) *SupabaseLedger {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/rest/v1").
		SetHeader("apikey", apiKey).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &SupabaseLedger{client: client, nowFunc: time.Now}
}

// Insert stores rec unless its purchase ID is already present. PostgREST returns an empty
// representation when the row was ignored as a duplicate.
func (l *SupabaseLedger) Insert(ctx context.Context, rec model.RankUpdate) (bool, error) {
	if rec.ID == "" {
		rec.ID = uid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.nowFunc()
	}
	if !rec.Status.Valid() {
		return false, fmt.Errorf("invalid rank update status %q", rec.Status)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	var created []model.RankUpdate
	resp, err := l.client.R().
		SetContext(ctx).
		SetQueryParam("on_conflict", "purchase_id").
		SetHeader("Prefer", "resolution=ignore-duplicates,return=representation").
		SetBody([]model.RankUpdate{rec}).
		SetResult(&created).
		Post("/rank_updates")
	if err := checkResponse("insert rank update", resp, err); err != nil {
		return false, err
	}
	return len(created) > 0, nil
}

// Get returns the record for purchaseID.
func (l *SupabaseLedger) Get(ctx context.Context, purchaseID string) (*model.RankUpdate, error) {
	var rows []model.RankUpdate
	resp, err := l.client.R().
		SetContext(ctx).
		SetQueryParam("purchase_id", "eq."+purchaseID).
		SetQueryParam("limit", "1").
		SetResult(&rows).
		Get("/rank_updates")
	if err := checkResponse("get rank update", resp, err); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("rank update %s: %w", purchaseID, model.ErrNotFound)
	}
	return &rows[0], nil
}

// QueryByStatus returns all records in status, oldest first.
func (l *SupabaseLedger) QueryByStatus(ctx context.Context, status model.RankUpdateStatus) ([]model.RankUpdate, error) {
	var rows []model.RankUpdate
	resp, err := l.client.R().
		SetContext(ctx).
		SetQueryParam("status", "eq."+string(status)).
		SetQueryParam("order", "created_at.asc,id.asc").
		SetResult(&rows).
		Get("/rank_updates")
	if err := checkResponse("query rank updates", resp, err); err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateStatus moves a record from one status to another, filtering on the current status.
func (l *SupabaseLedger) UpdateStatus(ctx context.Context, purchaseID string, from, to model.RankUpdateStatus, fields model.UpdateFields) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}

	body := map[string]any{"status": to, "message": fields.Message}
	if fields.AppliedAt != nil {
		body["applied_at"] = fields.AppliedAt.UTC()
	}

	var updated []model.RankUpdate
	resp, err := l.client.R().
		SetContext(ctx).
		SetQueryParam("purchase_id", "eq."+purchaseID).
		SetQueryParam("status", "eq."+string(from)).
		SetHeader("Prefer", "return=representation").
		SetBody(body).
		SetResult(&updated).
		Patch("/rank_updates")
	if err := checkResponse("update rank update", resp, err); err != nil {
		return err
	}
	if len(updated) > 0 {
		return nil
	}

	current, err := l.Get(ctx, purchaseID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: rank update %s is %s, expected %s", model.ErrStatusConflict, purchaseID, current.Status, from)
}

// SetPurchaseStatus patches the storefront's purchase row. The storefront creates the row,
// so an unknown purchase ID is a silent no-op.
func (l *SupabaseLedger) SetPurchaseStatus(ctx context.Context, status model.PurchaseStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = l.nowFunc()
	}

	resp, err := l.client.R().
		SetContext(ctx).
		SetQueryParam("purchase_id", "eq."+status.PurchaseID).
		SetHeader("Prefer", "return=minimal").
		SetBody(map[string]any{
			"status":     status.Status,
			"message":    status.Message,
			"updated_at": status.UpdatedAt.UTC(),
		}).
		Patch("/purchases")
	return checkResponse("set purchase status", resp, err)
}

// GetPurchaseStatus returns the purchase row for purchaseID.
func (l *SupabaseLedger) GetPurchaseStatus(ctx context.Context, purchaseID string) (*model.PurchaseStatus, error) {
	var rows []model.PurchaseStatus
	resp, err := l.client.R().
		SetContext(ctx).
		SetQueryParam("purchase_id", "eq."+purchaseID).
		SetQueryParam("select", "purchase_id,status,message,updated_at").
		SetQueryParam("limit", "1").
		SetResult(&rows).
		Get("/purchases")
	if err := checkResponse("get purchase status", resp, err); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("purchase %s: %w", purchaseID, model.ErrNotFound)
	}
	return &rows[0], nil
}

// Stats counts each status with an exact-count HEAD request.
func (l *SupabaseLedger) Stats(ctx context.Context) (*model.LedgerStats, error) {
	stats := &model.LedgerStats{Counts: make(map[model.RankUpdateStatus]int64)}

	for _, status := range []model.RankUpdateStatus{model.RankUpdatePending, model.RankUpdateApplied, model.RankUpdateError} {
		resp, err := l.client.R().
			SetContext(ctx).
			SetQueryParam("status", "eq."+string(status)).
			SetQueryParam("select", "id").
			SetHeader("Prefer", "count=exact").
			Head("/rank_updates")
		if err := checkResponse("count rank updates", resp, err); err != nil {
			return nil, err
		}
		n, err := parseContentRangeTotal(resp.Header().Get("Content-Range"))
		if err != nil {
			return nil, unavailable("count rank updates", err)
		}
		if n > 0 {
			stats.Counts[status] = n
		}
	}

	var rows []struct {
		CreatedAt time.Time `json:"created_at"`
	}
	resp, err := l.client.R().
		SetContext(ctx).
		SetQueryParam("status", "eq."+string(model.RankUpdatePending)).
		SetQueryParam("select", "created_at").
		SetQueryParam("order", "created_at.asc").
		SetQueryParam("limit", "1").
		SetResult(&rows).
		Get("/rank_updates")
	if err := checkResponse("find oldest pending", resp, err); err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		stats.OldestPending = &rows[0].CreatedAt
	}

	return stats, nil
}

// Ping issues a minimal read against rank_updates.
func (l *SupabaseLedger) Ping(ctx context.Context) error {
	resp, err := l.client.R().
		SetContext(ctx).
		SetQueryParam("select", "id").
		SetQueryParam("limit", "1").
		Get("/rank_updates")
	return checkResponse("ping supabase", resp, err)
}

// Close is a no-op; the HTTP client holds no resources that need releasing.
func (l *SupabaseLedger) Close() error {
	return nil
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return unavailable(op, err)
	}
	if resp.IsError() {
		return unavailable(op, fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String())))
	}
	return nil
}

// parseContentRangeTotal reads N from "0-9/N" or "*/N".
func parseContentRangeTotal(header string) (int64, error) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, fmt.Errorf("unexpected content range %q", header)
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, fmt.Errorf("content range %q has no exact count", header)
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected content range %q: %w", header, err)
	}
	return n, nil
}

// Ensure SupabaseLedger implements Ledger
var _ Ledger = (*SupabaseLedger)(nil)
