package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ranksync/internal/model"
	"ranksync/internal/presence"
	"ranksync/internal/repository"
	"ranksync/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "s3cret"

type stubDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, p model.Presence, rank, purchaseID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("%s %s %s %s", p.Server, p.Username, rank, purchaseID))
	return d.err
}

type env struct {
	ledger     repository.Ledger
	directory  *presence.MemoryDirectory
	dispatcher *stubDispatcher
	reconciler *service.Reconciler
	webhook    *WebhookHandler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ledger, err := repository.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	e := &env{
		ledger:     ledger,
		directory:  presence.NewMemoryDirectory(),
		dispatcher: &stubDispatcher{},
	}
	e.reconciler = service.NewReconciler(e.ledger, e.directory, e.dispatcher, service.ReconcilerConfig{ApplyTimeout: time.Second}, zap.NewNop())
	e.webhook = NewWebhookHandler(e.reconciler, service.NewSignatureVerifier(secret), time.Second, zap.NewNop())
	return e
}

func (e *env) post(t *testing.T, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/purchase", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(service.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	e.webhook.Purchase(rec, req)
	return rec
}

func sign(body string) string {
	return service.NewSignatureVerifier(secret).Sign([]byte(body))
}

const alicePurchase = `{"username":"Alice","rank":"VIP","purchaseId":"p-100"}`

func TestWebhookOnlinePlayerIsApplied(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.directory.Join(ctx, model.Presence{Username: "Alice", Identity: uuid.New(), Server: "survival"}))

	rec := e.post(t, alicePurchase, sign(alicePurchase))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":200,"message":"Purchase processed successfully"}`, rec.Body.String())
	assert.Equal(t, []string{"survival Alice VIP p-100"}, e.dispatcher.calls)

	ps, err := e.ledger.GetPurchaseStatus(ctx, "p-100")
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseApplied, ps.Status)
}

func TestWebhookOfflinePlayerIsQueued(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rec := e.post(t, alicePurchase, "sha256="+sign(alicePurchase))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.dispatcher.calls)

	got, err := e.ledger.Get(ctx, "p-100")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Username)
	assert.Equal(t, "VIP", got.RankName)
	assert.Equal(t, model.RankUpdatePending, got.Status)
}

func TestWebhookInvalidSignatureWritesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, sig := range []string{"", "deadbeef", sign(`{"username":"Mallory"}`)} {
		rec := e.post(t, alicePurchase, sig)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"status":401,"message":"Invalid signature"}`, rec.Body.String())
	}

	_, err := e.ledger.Get(ctx, "p-100")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.ledger.GetPurchaseStatus(ctx, "p-100")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWebhookRejectsOtherMethods(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.webhook.Purchase(rec, httptest.NewRequest(http.MethodGet, "/webhook/purchase", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"status":405,"message":"Method Not Allowed"}`, rec.Body.String())
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	e := newEnv(t)
	for _, body := range []string{
		`not json`,
		`{"username":"Alice","rank":"VIP"}`,
		`{"username":"Al ice","rank":"VIP","purchaseId":"p-1"}`,
		`{"username":"Alice","rank":"","purchaseId":"p-1"}`,
	} {
		rec := e.post(t, body, sign(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.EqualValues(t, 400, resp["status"])
		assert.NotEmpty(t, resp["message"])
	}
}

func TestWebhookApplyFailureIsReported(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.directory.Join(ctx, model.Presence{Username: "Alice", Identity: uuid.New(), Server: "survival"}))
	e.dispatcher.err = fmt.Errorf("VIP: %w", model.ErrRankNotFound)

	rec := e.post(t, alicePurchase, sign(alicePurchase))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "rank not found")

	ps, err := e.ledger.GetPurchaseStatus(ctx, "p-100")
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseError, ps.Status)
}

type stubDrainer struct {
	ran bool
	err error
}

func (d *stubDrainer) RunNow(ctx context.Context) (service.DrainReport, bool, error) {
	return service.DrainReport{Scanned: 2, Applied: 1, StillPending: 1}, d.ran, d.err
}

func adminRequest(h http.HandlerFunc, method, path string, params map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestAdminPurchaseLookup(t *testing.T) {
	e := newEnv(t)
	admin := NewAdminHandler(e.ledger, &stubDrainer{ran: true}, "sqlite", zap.NewNop())

	rec := adminRequest(admin.GetPurchase, http.MethodGet, "/api/v1/admin/purchases/p-100", map[string]string{"purchaseId": "p-100"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	e.post(t, alicePurchase, sign(alicePurchase))

	rec = adminRequest(admin.GetPurchase, http.MethodGet, "/api/v1/admin/purchases/p-100", map[string]string{"purchaseId": "p-100"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PurchaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Purchase)
	require.NotNil(t, resp.RankUpdate)
	assert.Equal(t, model.PurchaseQueued, resp.Purchase.Status)
	assert.Equal(t, model.RankUpdatePending, resp.RankUpdate.Status)
}

func TestAdminStatsAndDrain(t *testing.T) {
	e := newEnv(t)
	e.post(t, alicePurchase, sign(alicePurchase))

	drainer := &stubDrainer{ran: true}
	admin := NewAdminHandler(e.ledger, drainer, "sqlite", zap.NewNop())

	rec := adminRequest(admin.GetStats, http.MethodGet, "/api/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "sqlite", stats["ledger_type"])
	ledger := stats["ledger"].(map[string]any)
	assert.Equal(t, "connected", ledger["status"])
	assert.EqualValues(t, 1, ledger["counts"].(map[string]any)["pending"])

	rec = adminRequest(admin.Drain, http.MethodPost, "/api/v1/admin/drain", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ran":true,"report":{"scanned":2,"applied":1,"still_pending":1,"failed":0,"stale":0}}`, rec.Body.String())

	drainer.ran = false
	rec = adminRequest(admin.Drain, http.MethodPost, "/api/v1/admin/drain", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	drainer.err = errors.New("ledger down")
	rec = adminRequest(admin.Drain, http.MethodPost, "/api/v1/admin/drain", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyReportsFailingChecks(t *testing.T) {
	h := New("ranksync", "test", map[string]Check{
		"ledger": func(ctx context.Context) error { return nil },
		"redis":  func(ctx context.Context) error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
	assert.Equal(t, []Result{
		{Name: "ledger", Status: "ok"},
		{Name: "redis", Status: "error", Error: "connection refused"},
	}, resp.Checks)

	rec = httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}
