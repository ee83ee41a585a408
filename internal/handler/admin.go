package handler

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"ranksync/internal/model"
	"ranksync/internal/repository"
	"ranksync/internal/service"
	"ranksync/pkg/apierror"
	"ranksync/pkg/response"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DrainRunner triggers a drain outside the schedule.
type DrainRunner interface {
	RunNow(ctx context.Context) (service.DrainReport, bool, error)
}

// AdminHandler handles operator endpoints.
type AdminHandler struct {
	ledger     repository.Ledger
	drainer    DrainRunner
	ledgerType string
	startTime  time.Time
	logger     *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(ledger repository.Ledger, drainer DrainRunner, ledgerType string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		ledger:     ledger,
		drainer:    drainer,
		ledgerType: ledgerType,
		startTime:  time.Now(),
		logger:     logger.Named("admin"),
	}
}

// GetStats handles GET /api/v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]interface{})

	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	stats["uptime_human"] = time.Since(h.startTime).Round(time.Second).String()
	stats["server_time"] = time.Now().Format(time.RFC3339)
	stats["ledger_type"] = h.ledgerType

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats["memory"] = map[string]interface{}{
		"alloc_mb":      float64(memStats.Alloc) / 1024 / 1024,
		"sys_mb":        float64(memStats.Sys) / 1024 / 1024,
		"heap_inuse_mb": float64(memStats.HeapInuse) / 1024 / 1024,
		"num_gc":        memStats.NumGC,
		"goroutines":    runtime.NumGoroutine(),
	}

	ledgerStats, err := h.ledger.Stats(r.Context())
	if err != nil {
		h.logger.Warn("failed to read ledger stats", zap.Error(err))
		stats["ledger"] = map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		}
	} else {
		ledger := map[string]interface{}{
			"status": "connected",
			"counts": ledgerStats.Counts,
		}
		if ledgerStats.OldestPending != nil {
			ledger["oldest_pending"] = ledgerStats.OldestPending.UTC().Format(time.RFC3339)
			ledger["oldest_pending_age_seconds"] = int64(time.Since(*ledgerStats.OldestPending).Seconds())
		}
		stats["ledger"] = ledger
	}

	stats["runtime"] = map[string]interface{}{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
	}

	response.OK(w, stats)
}

// PurchaseResponse combines a purchase's lifecycle row with its ledger record.
type PurchaseResponse struct {
	PurchaseID string                `json:"purchase_id"`
	Purchase   *model.PurchaseStatus `json:"purchase,omitempty"`
	RankUpdate *model.RankUpdate     `json:"rank_update,omitempty"`
}

// GetPurchase handles GET /api/v1/admin/purchases/{purchaseId}
func (h *AdminHandler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchaseId")
	if purchaseID == "" {
		response.Error(w, apierror.BadRequest("purchaseId is required"))
		return
	}

	resp := PurchaseResponse{PurchaseID: purchaseID}

	ps, err := h.ledger.GetPurchaseStatus(r.Context(), purchaseID)
	switch {
	case err == nil:
		resp.Purchase = ps
	case !errors.Is(err, model.ErrNotFound):
		response.Error(w, apierror.ServiceUnavailable(err.Error()))
		return
	}

	rec, err := h.ledger.Get(r.Context(), purchaseID)
	switch {
	case err == nil:
		resp.RankUpdate = rec
	case !errors.Is(err, model.ErrNotFound):
		response.Error(w, apierror.ServiceUnavailable(err.Error()))
		return
	}

	if resp.Purchase == nil && resp.RankUpdate == nil {
		response.Error(w, apierror.NotFound("Purchase not found"))
		return
	}
	response.OK(w, resp)
}

// DrainResponse reports a manual drain.
type DrainResponse struct {
	Ran    bool                `json:"ran"`
	Report service.DrainReport `json:"report"`
}

// Drain handles POST /api/v1/admin/drain
func (h *AdminHandler) Drain(w http.ResponseWriter, r *http.Request) {
	report, ran, err := h.drainer.RunNow(r.Context())
	if err != nil {
		h.logger.Error("manual drain failed", zap.Error(err))
		response.Error(w, apierror.ServiceUnavailable(err.Error()))
		return
	}
	if !ran {
		response.JSON(w, http.StatusConflict, DrainResponse{Ran: false})
		return
	}
	response.OK(w, DrainResponse{Ran: true, Report: report})
}
