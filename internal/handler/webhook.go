package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"ranksync/internal/middleware"
	"ranksync/internal/model"
	"ranksync/internal/service"
	"ranksync/pkg/apierror"
	"ranksync/pkg/response"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// PurchaseProcessor hands a verified purchase to the reconciler.
type PurchaseProcessor interface {
	ProcessRankUpdate(ctx context.Context, username, rank, purchaseID string) (service.Outcome, error)
}

// PurchasePayload is the storefront's webhook body.
type PurchasePayload struct {
	Username   string `json:"username" validate:"required,max=64,token"`
	Rank       string `json:"rank" validate:"required,max=64,token"`
	PurchaseID string `json:"purchaseId" validate:"required,max=128,token"`
}

// WebhookHandler handles purchase webhooks from the storefront.
type WebhookHandler struct {
	processor PurchaseProcessor
	verifier  *service.SignatureVerifier
	validate  *validator.Validate
	timeout   time.Duration
	logger    *zap.Logger
}

// NewWebhookHandler creates a webhook handler. timeout bounds the reconciler call for one request.
func NewWebhookHandler(processor PurchaseProcessor, verifier *service.SignatureVerifier, timeout time.Duration, logger *zap.Logger) *WebhookHandler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookHandler{
		processor: processor,
		verifier:  verifier,
		validate:  newValidator(),
		timeout:   timeout,
		logger:    logger.Named("webhook"),
	}
}

// newValidator registers "token": non-empty and free of whitespace, since relay commands are
// space-delimited.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("token", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s != "" && !strings.ContainsAny(s, " \t\r\n")
	})
	return v
}

// Purchase handles POST /webhook/purchase
func (h *WebhookHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.Error(w, apierror.MethodNotAllowed(""))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		response.Error(w, apierror.BadRequest("failed to read request body"))
		return
	}
	defer r.Body.Close()

	// Nothing is written anywhere before the signature checks out.
	if err := h.verifier.Verify(body, r.Header.Get(service.SignatureHeader)); err != nil {
		h.logger.Warn("rejected webhook", zap.String("remote", r.RemoteAddr), middleware.RequestIDField(r.Context()), zap.Error(err))
		response.Error(w, apierror.Unauthorized("Invalid signature"))
		return
	}

	payload, err := h.decode(body)
	if err != nil {
		h.logger.Warn("malformed webhook payload", middleware.RequestIDField(r.Context()), zap.Error(err))
		response.Error(w, apierror.BadRequest(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	out, err := h.processor.ProcessRankUpdate(ctx, payload.Username, payload.Rank, payload.PurchaseID)
	if err != nil {
		h.logger.Error("failed to process purchase",
			zap.String("purchase_id", payload.PurchaseID),
			middleware.RequestIDField(r.Context()),
			zap.Error(err))
		response.Error(w, apierror.InternalError("Failed to process purchase"))
		return
	}
	if out.Status == model.PurchaseError {
		response.Error(w, apierror.InternalError(out.Message))
		return
	}

	response.Message(w, http.StatusOK, "Purchase processed successfully")
}

func (h *WebhookHandler) decode(body []byte) (PurchasePayload, error) {
	var p PurchasePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, errors.New("invalid JSON body")
	}
	if err := h.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return p, errors.New("invalid field " + jsonName(fe.Field()) + ": " + fe.Tag())
		}
		return p, err
	}
	return p, nil
}

func jsonName(field string) string {
	switch field {
	case "PurchaseID":
		return "purchaseId"
	default:
		return strings.ToLower(field)
	}
}
