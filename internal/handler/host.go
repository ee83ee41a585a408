package handler

import (
	"encoding/json"
	"net/http"

	"ranksync/internal/host"
	"ranksync/pkg/apierror"
	"ranksync/pkg/response"
	"ranksync/pkg/uid"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// HostHandler is the HTTP surface the game-server shim talks to.
type HostHandler struct {
	bridge   *host.Bridge
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHostHandler creates a host handler.
func NewHostHandler(bridge *host.Bridge, logger *zap.Logger) *HostHandler {
	return &HostHandler{
		bridge:   bridge,
		validate: newValidator(),
		logger:   logger.Named("host-api"),
	}
}

// JoinRequest is sent by the shim when a player connects.
type JoinRequest struct {
	Username string `json:"username" validate:"required,max=64,token"`
	Identity string `json:"identity" validate:"required"`
}

// Join handles POST /host/sessions
func (h *HostHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierror.BadRequest("username and identity are required"))
		return
	}
	id, err := uid.ParseIdentity(req.Identity)
	if err != nil {
		response.Error(w, apierror.BadRequest(err.Error()))
		return
	}

	if err := h.bridge.Join(r.Context(), req.Username, id); err != nil {
		// The session is registered locally; only the shared directory is behind.
		h.logger.Error("failed to publish presence", zap.String("username", req.Username), zap.Error(err))
		response.Error(w, apierror.ServiceUnavailable("presence directory unavailable"))
		return
	}
	response.JSON(w, http.StatusCreated, map[string]string{
		"username": req.Username,
		"server":   h.bridge.Server(),
	})
}

// Leave handles DELETE /host/sessions/{username}
func (h *HostHandler) Leave(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := h.bridge.Leave(r.Context(), username); err != nil {
		h.logger.Error("failed to withdraw presence", zap.String("username", username), zap.Error(err))
		response.Error(w, apierror.ServiceUnavailable("presence directory unavailable"))
		return
	}
	response.NoContent(w)
}

// Messages handles GET /host/sessions/{username}/messages
func (h *HostHandler) Messages(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	msgs, ok := h.bridge.DrainMessages(username)
	if !ok {
		response.Error(w, apierror.NotFound("No session for "+username))
		return
	}
	if msgs == nil {
		msgs = []host.Message{}
	}
	response.OK(w, map[string]interface{}{
		"username": username,
		"messages": msgs,
	})
}

// Sessions handles GET /host/sessions
func (h *HostHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]interface{}{
		"server":   h.bridge.Server(),
		"sessions": h.bridge.Sessions(),
	})
}
