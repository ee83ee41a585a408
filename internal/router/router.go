package router

import (
	"net/http"

	"ranksync/internal/handler"
	"ranksync/internal/middleware"
	"ranksync/pkg/apierror"
	"ranksync/pkg/response"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Config holds the configuration for creating the coordinator router.
type Config struct {
	Logger         *zap.Logger
	Handler        *handler.Handler
	WebhookHandler *handler.WebhookHandler
	AdminHandler   *handler.AdminHandler
	AdminAuth      func(http.Handler) http.Handler

	// HostHandler is set when the backend runs in the same process.
	HostHandler *handler.HostHandler
}

// base installs the middleware stack shared by every listener.
func base(logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, apierror.NotFound(""))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, apierror.MethodNotAllowed(""))
	})
	return r
}

// New creates the coordinator router: purchase webhook, health and admin API.
func New(cfg Config) *chi.Mux {
	r := base(cfg.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", "X-Admin-Key", "X-Webhook-Signature"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// Every method reaches the handler so it can answer 405 with the webhook body shape.
	if cfg.WebhookHandler != nil {
		r.HandleFunc("/webhook/purchase", cfg.WebhookHandler.Purchase)
	}

	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
		}

		if cfg.AdminHandler != nil {
			r.Route("/admin", func(r chi.Router) {
				if cfg.AdminAuth != nil {
					r.Use(cfg.AdminAuth)
				}
				r.Get("/stats", cfg.AdminHandler.GetStats)
				r.Get("/purchases/{purchaseId}", cfg.AdminHandler.GetPurchase)
				r.Post("/drain", cfg.AdminHandler.Drain)
			})
		}
	})

	if cfg.HostHandler != nil {
		mountHost(r, cfg.HostHandler)
	}

	return r
}

// HostConfig holds the configuration for creating the backend's host bridge router.
type HostConfig struct {
	Logger      *zap.Logger
	Handler     *handler.Handler
	HostHandler *handler.HostHandler
}

// NewHost creates the backend router the game-server shim calls.
func NewHost(cfg HostConfig) *chi.Mux {
	r := base(cfg.Logger)

	if cfg.Handler != nil {
		r.Get("/api/v1/health", cfg.Handler.Health)
		r.Get("/api/v1/ready", cfg.Handler.Ready)
	}

	mountHost(r, cfg.HostHandler)
	return r
}

func mountHost(r chi.Router, h *handler.HostHandler) {
	r.Route("/host/sessions", func(r chi.Router) {
		r.Get("/", h.Sessions)
		r.Post("/", h.Join)
		r.Delete("/{username}", h.Leave)
		r.Get("/{username}/messages", h.Messages)
	})
}
