package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thriftbank/thriftbank/internal/auth"
	"github.com/thriftbank/thriftbank/internal/challenge"
	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/observability"
	"github.com/thriftbank/thriftbank/internal/psp"
	"github.com/thriftbank/thriftbank/internal/transfer"
	"github.com/thriftbank/thriftbank/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	Auth             *auth.Service
	AuthHandler      *auth.Handler
	TransferHandler  *transfer.Handler
	LedgerHandler    *ledger.Handler
	ChallengeHandler *challenge.Handler
	PSPHandler       *psp.Handler
	CustomersHandler *customers.Handler
	JobHandler       *jobs.Handler
	Webhook          *psp.WebhookHandler
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	// Provider callbacks authenticate by HMAC signature, not bearer token.
	if params.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/psp/transaction-status", params.Webhook)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if params.AuthHandler != nil {
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(params.Auth, params.Logger))
			mount := []interface{ MountRoutes(chi.Router) }{}
			if params.TransferHandler != nil {
				mount = append(mount, params.TransferHandler)
			}
			if params.LedgerHandler != nil {
				mount = append(mount, params.LedgerHandler)
			}
			if params.ChallengeHandler != nil {
				mount = append(mount, params.ChallengeHandler)
			}
			if params.PSPHandler != nil {
				mount = append(mount, params.PSPHandler)
			}
			if params.CustomersHandler != nil {
				mount = append(mount, params.CustomersHandler)
			}
			for _, h := range mount {
				h.MountRoutes(r)
			}
			if params.JobHandler != nil {
				r.Route("/jobs", params.JobHandler.MountRoutes)
			}
		})
	})

	return r
}
