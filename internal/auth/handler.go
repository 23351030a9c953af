package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/thriftbank/thriftbank/internal/platform/httpx"
	"github.com/thriftbank/thriftbank/internal/shared"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/token", h.token)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

func (h *Handler) token(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		var fields validator.ValidationErrors
		extra := map[string]any{}
		if errors.As(err, &fields) {
			for _, f := range fields {
				extra[f.Field()] = f.Tag()
			}
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Code: "InvalidRequest", Extra: extra})
		return
	}
	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Warn("login rejected", slog.String("remote", r.RemoteAddr))
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	signed, expires, err := h.service.Issue(*user)
	if err != nil {
		h.logger.Error("issue token", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tokenResponse{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expires.UTC().Format(time.RFC3339)})
}

// Middleware authenticates bearer tokens and installs the tenant scope.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Code: "Unauthorized", Detail: ErrMissingToken.Error()})
				return
			}
			scope, err := service.Parse(strings.TrimSpace(raw))
			if err != nil {
				if !errors.Is(err, shared.ErrInvalidCredentials) {
					logger.Error("bearer verification", slog.Any("error", err))
				}
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenant.With(r.Context(), scope)))
		})
	}
}
