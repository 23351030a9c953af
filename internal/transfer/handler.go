package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thriftbank/thriftbank/internal/challenge"
	"github.com/thriftbank/thriftbank/internal/platform/httpx"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// Transferer runs transfers.
type Transferer interface {
	Transfer(ctx context.Context, cmd Command) (Result, error)
}

// Handler serves the transfer endpoints.
type Handler struct {
	logger    *slog.Logger
	service   Transferer
	records   Repository
	validator *Validator
}

// NewHandler constructs the transfer HTTP handler.
func NewHandler(logger *slog.Logger, service Transferer, records Repository) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, records: records, validator: NewValidator()}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transfers", h.create)
	r.Get("/transfers/{reference}", h.show)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	cmd, err := h.validator.Validate(req)
	if err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.service.Transfer(r.Context(), cmd)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusOK
	if !res.State.Terminal() {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenant.From(r.Context())
	if !ok {
		h.fail(w, tenant.ErrNoScope)
		return
	}
	rec, err := h.records.Get(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if rec.UserID != scope.UserID {
		h.fail(w, ErrNotFound)
		return
	}
	httpx.JSON(w, http.StatusOK, rec.Result())
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		invalid      *ValidationError
		insufficient *InsufficientFundsError
		limit        *LimitExceededError
		rejected     *RejectedError
		otp          *challenge.OTPInvalidError
	)
	switch {
	case errors.As(err, &invalid):
		extra := make(map[string]any, len(invalid.Fields))
		for k, v := range invalid.Fields {
			extra[k] = v
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Code: "InvalidRequest", Extra: extra})
	case errors.As(err, &insufficient):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Insufficient Funds",
			Status: http.StatusBadRequest,
			Code:   "InsufficientFunds",
			Detail: fmt.Sprintf("Available: %s, Requested: %s", insufficient.Available, insufficient.Requested),
		})
	case errors.As(err, &limit):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Limit Exceeded",
			Status: http.StatusBadRequest,
			Code:   "LimitExceeded",
			Detail: "daily transfer limit exceeded",
			Extra:  map[string]any{"used": limit.Used.String(), "limit": limit.Limit.String(), "requested": limit.Requested.String()},
		})
	case errors.As(err, &rejected):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Transfer Rejected",
			Status: http.StatusBadRequest,
			Code:   "RemoteBusinessError",
			Detail: rejected.Reason,
			Extra:  map[string]any{"reference": rejected.Reference, "psp_code": rejected.Code},
		})
	case errors.Is(err, tenant.ErrNoScope):
		httpx.RespondError(w, httpx.ErrUnauthorized)
	case errors.Is(err, ErrUnauthorized), errors.Is(err, tenant.ErrBranchOutOfScope):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Forbidden", Status: http.StatusForbidden, Code: "Unauthorized", Detail: "operation not permitted"})
	case errors.As(err, &otp), errors.Is(err, ErrPINRequired), errors.Is(err, ErrPINLocked), errors.Is(err, ErrOTPRequired),
		errors.Is(err, challenge.ErrInvalidPIN), errors.Is(err, challenge.ErrOTPExpired),
		errors.Is(err, challenge.ErrOTPUsed), errors.Is(err, challenge.ErrOTPNotFound):
		p := httpx.ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Code: "Unauthorized", Detail: "authentication failed"}
		switch {
		case errors.Is(err, ErrPINRequired), errors.Is(err, ErrOTPRequired):
			p.Detail = err.Error()
		case otp != nil:
			p.Extra = map[string]any{"remaining_attempts": otp.Remaining}
		}
		httpx.WriteProblem(w, p)
	case errors.Is(err, ErrDuplicateReference):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Duplicate", Status: http.StatusConflict, Code: "DuplicateReference", Detail: "transfer reference already used"})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "transfer not found")
	case errors.Is(err, ErrProviderDown), errors.Is(err, ErrInterrupted):
		h.logger.Error("transfer provider unavailable", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
	case errors.Is(err, ErrProviderResponse):
		h.logger.Error("transfer provider response invalid", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrBadGateway)
	default:
		h.logger.Error("transfer failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
