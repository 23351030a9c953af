package challenge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/platform/httpx"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// Handler serves OTP, activation and PIN endpoints.
type Handler struct {
	logger     *slog.Logger
	customers  customers.Repository
	otp        *OTPService
	pins       *PINService
	activation *ActivationService
	validator  *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, repo customers.Repository, otp *OTPService, pins *PINService, activation *ActivationService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		customers:  repo,
		otp:        otp,
		pins:       pins,
		activation: activation,
		validator:  validator.New(),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/otp", h.issueOTP)
	r.Post("/otp/verify", h.verifyOTP)
	r.Post("/activation/complete", h.completeActivation)
	r.Put("/pin", h.changePIN)
}

type otpRequest struct {
	AccountNumber string `json:"account_number" validate:"required,len=10,numeric"`
}

type verifyRequest struct {
	AccountNumber string `json:"account_number" validate:"required,len=10,numeric"`
	Code          string `json:"code" validate:"required,len=6,numeric"`
}

type activationRequest struct {
	Token string `json:"activation_token" validate:"required,len=32,hexadecimal"`
	PIN   string `json:"pin" validate:"required,len=4,numeric"`
}

type pinRequest struct {
	AccountNumber string `json:"account_number" validate:"required,len=10,numeric"`
	CurrentPIN    string `json:"current_pin" validate:"omitempty,len=4,numeric"`
	NewPIN        string `json:"new_pin" validate:"required,len=4,numeric"`
}

func (h *Handler) issueOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.ownedCustomer(r.Context(), req.AccountNumber)
	if err != nil {
		h.fail(w, err)
		return
	}
	issued, err := h.otp.Issue(r.Context(), req.AccountNumber, c.Phone)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"expires_at": issued.ExpiresAt.UTC().Format(time.RFC3339)})
}

func (h *Handler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.ownedCustomer(r.Context(), req.AccountNumber)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.otp.Verify(r.Context(), req.AccountNumber, req.Code); err != nil {
		h.fail(w, err)
		return
	}
	token, err := h.activation.Issue(r.Context(), Binding{CustomerID: c.ID, Phone: c.Phone})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"activation_token": token})
}

func (h *Handler) completeActivation(w http.ResponseWriter, r *http.Request) {
	var req activationRequest
	if !h.decode(w, r, &req) {
		return
	}
	scope, ok := tenant.From(r.Context())
	if !ok {
		h.fail(w, tenant.ErrNoScope)
		return
	}
	binding, err := h.activation.Consume(r.Context(), req.Token)
	if err != nil {
		h.fail(w, err)
		return
	}
	c, err := h.customers.Get(r.Context(), binding.CustomerID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if c.UserID != scope.UserID || c.Phone != binding.Phone {
		h.fail(w, ErrTokenMismatch)
		return
	}
	if err := h.pins.Set(r.Context(), c.ID, "", req.PIN); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) changePIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.ownedCustomer(r.Context(), req.AccountNumber)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.pins.Set(r.Context(), c.ID, req.CurrentPIN, req.NewPIN); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			extra := make(map[string]any, len(fields))
			for _, f := range fields {
				extra[f.Field()] = f.Tag()
			}
			httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Code: "InvalidRequest", Extra: extra})
			return false
		}
		httpx.RespondError(w, httpx.ErrValidation)
		return false
	}
	return true
}

func (h *Handler) ownedCustomer(ctx context.Context, accountNumber string) (customers.Customer, error) {
	scope, ok := tenant.From(ctx)
	if !ok {
		return customers.Customer{}, tenant.ErrNoScope
	}
	acct, err := ledger.SplitAccount(accountNumber)
	if err != nil {
		return customers.Customer{}, err
	}
	c, err := h.customers.GetByAccount(ctx, acct)
	if err != nil {
		return customers.Customer{}, err
	}
	if c.UserID != scope.UserID {
		return customers.Customer{}, customers.ErrNotOwner
	}
	return c, nil
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var invalid *OTPInvalidError
	switch {
	case errors.Is(err, tenant.ErrNoScope):
		httpx.RespondError(w, httpx.ErrUnauthorized)
	case errors.Is(err, customers.ErrNotOwner), errors.Is(err, ErrTokenMismatch):
		httpx.RespondError(w, httpx.ErrForbidden)
	case errors.Is(err, customers.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "account not found")
	case errors.Is(err, ledger.ErrInvalidAccountFormat), errors.Is(err, ErrPINFormat):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Code: "InvalidRequest", Detail: err.Error()})
	case errors.As(err, &invalid):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Unauthorized",
			Status: http.StatusUnauthorized,
			Code:   "OTPInvalid",
			Detail: "invalid verification code",
			Extra:  map[string]any{"remaining_attempts": invalid.Remaining},
		})
	case errors.Is(err, ErrOTPExpired), errors.Is(err, ErrOTPUsed), errors.Is(err, ErrOTPNotFound):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Code: "OTPExpired", Detail: "verification code expired"})
	case errors.Is(err, ErrInvalidPIN), errors.Is(err, ErrPINRequired):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Code: "InvalidPin", Detail: "authentication failed"})
	case errors.Is(err, ErrTokenInvalid):
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Code: "TokenInvalid", Detail: "activation token invalid or expired"})
	default:
		h.logger.Error("challenge request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
