package psp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/platform/httpx"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// Directory is the read side of the provider API exposed to clients.
type Directory interface {
	BankList(ctx context.Context) ([]Bank, error)
	AccountEnquiry(ctx context.Context, account, bankCode string) (AccountName, error)
}

// Handler serves bank directory, enquiry and virtual account endpoints.
type Handler struct {
	logger    *slog.Logger
	directory Directory
	virtual   *VirtualAccountService
	customers customers.Repository
	validator *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, directory Directory, virtual *VirtualAccountService, repo customers.Repository) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, directory: directory, virtual: virtual, customers: repo, validator: validator.New()}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/psp/banks", h.banks)
	r.Post("/psp/account-enquiry", h.enquiry)
	r.Post("/customers/{id}/virtual-account", h.provision)
}

type enquiryForm struct {
	AccountNumber string `json:"account_number" validate:"required,len=10,numeric"`
	BankCode      string `json:"bank_code" validate:"required,max=10,alphanum"`
}

func (h *Handler) banks(w http.ResponseWriter, r *http.Request) {
	banks, err := h.directory.BankList(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"banks": banks})
}

func (h *Handler) enquiry(w http.ResponseWriter, r *http.Request) {
	var form enquiryForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	name, err := h.directory.AccountEnquiry(r.Context(), form.AccountNumber, form.BankCode)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, name)
}

func (h *Handler) provision(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return
	}
	scope, ok := tenant.From(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	c, err := h.customers.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if c.UserID != scope.UserID {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	wallet, err := h.virtual.Provision(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, VirtualAccount{Number: wallet.Number, Name: wallet.Name, BankName: wallet.BankName, BankCode: wallet.BankCode})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenant.ErrNoScope):
		httpx.RespondError(w, httpx.ErrUnauthorized)
	case errors.Is(err, customers.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "customer not found")
	case errors.Is(err, ErrAuthFailure), errors.Is(err, ErrNetworkTimeout), errors.Is(err, ErrNotConfigured):
		h.logger.Warn("psp unavailable", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
	case errors.Is(err, ErrMalformedResponse):
		h.logger.Warn("psp malformed response", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrBadGateway)
	default:
		if re, ok := AsRemote(err); ok {
			httpx.WriteProblem(w, httpx.ProblemDetail{
				Title:  "Rejected",
				Status: http.StatusBadRequest,
				Code:   "RemoteBusinessError",
				Detail: Describe(re.Code),
				Extra:  map[string]any{"psp_code": re.Code},
			})
			return
		}
		h.logger.Error("psp request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
