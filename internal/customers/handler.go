package customers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thriftbank/thriftbank/internal/platform/httpx"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// Handler serves virtual card endpoints.
type Handler struct {
	logger    *slog.Logger
	customers Repository
	cards     *CardService
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, customers Repository, cards *CardService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, customers: customers, cards: cards}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/customers/{id}/cards", h.issueCard)
	r.Post("/cards/{id}/activate", h.activateCard)
}

type cardResponse struct {
	ID          int64      `json:"id"`
	Account     string     `json:"account"`
	Number      string     `json:"number"`
	CVV         string     `json:"cvv,omitempty"`
	ExpiryMonth int        `json:"expiry_month"`
	ExpiryYear  int        `json:"expiry_year"`
	Status      CardStatus `json:"status"`
}

func (h *Handler) issueCard(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return
	}
	if err := h.requireOwner(r, id); err != nil {
		h.fail(w, err)
		return
	}
	card, err := h.cards.Issue(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cardResponse{
		ID:          card.ID,
		Account:     card.Account.String(),
		Number:      card.Number,
		CVV:         card.CVV,
		ExpiryMonth: card.ExpiryMonth,
		ExpiryYear:  card.ExpiryYear,
		Status:      card.Status,
	})
}

func (h *Handler) activateCard(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid card id")
		return
	}
	card, err := h.cards.cards.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.requireOwner(r, card.CustomerID); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.cards.Activate(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireOwner(r *http.Request, customerID int64) error {
	scope, ok := tenant.From(r.Context())
	if !ok {
		return tenant.ErrNoScope
	}
	c, err := h.customers.Get(r.Context(), customerID)
	if err != nil {
		return err
	}
	if c.UserID != scope.UserID {
		return ErrNotOwner
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenant.ErrNoScope):
		httpx.RespondError(w, httpx.ErrUnauthorized)
	case errors.Is(err, ErrNotOwner):
		httpx.RespondError(w, httpx.ErrForbidden)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCardNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrCardInvalidStatus):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrCardAccountsExhausted):
		h.logger.Error("card issuance stopped", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnavailable)
	default:
		h.logger.Error("customer request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
