package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/thriftbank/thriftbank/internal/platform/httpx"
	"github.com/thriftbank/thriftbank/internal/shared"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// AccessChecker decides whether the caller may read an account.
type AccessChecker interface {
	CanView(ctx context.Context, account AccountID) error
}

// Handler serves balance and statement endpoints.
type Handler struct {
	logger   *slog.Logger
	store    Store
	balances *BalanceService
	access   AccessChecker
}

// NewHandler constructs the ledger HTTP handler.
func NewHandler(logger *slog.Logger, store Store, balances *BalanceService, access AccessChecker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, store: store, balances: balances, access: access}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/accounts/{account}", func(r chi.Router) {
		r.Get("/balance", h.balance)
		r.Get("/statement", h.statement)
	})
}

type statementLine struct {
	TrxNo       string    `json:"trx_no"`
	Amount      string    `json:"amount"`
	TrxType     TrxType   `json:"trx_type"`
	Status      Status    `json:"status"`
	Description string    `json:"description"`
	SessionDate string    `json:"session_date"`
	Timestamp   time.Time `json:"timestamp"`
}

type statementResponse struct {
	Account    string            `json:"account"`
	Lines      []statementLine   `json:"lines"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	account, ok := h.authorize(w, r)
	if !ok {
		return
	}
	snap, err := h.balances.Snapshot(r.Context(), account)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	account, ok := h.authorize(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pg := shared.NewPagination(page, perPage, 0)
	query := StatementQuery{Account: account, Limit: pg.PerPage, Offset: (pg.Page - 1) * pg.PerPage}
	var err error
	if query.From, err = parseDate(q.Get("from")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
		return
	}
	if query.To, err = parseDate(q.Get("to")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
		return
	}
	if !query.To.IsZero() {
		query.To = query.To.Add(24*time.Hour - time.Nanosecond)
	}
	result, err := h.store.ListByAccount(r.Context(), query)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := statementResponse{
		Account:    account.String(),
		Lines:      make([]statementLine, 0, len(result.Postings)),
		Pagination: shared.NewPagination(pg.Page, query.Limit, result.Total),
	}
	for _, p := range result.Postings {
		resp.Lines = append(resp.Lines, statementLine{
			TrxNo:       p.TrxNo,
			Amount:      p.Amount.String(),
			TrxType:     p.TrxType(),
			Status:      p.Status,
			Description: p.Description,
			SessionDate: p.SessionDate.Format(time.DateOnly),
			Timestamp:   p.SystemTimestamp,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (AccountID, bool) {
	account, err := SplitAccount(chi.URLParam(r, "account"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return AccountID{}, false
	}
	if h.access != nil {
		if err := h.access.CanView(r.Context(), account); err != nil {
			httpx.RespondError(w, httpx.ErrForbidden)
			return AccountID{}, false
		}
	}
	return account, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, tenant.ErrNoScope) {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	h.logger.Error("ledger request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, v)
}
