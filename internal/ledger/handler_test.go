package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type denyAll struct{}

func (denyAll) CanView(context.Context, AccountID) error { return errors.New("not yours") }

func serve(t *testing.T, h *Handler, ctx context.Context, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	h.MountRoutes(r)
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestBalanceEndpoint(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	deposit(t, s, ctx, "DEP", alice, 1, "99.50")
	h := NewHandler(nil, s, NewBalanceService(s), nil)

	rec := serve(t, h, ctx, "/accounts/2010100001/balance")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["balance"] != "99.50" {
		t.Fatalf("unexpected balance %v", body["balance"])
	}
}

func TestBalanceEndpointRejects(t *testing.T) {
	s := NewMemoryStore()
	h := NewHandler(nil, s, NewBalanceService(s), nil)
	if rec := serve(t, h, branchCtx(1), "/accounts/123/balance"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed account, got %d", rec.Code)
	}
	if rec := serve(t, h, context.Background(), "/accounts/2010100001/balance"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without tenant, got %d", rec.Code)
	}
	denied := NewHandler(nil, s, NewBalanceService(s), denyAll{})
	if rec := serve(t, denied, branchCtx(1), "/accounts/2010100001/statement"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestStatementEndpoint(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	deposit(t, s, ctx, "DEP1", alice, 1, "10.00")
	deposit(t, s, ctx, "DEP2", alice, 1, "5.00")
	h := NewHandler(nil, s, NewBalanceService(s), nil)

	rec := serve(t, h, ctx, "/accounts/2010100001/statement?per_page=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body statementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Lines) != 1 || body.Pagination.Total != 2 || body.Pagination.TotalPages != 2 {
		t.Fatalf("unexpected page: %+v", body)
	}
	if body.Lines[0].TrxType != Credit {
		t.Fatalf("expected credit line, got %s", body.Lines[0].TrxType)
	}
	if rec := serve(t, h, ctx, "/accounts/2010100001/statement?from=yesterday"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
}
