package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

type handlerFixture struct {
	router http.Handler
	repo   *customers.MemoryRepository
}

func newHandlerFixture(t *testing.T) handlerFixture {
	t.Helper()
	_, client := newRedis(t)
	repo := customers.NewMemoryRepository(nil)
	repo.Put(customers.Customer{ID: 1, BranchID: 3, UserID: 9, Account: ledger.MustAccountID("20101", "00042"), Phone: "08030000001"})
	repo.Put(customers.Customer{ID: 2, BranchID: 3, UserID: 10, Account: ledger.MustAccountID("20101", "00043"), Phone: "08030000002"})

	otp := NewOTPService(client, nil, nil)
	otp.WithCodeSource(fixedCode("246810"))
	pins := NewPINService(repo, nil, nil)
	pins.WithHashCost(bcrypt.MinCost)
	h := NewHandler(nil, repo, otp, pins, NewActivationService(client))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := tenant.With(req.Context(), tenant.Scope{BranchID: 3, UserID: 9})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	h.MountRoutes(r)
	return handlerFixture{router: r, repo: repo}
}

func (f handlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestActivationFlow(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/otp", map[string]string{"account_number": "2010100042"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "246810")

	rec = f.do(t, http.MethodPost, "/otp/verify", map[string]string{"account_number": "2010100042", "code": "246810"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Token string `json:"activation_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	rec = f.do(t, http.MethodPost, "/activation/complete", map[string]string{"activation_token": out.Token, "pin": "1357"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	c, err := f.repo.Get(tenant.Unscoped(context.Background()), 1)
	require.NoError(t, err)
	require.NoError(t, Check(c, "1357"))

	rec = f.do(t, http.MethodPost, "/activation/complete", map[string]string{"activation_token": out.Token, "pin": "1357"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyReportsRemainingAttempts(t *testing.T) {
	f := newHandlerFixture(t)
	f.do(t, http.MethodPost, "/otp", map[string]string{"account_number": "2010100042"})

	rec := f.do(t, http.MethodPost, "/otp/verify", map[string]string{"account_number": "2010100042", "code": "000000"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var problem struct {
		Code  string         `json:"code"`
		Extra map[string]any `json:"extra"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "OTPInvalid", problem.Code)
	assert.EqualValues(t, 2, problem.Extra["remaining_attempts"])
}

func TestForeignAccountRejected(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/otp", map[string]string{"account_number": "2010100043"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidationErrors(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPut, "/pin", map[string]string{"account_number": "2010100042", "new_pin": "12"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "NewPIN")
}

func TestChangePINRequiresCurrent(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPut, "/pin", map[string]string{"account_number": "2010100042", "new_pin": "1111"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPut, "/pin", map[string]string{"account_number": "2010100042", "new_pin": "2222"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPut, "/pin", map[string]string{"account_number": "2010100042", "current_pin": "1111", "new_pin": "2222"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
