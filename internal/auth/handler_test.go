package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/thriftbank/thriftbank/internal/auth"
	"github.com/thriftbank/thriftbank/internal/shared"
	"github.com/thriftbank/thriftbank/internal/tenant"
	_ "github.com/thriftbank/thriftbank/testing"
)

type stubRepo struct {
	user *auth.User
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || s.user.Email != email {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

type fixture struct {
	router http.Handler
	svc    *auth.Service
	now    *time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	repo := &stubRepo{user: &auth.User{ID: 42, BranchID: 3, CompanyID: 1, Email: "teller@test.local", PasswordHash: string(hashed), IsActive: true}}
	now := time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)
	svc := auth.NewService(repo, "jwt-secret", 15*time.Minute)
	svc.WithNow(func() time.Time { return now })

	r := chi.NewRouter()
	r.Route("/auth", auth.NewHandler(nil, svc).MountRoutes)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(svc, nil))
		r.Get("/whoami", func(w http.ResponseWriter, req *http.Request) {
			scope, _ := tenant.From(req.Context())
			_ = json.NewEncoder(w).Encode(scope)
		})
	})
	return fixture{router: r, svc: svc, now: &now}
}

func (f fixture) login(t *testing.T, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func (f fixture) whoami(token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func TestTokenInstallsTenantScope(t *testing.T) {
	f := newFixture(t)

	res := f.login(t, "teller@test.local", "correctpass")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tok.TokenType != "Bearer" || tok.AccessToken == "" {
		t.Fatalf("unexpected token response %+v", tok)
	}

	res = f.whoami(tok.AccessToken)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var scope tenant.Scope
	if err := json.Unmarshal(res.Body.Bytes(), &scope); err != nil {
		t.Fatalf("decode scope: %v", err)
	}
	if scope != (tenant.Scope{BranchID: 3, CompanyID: 1, UserID: 42}) {
		t.Fatalf("unexpected scope %+v", scope)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t)

	if res := f.login(t, "teller@test.local", "wrongpass"); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	if res := f.login(t, "nobody@test.local", "correctpass"); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	if res := f.login(t, "not-an-email", "correctpass"); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	f := newFixture(t)

	if res := f.whoami(""); res.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", res.Code)
	}
	if res := f.whoami("not.a.jwt"); res.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", res.Code)
	}

	other := auth.NewService(&stubRepo{}, "other-secret", time.Minute)
	other.WithNow(func() time.Time { return *f.now })
	forged, _, err := other.Issue(auth.User{ID: 42, BranchID: 3})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if res := f.whoami(forged); res.Code != http.StatusUnauthorized {
		t.Fatalf("foreign signature: expected 401, got %d", res.Code)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, auth.Claims{BranchID: 3}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if res := f.whoami(unsigned); res.Code != http.StatusUnauthorized {
		t.Fatalf("alg none: expected 401, got %d", res.Code)
	}
}

func TestExpiredToken(t *testing.T) {
	f := newFixture(t)
	token, _, err := f.svc.Issue(auth.User{ID: 42, BranchID: 3, CompanyID: 1})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if res := f.whoami(token); res.Code != http.StatusOK {
		t.Fatalf("fresh token: expected 200, got %d", res.Code)
	}
	*f.now = f.now.Add(16 * time.Minute)
	if res := f.whoami(token); res.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: expected 401, got %d", res.Code)
	}
}
