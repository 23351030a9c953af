package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/thriftbank/thriftbank/internal/auth"
	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/observability"
	"github.com/thriftbank/thriftbank/internal/psp"
	_ "github.com/thriftbank/thriftbank/testing"
)

type noUsers struct{}

func (noUsers) FindByEmail(context.Context, string) (*auth.User, error) {
	return nil, errors.New("not found")
}

type acceptAll struct{}

func (acceptAll) Reconcile(context.Context, psp.StatusUpdate) error { return nil }

const webhookSecret = "whsec_router"

func newTestRouter(t *testing.T) (http.Handler, *auth.Service) {
	t.Helper()
	cfg := &Config{AppEnv: "test", RateLimitPerMinute: 1000}
	logger := NewLogger(cfg)
	authSvc := auth.NewService(noUsers{}, strings.Repeat("k", 32), time.Hour)

	store := ledger.NewMemoryStore()
	repo := customers.NewMemoryRepository(nil)
	ledgerHandler := ledger.NewHandler(logger, store, ledger.NewBalanceService(store), customers.NewAccess(repo))

	return NewRouter(RouterParams{
		Logger:        logger,
		Config:        cfg,
		Metrics:       observability.NewMetrics(),
		Auth:          authSvc,
		AuthHandler:   auth.NewHandler(logger, authSvc),
		LedgerHandler: ledgerHandler,
		Webhook:       psp.NewWebhookHandler(webhookSecret, acceptAll{}, psp.NewMemoryDeliveryLog(), 0, logger),
	}), authSvc
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	router, authSvc := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/2010100001/balance", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	token, _, err := authSvc.Issue(auth.User{ID: 42, BranchID: 1})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/2010100001/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code == http.StatusUnauthorized {
		t.Fatalf("authenticated request rejected: %s", rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected secure headers on API responses")
	}
}

func TestWebhookBypassesBearerAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"transaction_reference":"FF1","status":"successful","status_code":"00"}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/transaction-status", strings.NewReader(body))
	req.Header.Set(psp.SignatureHeader, psp.Sign(webhookSecret, []byte(body)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/psp/transaction-status", strings.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook: expected 401, got %d", rec.Code)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{JWTSecret: "short", PSPWebhookSecret: "x", PINMaxFailures: 3, RateLimitPerMinute: 60}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected short jwt secret to be rejected")
	}
	cfg.JWTSecret = strings.Repeat("s", 32)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.PSPBaseURL = "https://psp.example/"
	cfg.PSPFallbackURLs = []string{" https://dr.psp.example/ ", ""}
	got := cfg.PSPBaseURLs()
	if len(got) != 2 || got[0] != "https://psp.example" || got[1] != "https://dr.psp.example" {
		t.Fatalf("unexpected base urls %v", got)
	}
}


func TestConfigConnectionOptions(t *testing.T) {
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("PSP_BASE_URL", "https://psp.example")
	t.Setenv("PSP_WEBHOOK_SECRET", webhookSecret)
	t.Setenv("PG_MAX_CONNS", "12")
	t.Setenv("PG_STATEMENT_TIMEOUT", "10s")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "3")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	dbOpts := cfg.DBOptions("thriftd")
	if dbOpts.MaxConns != 12 || dbOpts.StatementTimeout != 10*time.Second || dbOpts.AppName != "thriftd" {
		t.Fatalf("unexpected db options %+v", dbOpts)
	}
	if dbOpts.PingTimeout != 5*time.Second || dbOpts.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("db defaults not applied: %+v", dbOpts)
	}
	queue := cfg.RedisOptions().Queue()
	if queue.Addr != "redis:6380" || queue.DB != 3 || queue.PoolSize != 20 {
		t.Fatalf("unexpected queue options %+v", queue)
	}
}
