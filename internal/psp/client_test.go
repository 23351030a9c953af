package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thriftbank/thriftbank/internal/money"
)

// fakePSP is a scriptable provider. Routes not overridden answer "00".
type fakePSP struct {
	t        *testing.T
	auths    atomic.Int32
	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	bodies   map[string][]byte
	tokenSeq atomic.Int32
	accept   func(token string) bool
}

func newFakePSP(t *testing.T) (*fakePSP, *httptest.Server) {
	f := &fakePSP{t: t, routes: map[string]http.HandlerFunc{}, bodies: map[string][]byte{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePSP) handle(path string, fn http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = fn
}

func (f *fakePSP) body(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

func (f *fakePSP) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies[r.URL.Path] = raw
	fn := f.routes[r.URL.Path]
	f.mu.Unlock()

	if r.URL.Path == pathAuthenticate {
		f.auths.Add(1)
		if fn != nil {
			fn(w, r)
			return
		}
		n := f.tokenSeq.Add(1)
		writeJSON(w, map[string]any{"code": "00", "access_token": "tok-" + string(rune('0'+n)), "expires_in": 3600})
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || (f.accept != nil && !f.accept(token)) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if fn != nil {
		fn(w, r)
		return
	}
	writeJSON(w, map[string]any{"code": "00"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(urls ...string) *Client {
	return NewClient(Config{BaseURLs: urls, PublicKey: "pub", PrivateKey: "priv", Timeout: 2 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTokenIsCachedAndRefreshCoalesced(t *testing.T) {
	f, srv := newFakePSP(t)
	f.handle(pathAuthenticate, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		writeJSON(w, map[string]any{"code": "00", "access_token": "tok", "expires_in": 3600})
	})
	c := newTestClient(srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.BankList(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err := c.BankList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.auths.Load())
}

func TestShortLivedTokenUsesMargin(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(55*time.Minute), expiryFrom(now, 3600))
	assert.Equal(t, now, expiryFrom(now, 60))
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	f, srv := newFakePSP(t)
	f.accept = func(token string) bool { return token != "tok-1" }
	c := newTestClient(srv.URL)

	_, err := c.BankList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.auths.Load())
}

func TestPersistentUnauthorizedIsAuthFailure(t *testing.T) {
	f, srv := newFakePSP(t)
	f.accept = func(string) bool { return false }
	c := newTestClient(srv.URL)

	_, err := c.BankList(context.Background())
	require.ErrorIs(t, err, ErrAuthFailure)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(2), f.auths.Load())
}

func TestInvalidCredentials(t *testing.T) {
	f, srv := newFakePSP(t)
	f.handle(pathAuthenticate, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": "S1", "message": "invalid credentials"})
	})
	_, err := newTestClient(srv.URL).BankList(context.Background())
	require.ErrorIs(t, err, ErrAuthFailure)
}

func TestAuthEndpointUnauthorizedIsAuthFailure(t *testing.T) {
	f, srv := newFakePSP(t)
	f.handle(pathAuthenticate, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(srv.URL)

	_, err := c.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuthFailure)

	_, err = c.FundTransfer(context.Background(), TransferRequest{Reference: "FF1", Amount: money.MustParse("100.00")})
	require.ErrorIs(t, err, ErrAuthFailure)
	assert.True(t, IsRetryable(err))
	_, remote := AsRemote(err)
	assert.False(t, remote)
}

func TestFallbackOnHTMLAnd404(t *testing.T) {
	html := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	t.Cleanup(html.Close)
	missing := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(missing.Close)
	f, srv := newFakePSP(t)
	f.handle(pathBanks, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": "00", "BankList": []map[string]string{{"BankCode": "058", "BankName": "GTBank", "BankLongCode": "000013"}}})
	})

	c := newTestClient(html.URL, missing.URL, srv.URL)
	banks, err := c.BankList(context.Background())
	require.NoError(t, err)
	require.Len(t, banks, 1)
	assert.Equal(t, "058", banks[0].Code)
}

func TestAllEndpointsUnusable(t *testing.T) {
	missing := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(missing.Close)
	_, err := newTestClient(missing.URL).Authenticate(context.Background())
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestRemoteCodeSurfacesVerbatim(t *testing.T) {
	f, srv := newFakePSP(t)
	f.handle(pathTransfer, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": "72", "message": "insufficient funds"})
	})
	_, err := newTestClient(srv.URL).FundTransfer(context.Background(), TransferRequest{Reference: "FF1", Amount: money.MustParse("5000.00")})
	re, ok := AsRemote(err)
	require.True(t, ok)
	assert.Equal(t, CodeInsufficientFunds, re.Code)
	assert.False(t, IsRetryable(err))
}

func TestMalformedResponse(t *testing.T) {
	f, srv := newFakePSP(t)
	f.handle(pathTransfer, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("gateway exploded"))
	})
	_, err := newTestClient(srv.URL).FundTransfer(context.Background(), TransferRequest{Reference: "FF1", Amount: money.MustParse("1.00")})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestTimeout(t *testing.T) {
	f, srv := newFakePSP(t)
	f.handle(pathTransfer, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		writeJSON(w, map[string]any{"code": "00"})
	})
	c := NewClient(Config{BaseURLs: []string{srv.URL}, Timeout: 100 * time.Millisecond}, nil)
	_, err := c.FundTransfer(context.Background(), TransferRequest{Reference: "FF1", Amount: money.MustParse("1.00")})
	require.ErrorIs(t, err, ErrNetworkTimeout)
	assert.True(t, IsRetryable(err))
}

func TestFundTransferPayloadAndMaskedLog(t *testing.T) {
	f, srv := newFakePSP(t)
	f.handle(pathTransfer, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": "00", "transaction": map[string]string{"reference": "FF1", "linkingreference": "LNK9"}})
	})
	var logs bytes.Buffer
	c := NewClient(Config{BaseURLs: []string{srv.URL}, PrivateKey: "priv"}, slog.New(slog.NewTextHandler(&logs, nil)))
	tr := TransferRequest{
		Reference:        "FF1",
		Amount:           money.MustParse("1000"),
		SenderAccount:    "2010100042",
		SenderName:       "Jane",
		RecipientAccount: "0123456789",
		RecipientBank:    "058",
		RecipientName:    "John",
	}
	res, err := c.FundTransfer(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, "LNK9", res.LinkingReference)

	var sent struct {
		Order struct {
			Amount string `json:"amount"`
		} `json:"order"`
		Hash string `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(f.body(pathTransfer), &sent))
	want := TransferHash("priv", "2010100042", "0123456789", "058", money.MustParse("1000"), "FF1")
	assert.Equal(t, want, sent.Hash)
	assert.Equal(t, "1000.00", sent.Order.Amount)
	assert.NotContains(t, logs.String(), want)
	assert.Contains(t, logs.String(), want[:6])
}

func TestStatusQueryAndVirtualAccount(t *testing.T) {
	f, srv := newFakePSP(t)
	f.handle(pathTransferStatus, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "FF1", r.URL.Query().Get("reference"))
		writeJSON(w, map[string]any{"code": "09", "message": "pending"})
	})
	f.handle(pathVirtualAccount, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"code":     "00",
			"customer": map[string]any{"account": map[string]string{"number": "9900112233", "name": "Jane Doe"}},
			"bank":     map[string]string{"name": "Provider MFB", "code": "120001"},
		})
	})
	c := newTestClient(srv.URL)

	_, err := c.TransferStatusQuery(context.Background(), StatusQuery{Reference: "FF1"})
	re, ok := AsRemote(err)
	require.True(t, ok)
	assert.True(t, re.Pending())

	va, err := c.CreateVirtualAccount(context.Background(), "Jane Doe", 7)
	require.NoError(t, err)
	assert.Equal(t, VirtualAccount{Number: "9900112233", Name: "Jane Doe", BankName: "Provider MFB", BankCode: "120001"}, va)
}

func TestNoEndpointConfigured(t *testing.T) {
	_, err := NewClient(Config{}, nil).Authenticate(context.Background())
	require.True(t, errors.Is(err, ErrNotConfigured))
}
