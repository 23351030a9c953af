package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thriftbank/thriftbank/internal/psp"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

const webhookSecret = "whsec_transfer"

func newRouter(t *testing.T, h *harness) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/webhooks/psp/transaction-status", psp.NewWebhookHandler(webhookSecret, h.svc, psp.NewMemoryDeliveryLog(), 0, nil))
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctx := tenant.With(req.Context(), tenant.Scope{BranchID: 1, CompanyID: 1, UserID: aliceUser})
				next.ServeHTTP(w, req.WithContext(ctx))
			})
		})
		NewHandler(nil, h.svc, h.records).MountRoutes(r)
	})
	return r
}

func send(t *testing.T, router http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func intraRequest(amount string) Request {
	return Request{SourceAccount: aliceAcct.String(), DestinationAccount: bobAcct.String(), Amount: amount, PIN: alicePIN}
}

func externalRequest(amount string) Request {
	return Request{SourceAccount: aliceAcct.String(), DestinationAccount: "0123456789", DestinationBank: "058", DestinationName: "Carol", Amount: amount, PIN: alicePIN}
}

func TestCreateTransferHTTP(t *testing.T) {
	h := newHarness(t)
	router := newRouter(t, h)

	rec, body := send(t, router, http.MethodPost, "/transfers", intraRequest("250.00"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(StateSettled), body["state"])
	assert.Equal(t, "250.00", body["amount"])

	rec, body = send(t, router, http.MethodGet, "/transfers/"+body["reference"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(StateSettled), body["state"])
}

func TestTransferErrorsHTTP(t *testing.T) {
	h := newHarness(t)
	router := newRouter(t, h)

	same := intraRequest("10.00")
	same.DestinationAccount = same.SourceAccount
	rec, body := send(t, router, http.MethodPost, "/transfers", same)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidRequest", body["code"])
	assert.Equal(t, "same_as_source", body["extra"].(map[string]any)["DestinationAccount"])

	rec, body = send(t, router, http.MethodPost, "/transfers", intraRequest("5000.00"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InsufficientFunds", body["code"])
	assert.Equal(t, "Available: 1000.00, Requested: 5000.00", body["detail"])

	wrongPIN := intraRequest("10.00")
	wrongPIN.PIN = "0000"
	rec, _ = send(t, router, http.MethodPost, "/transfers", wrongPIN)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = send(t, router, http.MethodGet, "/transfers/FF0000000000000000ZZZZ", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProviderErrorsHTTP(t *testing.T) {
	h := newHarness(t)
	router := newRouter(t, h)

	h.gateway.reply(psp.TransferResult{}, &psp.RemoteError{Code: psp.CodeUnknownBank})
	rec, body := send(t, router, http.MethodPost, "/transfers", externalRequest("100.00"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "RemoteBusinessError", body["code"])
	assert.Equal(t, psp.Describe(psp.CodeUnknownBank), body["detail"])

	h.gateway.reply(psp.TransferResult{}, psp.ErrAuthFailure)
	h.gateway.reply(psp.TransferResult{}, psp.ErrAuthFailure)
	rec, _ = send(t, router, http.MethodPost, "/transfers", externalRequest("100.00"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.gateway.reply(psp.TransferResult{}, psp.ErrMalformedResponse)
	rec, _ = send(t, router, http.MethodPost, "/transfers", externalRequest("100.00"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	_, avail := h.balances(t, aliceAcct)
	assert.Equal(t, "1000.00", avail)
}

func TestPendingTransferSettledByWebhook(t *testing.T) {
	h := newHarness(t)
	router := newRouter(t, h)
	h.gateway.reply(psp.TransferResult{}, psp.ErrNetworkTimeout)
	h.gateway.reply(psp.TransferResult{}, psp.ErrNetworkTimeout)

	rec, body := send(t, router, http.MethodPost, "/transfers", externalRequest("300.00"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ref := body["reference"].(string)
	assert.Equal(t, string(StateDispatched), body["state"])

	event := fmt.Sprintf(`{"event_type":"transfer","transaction_reference":%q,"external_reference":"PSP-55","status":"successful","status_code":"00","message":"ok"}`, ref)
	deliver := func(payload string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/transaction-status", bytes.NewBufferString(payload))
		req.Header.Set(psp.SignatureHeader, psp.Sign(webhookSecret, []byte(payload)))
		res := httptest.NewRecorder()
		router.ServeHTTP(res, req)
		return res
	}
	res := deliver(event)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Contains(t, deliver(event).Body.String(), "duplicate")

	rec, body = send(t, router, http.MethodGet, "/transfers/"+ref, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(StateSettled), body["state"])
	bal, _ := h.balances(t, aliceAcct)
	assert.Equal(t, "690.00", bal)

	unknown := `{"event_type":"transfer","transaction_reference":"FF9999","status":"failed","status_code":"99"}`
	res = deliver(unknown)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "ignored")
}
