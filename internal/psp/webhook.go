package psp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/thriftbank/thriftbank/internal/platform/httpx"
	"github.com/thriftbank/thriftbank/internal/shared"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

const (
	// SignatureHeader carries "sha256=<hex>" over the raw body.
	SignatureHeader = "X-PSP-Signature"
	deliveryScope   = "psp_webhook"
)

// Outcome is the normalized result of a status event.
type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// Event is the transaction-status webhook payload.
type Event struct {
	EventType            string `json:"event_type"`
	TransactionReference string `json:"transaction_reference"`
	ExternalReference    string `json:"external_reference"`
	Status               string `json:"status"`
	StatusCode           string `json:"status_code"`
	Message              string `json:"message"`
	Signature            string `json:"signature,omitempty"`
}

// Outcome maps status and code to a transition.
func (e Event) Outcome() (Outcome, error) {
	return classify(strings.ToLower(strings.TrimSpace(e.Status)), e.StatusCode)
}

func classify(status, code string) (Outcome, error) {
	switch {
	case status == "failed" || code == CodeGenericFailure:
		return OutcomeFailed, nil
	case status == "pending" || code == CodePending:
		return OutcomePending, nil
	case status == "successful" && (code == CodeSuccess || code == ""):
		return OutcomeSettled, nil
	}
	return "", ErrUnknownStatus
}

// StatusUpdate is a provider verdict about one transfer, from a webhook or a
// status poll.
type StatusUpdate struct {
	Reference         string
	ExternalReference string
	Outcome           Outcome
	Code              string
	Message           string
	Source            string
}

// ErrReferenceNotFound is returned by a Reconciler for transfers it does not
// know. The delivery is acknowledged so the provider stops retrying.
var ErrReferenceNotFound = errors.New("psp: unknown transfer reference")

// Reconciler applies status updates to the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, update StatusUpdate) error
}

// DeliveryLog deduplicates raw webhook deliveries.
type DeliveryLog interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Delete(ctx context.Context, key, scope string) error
}

// Sign computes the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return ErrInvalidSignature
	}
	given, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	sig, err := hex.DecodeString(given)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// WebhookHandler receives transaction-status events.
type WebhookHandler struct {
	secret     string
	reconciler Reconciler
	deliveries DeliveryLog
	timeout    time.Duration
	logger     *slog.Logger
}

// NewWebhookHandler constructs the handler. deliveries may be nil.
func NewWebhookHandler(secret string, reconciler Reconciler, deliveries DeliveryLog, timeout time.Duration, logger *slog.Logger) *WebhookHandler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{secret: secret, reconciler: reconciler, deliveries: deliveries, timeout: timeout, logger: logger}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable body")
		return
	}
	if err := VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("psp webhook rejected", slog.String("reason", "signature"), slog.String("remote", r.RemoteAddr))
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid signature")
		return
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed payload")
		return
	}
	if ev.TransactionReference == "" && ev.ExternalReference == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "transaction reference required")
		return
	}
	outcome, err := ev.Outcome()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unknown status")
		return
	}

	// processing is bounded independently of the provider's connection
	ctx, cancel := context.WithTimeout(tenant.Unscoped(context.WithoutCancel(r.Context())), h.timeout)
	defer cancel()

	key := shared.DigestKey(body)
	if h.deliveries != nil {
		if err := h.deliveries.CheckAndInsert(ctx, key, deliveryScope); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
				return
			}
			h.logger.Error("psp webhook delivery log", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}
	update := StatusUpdate{
		Reference:         ev.TransactionReference,
		ExternalReference: ev.ExternalReference,
		Outcome:           outcome,
		Code:              ev.StatusCode,
		Message:           ev.Message,
		Source:            "webhook",
	}
	err = h.reconciler.Reconcile(ctx, update)
	if errors.Is(err, ErrReferenceNotFound) {
		h.logger.Warn("psp webhook for unknown transfer",
			slog.String("reference", ev.TransactionReference),
			slog.String("external_reference", ev.ExternalReference),
		)
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		if h.deliveries != nil {
			if derr := h.deliveries.Delete(ctx, key, deliveryScope); derr != nil {
				h.logger.Error("psp webhook delivery rollback", slog.Any("error", derr))
			}
		}
		h.logger.Error("psp webhook reconcile failed",
			slog.String("reference", ev.TransactionReference),
			slog.String("external_reference", ev.ExternalReference),
			slog.Any("error", err),
		)
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("psp webhook applied",
		slog.String("reference", ev.TransactionReference),
		slog.String("external_reference", ev.ExternalReference),
		slog.String("outcome", string(outcome)),
	)
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MemoryDeliveryLog is an in-process DeliveryLog.
type MemoryDeliveryLog struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDeliveryLog constructs an empty log.
func NewMemoryDeliveryLog() *MemoryDeliveryLog {
	return &MemoryDeliveryLog{seen: make(map[string]struct{})}
}

func (l *MemoryDeliveryLog) CheckAndInsert(_ context.Context, key, scope string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := scope + ":" + key
	if _, ok := l.seen[k]; ok {
		return shared.ErrIdempotencyConflict
	}
	l.seen[k] = struct{}{}
	return nil
}

func (l *MemoryDeliveryLog) Delete(_ context.Context, key, scope string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, scope+":"+key)
	return nil
}
