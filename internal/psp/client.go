package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/thriftbank/thriftbank/internal/money"
)

const (
	pathAuthenticate   = "/merchant/authenticate"
	pathEnquiry        = "/merchant/account/enquiry"
	pathBanks          = "/merchant/transfer/getbanks"
	pathBalance        = "/merchant/account/balanceenquiry"
	pathTransfer       = "/merchant/account/transfer"
	pathTransferStatus = "/merchant/account/transfer/status"
	pathVirtualAccount = "/merchant/virtualaccount/create"

	maxResponseBytes = 1 << 20
)

// Config holds the provider credentials and endpoints.
type Config struct {
	Provider   string
	BaseURLs   []string
	PublicKey  string
	PrivateKey string
	Timeout    time.Duration
	Currency   string
	Country    string
}

// Client calls the provider's merchant API.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  *TokenCache
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenStore shares tokens through store.
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) { c.tokens.store = store }
}

// WithMetrics records call latency.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient constructs the client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "NGN"
	}
	if cfg.Country == "" {
		cfg.Country = "NGA"
	}
	if cfg.Provider == "" {
		cfg.Provider = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}
	c.tokens = NewTokenCache(c.Authenticate, nil)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate exchanges the key pair for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (Token, error) {
	var resp authResponse
	err := c.call(ctx, "authenticate", http.MethodPost, pathAuthenticate, nil, authRequest{
		PublicKey:  c.cfg.PublicKey,
		PrivateKey: c.cfg.PrivateKey,
	}, "", &resp)
	if err != nil {
		if re, ok := AsRemote(err); ok {
			return Token{}, fmt.Errorf("%w: %s", ErrAuthFailure, re.Code)
		}
		if errors.Is(err, errUnauthorized) {
			return Token{}, fmt.Errorf("%w: credentials rejected", ErrAuthFailure)
		}
		return Token{}, err
	}
	if resp.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: empty access token", ErrMalformedResponse)
	}
	return Token{Value: resp.AccessToken, ExpiresAt: expiryFrom(c.now(), resp.ExpiresIn)}, nil
}

// AccountEnquiry resolves the holder name of account at bankCode.
func (c *Client) AccountEnquiry(ctx context.Context, account, bankCode string) (AccountName, error) {
	var resp enquiryResponse
	req := enquiryRequest{Customer: customerRef{Account: accountRef{Number: account, Bank: bankCode}}}
	if err := c.authed(ctx, "account_enquiry", http.MethodPost, pathEnquiry, nil, req, &resp); err != nil {
		return AccountName{}, err
	}
	return AccountName{Number: account, BankCode: bankCode, Name: resp.Customer.Account.Name}, nil
}

// BankList returns the provider's bank directory.
func (c *Client) BankList(ctx context.Context) ([]Bank, error) {
	var resp bankListResponse
	if err := c.authed(ctx, "bank_list", http.MethodPost, pathBanks, nil, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Banks, nil
}

// BalanceEnquiry returns the balance of one of the merchant's accounts.
func (c *Client) BalanceEnquiry(ctx context.Context, account string) (Balance, error) {
	var req balanceRequest
	req.Account.Number = account
	var resp balanceResponse
	if err := c.authed(ctx, "balance_enquiry", http.MethodPost, pathBalance, nil, req, &resp); err != nil {
		return Balance{}, err
	}
	return resp.Account, nil
}

// FundTransfer sends a signed transfer. A RemoteError with Pending() means
// the provider has not decided yet.
func (c *Client) FundTransfer(ctx context.Context, tr TransferRequest) (TransferResult, error) {
	hash := TransferHash(c.cfg.PrivateKey, tr.SenderAccount, tr.RecipientAccount, tr.RecipientBank, tr.Amount, tr.Reference)
	req := transferRequest{
		Transaction: transactionRef{Reference: tr.Reference},
		Order: order{
			Amount:      tr.Amount,
			Currency:    c.cfg.Currency,
			Description: tr.Description,
			Country:     c.cfg.Country,
		},
		Customer: customerRef{Account: accountRef{
			Number:              tr.RecipientAccount,
			Bank:                tr.RecipientBank,
			Name:                tr.RecipientName,
			SenderAccountNumber: tr.SenderAccount,
			SenderName:          tr.SenderName,
		}},
		Hash: hash,
	}
	c.logger.Info("psp fund transfer",
		slog.String("reference", tr.Reference),
		slog.String("amount", tr.Amount.String()),
		slog.String("bank", tr.RecipientBank),
		slog.String("hash", MaskHash(hash)),
	)
	var resp transferResponse
	err := c.authed(ctx, "fund_transfer", http.MethodPost, pathTransfer, nil, req, &resp)
	res := TransferResult{
		Reference:         firstNonEmpty(resp.Transaction.Reference, tr.Reference),
		LinkingReference:  resp.Transaction.LinkingReference,
		ExternalReference: resp.Transaction.ExternalReference,
		Code:              resp.Code,
		Message:           resp.Message,
	}
	return res, err
}

// TransferStatusQuery asks for the current status of a transfer.
func (c *Client) TransferStatusQuery(ctx context.Context, q StatusQuery) (TransferStatus, error) {
	params := url.Values{}
	params.Set("reference", q.Reference)
	if q.LinkingReference != "" {
		params.Set("linkingreference", q.LinkingReference)
	}
	if q.ExternalReference != "" {
		params.Set("externalreference", q.ExternalReference)
	}
	var resp statusResponse
	err := c.authed(ctx, "transfer_status", http.MethodGet, pathTransferStatus, params, nil, &resp)
	st := TransferStatus{
		Reference:         firstNonEmpty(resp.Transaction.Reference, q.Reference),
		LinkingReference:  resp.Transaction.LinkingReference,
		ExternalReference: resp.Transaction.ExternalReference,
		Code:              resp.Code,
		Message:           resp.Message,
		Amount:            resp.Order.Amount,
	}
	return st, err
}

// CreateVirtualAccount provisions a funding account for holderName.
func (c *Client) CreateVirtualAccount(ctx context.Context, holderName string, customerID int64) (VirtualAccount, error) {
	ref := "VA" + strconv.FormatInt(customerID, 10) + strconv.FormatInt(c.now().UnixMilli(), 10)
	req := virtualAccountRequest{
		Transaction: transactionRef{Reference: ref},
		Order: order{
			Amount:      money.Zero,
			Currency:    c.cfg.Currency,
			Description: "virtual account for " + holderName,
			Country:     c.cfg.Country,
			AmountType:  "ANY",
		},
		Customer: customerRef{Account: accountRef{Name: holderName, Type: "STATIC"}},
	}
	var resp virtualAccountResponse
	if err := c.authed(ctx, "create_virtual_account", http.MethodPost, pathVirtualAccount, nil, req, &resp); err != nil {
		return VirtualAccount{}, err
	}
	if resp.Customer.Account.Number == "" {
		return VirtualAccount{}, fmt.Errorf("%w: virtual account number missing", ErrMalformedResponse)
	}
	return VirtualAccount{
		Number:   resp.Customer.Account.Number,
		Name:     firstNonEmpty(resp.Customer.Account.Name, holderName),
		BankName: resp.Bank.Name,
		BankCode: resp.Bank.Code,
	}, nil
}

// authed performs a bearer-authenticated call, refreshing the token once on 401.
func (c *Client) authed(ctx context.Context, op, method, path string, query url.Values, body any, out coded) error {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return authError(err)
	}
	err = c.call(ctx, op, method, path, query, body, token, out)
	if !errors.Is(err, errUnauthorized) {
		return err
	}
	c.tokens.Invalidate(ctx, token)
	token, err = c.tokens.Get(ctx)
	if err != nil {
		return authError(err)
	}
	err = c.call(ctx, op, method, path, query, body, token, out)
	if errors.Is(err, errUnauthorized) {
		return ErrAuthFailure
	}
	return err
}

// authError keeps a rejected token fetch from reading as an unknown outcome.
func authError(err error) error {
	if errors.Is(err, errUnauthorized) && !errors.Is(err, ErrAuthFailure) {
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	return err
}

var (
	errUnauthorized = errors.New("psp: unauthorized")
	errFallback     = errors.New("psp: endpoint unusable")
)

// call tries every base URL in order. An HTML body or a 404 moves on to the
// next one.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body any, token string, out coded) (err error) {
	start := time.Now()
	defer func() { c.metrics.observe(op, err, time.Since(start)) }()

	if len(c.cfg.BaseURLs) == 0 {
		return ErrNotConfigured
	}
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	var last error
	for _, base := range c.cfg.BaseURLs {
		last = c.attempt(ctx, method, endpoint(base, path, query), payload, token, out)
		if !errors.Is(last, errFallback) {
			return last
		}
		c.logger.Warn("psp endpoint fallback", slog.String("operation", op), slog.String("base", base), slog.Any("error", last))
	}
	if errors.Is(last, ErrNetworkTimeout) {
		return last
	}
	return fmt.Errorf("%w: all endpoints failed: %v", ErrMalformedResponse, last)
}

func (c *Client) attempt(ctx context.Context, method, target string, payload []byte, token string, out coded) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w: %v", errFallback, ErrNetworkTimeout, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusNotFound, looksLikeHTML(resp.Header.Get("Content-Type"), raw):
		return fmt.Errorf("%w: status %d", errFallback, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	env := out.envelope()
	switch env.Code {
	case "":
		return fmt.Errorf("%w: missing result code (status %d)", ErrMalformedResponse, resp.StatusCode)
	case CodeSuccess:
		return nil
	default:
		return &RemoteError{Code: env.Code, Message: env.Message}
	}
}

func endpoint(base, path string, query url.Values) string {
	target := strings.TrimRight(base, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
