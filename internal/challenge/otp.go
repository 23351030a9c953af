package challenge

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thriftbank/thriftbank/internal/notify"
	"github.com/thriftbank/thriftbank/internal/shared"
)

const (
	otpDigits      = 6
	otpTTL         = 5 * time.Minute
	otpMaxAttempts = 3
	// records outlive their expiry so late submissions report expired, not absent
	otpRetention = 30 * time.Minute
)

// verifyScript checks and updates one OTP record atomically.
// KEYS[1] record, ARGV[1] code digest, ARGV[2] now (ms), ARGV[3] max attempts.
var verifyScript = redis.NewScript(`
local fields = redis.call("HGETALL", KEYS[1])
if #fields == 0 then
  return {"absent", 0}
end
local rec = {}
for i = 1, #fields, 2 do
  rec[fields[i]] = fields[i + 1]
end
if rec["verified"] == "1" then
  return {"used", 0}
end
local attempts = tonumber(rec["attempts"])
local limit = tonumber(ARGV[3])
if attempts >= limit or tonumber(ARGV[2]) > tonumber(rec["expires_at"]) then
  return {"expired", 0}
end
if rec["code"] == ARGV[1] then
  redis.call("HSET", KEYS[1], "verified", "1")
  return {"ok", 0}
end
attempts = redis.call("HINCRBY", KEYS[1], "attempts", 1)
return {"invalid", limit - attempts}
`)

// Issued describes a freshly issued OTP. The code itself only leaves the
// service through the outbound queue.
type Issued struct {
	AccountNumber string
	ExpiresAt     time.Time
}

// OTPService issues and verifies one-time codes per account number.
type OTPService struct {
	client   redis.UniversalClient
	notifier notify.Enqueuer
	logger   *slog.Logger
	now      func() time.Time
	code     func() (string, error)
}

// NewOTPService constructs the service. notifier may be nil.
func NewOTPService(client redis.UniversalClient, notifier notify.Enqueuer, logger *slog.Logger) *OTPService {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OTPService{client: client, notifier: notifier, logger: logger, now: time.Now, code: randomCode}
}

// WithNow overrides the clock for testing.
func (s *OTPService) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithCodeSource overrides code generation for testing.
func (s *OTPService) WithCodeSource(fn func() (string, error)) {
	if fn != nil {
		s.code = fn
	}
}

// Issue replaces any OTP for accountNumber with a new one and queues it for
// delivery to phone.
func (s *OTPService) Issue(ctx context.Context, accountNumber, phone string) (Issued, error) {
	code, err := s.code()
	if err != nil {
		return Issued{}, fmt.Errorf("challenge: generate otp: %w", err)
	}
	now := s.now()
	expires := now.Add(otpTTL)
	key := shared.OTPKey(accountNumber)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"code", codeDigest(accountNumber, code),
			"phone", phone,
			"attempts", 0,
			"verified", 0,
			"expires_at", expires.UnixMilli(),
		)
		p.PExpire(ctx, key, otpTTL+otpRetention)
		return nil
	})
	if err != nil {
		return Issued{}, fmt.Errorf("challenge: store otp: %w", err)
	}
	msg := notify.Message{
		Key:       "otp:" + accountNumber + ":" + strconv.FormatInt(now.UnixNano(), 10),
		Channel:   notify.ChannelSMS,
		To:        phone,
		Body:      fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(otpTTL.Minutes())),
		Sensitive: true,
	}
	if err := s.notifier.Enqueue(ctx, msg); err != nil {
		s.logger.Warn("otp delivery enqueue failed", slog.String("account", accountNumber), slog.Any("error", err))
	}
	return Issued{AccountNumber: accountNumber, ExpiresAt: expires}, nil
}

// Verify checks code against the live OTP for accountNumber. A successful
// verification consumes the OTP.
func (s *OTPService) Verify(ctx context.Context, accountNumber, code string) error {
	res, err := verifyScript.Run(ctx, s.client,
		[]string{shared.OTPKey(accountNumber)},
		codeDigest(accountNumber, code), s.now().UnixMilli(), otpMaxAttempts,
	).Slice()
	if err != nil {
		return fmt.Errorf("challenge: verify otp: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("challenge: unexpected verify response %v", res)
	}
	outcome, _ := res[0].(string)
	switch outcome {
	case "ok":
		return nil
	case "absent":
		return ErrOTPNotFound
	case "used":
		return ErrOTPUsed
	case "expired":
		return ErrOTPExpired
	case "invalid":
		remaining, _ := res[1].(int64)
		return &OTPInvalidError{Remaining: int(max(remaining, 0))}
	default:
		return fmt.Errorf("challenge: unexpected verify outcome %q", outcome)
	}
}

func codeDigest(accountNumber, code string) string {
	return shared.DigestKey([]byte(accountNumber + ":" + code))
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}
