package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thriftbank/thriftbank/internal/challenge"
	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/events"
	"github.com/thriftbank/thriftbank/internal/fees"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/notify"
	"github.com/thriftbank/thriftbank/internal/psp"
	"github.com/thriftbank/thriftbank/internal/shared"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// FeeEngine prices transfers and counts committed usage.
type FeeEngine interface {
	Resolve(ctx context.Context, req fees.Request) (fees.Quote, error)
	Commit(ctx context.Context, ch fees.Charge) error
}

// OTPVerifier checks one-time codes.
type OTPVerifier interface {
	Verify(ctx context.Context, accountNumber, code string) error
}

// AttemptLimiter counts wrong PINs per customer.
type AttemptLimiter interface {
	Hit(ctx context.Context, scope, subject string, window time.Duration) (int, int, error)
	Count(ctx context.Context, scope, subject string) (int, error)
	Reset(ctx context.Context, scope, subject string) error
}

// Gateway is the provider surface the orchestrator needs.
type Gateway interface {
	FundTransfer(ctx context.Context, req psp.TransferRequest) (psp.TransferResult, error)
	TransferStatusQuery(ctx context.Context, q psp.StatusQuery) (psp.TransferStatus, error)
}

// Dependencies are the collaborators of Service. Notifier, Events, Audit,
// Attempts and Metrics may be nil.
type Dependencies struct {
	Ledger    ledger.Store
	Customers customers.Repository
	Records   Repository
	Fees      FeeEngine
	OTP       OTPVerifier
	Gateway   Gateway
	Attempts  AttemptLimiter
	Notifier  notify.Enqueuer
	Events    events.Publisher
	Audit     shared.AuditPort
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Policy holds the tunable rules.
type Policy struct {
	// FloatAccount receives the principal of external transfers.
	FloatAccount ledger.AccountID
	// OTPRequiredAbove demands an OTP for amounts at or above it; zero disables.
	OTPRequiredAbove money.Money
	PINMaxFailures   int
	PINFailureWindow time.Duration
	// PollAfter is how long a dispatched transfer waits before it is polled.
	PollAfter time.Duration
}

// Service is the transfer orchestrator.
type Service struct {
	deps       Dependencies
	policy     Policy
	logger     *slog.Logger
	now        func() time.Time
	references func(now time.Time, userID int64) (string, error)
}

// NewService constructs the orchestrator.
func NewService(deps Dependencies, policy Policy) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if policy.PINMaxFailures <= 0 {
		policy.PINMaxFailures = 3
	}
	if policy.PINFailureWindow <= 0 {
		policy.PINFailureWindow = 30 * time.Minute
	}
	if policy.PollAfter <= 0 {
		policy.PollAfter = 2 * time.Minute
	}
	return &Service{deps: deps, policy: policy, logger: deps.Logger, now: time.Now, references: NewReference}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithReferences overrides reference generation for testing.
func (s *Service) WithReferences(fn func(now time.Time, userID int64) (string, error)) {
	if fn != nil {
		s.references = fn
	}
}

// Transfer runs cmd through validation, authorization, fee resolution and
// local posting, then settles it locally or dispatches it to the provider.
func (s *Service) Transfer(ctx context.Context, cmd Command) (Result, error) {
	scope, ok := tenant.From(ctx)
	if !ok {
		return Result{}, tenant.ErrNoScope
	}
	if !cmd.Amount.IsPositive() {
		return Result{}, &ValidationError{Fields: map[string]string{"Amount": "gt0"}}
	}

	// VALIDATED
	source, err := s.deps.Customers.GetByAccount(ctx, cmd.Source)
	if errors.Is(err, customers.ErrNotFound) {
		return Result{}, ErrUnauthorized
	}
	if err != nil {
		return Result{}, err
	}
	if source.UserID != scope.UserID {
		return Result{}, ErrUnauthorized
	}
	var destination customers.Customer
	if cmd.Kind() == KindIntra {
		if cmd.Source.Equal(cmd.Destination) {
			return Result{}, errors.Join(&ValidationError{Fields: map[string]string{"DestinationAccount": "same_as_source"}}, ErrSameAccount)
		}
		destination, err = s.deps.Customers.GetByAccount(ctx, cmd.Destination)
		if errors.Is(err, customers.ErrNotFound) {
			return Result{}, &ValidationError{Fields: map[string]string{"DestinationAccount": "not_found"}}
		}
		if err != nil {
			return Result{}, err
		}
	} else if s.deps.Gateway == nil || !s.policy.FloatAccount.Valid() {
		return Result{}, ErrProviderDown
	}

	// AUTHORIZED
	if err := s.authorize(ctx, source, cmd); err != nil {
		return Result{}, err
	}

	// FEE_RESOLVED
	quote := s.resolveFee(ctx, source, cmd)
	fee := quote.AppliedFee
	total, err := cmd.Amount.Add(fee)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	reference, err := s.references(now, scope.UserID)
	if err != nil {
		return Result{}, err
	}
	rec := Record{
		Reference:  reference,
		BranchID:   source.BranchID,
		UserID:     scope.UserID,
		CustomerID: source.ID,
		Kind:       cmd.Kind(),
		State:      StateFeeResolved,
		Source:     cmd.Source,
		Narration:  cmd.Narration,
		Amount:     cmd.Amount,
		Fee:        fee,
		Quote:      quote,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if b := cmd.Beneficiary; b != nil {
		rec.Destination, rec.DestinationBank, rec.DestinationName = b.Account, b.BankCode, b.Name
	} else {
		rec.Destination, rec.DestinationName = cmd.Destination.String(), destination.Name
	}
	if err := s.deps.Records.Create(ctx, rec); err != nil {
		return Result{}, err
	}

	// POSTED_LOCAL
	group := s.buildGroup(rec, source, destination, total, now)
	if err := s.deps.Ledger.InsertGroup(ctx, group); err != nil {
		if _, _, terr := s.deps.Records.Transition(ctx, reference, []State{StateFeeResolved}, StateFailed, Patch{Message: err.Error()}); terr != nil {
			s.logger.Error("transfer record not failed", slog.String("reference", reference), slog.Any("error", terr))
		}
		s.deps.Metrics.outcome(rec.Kind, StateFailed)
		if errors.Is(err, ledger.ErrDuplicateTrxNo) {
			return Result{}, ErrDuplicateReference
		}
		return Result{}, err
	}
	rec, changed, err := s.deps.Records.Transition(ctx, reference, []State{StateFeeResolved}, StatePostedLocal, Patch{})
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return s.abandoned(ctx, rec)
	}

	if rec.Kind == KindIntra {
		rec, err = s.settle(ctx, rec, Patch{Message: "settled"}, "local")
		if err != nil {
			return Result{}, err
		}
		return rec.Result(), nil
	}
	return s.dispatch(ctx, rec, source)
}

func (s *Service) authorize(ctx context.Context, source customers.Customer, cmd Command) error {
	if source.HasPIN() {
		if cmd.PIN == "" {
			return ErrPINRequired
		}
		subject := fmt.Sprintf("%d", source.ID)
		if s.deps.Attempts != nil {
			n, err := s.deps.Attempts.Count(ctx, shared.PINFailureScope, subject)
			if err != nil {
				return err
			}
			if n >= s.policy.PINMaxFailures {
				return ErrPINLocked
			}
		}
		if err := challenge.Check(source, cmd.PIN); err != nil {
			if errors.Is(err, challenge.ErrInvalidPIN) && s.deps.Attempts != nil {
				if _, _, herr := s.deps.Attempts.Hit(ctx, shared.PINFailureScope, subject, s.policy.PINFailureWindow); herr != nil {
					s.logger.Warn("pin failure not counted", slog.Int64("customer_id", source.ID), slog.Any("error", herr))
				}
			}
			return err
		}
		if s.deps.Attempts != nil {
			_ = s.deps.Attempts.Reset(ctx, shared.PINFailureScope, subject)
		}
	}
	if s.otpRequired(cmd) {
		if cmd.OTP == "" {
			return ErrOTPRequired
		}
		if s.deps.OTP == nil {
			return ErrOTPRequired
		}
		if err := s.deps.OTP.Verify(ctx, source.AccountNumber(), cmd.OTP); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) otpRequired(cmd Command) bool {
	if cmd.HighRisk {
		return true
	}
	limit := s.policy.OTPRequiredAbove
	return limit.IsPositive() && cmd.Amount.Cmp(limit) >= 0
}

// resolveFee never fails the transfer: an engine error waives the fee.
func (s *Service) resolveFee(ctx context.Context, source customers.Customer, cmd Command) fees.Quote {
	fallback := fees.Quote{TransferType: cmd.FeeType, Waived: true, Reason: fees.ReasonNoConfiguration}
	if s.deps.Fees == nil {
		return fallback
	}
	q, err := s.deps.Fees.Resolve(ctx, fees.Request{CustomerID: source.ID, Amount: cmd.Amount, TransferType: cmd.FeeType})
	if err != nil {
		s.logger.Warn("fee resolution failed, fee waived", slog.Int64("customer_id", source.ID), slog.Any("error", err))
		return fallback
	}
	if q.Charges() && !q.FeeAccount.Valid() {
		s.logger.Warn("fee account missing, fee waived", slog.Int64("config_id", q.ConfigID))
		return fallback
	}
	return q
}

func (s *Service) buildGroup(rec Record, source, destination customers.Customer, total money.Money, now time.Time) ledger.Group {
	narration := rec.Narration
	if narration == "" {
		narration = "Transfer " + rec.Reference
	}
	legs := []ledger.Leg{{
		Account:     rec.Source,
		CustomerID:  source.ID,
		Amount:      total.Neg(),
		Description: fmt.Sprintf("%s to %s", narration, rec.Destination),
		Type:        ledger.TypeTransfer,
		AccountType: ledger.AccountCustomer,
	}}
	if rec.Kind == KindIntra {
		legs = append(legs, ledger.Leg{
			Account:     destination.Account,
			CustomerID:  destination.ID,
			Amount:      rec.Amount,
			Description: fmt.Sprintf("%s from %s", narration, rec.Source),
			Type:        ledger.TypeTransfer,
			AccountType: ledger.AccountCustomer,
		})
	} else {
		legs = append(legs, ledger.Leg{
			Account:     s.policy.FloatAccount,
			Amount:      rec.Amount,
			Description: fmt.Sprintf("%s to %s/%s", narration, rec.DestinationBank, rec.Destination),
			Type:        ledger.TypeTransfer,
			AccountType: ledger.AccountBank,
			Code:        rec.DestinationBank,
		})
	}
	if rec.Fee.IsPositive() {
		legs = append(legs, ledger.Leg{
			Account:     rec.Quote.FeeAccount,
			Amount:      rec.Fee,
			Description: fmt.Sprintf("Transfer fee %s", rec.Reference),
			Type:        ledger.TypeTransfer,
			AccountType: ledger.AccountExpense,
			Code:        "FEE",
		})
	}
	customerID := source.ID
	limit := source.TransferLimit
	unlimited := source.Unlimited()
	account := rec.Source
	return ledger.Group{
		TrxNo:           rec.Reference,
		BranchID:        source.BranchID,
		UserID:          rec.UserID,
		Status:          ledger.StatusPending,
		SessionDate:     ledger.SessionDay(now),
		ApplicationDate: now,
		Legs:            legs,
		Guard: func(ctx context.Context, r ledger.Reader) error {
			available, err := ledger.Available(ctx, r, account)
			if err != nil {
				return err
			}
			if available.Cmp(total) < 0 {
				return &InsufficientFundsError{Available: available, Requested: total}
			}
			if unlimited {
				return nil
			}
			used, err := r.DailyDebitTotal(ctx, customerID, now, []ledger.Status{ledger.StatusAuthorized, ledger.StatusSuccess, ledger.StatusPending})
			if err != nil {
				return err
			}
			after, err := used.Add(total)
			if err != nil {
				return err
			}
			if after.Cmp(limit) > 0 {
				return &LimitExceededError{Used: used, Limit: limit, Requested: total}
			}
			return nil
		},
	}
}

// dispatch sends a posted external transfer to the provider. A timeout or
// auth failure is retried once with the same reference.
func (s *Service) dispatch(ctx context.Context, rec Record, source customers.Customer) (Result, error) {
	rec, changed, err := s.deps.Records.Transition(ctx, rec.Reference, []State{StatePostedLocal}, StateDispatched, Patch{})
	if err != nil {
		return Result{}, err
	}
	if !changed {
		// recovery finished the transfer first; it never reaches the provider
		return s.abandoned(ctx, rec)
	}
	req := psp.TransferRequest{
		Reference:        rec.Reference,
		Amount:           rec.Amount,
		Description:      rec.Narration,
		SenderAccount:    rec.Source.String(),
		SenderName:       source.Name,
		RecipientAccount: rec.Destination,
		RecipientBank:    rec.DestinationBank,
		RecipientName:    rec.DestinationName,
	}
	res, err := s.deps.Gateway.FundTransfer(ctx, req)
	if err != nil && psp.IsRetryable(err) {
		s.logger.Warn("psp transfer retry", slog.String("reference", rec.Reference), slog.Any("error", err))
		res, err = s.deps.Gateway.FundTransfer(ctx, req)
	}
	// the provider may have acted; local bookkeeping outlives the caller
	ctx = context.WithoutCancel(ctx)
	patch := Patch{PSPReference: firstNonEmpty(res.ExternalReference, res.LinkingReference), PSPCode: res.Code, Message: res.Message}

	switch {
	case err == nil:
		rec, err = s.settle(ctx, rec, patch, "dispatch")
		if err != nil {
			return Result{}, err
		}
		return rec.Result(), nil

	case errors.Is(err, psp.ErrAuthFailure):
		if _, rerr := s.reverse(ctx, rec, "provider authentication failed", patch); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, fmt.Errorf("%w: %v", ErrProviderDown, err)

	case errors.Is(err, psp.ErrMalformedResponse):
		if _, rerr := s.reverse(ctx, rec, "invalid provider response", patch); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, fmt.Errorf("%w: %v", ErrProviderResponse, err)
	}

	if re, ok := psp.AsRemote(err); ok && !re.Pending() && re.Code != psp.CodeSystemMalfunction {
		patch.PSPCode = re.Code
		patch.Message = psp.Describe(re.Code)
		if _, rerr := s.reverse(ctx, rec, fmt.Sprintf("provider code %s: %s", re.Code, psp.Describe(re.Code)), patch); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, &RejectedError{Reference: rec.Reference, Code: re.Code, Reason: psp.Describe(re.Code)}
	}

	// timeout, pending code or cancelled request: outcome unknown until webhook or poll
	s.logger.Info("psp transfer pending", slog.String("reference", rec.Reference), slog.Any("error", err))
	if re, ok := psp.AsRemote(err); ok {
		patch.PSPCode = re.Code
	}
	if patch.PSPReference != "" || patch.PSPCode != "" {
		if updated, _, terr := s.deps.Records.Transition(ctx, rec.Reference, []State{StateDispatched}, StateDispatched, patch); terr == nil {
			rec = updated
		}
	}
	result := rec.Result()
	s.pending(ctx, rec, patch.PSPCode)
	result.Message = "transfer pending confirmation"
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
