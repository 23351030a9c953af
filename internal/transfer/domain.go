// Package transfer orchestrates intra-tenant and provider-mediated transfers
// from validation through local posting to settlement or reversal.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thriftbank/thriftbank/internal/fees"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
)

// State is a step of the transfer state machine.
type State string

const (
	StateInit        State = "INIT"
	StateValidated   State = "VALIDATED"
	StateAuthorized  State = "AUTHORIZED"
	StateFeeResolved State = "FEE_RESOLVED"
	StatePostedLocal State = "POSTED_LOCAL"
	StateDispatched  State = "PSP_DISPATCHED"
	StateSettled     State = "SETTLED"
	StateFailed      State = "FAILED"
	StateReversed    State = "REVERSED"
)

// Terminal reports whether the transfer is finished.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed || s == StateReversed
}

// Kind separates transfers that stay inside the tenant from provider transfers.
type Kind string

const (
	KindIntra    Kind = "intra_tenant"
	KindExternal Kind = "external"
)

var (
	ErrInvalidRequest     = errors.New("transfer: invalid request")
	ErrSameAccount        = errors.New("transfer: source and destination are the same account")
	ErrUnauthorized       = errors.New("transfer: source account does not belong to caller")
	ErrPINRequired        = errors.New("transfer: transaction pin required")
	ErrPINLocked          = errors.New("transfer: too many wrong pins")
	ErrOTPRequired        = errors.New("transfer: otp required")
	ErrDuplicateReference = errors.New("transfer: duplicate reference")
	ErrNotFound           = errors.New("transfer: not found")
	ErrProviderDown       = errors.New("transfer: payment provider unavailable")
	ErrProviderResponse   = errors.New("transfer: payment provider returned an invalid response")
	ErrInterrupted        = errors.New("transfer: interrupted before posting")
)

// InsufficientFundsError rejects a debit larger than the available balance.
type InsufficientFundsError struct {
	Available money.Money
	Requested money.Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: Available: %s, Requested: %s", e.Available, e.Requested)
}

// LimitExceededError rejects a debit that would break the daily limit.
type LimitExceededError struct {
	Used      money.Money
	Limit     money.Money
	Requested money.Money
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("daily transfer limit exceeded: used %s of %s, requested %s", e.Used, e.Limit, e.Requested)
}

// RejectedError is a definitive provider rejection; the local postings were reversed.
type RejectedError struct {
	Reference string
	Code      string
	Reason    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transfer %s rejected by provider (%s): %s", e.Reference, e.Code, e.Reason)
}

// ValidationError lists field problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transfer: invalid request: %v", e.Fields)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// Beneficiary is the receiving account at another bank.
type Beneficiary struct {
	Account  string
	BankCode string
	Name     string
}

// Command is a validated transfer request.
type Command struct {
	Source      ledger.AccountID
	Destination ledger.AccountID
	Beneficiary *Beneficiary
	Amount      money.Money
	Narration   string
	PIN         string
	OTP         string
	HighRisk    bool
	FeeType     fees.TransferType
}

// Kind reports which path the command takes.
func (c Command) Kind() Kind {
	if c.Beneficiary != nil {
		return KindExternal
	}
	return KindIntra
}

// DestinationLabel is the destination account as shown to users.
func (c Command) DestinationLabel() string {
	if c.Beneficiary != nil {
		return c.Beneficiary.Account
	}
	return c.Destination.String()
}

// Result is returned to the caller of Transfer.
type Result struct {
	Reference string      `json:"reference"`
	State     State       `json:"state"`
	Amount    money.Money `json:"amount"`
	Fee       money.Money `json:"fee"`
	Total     money.Money `json:"total"`
	FeeQuote  fees.Quote  `json:"fee_quote"`
	PSPCode   string      `json:"psp_code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Record is the persisted progress of one transfer.
type Record struct {
	Reference       string
	BranchID        int64
	UserID          int64
	CustomerID      int64
	Kind            Kind
	State           State
	Source          ledger.AccountID
	Destination     string
	DestinationBank string
	DestinationName string
	Narration       string
	Amount          money.Money
	Fee             money.Money
	Quote           fees.Quote
	PSPReference    string
	PSPCode         string
	Message         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Total is the amount debited from the source.
func (r Record) Total() money.Money {
	total, err := r.Amount.Add(r.Fee)
	if err != nil {
		return r.Amount
	}
	return total
}

// Result projects the record for API responses.
func (r Record) Result() Result {
	return Result{
		Reference: r.Reference,
		State:     r.State,
		Amount:    r.Amount,
		Fee:       r.Fee,
		Total:     r.Total(),
		FeeQuote:  r.Quote,
		PSPCode:   r.PSPCode,
		Message:   r.Message,
	}
}

// Patch carries provider details recorded with a transition.
type Patch struct {
	PSPReference string
	PSPCode      string
	Message      string
}

// Repository persists transfer records. Reads are scoped by the tenant in ctx.
type Repository interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, reference string) (Record, error)
	GetByPSPReference(ctx context.Context, pspReference string) (Record, error)
	// Transition moves the record to `to` only if its state is one of from.
	// changed is false when the record was in another state.
	Transition(ctx context.Context, reference string, from []State, to State, patch Patch) (rec Record, changed bool, err error)
	// ListStale returns records in one of states last updated before before,
	// oldest first.
	ListStale(ctx context.Context, states []State, before time.Time, limit int) ([]Record, error)
}
