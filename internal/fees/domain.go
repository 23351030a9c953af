// Package fees resolves transfer fees against the active global configuration
// and tracks per-customer free-transfer usage.
package fees

import (
	"context"
	"errors"
	"time"

	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
)

// TransferType selects the fee schedule.
type TransferType string

const (
	TransferIntra         TransferType = "intra_tenant"
	TransferOtherBank     TransferType = "other_bank"
	TransferInternational TransferType = "international"
)

// Valid reports whether t may carry a fee configuration.
func (t TransferType) Valid() bool {
	return t == TransferOtherBank || t == TransferInternational
}

// WaiverReason explains a fee decision.
type WaiverReason string

const (
	ReasonNoConfiguration     WaiverReason = "no configuration"
	ReasonBelowMinimum        WaiverReason = "below minimum"
	ReasonDailyFree           WaiverReason = "daily free"
	ReasonMonthlyFree         WaiverReason = "monthly free"
	ReasonDailyAmountExceeded WaiverReason = "daily free amount exceeded"
	ReasonStandard            WaiverReason = "standard fee"
)

var (
	ErrInvalidConfig  = errors.New("fees: invalid configuration")
	ErrConfigNotFound = errors.New("fees: configuration not found")
)

// Config is one global fee schedule. At most one is active per transfer type.
type Config struct {
	ID                 int64
	Name               string
	TransferType       TransferType
	BaseFee            money.Money
	PercentBPS         int64
	FreePerDay         int
	FreePerMonth       int
	MinAmountForFee    money.Money
	MaxDailyFreeAmount money.Money
	FeeAccount         ledger.AccountID
	Active             bool
	EffectiveDate      time.Time
	CreatedAt          time.Time
}

// Validate checks the schedule before activation.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return errors.Join(ErrInvalidConfig, errors.New("name required"))
	case !c.TransferType.Valid():
		return errors.Join(ErrInvalidConfig, errors.New("unsupported transfer type"))
	case c.BaseFee.IsNegative(), c.MinAmountForFee.IsNegative(), c.MaxDailyFreeAmount.IsNegative():
		return errors.Join(ErrInvalidConfig, errors.New("amounts must not be negative"))
	case c.PercentBPS < 0 || c.PercentBPS > 10000:
		return errors.Join(ErrInvalidConfig, errors.New("percent_bps out of range"))
	case c.FreePerDay < 0 || c.FreePerMonth < 0:
		return errors.Join(ErrInvalidConfig, errors.New("free allowances must not be negative"))
	case !c.FeeAccount.Valid():
		return errors.Join(ErrInvalidConfig, ledger.ErrInvalidAccountFormat)
	}
	return nil
}

// Usage is a customer's counter for one day or month.
type Usage struct {
	Count  int
	Amount money.Money
	Fees   money.Money
}

// Request is the FeeEngine input.
type Request struct {
	CustomerID   int64
	Amount       money.Money
	TransferType TransferType
}

// Quote is the FeeEngine output.
type Quote struct {
	TransferType       TransferType     `json:"transfer_type"`
	ConfigID           int64            `json:"config_id,omitempty"`
	ConfigName         string           `json:"config_name,omitempty"`
	BaseFee            money.Money      `json:"base_fee"`
	AppliedFee         money.Money      `json:"applied_fee"`
	Waived             bool             `json:"waived"`
	Reason             WaiverReason     `json:"reason"`
	RemainingFreeToday int              `json:"remaining_free_today"`
	RemainingFreeMonth int              `json:"remaining_free_month"`
	FeeAccount         ledger.AccountID `json:"-"`
}

// Charges reports whether a fee leg must be posted.
func (q Quote) Charges() bool { return q.AppliedFee.IsPositive() }

// Counterparty describes the receiving side for the fee audit row.
type Counterparty struct {
	Account  string
	BankCode string
	Name     string
}

// Charge is a committed transfer whose usage must be counted.
type Charge struct {
	CustomerID   int64
	BranchID     int64
	Reference    string
	Amount       money.Money
	Quote        Quote
	Counterparty Counterparty
	SettledAt    time.Time
}

// FeeTransaction is the immutable audit row written for every committed charge.
type FeeTransaction struct {
	ID               string
	CustomerID       int64
	BranchID         int64
	Reference        string
	TransferType     TransferType
	ConfigID         int64
	ConfigName       string
	TransferAmount   money.Money
	BaseFee          money.Money
	AppliedFee       money.Money
	Waived           bool
	Reason           WaiverReason
	FeeAccount       string
	CounterpartyAcct string
	CounterpartyBank string
	CounterpartyName string
	CreatedAt        time.Time
}

// UsageRecord increments both counters and stores the audit row in one unit.
type UsageRecord struct {
	CustomerID  int64
	Day         time.Time
	Month       time.Time
	Amount      money.Money
	Fee         money.Money
	Transaction FeeTransaction
}

// Repository persists fee configuration and usage.
type Repository interface {
	ActiveConfigs(ctx context.Context) ([]Config, error)
	Activate(ctx context.Context, cfg Config) (Config, error)
	DailyUsage(ctx context.Context, customerID int64, day time.Time) (Usage, error)
	MonthlyUsage(ctx context.Context, customerID int64, month time.Time) (Usage, error)
	// RecordUsage is idempotent on Transaction.Reference.
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func monthOf(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
