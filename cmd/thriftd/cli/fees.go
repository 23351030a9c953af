package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/thriftbank/thriftbank/internal/fees"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
)

// FeeActivator persists and activates a fee schedule.
type FeeActivator interface {
	Activate(ctx context.Context, cfg fees.Config) (fees.Config, error)
}

// FeeActivateOptions defines available flags for the fees activate command.
type FeeActivateOptions struct {
	Path       string
	JSONOutput bool
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// FeeConfigFile is the on-disk form of a fee schedule.
type FeeConfigFile struct {
	Name               string      `json:"name"`
	TransferType       string      `json:"transfer_type"`
	BaseFee            money.Money `json:"base_fee"`
	PercentBPS         int64       `json:"percent_bps"`
	FreePerDay         int         `json:"free_per_day"`
	FreePerMonth       int         `json:"free_per_month"`
	MinAmountForFee    money.Money `json:"min_amount_for_fee"`
	MaxDailyFreeAmount money.Money `json:"max_daily_free_amount"`
	FeeAccount         string      `json:"fee_account"`
	EffectiveDate      string      `json:"effective_date"`
}

// Config converts the file into a schedule ready for activation.
func (f FeeConfigFile) Config() (fees.Config, error) {
	acct, err := ledger.SplitAccount(f.FeeAccount)
	if err != nil {
		return fees.Config{}, fmt.Errorf("fee_account: %w", err)
	}
	cfg := fees.Config{
		Name:               f.Name,
		TransferType:       fees.TransferType(f.TransferType),
		BaseFee:            f.BaseFee,
		PercentBPS:         f.PercentBPS,
		FreePerDay:         f.FreePerDay,
		FreePerMonth:       f.FreePerMonth,
		MinAmountForFee:    f.MinAmountForFee,
		MaxDailyFreeAmount: f.MaxDailyFreeAmount,
		FeeAccount:         acct,
		Active:             true,
	}
	if f.EffectiveDate != "" {
		day, err := time.Parse(time.DateOnly, f.EffectiveDate)
		if err != nil {
			return fees.Config{}, fmt.Errorf("effective_date: %w", err)
		}
		cfg.EffectiveDate = day
	}
	return cfg, cfg.Validate()
}

// FeeActivateSummary describes the JSON response for fees activate.
type FeeActivateSummary struct {
	OK           bool   `json:"ok"`
	ConfigID     int64  `json:"config_id,omitempty"`
	TransferType string `json:"transfer_type,omitempty"`
	BaseFee      string `json:"base_fee,omitempty"`
	Error        string `json:"error,omitempty"`
}

// RunFeeActivate reads a schedule from Path (or stdin for "-") and activates it.
func RunFeeActivate(ctx context.Context, activator FeeActivator, opts FeeActivateOptions) error {
	if activator == nil {
		return errors.New("fees cli: activator not configured")
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	saved, err := activateFromSource(ctx, activator, opts)
	if opts.JSONOutput {
		summary := FeeActivateSummary{OK: err == nil}
		if err != nil {
			summary.Error = err.Error()
		} else {
			summary.ConfigID = saved.ID
			summary.TransferType = string(saved.TransferType)
			summary.BaseFee = saved.BaseFee.String()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		fmt.Fprintf(stderr, "fee activation failed: %v\n", err)
		return err
	}
	fmt.Fprintf(stdout, "activated fee config %d for %s (base fee %s)\n", saved.ID, saved.TransferType, saved.BaseFee)
	return nil
}

func activateFromSource(ctx context.Context, activator FeeActivator, opts FeeActivateOptions) (fees.Config, error) {
	var src io.Reader
	switch opts.Path {
	case "":
		return fees.Config{}, errors.New("fees cli: config path required")
	case "-":
		src = opts.Stdin
		if src == nil {
			src = os.Stdin
		}
	default:
		f, err := os.Open(opts.Path)
		if err != nil {
			return fees.Config{}, err
		}
		defer f.Close()
		src = f
	}
	var file FeeConfigFile
	dec := json.NewDecoder(src)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return fees.Config{}, fmt.Errorf("fees cli: decode config: %w", err)
	}
	cfg, err := file.Config()
	if err != nil {
		return fees.Config{}, err
	}
	return activator.Activate(ctx, cfg)
}
