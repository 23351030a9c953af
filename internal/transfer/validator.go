package transfer

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/thriftbank/thriftbank/internal/fees"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
)

// Request is the raw transfer input as received over HTTP.
type Request struct {
	SourceAccount      string `json:"source_account" validate:"required,len=10,numeric"`
	DestinationAccount string `json:"destination_account" validate:"required,len=10,numeric"`
	DestinationBank    string `json:"destination_bank" validate:"omitempty,max=10,alphanum"`
	DestinationName    string `json:"destination_name" validate:"omitempty,max=100"`
	TransferType       string `json:"transfer_type" validate:"omitempty,oneof=other_bank international"`
	Amount             string `json:"amount" validate:"required,max=24"`
	Narration          string `json:"narration" validate:"max=100"`
	PIN                string `json:"pin" validate:"omitempty,len=4,numeric"`
	OTP                string `json:"otp" validate:"omitempty,len=6,numeric"`
	HighRisk           bool   `json:"high_risk"`
}

// Validator turns a Request into a Command.
type Validator struct {
	v *validator.Validate
}

// NewValidator constructs the validator.
func NewValidator() *Validator {
	return &Validator{v: validator.New()}
}

// Validate checks req and returns the typed command. Failures are
// *ValidationError, which matches ErrInvalidRequest.
func (v *Validator) Validate(req Request) (Command, error) {
	fields := make(map[string]string)
	if err := v.v.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Command{}, err
		}
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return Command{}, &ValidationError{Fields: fields}
	}

	cmd := Command{
		Narration: strings.TrimSpace(req.Narration),
		PIN:       req.PIN,
		OTP:       req.OTP,
		HighRisk:  req.HighRisk,
		FeeType:   fees.TransferIntra,
	}
	src, err := ledger.SplitAccount(req.SourceAccount)
	if err != nil {
		fields["SourceAccount"] = "account"
	}
	cmd.Source = src

	amount, err := money.Parse(req.Amount)
	switch {
	case err != nil:
		fields["Amount"] = "money"
	case !amount.IsPositive():
		fields["Amount"] = "gt0"
	}
	cmd.Amount = amount

	if req.DestinationBank == "" {
		if req.TransferType != "" {
			fields["TransferType"] = "requires destination_bank"
		}
		dst, err := ledger.SplitAccount(req.DestinationAccount)
		if err != nil {
			fields["DestinationAccount"] = "account"
		}
		cmd.Destination = dst
		if err == nil && src.Equal(dst) {
			fields["DestinationAccount"] = "same_as_source"
		}
	} else {
		cmd.Beneficiary = &Beneficiary{
			Account:  req.DestinationAccount,
			BankCode: req.DestinationBank,
			Name:     strings.TrimSpace(req.DestinationName),
		}
		cmd.FeeType = fees.TransferOtherBank
		if req.TransferType != "" {
			cmd.FeeType = fees.TransferType(req.TransferType)
		}
	}
	if len(fields) > 0 {
		if fields["DestinationAccount"] == "same_as_source" {
			return Command{}, errors.Join(&ValidationError{Fields: fields}, ErrSameAccount)
		}
		return Command{}, &ValidationError{Fields: fields}
	}
	return cmd, nil
}
