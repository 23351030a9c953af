// Package psp adapts the payment-service provider's merchant API: token
// authentication, endpoint fallback, signed transfers, virtual accounts and
// the transaction-status webhook.
package psp

import (
	"errors"
	"fmt"
)

// Result codes returned by the provider.
const (
	CodeSuccess            = "00"
	CodeInvalidSender      = "03"
	CodeInvalidAccount     = "07"
	CodePending            = "09"
	CodeInvalidTransaction = "12"
	CodeUnknownBank        = "16"
	CodeInsufficientFunds  = "72"
	CodeHashMismatch       = "74"
	CodeSystemMalfunction  = "96"
	CodeGenericFailure     = "99"
	CodeInvalidCredentials = "S1"
)

var (
	ErrAuthFailure       = errors.New("psp: authentication failed")
	ErrNetworkTimeout    = errors.New("psp: network timeout")
	ErrInvalidSignature  = errors.New("psp: invalid webhook signature")
	ErrMalformedResponse = errors.New("psp: malformed response")
	ErrUnknownStatus     = errors.New("psp: unknown transaction status")
	ErrNotConfigured     = errors.New("psp: no endpoint configured")
)

// RemoteError is a business rejection carrying the provider's code verbatim.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("psp: code %s: %s", e.Code, Describe(e.Code))
	}
	return fmt.Sprintf("psp: code %s: %s", e.Code, e.Message)
}

// Pending reports the provider accepted the request without a final outcome.
func (e *RemoteError) Pending() bool { return e.Code == CodePending }

// IsRetryable reports whether err may succeed when repeated unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkTimeout) || errors.Is(err, ErrAuthFailure)
}

// AsRemote unwraps a RemoteError.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Describe translates a result code for end users.
func Describe(code string) string {
	switch code {
	case CodeSuccess:
		return "successful"
	case CodeInvalidSender:
		return "invalid sender account"
	case CodeInvalidAccount:
		return "invalid beneficiary account"
	case CodePending:
		return "transaction pending"
	case CodeInvalidTransaction:
		return "invalid transaction"
	case CodeUnknownBank:
		return "unknown bank code"
	case CodeInsufficientFunds:
		return "insufficient funds at provider"
	case CodeHashMismatch:
		return "transaction signature mismatch"
	case CodeSystemMalfunction:
		return "provider system malfunction"
	case CodeInvalidCredentials:
		return "invalid provider credentials"
	default:
		return "transaction failed"
	}
}
