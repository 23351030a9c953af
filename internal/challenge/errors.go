// Package challenge implements the OTP, transaction PIN and activation token
// checks that gate sensitive operations.
package challenge

import (
	"errors"
	"fmt"
)

var (
	ErrOTPNotFound   = errors.New("challenge: no otp issued")
	ErrOTPExpired    = errors.New("challenge: otp expired")
	ErrOTPUsed       = errors.New("challenge: otp already used")
	ErrPINNotSet     = errors.New("challenge: transaction pin not set")
	ErrPINRequired   = errors.New("challenge: current pin required")
	ErrInvalidPIN    = errors.New("challenge: invalid pin")
	ErrPINFormat     = errors.New("challenge: pin must be 4 digits")
	ErrTokenInvalid  = errors.New("challenge: activation token invalid or expired")
	ErrTokenMismatch = errors.New("challenge: activation token belongs to another customer")
)

// OTPInvalidError reports a wrong code and the attempts left before the OTP
// is exhausted.
type OTPInvalidError struct {
	Remaining int
}

func (e *OTPInvalidError) Error() string {
	return fmt.Sprintf("challenge: invalid otp, %d attempts remaining", e.Remaining)
}
