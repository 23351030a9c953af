package shared

import "fmt"

// Redis key and channel names shared between the API and the worker.

// OTPKey holds the live OTP record for an account number.
func OTPKey(accountNumber string) string {
	return fmt.Sprintf("otp:%s", accountNumber)
}

// ActivationKey holds a pending registration binding.
func ActivationKey(token string) string {
	return fmt.Sprintf("activation:%s", token)
}

// PSPTokenKey caches the PSP bearer token per provider.
func PSPTokenKey(provider string) string {
	return fmt.Sprintf("psp:token:%s", provider)
}

// FeeConfigChannel carries fee configuration invalidations.
const FeeConfigChannel = "fees:config:changed"

// PINFailureScope is the attempt counter scope for wrong transaction PINs.
const PINFailureScope = "pin_failures"
