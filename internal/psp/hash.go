package psp

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/thriftbank/thriftbank/internal/money"
)

// TransferHash signs a fund transfer: SHA-512 over the private key, sender,
// recipient, bank code, two-decimal amount and reference, in upper-case hex.
func TransferHash(privateKey, sender, recipient, bankCode string, amount money.Money, reference string) string {
	h := sha512.New()
	for _, part := range []string{privateKey, sender, recipient, bankCode, amount.String(), reference} {
		h.Write([]byte(part))
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

// MaskHash keeps the first six characters for log correlation.
func MaskHash(hash string) string {
	if len(hash) <= 6 {
		return "******"
	}
	return hash[:6] + "..."
}
