package transfer

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const (
	referencePrefix = "FF"
	referenceAlpha  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referenceRandom = 4
	// ReferenceLength is the fixed length of generated references.
	ReferenceLength = len(referencePrefix) + 12 + 4 + referenceRandom
)

// NewReference builds FF + yyMMddHHmmss (UTC) + user id mod 10000 + random suffix.
func NewReference(now time.Time, userID int64) (string, error) {
	suffix := make([]byte, referenceRandom)
	limit := big.NewInt(int64(len(referenceAlpha)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("transfer: reference entropy: %w", err)
		}
		suffix[i] = referenceAlpha[n.Int64()]
	}
	low := userID % 10000
	if low < 0 {
		low = -low
	}
	return fmt.Sprintf("%s%s%04d%s", referencePrefix, now.UTC().Format("060102150405"), low, suffix), nil
}
