package orders

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var codeSpace = big.NewInt(1_000_000)

// NewConfirmationCode draws a zero-padded 6-digit code from the
// cryptographic RNG. Codes are stored with the waypoint and never logged.
func NewConfirmationCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to draw confirmation code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
