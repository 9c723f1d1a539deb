package repositories

import (
	"crypto/rand"
	"fmt"
)

// CodeAlphabet omits characters that are easy to confuse when typed (I, O, 0, 1).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	RoomCodeLength     = 6
	IdentityCodeLength = 8
)

// CodeGenerator returns a random code of length n drawn from CodeAlphabet.
type CodeGenerator func(n int) (string, error)

// RandomCode draws n characters from CodeAlphabet using crypto/rand. The
// alphabet has 32 symbols so masking a random byte keeps the draw uniform.
func RandomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = CodeAlphabet[int(b)&(len(CodeAlphabet)-1)]
	}
	return string(buf), nil
}
