package passwordcrypto

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/crypto"
)

// RecoveryKeySize is the length in bytes of a raw recovery key.
const RecoveryKeySize = 32

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateRecoveryKey draws RecoveryKeySize random bytes. These raw
// bytes are the canonical form used everywhere downstream (display
// formatting and PBKDF2 input alike) — see the resolution of the
// recovery-key encoding question in DESIGN.md.
func GenerateRecoveryKey() ([RecoveryKeySize]byte, error) {
	var rk [RecoveryKeySize]byte
	b, err := crypto.RandomBytes(RecoveryKeySize)
	if err != nil {
		return rk, err
	}
	copy(rk[:], b)
	return rk, nil
}

// FormatRecoveryKey renders raw recovery-key bytes as RFC 4648 Base32
// (no padding), grouped in 4-character blocks separated by '-' for
// display. This operates directly on the raw bytes, never on an
// intermediate Base64 string.
func FormatRecoveryKey(rk [RecoveryKeySize]byte) string {
	encoded := b32.EncodeToString(rk[:])
	var groups []string
	for i := 0; i < len(encoded); i += 4 {
		end := i + 4
		if end > len(encoded) {
			end = len(encoded)
		}
		groups = append(groups, encoded[i:end])
	}
	return strings.Join(groups, "-")
}

// ParseRecoveryKey reverses FormatRecoveryKey: case-insensitive,
// ignoring '-' separators and surrounding whitespace, it recovers the
// original 32 raw bytes. parse(format(rk)) == rk for any rk.
func ParseRecoveryKey(formatted string) ([RecoveryKeySize]byte, error) {
	var rk [RecoveryKeySize]byte
	clean := stripSeparators(formatted)
	decoded, err := b32.DecodeString(clean)
	if err != nil {
		return rk, fmt.Errorf("passwordcrypto: invalid recovery key: %w", err)
	}
	if len(decoded) != RecoveryKeySize {
		return rk, fmt.Errorf("passwordcrypto: recovery key must decode to %d bytes, got %d", RecoveryKeySize, len(decoded))
	}
	copy(rk[:], decoded)
	return rk, nil
}

// EncryptWithRecoveryKey treats the raw recovery-key bytes as the
// PBKDF2 password input directly (the canonical path chosen in
// DESIGN.md), then proceeds exactly like EncryptWithPassword.
func EncryptWithRecoveryKey(data []byte, rk [RecoveryKeySize]byte, iterations int) (Sealed, error) {
	return EncryptWithPassword(data, string(rk[:]), iterations)
}

// DecryptWithRecoveryKey reverses EncryptWithRecoveryKey.
func DecryptWithRecoveryKey(s Sealed, rk [RecoveryKeySize]byte, iterations int) ([]byte, error) {
	return DecryptWithPassword(s, string(rk[:]), iterations)
}
