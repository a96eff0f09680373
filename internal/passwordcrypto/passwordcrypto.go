// Package passwordcrypto implements password- and recovery-key-based
// encryption of backup secrets: PBKDF2-derived AES-256-GCM sealing,
// recovery-key generation, and the RFC 4648 Base32 display format for
// recovery keys.
//
// Grounded on the teacher's EncryptAESGCM/DecryptAESGCM shape, adapted
// to carry salt and IV as separate fields (per the backup envelope's
// 9-tuple contract) rather than prepending the nonce to the ciphertext.
package passwordcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/crypto"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/ekerrors"
)

const (
	SaltSize = 32
	IVSize   = 12
	KeyBits  = 256
)

// Sealed is the output of EncryptWithPassword / the input to DecryptWithPassword.
type Sealed struct {
	Ciphertext []byte
	Salt       [SaltSize]byte
	IV         [IVSize]byte
}

// EncryptWithPassword derives a 256-bit key from password via PBKDF2
// using a fresh random salt, then seals data with AES-256-GCM under a
// fresh random IV.
func EncryptWithPassword(data []byte, password string, iterations int) (Sealed, error) {
	salt, err := crypto.RandomBytes(SaltSize)
	if err != nil {
		return Sealed{}, err
	}
	key, err := crypto.PBKDF2([]byte(password), salt, iterations, KeyBits)
	if err != nil {
		return Sealed{}, fmt.Errorf("passwordcrypto: derive key: %w", err)
	}

	iv, err := crypto.RandomBytes(IVSize)
	if err != nil {
		return Sealed{}, err
	}

	ct, err := sealAESGCM(key, iv, data)
	if err != nil {
		return Sealed{}, err
	}

	var out Sealed
	copy(out.Salt[:], salt)
	copy(out.IV[:], iv)
	out.Ciphertext = ct
	return out, nil
}

// DecryptWithPassword reverses EncryptWithPassword. An AEAD tag
// mismatch is mapped to ekerrors.AuthFail ("incorrect password or
// corrupted data"), never surfaced as a raw cipher error.
func DecryptWithPassword(s Sealed, password string, iterations int) ([]byte, error) {
	key, err := crypto.PBKDF2([]byte(password), s.Salt[:], iterations, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("passwordcrypto: derive key: %w", err)
	}
	pt, err := openAESGCM(key, s.IV[:], s.Ciphertext)
	if err != nil {
		return nil, ekerrors.Wrap(ekerrors.AuthFail, "incorrect password or corrupted data", err)
	}
	return pt, nil
}

func sealAESGCM(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("passwordcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("passwordcrypto: new gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("passwordcrypto: iv size %d != gcm nonce size %d", len(iv), gcm.NonceSize())
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

func openAESGCM(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("passwordcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("passwordcrypto: new gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("passwordcrypto: iv size %d != gcm nonce size %d", len(iv), gcm.NonceSize())
	}
	return gcm.Open(nil, iv, ciphertext, nil)
}

// PasswordStrength scores a password 0-6: one point each for
// length>=8, length>=12, a lowercase letter, an uppercase letter, a
// digit, and a symbol. A password shorter than 8 scores 0 and is
// rejected. Accepted when score>=4 and length>=8.
func PasswordStrength(password string) (score int, accepted bool) {
	if len(password) < 8 {
		return 0, false
	}
	score++ // length >= 8
	if len(password) >= 12 {
		score++
	}
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			hasSymbol = true
		}
	}
	for _, ok := range []bool{hasLower, hasUpper, hasDigit, hasSymbol} {
		if ok {
			score++
		}
	}
	return score, score >= 4
}

// ErrWeakPassword is returned by ValidatePassword when the strength
// check fails.
var ErrWeakPassword = errors.New("password does not meet minimum strength requirements")

// ValidatePassword returns ekerrors.WeakPassword if password does not
// meet the minimum acceptance bar.
func ValidatePassword(password string) error {
	_, accepted := PasswordStrength(password)
	if !accepted {
		return ekerrors.Wrap(ekerrors.WeakPassword, "password too weak", ErrWeakPassword)
	}
	return nil
}

// stripSeparators removes '-' and whitespace used purely for display
// grouping, and normalizes case for Base32 decoding.
func stripSeparators(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
