// Package crypto provides the pure cryptographic primitives the
// encryption engine is built on: Curve25519 key pairs, X25519 ECDH,
// XSalsa20-Poly1305 AEAD, SHA-512 hashing, and the safety-number /
// fingerprint digests used for out-of-band key verification.
//
// Every function here is a pure function over byte slices; none of
// them touch storage, the network, or a clock.
package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24
)

// ErrAuthFail is returned by AEADOpen when the tag does not verify.
var ErrAuthFail = errors.New("aead: authentication failed")

// KeyPair is a Curve25519 identity key pair.
type KeyPair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// GenerateIdentityKeyPair draws a fresh secret from the CSPRNG and
// derives its canonical public key.
func GenerateIdentityKeyPair() (KeyPair, error) {
	var sk [KeySize]byte
	if _, err := rand.Read(sk[:]); err != nil {
		return KeyPair{}, fmt.Errorf("crypto: generate secret: %w", err)
	}
	pk, err := DerivePublic(sk)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pk, Secret: sk}, nil
}

// DerivePublic computes the X25519 public key for a secret. It is
// deterministic: the same secret always yields the same public key,
// which is what lets a restored secret republish its original public
// key without any side channel.
func DerivePublic(sk [KeySize]byte) ([KeySize]byte, error) {
	var pk [KeySize]byte
	pub, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return pk, fmt.Errorf("crypto: derive public key: %w", err)
	}
	copy(pk[:], pub)
	return pk, nil
}

// ECDH computes the X25519 shared secret between a local secret key
// and a peer's public key. ECDH(skA, pkB) == ECDH(skB, pkA).
func ECDH(mySecret, theirPublic [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	out, err := curve25519.X25519(mySecret[:], theirPublic[:])
	if err != nil {
		return shared, fmt.Errorf("crypto: ecdh: %w", err)
	}
	copy(shared[:], out)
	return shared, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: random bytes: %w", err)
	}
	return b, nil
}

// RandomNonce returns a fresh 24-byte XSalsa20-Poly1305 nonce.
func RandomNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("crypto: random nonce: %w", err)
	}
	return n, nil
}

// AEADSeal encrypts plaintext under key with the given nonce using
// XSalsa20-Poly1305. The returned ciphertext includes the Poly1305 tag.
func AEADSeal(key [KeySize]byte, nonce [NonceSize]byte, plaintext []byte) []byte {
	return secretbox.Seal(nil, plaintext, &nonce, &key)
}

// AEADOpen authenticates and decrypts ciphertext under key and nonce.
// It returns ErrAuthFail if the tag does not verify.
func AEADOpen(key [KeySize]byte, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, ErrAuthFail
	}
	return plaintext, nil
}

// SHA512 hashes data with SHA-512.
func SHA512(data []byte) [64]byte {
	return sha512.Sum512(data)
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Fingerprint returns the lowercase hex of the first 8 bytes of
// SHA-512(publicKey) — a 16-character key fingerprint.
func Fingerprint(publicKey [KeySize]byte) string {
	h := SHA512(publicKey[:])
	return fmt.Sprintf("%x", h[:8])
}

// SafetyNumberConfig controls the digit grouping of SafetyNumber.
type SafetyNumberConfig struct {
	Groups        int // number of groups, default 6
	DigitsPerGroup int // digits per group, default 5
}

// DefaultSafetyNumberConfig matches the engine's default of 6 groups
// of 5 digits (30 digits total).
func DefaultSafetyNumberConfig() SafetyNumberConfig {
	return SafetyNumberConfig{Groups: 6, DigitsPerGroup: 5}
}

// SafetyNumber computes a short decimal digest of two public keys for
// out-of-band verification. The two public keys are sorted
// lexicographically before hashing, so the result does not depend on
// argument order: SafetyNumber(a, b) == SafetyNumber(b, a).
func SafetyNumber(pkA, pkB [KeySize]byte, cfg SafetyNumberConfig) (string, error) {
	if cfg.Groups <= 0 {
		cfg.Groups = 6
	}
	if cfg.DigitsPerGroup <= 0 {
		cfg.DigitsPerGroup = 5
	}
	need := cfg.Groups * cfg.DigitsPerGroup
	if need > 64 {
		return "", fmt.Errorf("crypto: safety number needs %d digit-bytes, only 64 available from SHA-512", need)
	}

	pair := [][]byte{pkA[:], pkB[:]}
	sort.Slice(pair, func(i, j int) bool {
		return string(pair[i]) < string(pair[j])
	})
	combined := make([]byte, 0, KeySize*2)
	combined = append(combined, pair[0]...)
	combined = append(combined, pair[1]...)

	digest := SHA512(combined)

	digits := make([]byte, need)
	for i := 0; i < need; i++ {
		digits[i] = '0' + digest[i]%10
	}

	out := make([]byte, 0, need+cfg.Groups-1)
	for g := 0; g < cfg.Groups; g++ {
		if g > 0 {
			out = append(out, ' ')
		}
		start := g * cfg.DigitsPerGroup
		out = append(out, digits[start:start+cfg.DigitsPerGroup]...)
	}
	return string(out), nil
}
