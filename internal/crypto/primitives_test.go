package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentityKeyPair_PublicKeyDeterminism(t *testing.T) {
	kp, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	derived, err := DerivePublic(kp.Secret)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, derived)
}

func TestECDH_Symmetry(t *testing.T) {
	a, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	b, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	sharedAB, err := ECDH(a.Secret, b.Public)
	require.NoError(t, err)
	sharedBA, err := ECDH(b.Secret, a.Public)
	require.NoError(t, err)

	assert.Equal(t, sharedAB, sharedBA)
}

func TestAEAD_RoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	nonce, err := RandomNonce()
	require.NoError(t, err)

	plaintext := []byte("hello safety number")
	ct := AEADSeal(key, nonce, plaintext)

	pt, err := AEADOpen(key, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestAEAD_IntegrityFailsOnBitFlip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	nonce, err := RandomNonce()
	require.NoError(t, err)

	ct := AEADSeal(key, nonce, []byte("message"))

	t.Run("flipped ciphertext", func(t *testing.T) {
		bad := append([]byte(nil), ct...)
		bad[0] ^= 0x01
		_, err := AEADOpen(key, nonce, bad)
		assert.ErrorIs(t, err, ErrAuthFail)
	})

	t.Run("flipped nonce", func(t *testing.T) {
		badNonce := nonce
		badNonce[0] ^= 0x01
		_, err := AEADOpen(key, badNonce, ct)
		assert.ErrorIs(t, err, ErrAuthFail)
	})

	t.Run("flipped key", func(t *testing.T) {
		badKey := key
		badKey[0] ^= 0x01
		_, err := AEADOpen(badKey, nonce, ct)
		assert.ErrorIs(t, err, ErrAuthFail)
	})
}

func TestSafetyNumber_SymmetricAndDistinct(t *testing.T) {
	a, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	b, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	cfg := DefaultSafetyNumberConfig()

	sn1, err := SafetyNumber(a.Public, b.Public, cfg)
	require.NoError(t, err)
	sn2, err := SafetyNumber(b.Public, a.Public, cfg)
	require.NoError(t, err)
	assert.Equal(t, sn1, sn2)

	c, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	sn3, err := SafetyNumber(a.Public, c.Public, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, sn1, sn3)
}

func TestFingerprint_Is16HexChars(t *testing.T) {
	kp, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	fp := Fingerprint(kp.Public)
	assert.Len(t, fp, 16)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}
