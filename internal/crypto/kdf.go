package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// MinPBKDF2Iterations is the floor enforced regardless of configured
// value; iteration counts below this are rejected rather than silently
// raised, so a misconfigured deployment fails loudly instead of
// weakening every backup it writes.
const MinPBKDF2Iterations = 100_000

// DefaultPBKDF2Iterations is used when configuration does not override it.
const DefaultPBKDF2Iterations = 600_000

// DeriveSessionKey derives a 32-byte session key from an ECDH shared
// secret and an epoch via HKDF-SHA256. infoPrefix is the
// application-identifying string from configuration (e.g. "MoneyTracker").
// The info string is part of the wire contract and must match exactly
// across implementations: infoPrefix + "|SessionKey|" + big-endian u32(epoch).
func DeriveSessionKey(sharedSecret [KeySize]byte, epoch uint32, infoPrefix string) ([KeySize]byte, error) {
	info := sessionKeyInfo(infoPrefix, epoch)
	return hkdfDerive(sharedSecret[:], info)
}

// DeriveMessageKey derives a 32-byte one-time message key from a
// session key, epoch, and monotonic counter via HKDF-SHA256. The info
// string is infoPrefix + "|MessageKey|" + big-endian u32(epoch) + big-endian u64(counter).
func DeriveMessageKey(sessionKey [KeySize]byte, epoch uint32, counter uint64, infoPrefix string) ([KeySize]byte, error) {
	info := messageKeyInfo(infoPrefix, epoch, counter)
	return hkdfDerive(sessionKey[:], info)
}

func sessionKeyInfo(infoPrefix string, epoch uint32) []byte {
	info := make([]byte, 0, len(infoPrefix)+len("|SessionKey|")+4)
	info = append(info, infoPrefix...)
	info = append(info, "|SessionKey|"...)
	var epochBE [4]byte
	binary.BigEndian.PutUint32(epochBE[:], epoch)
	info = append(info, epochBE[:]...)
	return info
}

func messageKeyInfo(infoPrefix string, epoch uint32, counter uint64) []byte {
	info := make([]byte, 0, len(infoPrefix)+len("|MessageKey|")+12)
	info = append(info, infoPrefix...)
	info = append(info, "|MessageKey|"...)
	var epochBE [4]byte
	binary.BigEndian.PutUint32(epochBE[:], epoch)
	info = append(info, epochBE[:]...)
	var counterBE [8]byte
	binary.BigEndian.PutUint64(counterBE[:], counter)
	info = append(info, counterBE[:]...)
	return info
}

func hkdfDerive(secret, info []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	reader := hkdf.New(sha256.New, secret, nil, info)
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return out, fmt.Errorf("crypto: hkdf derive: %w", err)
	}
	return out, nil
}

// PBKDF2 derives a keyLenBits-bit key from password and salt using
// PBKDF2-HMAC-SHA256. iterations below MinPBKDF2Iterations is an error:
// the engine never silently weakens a caller's configuration.
func PBKDF2(password []byte, salt []byte, iterations int, keyLenBits int) ([]byte, error) {
	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("crypto: pbkdf2 iterations %d below minimum %d", iterations, MinPBKDF2Iterations)
	}
	if keyLenBits%8 != 0 {
		return nil, fmt.Errorf("crypto: pbkdf2 key length %d bits is not byte-aligned", keyLenBits)
	}
	return pbkdf2.Key(password, salt, iterations, keyLenBits/8, sha256.New), nil
}
