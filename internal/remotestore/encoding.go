package remotestore

import (
	"encoding/base64"
	"fmt"
)

// Remote columns store every binary field Base64-encoded as text, per
// the backup envelope and message envelope wire contracts.

func encodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("remotestore: decode base64: %w", err)
	}
	return b, nil
}

func encodeKey(k [32]byte) string { return base64.StdEncoding.EncodeToString(k[:]) }

func decodeKey(s string) (out [32]byte, err error) {
	b, err := decodeBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("remotestore: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func decodeKeyStr(s string) ([32]byte, error) { return decodeKey(s) }

func encodeIV(iv [12]byte) string { return base64.StdEncoding.EncodeToString(iv[:]) }

func decodeIVStr(s string) (out [12]byte, err error) {
	b, err := decodeBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 12 {
		return out, fmt.Errorf("remotestore: expected 12-byte iv, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func encodeNonce(n [24]byte) string { return base64.StdEncoding.EncodeToString(n[:]) }

func decodeNonceStr(s string) (out [24]byte, err error) {
	b, err := decodeBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 24 {
		return out, fmt.Errorf("remotestore: expected 24-byte nonce, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
