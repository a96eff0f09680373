// Package domain holds the record shapes shared by LocalKeyStore,
// RemoteKeyStore, and the components built on top of them. These
// mirror the data model's collections exactly: identity keys, session
// keys, historical public keys, identity/session backups, and the
// rotation lock.
package domain

import "time"

// MaxCounter bounds SessionKeyRecord.Counter. Go's int is 64-bit on
// every supported platform, so the headroom is taken below 2^63-1
// rather than the 2^53 figure a double-precision host would need.
const MaxCounter uint64 = 1<<63 - 1000

// IdentityKeyRecord is keyed by UserID.
type IdentityKeyRecord struct {
	UserID    string
	Public    [32]byte
	Secret    [32]byte // zero value when only the public half is known (e.g. a remote row)
	Epoch     uint32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionKeyRecord is keyed by (ConversationID, Epoch).
type SessionKeyRecord struct {
	ConversationID string
	Epoch          uint32
	SessionKey     [32]byte
	Counter        uint64
	CreatedAt      time.Time
}

// HistoricalKeyRecord is keyed by (UserID, Epoch).
type HistoricalKeyRecord struct {
	UserID    string
	Epoch     uint32
	Public    [32]byte
	CreatedAt time.Time
}

// IdentityBackupRecord holds the three parallel ciphertexts of a
// user's identity secret plus the encrypted session-backup key. The
// recovery and session-backup-key ciphertexts are optional: a
// password-only backup leaves them at their zero value with Present=false.
type IdentityBackupRecord struct {
	UserID string

	PasswordCT   []byte
	PasswordSalt [32]byte
	PasswordIV   [12]byte

	RecoveryPresent bool
	RecoveryCT      []byte
	RecoverySalt    [32]byte
	RecoveryIV      [12]byte

	SessionBackupKeyPresent bool
	SessionBackupKeyCT      []byte
	SessionBackupKeySalt    [32]byte
	SessionBackupKeyIV      [12]byte

	UpdatedAt time.Time
}

// SessionKeyBackupRecord is keyed by (UserID, ConversationID, Epoch).
type SessionKeyBackupRecord struct {
	UserID         string
	ConversationID string
	Epoch          uint32
	Ciphertext     []byte
	Nonce          [24]byte
	Counter        uint64
	UpdatedAt      time.Time
}

// RotationLock is keyed by UserID.
type RotationLock struct {
	UserID    string
	Token     string
	LockedAt  time.Time
	ExpiresAt time.Time
}
