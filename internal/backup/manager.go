// Package backup implements BackupManager: creating, updating, and
// restoring password- and recovery-key-protected identity backups, and
// session-key backups under the stable session-backup key.
//
// Grounded on internal/security/recovery.go's EncryptMasterKey /
// DecryptMasterKey shape, generalized to the full 9-tuple backup
// envelope and to the independent session-key-backup path.
package backup

import (
	"context"
	"fmt"

	ekcrypto "github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/crypto"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/domain"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/ekerrors"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/passwordcrypto"
)

// Store is the subset of RemoteKeyStore BackupManager needs.
type Store interface {
	UpsertIdentityBackup(ctx context.Context, rec domain.IdentityBackupRecord) error
	GetIdentityBackup(ctx context.Context, userID string) (domain.IdentityBackupRecord, bool, error)
	UpsertSessionKeyBackup(ctx context.Context, rec domain.SessionKeyBackupRecord) error
	ListSessionKeyBackups(ctx context.Context, userID string) ([]domain.SessionKeyBackupRecord, error)
}

// Manager is the BackupManager component.
type Manager struct {
	store      Store
	iterations int
	pepper     string
}

// New wires a Manager against store, using iterations for every
// PBKDF2 derivation it performs. pepper, if non-empty, is appended to
// every user-supplied password before it reaches PBKDF2, so a leaked
// backup row alone (without the separately-held application pepper)
// cannot be brute-forced. An empty pepper reduces to plain
// password-based PBKDF2.
func New(store Store, iterations int, pepper string) *Manager {
	return &Manager{store: store, iterations: iterations, pepper: pepper}
}

// peppered mixes the application-wide pepper into password before a
// PBKDF2 derivation, per spec.md §6's configuration table.
func (m *Manager) peppered(password string) string {
	return password + m.pepper
}

// CreatedBackup is returned by the two identity-backup creation paths.
type CreatedBackup struct {
	RecoveryKeyFormatted string
	SessionBackupKey     [32]byte
}

// CreateIdentityBackup generates a fresh recovery key and session-backup
// key, encrypts sk under both the password and the recovery key, and
// encrypts the new session-backup key under the password-derived key.
func (m *Manager) CreateIdentityBackup(ctx context.Context, userID string, sk [32]byte, password string) (CreatedBackup, error) {
	rk, err := passwordcrypto.GenerateRecoveryKey()
	if err != nil {
		return CreatedBackup{}, fmt.Errorf("backup: generate recovery key: %w", err)
	}
	return m.createIdentityBackup(ctx, userID, sk, password, rk)
}

// CreateIdentityBackupWithRecoveryKey is the device-pairing path: the
// caller supplies the recovery key rather than a freshly generated one.
func (m *Manager) CreateIdentityBackupWithRecoveryKey(ctx context.Context, userID string, sk [32]byte, password string, rk [32]byte) (CreatedBackup, error) {
	return m.createIdentityBackup(ctx, userID, sk, password, rk)
}

func (m *Manager) createIdentityBackup(ctx context.Context, userID string, sk [32]byte, password string, rk [32]byte) (CreatedBackup, error) {
	passwordSealed, err := passwordcrypto.EncryptWithPassword(sk[:], m.peppered(password), m.iterations)
	if err != nil {
		return CreatedBackup{}, fmt.Errorf("backup: encrypt sk with password: %w", err)
	}
	recoverySealed, err := passwordcrypto.EncryptWithRecoveryKey(sk[:], rk, m.iterations)
	if err != nil {
		return CreatedBackup{}, fmt.Errorf("backup: encrypt sk with recovery key: %w", err)
	}

	sessionBackupKeyBytes, err := ekcrypto.RandomBytes(32)
	if err != nil {
		return CreatedBackup{}, fmt.Errorf("backup: generate session backup key: %w", err)
	}
	var sessionBackupKey [32]byte
	copy(sessionBackupKey[:], sessionBackupKeyBytes)
	sbkSealed, err := passwordcrypto.EncryptWithPassword(sessionBackupKey[:], m.peppered(password), m.iterations)
	if err != nil {
		return CreatedBackup{}, fmt.Errorf("backup: encrypt session backup key: %w", err)
	}

	rec := domain.IdentityBackupRecord{
		UserID:       userID,
		PasswordCT:   passwordSealed.Ciphertext,
		PasswordSalt: passwordSealed.Salt,
		PasswordIV:   passwordSealed.IV,

		RecoveryPresent: true,
		RecoveryCT:      recoverySealed.Ciphertext,
		RecoverySalt:    recoverySealed.Salt,
		RecoveryIV:      recoverySealed.IV,

		SessionBackupKeyPresent: true,
		SessionBackupKeyCT:      sbkSealed.Ciphertext,
		SessionBackupKeySalt:    sbkSealed.Salt,
		SessionBackupKeyIV:      sbkSealed.IV,
	}
	if err := m.store.UpsertIdentityBackup(ctx, rec); err != nil {
		return CreatedBackup{}, fmt.Errorf("backup: upsert identity backup: %w", err)
	}

	return CreatedBackup{
		RecoveryKeyFormatted: passwordcrypto.FormatRecoveryKey(rk),
		SessionBackupKey:     sessionBackupKey,
	}, nil
}

// CreatePasswordOnlyBackup stores a backup with the recovery triple
// left absent and a freshly generated session-backup key encrypted
// under the password.
func (m *Manager) CreatePasswordOnlyBackup(ctx context.Context, userID string, sk [32]byte, password string) ([32]byte, error) {
	passwordSealed, err := passwordcrypto.EncryptWithPassword(sk[:], m.peppered(password), m.iterations)
	if err != nil {
		return [32]byte{}, fmt.Errorf("backup: encrypt sk with password: %w", err)
	}

	sessionBackupKeyBytes, err := ekcrypto.RandomBytes(32)
	if err != nil {
		return [32]byte{}, fmt.Errorf("backup: generate session backup key: %w", err)
	}
	var sessionBackupKey [32]byte
	copy(sessionBackupKey[:], sessionBackupKeyBytes)
	sbkSealed, err := passwordcrypto.EncryptWithPassword(sessionBackupKey[:], m.peppered(password), m.iterations)
	if err != nil {
		return [32]byte{}, fmt.Errorf("backup: encrypt session backup key: %w", err)
	}

	rec := domain.IdentityBackupRecord{
		UserID:                  userID,
		PasswordCT:              passwordSealed.Ciphertext,
		PasswordSalt:            passwordSealed.Salt,
		PasswordIV:              passwordSealed.IV,
		SessionBackupKeyPresent: true,
		SessionBackupKeyCT:      sbkSealed.Ciphertext,
		SessionBackupKeySalt:    sbkSealed.Salt,
		SessionBackupKeyIV:      sbkSealed.IV,
	}
	if err := m.store.UpsertIdentityBackup(ctx, rec); err != nil {
		return [32]byte{}, fmt.Errorf("backup: upsert identity backup: %w", err)
	}
	return sessionBackupKey, nil
}

// RestoreFromPassword returns the restored identity secret key.
func (m *Manager) RestoreFromPassword(ctx context.Context, userID string, password string) ([32]byte, error) {
	rec, ok, err := m.store.GetIdentityBackup(ctx, userID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("backup: fetch backup: %w", err)
	}
	if !ok {
		return [32]byte{}, ekerrors.New(ekerrors.NeedsRestore, "no backup found for user")
	}
	sealed := passwordcrypto.Sealed{Ciphertext: rec.PasswordCT, Salt: rec.PasswordSalt, IV: rec.PasswordIV}
	plain, err := passwordcrypto.DecryptWithPassword(sealed, m.peppered(password), m.iterations)
	if err != nil {
		return [32]byte{}, err // already ekerrors.AuthFail
	}
	var sk [32]byte
	copy(sk[:], plain)
	return sk, nil
}

// RestoreFromRecoveryKey returns the restored identity secret key.
func (m *Manager) RestoreFromRecoveryKey(ctx context.Context, userID string, rk [32]byte) ([32]byte, error) {
	rec, ok, err := m.store.GetIdentityBackup(ctx, userID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("backup: fetch backup: %w", err)
	}
	if !ok || !rec.RecoveryPresent {
		return [32]byte{}, ekerrors.New(ekerrors.NeedsRestore, "no recovery-key backup found for user")
	}
	sealed := passwordcrypto.Sealed{Ciphertext: rec.RecoveryCT, Salt: rec.RecoverySalt, IV: rec.RecoveryIV}
	plain, err := passwordcrypto.DecryptWithRecoveryKey(sealed, rk, m.iterations)
	if err != nil {
		return [32]byte{}, err
	}
	var sk [32]byte
	copy(sk[:], plain)
	return sk, nil
}

// RestoreSessionBackupKey returns the user's stable session-backup
// key, or ok=false if the stored backup predates the feature.
func (m *Manager) RestoreSessionBackupKey(ctx context.Context, userID string, password string) (key [32]byte, ok bool, err error) {
	rec, found, err := m.store.GetIdentityBackup(ctx, userID)
	if err != nil {
		return key, false, fmt.Errorf("backup: fetch backup: %w", err)
	}
	if !found || !rec.SessionBackupKeyPresent {
		return key, false, nil
	}
	sealed := passwordcrypto.Sealed{Ciphertext: rec.SessionBackupKeyCT, Salt: rec.SessionBackupKeySalt, IV: rec.SessionBackupKeyIV}
	plain, err := passwordcrypto.DecryptWithPassword(sealed, m.peppered(password), m.iterations)
	if err != nil {
		return key, false, err
	}
	copy(key[:], plain)
	return key, true, nil
}

// BackupSessionKey encrypts sk with backupKey (XSalsa20-Poly1305) and
// upserts it for (userID, conversationID, epoch).
func (m *Manager) BackupSessionKey(ctx context.Context, userID, conversationID string, epoch uint32, sk [32]byte, backupKey [32]byte, counter uint64) error {
	nonce, err := ekcrypto.RandomNonce()
	if err != nil {
		return fmt.Errorf("backup: nonce: %w", err)
	}
	ct := ekcrypto.AEADSeal(backupKey, nonce, sk[:])

	rec := domain.SessionKeyBackupRecord{
		UserID:         userID,
		ConversationID: conversationID,
		Epoch:          epoch,
		Ciphertext:     ct,
		Nonce:          nonce,
		Counter:        counter,
	}
	if err := m.store.UpsertSessionKeyBackup(ctx, rec); err != nil {
		return fmt.Errorf("backup: upsert session key backup: %w", err)
	}
	return nil
}

// RestoredSessionKey is one successfully decrypted session-key backup row.
type RestoredSessionKey struct {
	ConversationID string
	Epoch          uint32
	SessionKey     [32]byte
	Counter        uint64
}

// FailedSessionKey is one session-key backup row that failed to decrypt.
type FailedSessionKey struct {
	ConversationID string
	Epoch          uint32
	Err            error
}

// RestoreSessionKeys decrypts every session-key backup row for userID
// under backupKey. Failures are collected per-row and returned
// alongside the successes — never silently dropped, and never routed
// through a side-effect event (see SPEC_FULL.md's resolution of the
// non-browser restore-reporting question).
func (m *Manager) RestoreSessionKeys(ctx context.Context, userID string, backupKey [32]byte) (restored []RestoredSessionKey, failed []FailedSessionKey, err error) {
	rows, err := m.store.ListSessionKeyBackups(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("backup: list session key backups: %w", err)
	}

	for _, row := range rows {
		plain, derr := ekcrypto.AEADOpen(backupKey, row.Nonce, row.Ciphertext)
		if derr != nil {
			failed = append(failed, FailedSessionKey{ConversationID: row.ConversationID, Epoch: row.Epoch, Err: derr})
			continue
		}
		var sk [32]byte
		copy(sk[:], plain)
		restored = append(restored, RestoredSessionKey{
			ConversationID: row.ConversationID,
			Epoch:          row.Epoch,
			SessionKey:     sk,
			Counter:        row.Counter,
		})
	}
	return restored, failed, nil
}

// ReEncryptSessionBackups restores every session-key backup under
// oldBackupKey and re-writes it under newBackupKey. Used after a
// password change rotates the session-backup key.
func (m *Manager) ReEncryptSessionBackups(ctx context.Context, userID string, oldBackupKey, newBackupKey [32]byte) (failed []FailedSessionKey, err error) {
	restored, failedRestores, err := m.RestoreSessionKeys(ctx, userID, oldBackupKey)
	if err != nil {
		return nil, err
	}
	for _, r := range restored {
		if err := m.BackupSessionKey(ctx, userID, r.ConversationID, r.Epoch, r.SessionKey, newBackupKey, r.Counter); err != nil {
			failed = append(failed, FailedSessionKey{ConversationID: r.ConversationID, Epoch: r.Epoch, Err: err})
		}
	}
	return append(failed, failedRestores...), nil
}

// UpdatePasswordResult reports the new credentials after a password
// change, since update_password silently rotates both the recovery key
// and the session-backup key — callers must not miss this.
type UpdatePasswordResult struct {
	NewRecoveryKeyFormatted string
	NewSessionBackupKey     [32]byte
	FailedSessionReEncrypts []FailedSessionKey
}

// UpdatePassword restores sk under the old password, then creates a
// brand new identity backup (new recovery key, new session-backup key)
// under the new password. If a session-backup key existed under the
// old password, every session-key backup it covers is re-encrypted
// under the new one so rotating a password never orphans existing
// session backups. The returned result makes the rotation explicit to
// the caller rather than a silent side effect.
func (m *Manager) UpdatePassword(ctx context.Context, userID string, oldPassword, newPassword string) (UpdatePasswordResult, error) {
	sk, err := m.RestoreFromPassword(ctx, userID, oldPassword)
	if err != nil {
		return UpdatePasswordResult{}, err
	}
	oldBackupKey, hadBackupKey, err := m.RestoreSessionBackupKey(ctx, userID, oldPassword)
	if err != nil {
		return UpdatePasswordResult{}, err
	}
	created, err := m.CreateIdentityBackup(ctx, userID, sk, newPassword)
	if err != nil {
		return UpdatePasswordResult{}, err
	}

	var failedReEncrypts []FailedSessionKey
	if hadBackupKey {
		failedReEncrypts, err = m.ReEncryptSessionBackups(ctx, userID, oldBackupKey, created.SessionBackupKey)
		if err != nil {
			return UpdatePasswordResult{}, err
		}
	}

	return UpdatePasswordResult{
		NewRecoveryKeyFormatted: created.RecoveryKeyFormatted,
		NewSessionBackupKey:     created.SessionBackupKey,
		FailedSessionReEncrypts: failedReEncrypts,
	}, nil
}
