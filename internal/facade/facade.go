// Package facade exposes the only surface the messaging layer is
// permitted to touch: initialize, restore, encrypt/decrypt a message,
// inspect trust (safety number, fingerprint), and manage rotation.
// Everything else in the engine is internal wiring.
//
// Grounded on the teacher's top-level service entry points (e.g.
// cmd/chatserver's handler layer) for the shape of a thin wrapper that
// hides an orchestrator behind a small, stable method set.
package facade

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/backup"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/ekerrors"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/keymanager"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/metrics"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/passwordcrypto"
)

// recordErr tags err's ekerrors.Kind in the error-taxonomy metric
// before returning it unchanged, so every kind in §7's table is
// observable at the engine's one external boundary.
func recordErr(err error) error {
	if kind, ok := ekerrors.KindOf(err); ok {
		metrics.RecordError(string(kind))
	}
	return err
}

// WireEnvelope is the base64-encoded message envelope exchanged
// between sender and receiver.
type WireEnvelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Counter    uint64 `json:"counter"`
	Epoch      uint32 `json:"epoch"`
}

func encodeEnvelope(env keymanager.Envelope) WireEnvelope {
	return WireEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString(env.Ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(env.Nonce[:]),
		Counter:    env.Counter,
		Epoch:      env.Epoch,
	}
}

func decodeEnvelope(w WireEnvelope) (keymanager.Envelope, error) {
	ct, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return keymanager.Envelope{}, fmt.Errorf("facade: decode ciphertext: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil {
		return keymanager.Envelope{}, fmt.Errorf("facade: decode nonce: %w", err)
	}
	if len(nonceBytes) != 24 {
		return keymanager.Envelope{}, fmt.Errorf("facade: nonce must be 24 bytes, got %d", len(nonceBytes))
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	return keymanager.Envelope{Ciphertext: ct, Nonce: nonce, Counter: w.Counter, Epoch: w.Epoch}, nil
}

// Facade wraps a KeyManager behind the engine's externally-visible
// operations.
type Facade struct {
	mgr *keymanager.Manager
}

// New wraps mgr in a Facade.
func New(mgr *keymanager.Manager) *Facade {
	return &Facade{mgr: mgr}
}

// Initialize brings the engine up for userID, per §4.8.1.
func (f *Facade) Initialize(ctx context.Context, userID string) (keymanager.InitializeResult, error) {
	res, err := f.mgr.Initialize(ctx, userID)
	return res, recordErr(err)
}

// GenerateAndStoreIdentityKeys generates a fresh identity for the
// user initialized in the current session. Callers invoke this after
// Initialize reports KeysExist == false.
func (f *Facade) GenerateAndStoreIdentityKeys(ctx context.Context) error {
	return recordErr(f.mgr.GenerateAndStoreIdentityKeys(ctx))
}

// CreateDualBackup backs up the current identity under both a
// password and a recovery key, returning the recovery key's display
// form and the session backup key for the caller to retain.
func (f *Facade) CreateDualBackup(ctx context.Context, password string, recoveryKey [32]byte) (backup.CreatedBackup, error) {
	created, err := f.mgr.CreateDualBackup(ctx, password, recoveryKey)
	return created, recordErr(err)
}

// RestoreFromPassword recovers the identity secret key using pw and
// adopts it as the active identity.
func (f *Facade) RestoreFromPassword(ctx context.Context, pw string) error {
	_, err := f.mgr.RestoreFromPassword(ctx, pw)
	return recordErr(err)
}

// RestoreFromRecoveryKey recovers the identity secret key using a
// recovery key in its Base32 display form.
func (f *Facade) RestoreFromRecoveryKey(ctx context.Context, rk string) error {
	parsed, err := passwordcrypto.ParseRecoveryKey(rk)
	if err != nil {
		return fmt.Errorf("facade: parse recovery key: %w", err)
	}
	_, err = f.mgr.RestoreFromRecoveryKey(ctx, parsed)
	return recordErr(err)
}

// EncryptMessage establishes a session with recipient if needed, then
// encrypts plaintext for conversation.
func (f *Facade) EncryptMessage(ctx context.Context, conversation string, plaintext []byte, recipient string) (WireEnvelope, error) {
	if _, _, _, err := f.mgr.EstablishSession(ctx, conversation, recipient); err != nil {
		return WireEnvelope{}, recordErr(fmt.Errorf("facade: establish session: %w", err))
	}
	env, err := f.mgr.Encrypt(ctx, conversation, plaintext)
	if err != nil {
		return WireEnvelope{}, recordErr(err)
	}
	return encodeEnvelope(env), nil
}

// DecryptMessage decrypts an envelope addressed between sender and
// recipient in conversation, auto-repairing a stale cached session.
func (f *Facade) DecryptMessage(ctx context.Context, conversation string, envelope WireEnvelope, sender, recipient string) ([]byte, error) {
	env, err := decodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	plaintext, err := f.mgr.DecryptWithAutoRepair(ctx, conversation, env, sender, recipient)
	return plaintext, recordErr(err)
}

// GetSafetyNumber returns the safety number shared with peer, for the
// user to verify out of band.
func (f *Facade) GetSafetyNumber(ctx context.Context, peer string) (string, error) {
	sn, err := f.mgr.SafetyNumberWith(ctx, peer)
	return sn, recordErr(err)
}

// GetOurFingerprint returns the current identity's short fingerprint.
func (f *Facade) GetOurFingerprint() string {
	return f.mgr.OurFingerprint()
}

// RotateKeys triggers a manual identity key rotation.
func (f *Facade) RotateKeys(ctx context.Context) error {
	return recordErr(f.mgr.RotateIdentityKeys(ctx))
}

// RotationStatus reports whether a rotation is in progress and the
// current epoch.
func (f *Facade) RotationStatus() keymanager.RotationStatus {
	return f.mgr.Status()
}

// ClearLocalData wipes all local device state, including the session
// backup key held in memory.
func (f *Facade) ClearLocalData(ctx context.Context) error {
	return recordErr(f.mgr.ClearLocalData(ctx))
}
