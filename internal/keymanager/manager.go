// Package keymanager implements KeyManager: the orchestrator that
// wires Primitives, KDF, PasswordCrypto, LocalKeyStore, RemoteKeyStore,
// HistoricalKeys, and BackupManager into the engine's lifecycle
// (initialize, generate, backup, restore, rotate) and per-message
// operations (establish session, encrypt, decrypt with auto-repair).
//
// Grounded on the teacher's internal/security/identity_key_rotation.go
// for the narrow external-port pattern (ConversationLookup below plays
// the role of its IdentityKeyStore/CompromiseDetector ports) and
// internal/security/keyrotation.go for the rotation scheduler shape.
package keymanager

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	ekcrypto "github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/backup"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/countersync"
	cryptoprim "github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/crypto"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/domain"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/ekerrors"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/metrics"
)

// LocalStore is the subset of LocalKeyStore the orchestrator needs.
type LocalStore interface {
	GetIdentityKey(ctx context.Context, userID string) (domain.IdentityKeyRecord, bool, error)
	PutIdentityKey(ctx context.Context, rec domain.IdentityKeyRecord) error
	GetSessionKey(ctx context.Context, conversationID string, epoch uint32) (domain.SessionKeyRecord, bool, error)
	PutSessionKey(ctx context.Context, rec domain.SessionKeyRecord) error
	DeleteSessionKey(ctx context.Context, conversationID string, epoch uint32) error
	IncrementCounter(ctx context.Context, conversationID string, epoch uint32, max uint64) (uint64, error)
	ClearAll(ctx context.Context) error
	ClearSessionKeys(ctx context.Context) error
}

// RemoteStore is the subset of RemoteKeyStore the orchestrator needs.
type RemoteStore interface {
	GetIdentityKey(ctx context.Context, userID string) (public [32]byte, epoch uint32, ok bool, err error)
	UpsertIdentityKey(ctx context.Context, userID string, public [32]byte, epoch uint32) error
	GetIdentityBackup(ctx context.Context, userID string) (domain.IdentityBackupRecord, bool, error)
	TryAcquireRotationLock(ctx context.Context, userID, token string, ttl time.Duration) (bool, error)
	ReleaseRotationLock(ctx context.Context, userID, token string) error
}

// HistoricalKeys is the subset of the HistoricalKeys component the
// orchestrator needs.
type HistoricalKeys interface {
	Store(ctx context.Context, userID string, epoch uint32, public [32]byte) error
	Get(ctx context.Context, userID string, epoch uint32) (public [32]byte, ok bool, err error)
	GetCurrent(ctx context.Context, userID string) (public [32]byte, epoch uint32, ok bool, err error)
	SyncUserToLocal(ctx context.Context, userID string) error
}

// BackupManager is the subset of the BackupManager component the
// orchestrator needs.
type BackupManager interface {
	CreateIdentityBackupWithRecoveryKey(ctx context.Context, userID string, sk [32]byte, password string, rk [32]byte) (ekcrypto.CreatedBackup, error)
	RestoreFromPassword(ctx context.Context, userID string, password string) ([32]byte, error)
	RestoreFromRecoveryKey(ctx context.Context, userID string, rk [32]byte) ([32]byte, error)
	RestoreSessionBackupKey(ctx context.Context, userID string, password string) (key [32]byte, ok bool, err error)
	BackupSessionKey(ctx context.Context, userID, conversationID string, epoch uint32, sk [32]byte, backupKey [32]byte, counter uint64) error
	RestoreSessionKeys(ctx context.Context, userID string, backupKey [32]byte) (restored []ekcrypto.RestoredSessionKey, failed []ekcrypto.FailedSessionKey, err error)
}

// ConversationLookup is the narrow external-port the engine needs from
// the host application's Database interface (spec.md §6): enough to
// enumerate a user's conversation partners for historical-key sync,
// without the engine ever seeing conversation content.
type ConversationLookup interface {
	PartnersForUser(ctx context.Context, userID string) ([]string, error)
}

// CounterSync is the subset of countersync.Queue the orchestrator needs.
type CounterSync interface {
	Enqueue(ctx context.Context, ev countersync.Event) error
}

// Config is the slice of application configuration the orchestrator
// consumes directly.
type Config struct {
	HKDFInfoPrefix      string
	SafetyNumber        cryptoprim.SafetyNumberConfig
	RotationInterval    time.Duration
	RotationMinInterval time.Duration
	RotationMaxInterval time.Duration
	RotationLockTTL     time.Duration
}

// Envelope is the wire contract for one encrypted message.
type Envelope struct {
	Ciphertext []byte
	Nonce      [24]byte
	Counter    uint64
	Epoch      uint32
}

// InitializeResult reports what the caller must do next after Initialize.
type InitializeResult struct {
	KeysExist    bool
	NeedsRestore bool
	KeyMismatch  bool
}

// RotationStatus reports the orchestrator's current rotation state.
type RotationStatus struct {
	InProgress   bool
	CurrentEpoch uint32
}

// Manager is the KeyManager orchestrator.
type Manager struct {
	local   LocalStore
	remote  RemoteStore
	history HistoricalKeys
	backups BackupManager
	convos  ConversationLookup
	counter CounterSync
	cfg     Config
	logger  *log.Logger

	mu                 sync.Mutex
	currentUser        string
	currentEpoch       uint32
	ourPublic          [32]byte
	sessionBackupKey   *[32]byte
	initialized        bool
	rotationInProgress bool

	convMuGuard sync.Mutex
	convMu      map[string]*sync.Mutex
}

// New wires a Manager over its collaborators.
func New(local LocalStore, remote RemoteStore, history HistoricalKeys, backups BackupManager, convos ConversationLookup, counter CounterSync, cfg Config) *Manager {
	return &Manager{
		local:   local,
		remote:  remote,
		history: history,
		backups: backups,
		convos:  convos,
		counter: counter,
		cfg:     cfg,
		logger:  log.New(os.Stdout, "[KEYMANAGER] ", log.Ldate|log.Ltime|log.LUTC),
		convMu:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) convMutex(conversationID string) *sync.Mutex {
	m.convMuGuard.Lock()
	defer m.convMuGuard.Unlock()
	mu, ok := m.convMu[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		m.convMu[conversationID] = mu
	}
	return mu
}

// Initialize runs the §4.8.1 sequence for userID.
func (m *Manager) Initialize(ctx context.Context, userID string) (InitializeResult, error) {
	m.mu.Lock()
	m.currentUser = userID
	m.mu.Unlock()

	local, haveLocal, err := m.local.GetIdentityKey(ctx, userID)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("keymanager: initialize: read local identity: %w", err)
	}

	if !haveLocal {
		_, hasBackup, err := m.remote.GetIdentityBackup(ctx, userID)
		if err != nil {
			m.logger.Printf("warning: backup probe failed for %s, degrading: %v", userID, err)
			return InitializeResult{KeysExist: false}, nil
		}
		if hasBackup {
			return InitializeResult{NeedsRestore: true}, nil
		}
		return InitializeResult{KeysExist: false}, nil
	}

	remotePub, remoteEpoch, remoteOk, err := m.remote.GetIdentityKey(ctx, userID)
	if err != nil {
		m.logger.Printf("warning: remote identity lookup failed for %s, keeping local state: %v", userID, err)
		m.setActiveIdentity(local.Public, local.Epoch)
		return InitializeResult{KeysExist: true}, m.finishInitialize(ctx, userID)
	}

	switch {
	case !remoteOk:
		if err := m.remote.UpsertIdentityKey(ctx, userID, local.Public, local.Epoch); err != nil {
			return InitializeResult{}, fmt.Errorf("keymanager: initialize: auto-repair upload: %w", err)
		}
		if err := m.history.Store(ctx, userID, local.Epoch, local.Public); err != nil {
			return InitializeResult{}, fmt.Errorf("keymanager: initialize: auto-repair history: %w", err)
		}
		m.setActiveIdentity(local.Public, local.Epoch)

	case remotePub != local.Public:
		if err := m.local.ClearAll(ctx); err != nil {
			return InitializeResult{}, fmt.Errorf("keymanager: initialize: clear on mismatch: %w", err)
		}
		_, hasBackup, err := m.remote.GetIdentityBackup(ctx, userID)
		if err != nil {
			return InitializeResult{}, fmt.Errorf("keymanager: initialize: backup probe after mismatch: %w", err)
		}
		if hasBackup {
			return InitializeResult{NeedsRestore: true, KeyMismatch: true}, nil
		}

		newKP, err := cryptoprim.GenerateIdentityKeyPair()
		if err != nil {
			return InitializeResult{}, fmt.Errorf("keymanager: initialize: generate after mismatch: %w", err)
		}
		if err := m.history.Store(ctx, userID, remoteEpoch, remotePub); err != nil {
			return InitializeResult{}, fmt.Errorf("keymanager: initialize: archive mismatched remote: %w", err)
		}
		newEpoch := remoteEpoch + 1
		now := time.Now().UTC()
		rec := domain.IdentityKeyRecord{UserID: userID, Public: newKP.Public, Secret: newKP.Secret, Epoch: newEpoch, CreatedAt: now, UpdatedAt: now}
		if err := m.local.PutIdentityKey(ctx, rec); err != nil {
			return InitializeResult{}, fmt.Errorf("keymanager: initialize: store regenerated identity: %w", err)
		}
		if err := m.remote.UpsertIdentityKey(ctx, userID, newKP.Public, newEpoch); err != nil {
			return InitializeResult{}, fmt.Errorf("keymanager: initialize: publish regenerated identity: %w", err)
		}
		if err := m.history.Store(ctx, userID, newEpoch, newKP.Public); err != nil {
			return InitializeResult{}, fmt.Errorf("keymanager: initialize: history for regenerated identity: %w", err)
		}
		m.setActiveIdentity(newKP.Public, newEpoch)

	default:
		m.setActiveIdentity(local.Public, remoteEpoch)
	}

	return InitializeResult{KeysExist: true}, m.finishInitialize(ctx, userID)
}

func (m *Manager) setActiveIdentity(public [32]byte, epoch uint32) {
	m.mu.Lock()
	m.ourPublic = public
	m.currentEpoch = epoch
	m.initialized = true
	m.mu.Unlock()
	metrics.UpdateCurrentEpoch(m.currentUser, epoch)
}

// finishInitialize runs steps 6-7: sync session backups and partner
// histories. Failures here are logged, never fatal to Initialize.
func (m *Manager) finishInitialize(ctx context.Context, userID string) error {
	if m.sessionBackupKey != nil {
		restored, failed, err := m.backups.RestoreSessionKeys(ctx, userID, *m.sessionBackupKey)
		if err != nil {
			m.logger.Printf("warning: session backup sync failed for %s: %v", userID, err)
		}
		for _, r := range restored {
			rec := domain.SessionKeyRecord{ConversationID: r.ConversationID, Epoch: r.Epoch, SessionKey: r.SessionKey, Counter: r.Counter, CreatedAt: time.Now().UTC()}
			if err := m.local.PutSessionKey(ctx, rec); err != nil {
				m.logger.Printf("warning: failed to cache restored session %s/%d: %v", r.ConversationID, r.Epoch, err)
			}
		}
		metrics.RecordSessionKeyRestoreBatch(len(restored), len(failed))
	}

	if err := m.history.SyncUserToLocal(ctx, userID); err != nil {
		m.logger.Printf("warning: own history sync failed for %s: %v", userID, err)
	}
	if err := m.PartnerKeySync(ctx); err != nil {
		m.logger.Printf("warning: partner history sync failed for %s: %v", userID, err)
	}
	return nil
}

// GenerateAndStoreIdentityKeys implements §4.8.2.
func (m *Manager) GenerateAndStoreIdentityKeys(ctx context.Context) error {
	userID := m.currentUser
	if err := m.local.ClearSessionKeys(ctx); err != nil {
		return fmt.Errorf("keymanager: generate identity: clear sessions: %w", err)
	}
	kp, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("keymanager: generate identity: %w", err)
	}
	now := time.Now().UTC()
	rec := domain.IdentityKeyRecord{UserID: userID, Public: kp.Public, Secret: kp.Secret, Epoch: 0, CreatedAt: now, UpdatedAt: now}
	if err := m.local.PutIdentityKey(ctx, rec); err != nil {
		return fmt.Errorf("keymanager: generate identity: store locally: %w", err)
	}
	if err := m.remote.UpsertIdentityKey(ctx, userID, kp.Public, 0); err != nil {
		return ekerrors.Wrap(ekerrors.RemoteUnavailable, "publish identity key", err)
	}
	if err := m.history.Store(ctx, userID, 0, kp.Public); err != nil {
		return fmt.Errorf("keymanager: generate identity: history: %w", err)
	}
	m.setActiveIdentity(kp.Public, 0)
	if err := m.PartnerKeySync(ctx); err != nil {
		m.logger.Printf("warning: partner history sync failed for %s: %v", userID, err)
	}
	return nil
}

// CreateDualBackup implements §4.8.3: the caller supplies both the
// password and a recovery key (already shown to / chosen by the user).
func (m *Manager) CreateDualBackup(ctx context.Context, password string, recoveryKey [32]byte) (ekcrypto.CreatedBackup, error) {
	userID := m.currentUser
	rec, ok, err := m.local.GetIdentityKey(ctx, userID)
	if err != nil {
		return ekcrypto.CreatedBackup{}, fmt.Errorf("keymanager: create dual backup: read local identity: %w", err)
	}
	if !ok {
		return ekcrypto.CreatedBackup{}, ekerrors.New(ekerrors.NoLocalKeys, "no local identity to back up")
	}
	created, err := m.backups.CreateIdentityBackupWithRecoveryKey(ctx, userID, rec.Secret, password, recoveryKey)
	if err != nil {
		return ekcrypto.CreatedBackup{}, err
	}
	m.mu.Lock()
	sbk := created.SessionBackupKey
	m.sessionBackupKey = &sbk
	m.initialized = true
	m.mu.Unlock()
	metrics.RecordBackupCreated("password_and_recovery")
	return created, nil
}

// RestoreFromPassword implements §4.8.4's password path.
func (m *Manager) RestoreFromPassword(ctx context.Context, password string) ([32]byte, error) {
	userID := m.currentUser
	if err := m.local.ClearSessionKeys(ctx); err != nil {
		return [32]byte{}, fmt.Errorf("keymanager: restore from password: clear sessions: %w", err)
	}
	sk, err := m.backups.RestoreFromPassword(ctx, userID, password)
	metrics.RecordRestore("password", err == nil)
	if err != nil {
		return [32]byte{}, err
	}
	if err := m.adoptRestoredIdentity(ctx, userID, sk); err != nil {
		return [32]byte{}, err
	}

	sbk, has, err := m.backups.RestoreSessionBackupKey(ctx, userID, password)
	if err != nil {
		m.logger.Printf("warning: session backup key restore failed for %s: %v", userID, err)
	} else if has {
		m.mu.Lock()
		m.sessionBackupKey = &sbk
		m.mu.Unlock()
		if err := m.finishInitialize(ctx, userID); err != nil {
			m.logger.Printf("warning: post-restore sync failed for %s: %v", userID, err)
		}
	}
	return sk, nil
}

// RestoreFromRecoveryKey implements §4.8.4's recovery-key path.
// session_backup_key cannot be recovered this way; sessions are
// lazily re-derived via ECDH.
func (m *Manager) RestoreFromRecoveryKey(ctx context.Context, rk [32]byte) ([32]byte, error) {
	userID := m.currentUser
	if err := m.local.ClearSessionKeys(ctx); err != nil {
		return [32]byte{}, fmt.Errorf("keymanager: restore from recovery key: clear sessions: %w", err)
	}
	sk, err := m.backups.RestoreFromRecoveryKey(ctx, userID, rk)
	metrics.RecordRestore("recovery_key", err == nil)
	if err != nil {
		return [32]byte{}, err
	}
	if err := m.adoptRestoredIdentity(ctx, userID, sk); err != nil {
		return [32]byte{}, err
	}
	return sk, nil
}

// adoptRestoredIdentity derives the public key from a restored secret
// and stores it locally, never trusting the remote public blindly. If
// the remote differs, the derived key is re-published.
func (m *Manager) adoptRestoredIdentity(ctx context.Context, userID string, sk [32]byte) error {
	pub, err := cryptoprim.DerivePublic(sk)
	if err != nil {
		return fmt.Errorf("keymanager: derive restored public key: %w", err)
	}
	remotePub, remoteEpoch, remoteOk, err := m.remote.GetIdentityKey(ctx, userID)
	epoch := uint32(0)
	if err != nil {
		m.logger.Printf("warning: remote identity lookup failed during restore for %s: %v", userID, err)
	} else if remoteOk {
		epoch = remoteEpoch
	}

	now := time.Now().UTC()
	rec := domain.IdentityKeyRecord{UserID: userID, Public: pub, Secret: sk, Epoch: epoch, CreatedAt: now, UpdatedAt: now}
	if err := m.local.PutIdentityKey(ctx, rec); err != nil {
		return fmt.Errorf("keymanager: store restored identity: %w", err)
	}
	if !remoteOk || remotePub != pub {
		if err := m.remote.UpsertIdentityKey(ctx, userID, pub, epoch); err != nil {
			return fmt.Errorf("keymanager: republish restored identity: %w", err)
		}
	}
	m.setActiveIdentity(pub, epoch)
	return nil
}

// RotateIdentityKeys implements §4.8.5's two-layer-locked rotation.
func (m *Manager) RotateIdentityKeys(ctx context.Context) error {
	userID := m.currentUser

	m.mu.Lock()
	if m.rotationInProgress {
		m.mu.Unlock()
		metrics.RecordRotationLockContention()
		return ekerrors.New(ekerrors.RotationInProgress, "rotation already running in this process")
	}
	m.rotationInProgress = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.rotationInProgress = false
		m.mu.Unlock()
	}()

	token := uuid.NewString()
	acquired, err := m.remote.TryAcquireRotationLock(ctx, userID, token, m.cfg.RotationLockTTL)
	if err != nil {
		metrics.RecordRotation("manual", "failure")
		return fmt.Errorf("keymanager: acquire rotation lock: %w", err)
	}
	if !acquired {
		metrics.RecordRotationLockContention()
		metrics.RecordRotation("manual", "skipped")
		return ekerrors.New(ekerrors.RotationInProgress, "remote rotation lease held by another process")
	}
	defer func() {
		if err := m.remote.ReleaseRotationLock(ctx, userID, token); err != nil {
			m.logger.Printf("warning: failed to release rotation lock for %s: %v", userID, err)
		}
	}()

	if err := m.rotateLocked(ctx, userID); err != nil {
		metrics.RecordRotation("manual", "failure")
		return err
	}
	metrics.RecordRotation("manual", "success")
	return nil
}

func (m *Manager) rotateLocked(ctx context.Context, userID string) error {
	old, ok, err := m.local.GetIdentityKey(ctx, userID)
	if err != nil {
		return fmt.Errorf("keymanager: rotate: read local identity: %w", err)
	}
	if !ok {
		return ekerrors.New(ekerrors.NoLocalKeys, "no local identity to rotate")
	}
	if err := m.history.Store(ctx, userID, old.Epoch, old.Public); err != nil {
		return fmt.Errorf("keymanager: rotate: archive old identity: %w", err)
	}

	newKP, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("keymanager: rotate: generate new identity: %w", err)
	}
	newEpoch := old.Epoch + 1
	now := time.Now().UTC()
	rec := domain.IdentityKeyRecord{UserID: userID, Public: newKP.Public, Secret: newKP.Secret, Epoch: newEpoch, CreatedAt: old.CreatedAt, UpdatedAt: now}
	if err := m.local.PutIdentityKey(ctx, rec); err != nil {
		return fmt.Errorf("keymanager: rotate: store new identity: %w", err)
	}
	if err := m.remote.UpsertIdentityKey(ctx, userID, newKP.Public, newEpoch); err != nil {
		return fmt.Errorf("keymanager: rotate: publish new identity: %w", err)
	}
	if err := m.history.Store(ctx, userID, newEpoch, newKP.Public); err != nil {
		return fmt.Errorf("keymanager: rotate: history for new identity: %w", err)
	}

	// session_backup_key is unchanged across rotation; session backups
	// need no re-encryption.
	m.setActiveIdentity(newKP.Public, newEpoch)
	return nil
}

// ShouldAutoRotate reports whether the configured rotation interval
// has elapsed since updatedAt, clamped to [min, max].
func (m *Manager) ShouldAutoRotate(updatedAt time.Time) bool {
	interval := m.cfg.RotationInterval
	if interval < m.cfg.RotationMinInterval {
		interval = m.cfg.RotationMinInterval
	}
	if m.cfg.RotationMaxInterval > 0 && interval > m.cfg.RotationMaxInterval {
		interval = m.cfg.RotationMaxInterval
	}
	return time.Since(updatedAt) >= interval
}

// EstablishSession implements §4.8.6.
func (m *Manager) EstablishSession(ctx context.Context, conversationID, otherUserID string) (sessionKey [32]byte, epoch uint32, counter uint64, err error) {
	epoch = m.currentEpoch

	rec, ok, err := m.local.GetSessionKey(ctx, conversationID, epoch)
	if err != nil {
		return sessionKey, 0, 0, fmt.Errorf("keymanager: establish session: read local: %w", err)
	}
	if ok {
		return rec.SessionKey, rec.Epoch, rec.Counter, nil
	}

	theirPub, _, ok, err := m.history.GetCurrent(ctx, otherUserID)
	if err != nil {
		return sessionKey, 0, 0, fmt.Errorf("keymanager: establish session: lookup peer key: %w", err)
	}
	if !ok {
		return sessionKey, 0, 0, ekerrors.New(ekerrors.NoRemotePublicKey, "peer has no published public key")
	}

	ours, ok, err := m.local.GetIdentityKey(ctx, m.currentUser)
	if err != nil {
		return sessionKey, 0, 0, fmt.Errorf("keymanager: establish session: read own identity: %w", err)
	}
	if !ok {
		return sessionKey, 0, 0, ekerrors.New(ekerrors.NoLocalKeys, "no local identity keys")
	}

	shared, err := cryptoprim.ECDH(ours.Secret, theirPub)
	if err != nil {
		return sessionKey, 0, 0, fmt.Errorf("keymanager: establish session: ecdh: %w", err)
	}
	sessionKey, err = cryptoprim.DeriveSessionKey(shared, epoch, m.cfg.HKDFInfoPrefix)
	if err != nil {
		return sessionKey, 0, 0, fmt.Errorf("keymanager: establish session: derive: %w", err)
	}

	now := time.Now().UTC()
	if err := m.local.PutSessionKey(ctx, domain.SessionKeyRecord{ConversationID: conversationID, Epoch: epoch, SessionKey: sessionKey, Counter: 0, CreatedAt: now}); err != nil {
		return sessionKey, 0, 0, fmt.Errorf("keymanager: establish session: store locally: %w", err)
	}

	m.mu.Lock()
	sbk := m.sessionBackupKey
	userID := m.currentUser
	m.mu.Unlock()
	if sbk != nil {
		if err := m.backups.BackupSessionKey(ctx, userID, conversationID, epoch, sessionKey, *sbk, 0); err != nil {
			m.logger.Printf("warning: session backup write failed for %s/%d: %v", conversationID, epoch, err)
		}
	}

	return sessionKey, epoch, 0, nil
}

// PartnerKeySync implements §4.8.7.
func (m *Manager) PartnerKeySync(ctx context.Context) error {
	peers, err := m.convos.PartnersForUser(ctx, m.currentUser)
	if err != nil {
		return fmt.Errorf("keymanager: partner key sync: list partners: %w", err)
	}
	for _, peer := range peers {
		if err := m.history.SyncUserToLocal(ctx, peer); err != nil {
			m.logger.Printf("warning: historical key sync failed for peer %s: %v", peer, err)
		}
	}
	return nil
}

// Encrypt implements §4.8.8.
func (m *Manager) Encrypt(ctx context.Context, conversationID string, plaintext []byte) (Envelope, error) {
	start := time.Now()
	mu := m.convMutex(conversationID)
	mu.Lock()
	defer mu.Unlock()

	epoch := m.currentEpoch
	rec, ok, err := m.local.GetSessionKey(ctx, conversationID, epoch)
	if err != nil {
		metrics.RecordEncrypt(false, time.Since(start).Seconds())
		return Envelope{}, fmt.Errorf("keymanager: encrypt: read session: %w", err)
	}
	if !ok {
		metrics.RecordEncrypt(false, time.Since(start).Seconds())
		return Envelope{}, ekerrors.New(ekerrors.NoLocalKeys, "no session established for conversation")
	}
	if rec.Counter >= domain.MaxCounter {
		metrics.RecordEncrypt(false, time.Since(start).Seconds())
		return Envelope{}, ekerrors.New(ekerrors.CounterOverflow, "conversation counter has reached its maximum")
	}

	mk, err := cryptoprim.DeriveMessageKey(rec.SessionKey, rec.Epoch, rec.Counter, m.cfg.HKDFInfoPrefix)
	if err != nil {
		metrics.RecordEncrypt(false, time.Since(start).Seconds())
		return Envelope{}, fmt.Errorf("keymanager: encrypt: derive message key: %w", err)
	}
	nonce, err := cryptoprim.RandomNonce()
	if err != nil {
		metrics.RecordEncrypt(false, time.Since(start).Seconds())
		return Envelope{}, fmt.Errorf("keymanager: encrypt: nonce: %w", err)
	}
	ct := cryptoprim.AEADSeal(mk, nonce, plaintext)
	usedCounter := rec.Counter

	newCounter, err := m.local.IncrementCounter(ctx, conversationID, epoch, domain.MaxCounter)
	if err != nil {
		metrics.RecordEncrypt(false, time.Since(start).Seconds())
		return Envelope{}, fmt.Errorf("keymanager: encrypt: increment counter: %w", err)
	}

	m.mu.Lock()
	userID := m.currentUser
	m.mu.Unlock()
	if err := m.counter.Enqueue(ctx, countersync.Event{UserID: userID, ConversationID: conversationID, Epoch: epoch, Counter: newCounter}); err != nil {
		m.logger.Printf("warning: counter sync enqueue failed for %s/%d: %v", conversationID, epoch, err)
		metrics.RecordCounterSyncEnqueue(false)
	} else {
		metrics.RecordCounterSyncEnqueue(true)
	}

	metrics.RecordEncrypt(true, time.Since(start).Seconds())
	return Envelope{Ciphertext: ct, Nonce: nonce, Counter: usedCounter, Epoch: epoch}, nil
}

// DecryptWithAutoRepair implements §4.8.9.
func (m *Manager) DecryptWithAutoRepair(ctx context.Context, conversationID string, env Envelope, senderID, recipientID string) ([]byte, error) {
	start := time.Now()

	m.mu.Lock()
	self := m.currentUser
	m.mu.Unlock()
	peer := senderID
	if senderID == self {
		peer = recipientID
	}

	rec, usedCached, err := m.local.GetSessionKey(ctx, conversationID, env.Epoch)
	if err != nil {
		metrics.RecordDecrypt("failure", time.Since(start).Seconds())
		return nil, fmt.Errorf("keymanager: decrypt: read session: %w", err)
	}

	var sessionKey [32]byte
	if usedCached {
		sessionKey = rec.SessionKey
	} else {
		sessionKey, err = m.deriveSessionForPeerEpoch(ctx, conversationID, peer, env.Epoch)
		if err != nil {
			metrics.RecordDecrypt("failure", time.Since(start).Seconds())
			return nil, err
		}
	}

	mk, err := cryptoprim.DeriveMessageKey(sessionKey, env.Epoch, env.Counter, m.cfg.HKDFInfoPrefix)
	if err != nil {
		metrics.RecordDecrypt("failure", time.Since(start).Seconds())
		return nil, fmt.Errorf("keymanager: decrypt: derive message key: %w", err)
	}
	plaintext, err := cryptoprim.AEADOpen(mk, env.Nonce, env.Ciphertext)
	if err == nil {
		metrics.RecordDecrypt("success", time.Since(start).Seconds())
		return plaintext, nil
	}

	if !usedCached {
		metrics.RecordDecrypt("failure", time.Since(start).Seconds())
		return nil, ekerrors.Wrap(ekerrors.DecryptionFailed, "aead open failed", err)
	}

	// Auto-repair: the cached session was stale. Delete it, re-derive
	// from ECDH, and retry exactly once.
	if err := m.local.DeleteSessionKey(ctx, conversationID, env.Epoch); err != nil {
		m.logger.Printf("warning: failed to evict stale session %s/%d: %v", conversationID, env.Epoch, err)
	}
	sessionKey, derr := m.deriveSessionForPeerEpoch(ctx, conversationID, peer, env.Epoch)
	if derr != nil {
		metrics.RecordDecrypt("failure", time.Since(start).Seconds())
		return nil, derr
	}
	mk, err = cryptoprim.DeriveMessageKey(sessionKey, env.Epoch, env.Counter, m.cfg.HKDFInfoPrefix)
	if err != nil {
		metrics.RecordDecrypt("failure", time.Since(start).Seconds())
		return nil, fmt.Errorf("keymanager: decrypt: re-derive message key: %w", err)
	}
	plaintext, err = cryptoprim.AEADOpen(mk, env.Nonce, env.Ciphertext)
	if err != nil {
		metrics.RecordDecrypt("failure", time.Since(start).Seconds())
		return nil, ekerrors.Wrap(ekerrors.DecryptionFailed, "aead open failed after auto-repair", err)
	}
	metrics.RecordDecrypt("auto_repaired", time.Since(start).Seconds())
	return plaintext, nil
}

// deriveSessionForPeerEpoch re-derives and caches a session key for
// (conversationID, epoch) against peer's public key at that epoch.
func (m *Manager) deriveSessionForPeerEpoch(ctx context.Context, conversationID, peer string, epoch uint32) ([32]byte, error) {
	var sessionKey [32]byte

	m.mu.Lock()
	self := m.currentUser
	currentEpoch := m.currentEpoch
	m.mu.Unlock()

	var theirPub [32]byte
	var ok bool
	var err error
	if epoch == currentEpoch {
		theirPub, _, ok, err = m.history.GetCurrent(ctx, peer)
	} else {
		theirPub, ok, err = m.history.Get(ctx, peer, epoch)
	}
	if err != nil {
		return sessionKey, fmt.Errorf("keymanager: decrypt: lookup peer key at epoch %d: %w", epoch, err)
	}
	if !ok {
		return sessionKey, ekerrors.New(ekerrors.NoRemotePublicKey, "peer has no public key at requested epoch")
	}

	ours, ok, err := m.local.GetIdentityKey(ctx, self)
	if err != nil {
		return sessionKey, fmt.Errorf("keymanager: decrypt: read own identity: %w", err)
	}
	if !ok {
		return sessionKey, ekerrors.New(ekerrors.NoLocalKeys, "no local identity keys")
	}

	shared, err := cryptoprim.ECDH(ours.Secret, theirPub)
	if err != nil {
		return sessionKey, fmt.Errorf("keymanager: decrypt: ecdh: %w", err)
	}
	sessionKey, err = cryptoprim.DeriveSessionKey(shared, epoch, m.cfg.HKDFInfoPrefix)
	if err != nil {
		return sessionKey, fmt.Errorf("keymanager: decrypt: derive session key: %w", err)
	}

	rec := domain.SessionKeyRecord{ConversationID: conversationID, Epoch: epoch, SessionKey: sessionKey, Counter: 0, CreatedAt: time.Now().UTC()}
	if err := m.local.PutSessionKey(ctx, rec); err != nil {
		m.logger.Printf("warning: failed to cache re-derived session %s/%d: %v", conversationID, epoch, err)
	}
	return sessionKey, nil
}

// SafetyNumberWith computes the safety number between the current
// user and peerUserID.
func (m *Manager) SafetyNumberWith(ctx context.Context, peerUserID string) (string, error) {
	theirPub, _, ok, err := m.history.GetCurrent(ctx, peerUserID)
	if err != nil {
		return "", fmt.Errorf("keymanager: safety number: lookup peer key: %w", err)
	}
	if !ok {
		return "", ekerrors.New(ekerrors.NoRemotePublicKey, "peer has no published public key")
	}
	m.mu.Lock()
	our := m.ourPublic
	m.mu.Unlock()
	return cryptoprim.SafetyNumber(our, theirPub, m.cfg.SafetyNumber)
}

// OurFingerprint returns the fingerprint of the current user's public key.
func (m *Manager) OurFingerprint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cryptoprim.Fingerprint(m.ourPublic)
}

// Status reports the current rotation/epoch state.
func (m *Manager) Status() RotationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RotationStatus{InProgress: m.rotationInProgress, CurrentEpoch: m.currentEpoch}
}

// ClearLocalData wipes every locally persisted key and resets
// in-memory state, including the long-lived session_backup_key.
func (m *Manager) ClearLocalData(ctx context.Context) error {
	if err := m.local.ClearAll(ctx); err != nil {
		return fmt.Errorf("keymanager: clear local data: %w", err)
	}
	m.mu.Lock()
	m.sessionBackupKey = nil
	m.initialized = false
	m.currentEpoch = 0
	m.ourPublic = [32]byte{}
	m.mu.Unlock()
	return nil
}
