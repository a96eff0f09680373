package keymanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	ekbackup "github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/backup"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/countersync"
	ekcrypto "github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/crypto"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/domain"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/ekerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLocalStore is an in-memory LocalStore for orchestrator tests.
type fakeLocalStore struct {
	mu       sync.Mutex
	identity map[string]domain.IdentityKeyRecord
	sessions map[string]domain.SessionKeyRecord
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{
		identity: map[string]domain.IdentityKeyRecord{},
		sessions: map[string]domain.SessionKeyRecord{},
	}
}

func sessKey(conversationID string, epoch uint32) string {
	return fmt.Sprintf("%s#%d", conversationID, epoch)
}

func (f *fakeLocalStore) GetIdentityKey(_ context.Context, userID string) (domain.IdentityKeyRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.identity[userID]
	return rec, ok, nil
}

func (f *fakeLocalStore) PutIdentityKey(_ context.Context, rec domain.IdentityKeyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity[rec.UserID] = rec
	return nil
}

func (f *fakeLocalStore) GetSessionKey(_ context.Context, conversationID string, epoch uint32) (domain.SessionKeyRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sessions[sessKey(conversationID, epoch)]
	return rec, ok, nil
}

func (f *fakeLocalStore) PutSessionKey(_ context.Context, rec domain.SessionKeyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessKey(rec.ConversationID, rec.Epoch)] = rec
	return nil
}

func (f *fakeLocalStore) DeleteSessionKey(_ context.Context, conversationID string, epoch uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessKey(conversationID, epoch))
	return nil
}

func (f *fakeLocalStore) IncrementCounter(_ context.Context, conversationID string, epoch uint32, max uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := sessKey(conversationID, epoch)
	rec := f.sessions[k]
	rec.Counter++
	f.sessions[k] = rec
	return rec.Counter, nil
}

func (f *fakeLocalStore) ClearAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = map[string]domain.IdentityKeyRecord{}
	f.sessions = map[string]domain.SessionKeyRecord{}
	return nil
}

func (f *fakeLocalStore) ClearSessionKeys(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = map[string]domain.SessionKeyRecord{}
	return nil
}

// remoteIdentity is one user's published (public, epoch) pair, shared
// by fakeRemoteStore's "current" map and fakeHistory's "current" map.
type remoteIdentity struct {
	public [32]byte
	epoch  uint32
}

// fakeRemoteStore is an in-memory RemoteStore, including a rotation
// lock that genuinely serializes concurrent acquisition attempts.
type fakeRemoteStore struct {
	mu      sync.Mutex
	current map[string]remoteIdentity
	backups map[string]domain.IdentityBackupRecord
	locks   map[string]domain.RotationLock
}

func newFakeRemoteStore() *fakeRemoteStore {
	return &fakeRemoteStore{
		current: map[string]remoteIdentity{},
		backups: map[string]domain.IdentityBackupRecord{},
		locks:   map[string]domain.RotationLock{},
	}
}

func (f *fakeRemoteStore) GetIdentityKey(_ context.Context, userID string) ([32]byte, uint32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.current[userID]
	return cur.public, cur.epoch, ok, nil
}

func (f *fakeRemoteStore) UpsertIdentityKey(_ context.Context, userID string, public [32]byte, epoch uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[userID] = remoteIdentity{public: public, epoch: epoch}
	return nil
}

func (f *fakeRemoteStore) GetIdentityBackup(_ context.Context, userID string) (domain.IdentityBackupRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.backups[userID]
	return rec, ok, nil
}

func (f *fakeRemoteStore) TryAcquireRotationLock(_ context.Context, userID, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	lock, held := f.locks[userID]
	if held && lock.ExpiresAt.After(now) && lock.Token != token {
		return false, nil
	}
	f.locks[userID] = domain.RotationLock{UserID: userID, Token: token, LockedAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (f *fakeRemoteStore) ReleaseRotationLock(_ context.Context, userID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lock, ok := f.locks[userID]; ok && lock.Token == token {
		delete(f.locks, userID)
	}
	return nil
}

// fakeHistory is an in-memory HistoricalKeys double: archive keeps
// every (user, epoch) ever stored, current tracks the newest one.
type fakeHistory struct {
	mu      sync.Mutex
	archive map[string][32]byte
	current map[string]remoteIdentity
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{archive: map[string][32]byte{}, current: map[string]remoteIdentity{}}
}

func histKey(userID string, epoch uint32) string {
	return fmt.Sprintf("%s#%d", userID, epoch)
}

func (h *fakeHistory) Store(_ context.Context, userID string, epoch uint32, public [32]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.archive[histKey(userID, epoch)] = public
	if cur, ok := h.current[userID]; !ok || epoch >= cur.epoch {
		h.current[userID] = remoteIdentity{public: public, epoch: epoch}
	}
	return nil
}

func (h *fakeHistory) Get(_ context.Context, userID string, epoch uint32) ([32]byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pub, ok := h.archive[histKey(userID, epoch)]
	return pub, ok, nil
}

func (h *fakeHistory) GetCurrent(_ context.Context, userID string) ([32]byte, uint32, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.current[userID]
	return cur.public, cur.epoch, ok, nil
}

func (h *fakeHistory) SyncUserToLocal(_ context.Context, userID string) error { return nil }

// fakeBackups is a minimal BackupManager double: the scenarios below
// exercise session establishment and message encrypt/decrypt, so every
// method here is a harmless no-op that satisfies the interface (backup
// creation/restore flows are covered by internal/backup's own tests).
type fakeBackups struct{}

func (fakeBackups) CreateIdentityBackupWithRecoveryKey(context.Context, string, [32]byte, string, [32]byte) (ekbackup.CreatedBackup, error) {
	return ekbackup.CreatedBackup{}, nil
}

func (fakeBackups) RestoreFromPassword(context.Context, string, string) ([32]byte, error) {
	return [32]byte{}, nil
}

func (fakeBackups) RestoreFromRecoveryKey(context.Context, string, [32]byte) ([32]byte, error) {
	return [32]byte{}, nil
}

func (fakeBackups) RestoreSessionBackupKey(context.Context, string, string) ([32]byte, bool, error) {
	return [32]byte{}, false, nil
}

func (fakeBackups) BackupSessionKey(context.Context, string, string, uint32, [32]byte, [32]byte, uint64) error {
	return nil
}

func (fakeBackups) RestoreSessionKeys(context.Context, string, [32]byte) ([]ekbackup.RestoredSessionKey, []ekbackup.FailedSessionKey, error) {
	return nil, nil, nil
}

// fakeConvos is a ConversationLookup double with no partners; partner
// key sync is covered indirectly (it must not error when empty).
type fakeConvos struct{}

func (fakeConvos) PartnersForUser(context.Context, string) ([]string, error) { return nil, nil }

// fakeCounterSync records every enqueued event for assertions without
// touching Redis.
type fakeCounterSync struct {
	mu     sync.Mutex
	events []countersync.Event
}

func (f *fakeCounterSync) Enqueue(_ context.Context, ev countersync.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func testConfig() Config {
	return Config{
		HKDFInfoPrefix:      "TestApp",
		SafetyNumber:        ekcrypto.DefaultSafetyNumberConfig(),
		RotationInterval:    24 * time.Hour,
		RotationMinInterval: time.Hour,
		RotationMaxInterval: 30 * 24 * time.Hour,
		RotationLockTTL:     60 * time.Second,
	}
}

// setupUser generates and stores an identity for userID against shared
// local/remote/history stores, the way GenerateAndStoreIdentityKeys would.
func setupUser(t *testing.T, ctx context.Context, local *fakeLocalStore, remote *fakeRemoteStore, history *fakeHistory, userID string) ekcrypto.KeyPair {
	t.Helper()
	kp, err := ekcrypto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, local.PutIdentityKey(ctx, domain.IdentityKeyRecord{UserID: userID, Public: kp.Public, Secret: kp.Secret, Epoch: 0, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, remote.UpsertIdentityKey(ctx, userID, kp.Public, 0))
	require.NoError(t, history.Store(ctx, userID, 0, kp.Public))
	return kp
}

func newManagerFor(userID string, local *fakeLocalStore, remote *fakeRemoteStore, history *fakeHistory, counter *fakeCounterSync) *Manager {
	m := New(local, remote, history, fakeBackups{}, fakeConvos{}, counter, testConfig())
	m.currentUser = userID
	return m
}

func mustGet(t *testing.T, local *fakeLocalStore, ctx context.Context, userID string) domain.IdentityKeyRecord {
	t.Helper()
	rec, ok, err := local.GetIdentityKey(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	return rec
}

// Scenarios 1 & 2 (two users establish a session and exchange several
// in-order messages): envelopes carry sequential counters and each
// decrypts back to its plaintext, including a pure re-decrypt.
func TestEncryptDecrypt_TwoUsersSequentialMessages(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()

	setupUser(t, ctx, local, remote, history, "alice")
	setupUser(t, ctx, local, remote, history, "bob")

	counter := &fakeCounterSync{}
	aliceMgr := newManagerFor("alice", local, remote, history, counter)
	aliceMgr.setActiveIdentity(mustGet(t, local, ctx, "alice").Public, 0)

	_, _, _, err := aliceMgr.EstablishSession(ctx, "c1", "bob")
	require.NoError(t, err)

	plaintexts := []string{"m1", "m2", "m3"}
	var envelopes []Envelope
	for _, p := range plaintexts {
		env, err := aliceMgr.Encrypt(ctx, "c1", []byte(p))
		require.NoError(t, err)
		envelopes = append(envelopes, env)
	}

	for i, env := range envelopes {
		assert.Equal(t, uint64(i), env.Counter)
	}
	assert.Len(t, counter.events, len(plaintexts))

	bobMgr := newManagerFor("bob", local, remote, history, counter)
	bobMgr.setActiveIdentity(mustGet(t, local, ctx, "bob").Public, 0)

	for i, env := range envelopes {
		pt, err := bobMgr.DecryptWithAutoRepair(ctx, "c1", env, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, plaintexts[i], string(pt))
	}

	// Decrypting the same envelope twice is pure.
	pt, err := bobMgr.DecryptWithAutoRepair(ctx, "c1", envelopes[0], "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "m1", string(pt))
}

// After n successful encrypts, the persisted counter equals n.
func TestEncrypt_CounterMonotonicity(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	setupUser(t, ctx, local, remote, history, "alice")
	setupUser(t, ctx, local, remote, history, "bob")

	counter := &fakeCounterSync{}
	mgr := newManagerFor("alice", local, remote, history, counter)
	mgr.setActiveIdentity(mustGet(t, local, ctx, "alice").Public, 0)
	_, _, _, err := mgr.EstablishSession(ctx, "c1", "bob")
	require.NoError(t, err)

	const n = 5
	for i := 0; i < n; i++ {
		_, err := mgr.Encrypt(ctx, "c1", []byte("hi"))
		require.NoError(t, err)
	}
	rec, ok, err := local.GetSessionKey(ctx, "c1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(n), rec.Counter)
}

// Encrypting past an exhausted conversation counter fails closed.
func TestEncrypt_CounterOverflowRejected(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	setupUser(t, ctx, local, remote, history, "alice")
	setupUser(t, ctx, local, remote, history, "bob")

	counter := &fakeCounterSync{}
	mgr := newManagerFor("alice", local, remote, history, counter)
	mgr.setActiveIdentity(mustGet(t, local, ctx, "alice").Public, 0)
	_, _, _, err := mgr.EstablishSession(ctx, "c1", "bob")
	require.NoError(t, err)

	rec, ok, err := local.GetSessionKey(ctx, "c1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	rec.Counter = domain.MaxCounter
	require.NoError(t, local.PutSessionKey(ctx, rec))

	_, err = mgr.Encrypt(ctx, "c1", []byte("one too many"))
	require.Error(t, err)
	kind, ok := ekerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ekerrors.CounterOverflow, kind)
}

// A corrupted cached session key triggers exactly one auto-repair pass
// on decrypt, after which the message decrypts successfully.
func TestDecrypt_AutoRepairOnStaleSession(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	setupUser(t, ctx, local, remote, history, "alice")
	setupUser(t, ctx, local, remote, history, "bob")

	counter := &fakeCounterSync{}
	aliceMgr := newManagerFor("alice", local, remote, history, counter)
	aliceMgr.setActiveIdentity(mustGet(t, local, ctx, "alice").Public, 0)
	_, _, _, err := aliceMgr.EstablishSession(ctx, "c1", "bob")
	require.NoError(t, err)
	env, err := aliceMgr.Encrypt(ctx, "c1", []byte("hello"))
	require.NoError(t, err)

	bobMgr := newManagerFor("bob", local, remote, history, counter)
	bobMgr.setActiveIdentity(mustGet(t, local, ctx, "bob").Public, 0)

	// Plant a corrupted session key for (c1, epoch 0) before decrypting,
	// simulating a desynced or tampered local cache.
	var corrupted [32]byte
	copy(corrupted[:], []byte("not-the-real-session-key-xxxxxx!"))
	require.NoError(t, local.PutSessionKey(ctx, domain.SessionKeyRecord{ConversationID: "c1", Epoch: 0, SessionKey: corrupted, Counter: 0, CreatedAt: time.Now()}))

	pt, err := bobMgr.DecryptWithAutoRepair(ctx, "c1", env, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))
}

// Decrypt fails when the peer has never published a key for the
// envelope's epoch (no cached session, no history row to derive from).
func TestDecrypt_NoRemotePublicKeyFails(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	setupUser(t, ctx, local, remote, history, "bob")

	counter := &fakeCounterSync{}
	bobMgr := newManagerFor("bob", local, remote, history, counter)
	bobMgr.setActiveIdentity(mustGet(t, local, ctx, "bob").Public, 0)

	env := Envelope{Ciphertext: []byte("garbage"), Epoch: 0, Counter: 0}
	_, err := bobMgr.DecryptWithAutoRepair(ctx, "c1", env, "alice", "bob")
	require.Error(t, err)
	kind, ok := ekerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ekerrors.NoRemotePublicKey, kind)
}

// Concurrent rotation attempts for the same user: exactly one succeeds,
// the rest fail with RotationInProgress from the remote lease, and the
// winning rotation advances the published epoch by exactly one.
func TestRotateIdentityKeys_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	setupUser(t, ctx, local, remote, history, "alice")

	const attempts = 5
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counter := &fakeCounterSync{}
			mgr := newManagerFor("alice", local, remote, history, counter)
			mgr.setActiveIdentity(mustGet(t, local, ctx, "alice").Public, 0)
			results <- mgr.RotateIdentityKeys(ctx)
		}()
	}
	wg.Wait()
	close(results)

	successes, contended := 0, 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		kind, ok := ekerrors.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, ekerrors.RotationInProgress, kind)
		contended++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, contended)

	_, epoch, ok, err := remote.GetIdentityKey(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), epoch)
}

// A single manager instance refuses a second concurrent rotation of
// itself via the in-process rotationInProgress guard, independent of
// the remote lease.
func TestRotateIdentityKeys_InProcessGuard(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	setupUser(t, ctx, local, remote, history, "alice")

	counter := &fakeCounterSync{}
	mgr := newManagerFor("alice", local, remote, history, counter)
	mgr.setActiveIdentity(mustGet(t, local, ctx, "alice").Public, 0)

	mgr.mu.Lock()
	mgr.rotationInProgress = true
	mgr.mu.Unlock()

	err := mgr.RotateIdentityKeys(ctx)
	require.Error(t, err)
	kind, ok := ekerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ekerrors.RotationInProgress, kind)
}

// Initialize on a brand-new device with no local identity and no
// remote backup reports KeysExist=false, prompting the caller to
// generate a fresh identity.
func TestInitialize_NoLocalNoBackup(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	counter := &fakeCounterSync{}
	mgr := New(local, remote, history, fakeBackups{}, fakeConvos{}, counter, testConfig())

	res, err := mgr.Initialize(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, res.KeysExist)
	assert.False(t, res.NeedsRestore)
}

// Initialize with a local identity whose public key has drifted from
// what's published remotely wipes local state and, absent a backup,
// regenerates a fresh identity at remoteEpoch+1.
func TestInitialize_KeyMismatchRegeneratesIdentity(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	counter := &fakeCounterSync{}

	setupUser(t, ctx, local, remote, history, "alice")

	// Simulate drift: another device published a newer identity for
	// alice that this device's local cache never learned about.
	driftedKP, err := ekcrypto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	require.NoError(t, remote.UpsertIdentityKey(ctx, "alice", driftedKP.Public, 3))

	mgr := New(local, remote, history, fakeBackups{}, fakeConvos{}, counter, testConfig())
	res, err := mgr.Initialize(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, res.KeysExist)
	assert.False(t, res.NeedsRestore)

	status := mgr.Status()
	assert.Equal(t, uint32(4), status.CurrentEpoch)

	newLocal := mustGet(t, local, ctx, "alice")
	assert.NotEqual(t, driftedKP.Public, newLocal.Public)
	assert.Equal(t, uint32(4), newLocal.Epoch)

	remotePub, remoteEpoch, ok, err := remote.GetIdentityKey(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newLocal.Public, remotePub)
	assert.Equal(t, uint32(4), remoteEpoch)
}

// Initialize with a local identity whose public key has drifted, but
// with an identity backup present remotely, reports NeedsRestore
// instead of silently regenerating.
func TestInitialize_KeyMismatchWithBackupNeedsRestore(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	counter := &fakeCounterSync{}

	setupUser(t, ctx, local, remote, history, "alice")
	driftedKP, err := ekcrypto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	require.NoError(t, remote.UpsertIdentityKey(ctx, "alice", driftedKP.Public, 1))
	remote.backups["alice"] = domain.IdentityBackupRecord{UserID: "alice"}

	mgr := New(local, remote, history, fakeBackups{}, fakeConvos{}, counter, testConfig())
	res, err := mgr.Initialize(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, res.NeedsRestore)
	assert.True(t, res.KeyMismatch)
}

// ClearLocalData resets the manager to its zero-epoch, uninitialized
// state and wipes every locally persisted key.
func TestClearLocalData(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	counter := &fakeCounterSync{}
	setupUser(t, ctx, local, remote, history, "alice")

	mgr := newManagerFor("alice", local, remote, history, counter)
	mgr.setActiveIdentity(mustGet(t, local, ctx, "alice").Public, 0)

	require.NoError(t, mgr.ClearLocalData(ctx))

	_, ok, err := local.GetIdentityKey(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	status := mgr.Status()
	assert.Equal(t, uint32(0), status.CurrentEpoch)
}

func TestShouldAutoRotate_ClampsToConfiguredBounds(t *testing.T) {
	local := newFakeLocalStore()
	remote := newFakeRemoteStore()
	history := newFakeHistory()
	counter := &fakeCounterSync{}
	mgr := newManagerFor("alice", local, remote, history, counter)

	assert.False(t, mgr.ShouldAutoRotate(time.Now()))
	assert.True(t, mgr.ShouldAutoRotate(time.Now().Add(-48*time.Hour)))

	// RotationInterval below RotationMinInterval clamps up to the min.
	mgr.cfg.RotationInterval = time.Minute
	assert.False(t, mgr.ShouldAutoRotate(time.Now().Add(-30*time.Minute)))
	assert.True(t, mgr.ShouldAutoRotate(time.Now().Add(-2*time.Hour)))
}
