package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/domain"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "localstore_test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIdentityKey_PutGetMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetIdentityKey(ctx, "missing-user")
	require.NoError(t, err)
	require.False(t, ok)

	rec := domain.IdentityKeyRecord{
		UserID:    "alice",
		Epoch:     0,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	rec.Public[0] = 0xAA
	rec.Secret[0] = 0xBB
	require.NoError(t, s.PutIdentityKey(ctx, rec))

	got, ok, err := s.GetIdentityKey(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Public, got.Public)
	require.Equal(t, rec.Secret, got.Secret)
}

func TestIdentityKey_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := domain.IdentityKeyRecord{UserID: "carol", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.PutIdentityKey(ctx, rec))

	_, ok, err := s.GetIdentityKey(ctx, "carol")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.DeleteIdentityKey(ctx, "carol"))

	_, ok, err = s.GetIdentityKey(ctx, "carol")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an already-absent row is not an error.
	require.NoError(t, s.DeleteIdentityKey(ctx, "carol"))
}

func TestSessionKey_ListByConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for epoch := uint32(0); epoch < 3; epoch++ {
		rec := domain.SessionKeyRecord{ConversationID: "conv-list", Epoch: epoch, CreatedAt: time.Now()}
		require.NoError(t, s.PutSessionKey(ctx, rec))
	}
	require.NoError(t, s.PutSessionKey(ctx, domain.SessionKeyRecord{ConversationID: "conv-other", Epoch: 0, CreatedAt: time.Now()}))

	list, err := s.ListSessionKeysByConversation(ctx, "conv-list")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, rec := range list {
		require.Equal(t, uint32(i), rec.Epoch)
	}

	empty, err := s.ListSessionKeysByConversation(ctx, "conv-missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestSessionKey_IncrementCounterIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := domain.SessionKeyRecord{
		ConversationID: "conv-1",
		Epoch:          0,
		Counter:        0,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.PutSessionKey(ctx, rec))

	for i := uint64(1); i <= 3; i++ {
		next, err := s.IncrementCounter(ctx, "conv-1", 0, domain.MaxCounter)
		require.NoError(t, err)
		require.Equal(t, i, next)
	}

	got, ok, err := s.GetSessionKey(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), got.Counter)
}

func TestSessionKey_IncrementCounterOverflow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := domain.SessionKeyRecord{
		ConversationID: "conv-overflow",
		Epoch:          0,
		Counter:        5,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.PutSessionKey(ctx, rec))

	_, err := s.IncrementCounter(ctx, "conv-overflow", 0, 5)
	require.Error(t, err)
}

func TestHistoricalKeys_ListByUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for epoch := uint32(0); epoch < 3; epoch++ {
		rec := domain.HistoricalKeyRecord{UserID: "bob", Epoch: epoch, CreatedAt: time.Now()}
		rec.Public[0] = byte(epoch)
		require.NoError(t, s.PutHistoricalKey(ctx, rec))
	}

	list, err := s.ListHistoricalKeysByUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 3)
}

func TestClearAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutIdentityKey(ctx, domain.IdentityKeyRecord{UserID: "x", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.ClearAll(ctx))

	_, ok, err := s.GetIdentityKey(ctx, "x")
	require.NoError(t, err)
	require.False(t, ok)
}
