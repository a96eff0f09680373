// Package historicalkeys implements HistoricalKeys: authoritative
// read/write of past public keys for any user, backed by a two-tier
// cache (local store first, remote store of record second).
//
// Grounded on the teacher's internal/inbox/redis_inbox.go
// cache-then-source read ordering, generalized to a local-persistent
// cache in front of the remote store of record rather than a TTL
// cache in front of Postgres.
package historicalkeys

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/domain"
)

// LocalCache is the subset of LocalKeyStore that HistoricalKeys needs.
type LocalCache interface {
	GetHistoricalKey(ctx context.Context, userID string, epoch uint32) (domain.HistoricalKeyRecord, bool, error)
	PutHistoricalKey(ctx context.Context, rec domain.HistoricalKeyRecord) error
	ListHistoricalKeysByUser(ctx context.Context, userID string) ([]domain.HistoricalKeyRecord, error)
}

// RemoteSource is the subset of RemoteKeyStore that HistoricalKeys needs.
type RemoteSource interface {
	InsertHistoryRow(ctx context.Context, userID string, epoch uint32, public [32]byte) error
	GetHistoryRow(ctx context.Context, userID string, epoch uint32) (public [32]byte, ok bool, err error)
	ListHistory(ctx context.Context, userID string) ([]domain.HistoricalKeyRecord, error)
	GetIdentityKey(ctx context.Context, userID string) (public [32]byte, epoch uint32, ok bool, err error)
}

// Keys is the HistoricalKeys component.
type Keys struct {
	local  LocalCache
	remote RemoteSource
	logger *log.Logger
}

// New wires a HistoricalKeys component over the given cache and source.
func New(local LocalCache, remote RemoteSource) *Keys {
	return &Keys{
		local:  local,
		remote: remote,
		logger: log.New(os.Stdout, "[HISTORICALKEYS] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Store writes (user, epoch, pk) write-through: insert into the remote
// store first (a uniqueness violation there is swallowed as success),
// then cache locally.
func (k *Keys) Store(ctx context.Context, userID string, epoch uint32, public [32]byte) error {
	if err := k.remote.InsertHistoryRow(ctx, userID, epoch, public); err != nil {
		return fmt.Errorf("historicalkeys: store: %w", err)
	}
	rec := domain.HistoricalKeyRecord{UserID: userID, Epoch: epoch, Public: public, CreatedAt: time.Now()}
	if err := k.local.PutHistoricalKey(ctx, rec); err != nil {
		return fmt.Errorf("historicalkeys: cache after store: %w", err)
	}
	return nil
}

// Get reads (user, epoch) read-through: local cache first, then
// remote; on a remote hit, the cache is populated. A remote error
// degrades gracefully to a cache-only miss rather than propagating.
func (k *Keys) Get(ctx context.Context, userID string, epoch uint32) (public [32]byte, ok bool, err error) {
	if rec, hit, cerr := k.local.GetHistoricalKey(ctx, userID, epoch); cerr == nil && hit {
		return rec.Public, true, nil
	}

	public, ok, err = k.remote.GetHistoryRow(ctx, userID, epoch)
	if err != nil {
		k.logger.Printf("warning: remote lookup failed for %s/%d, degrading to cache-only: %v", userID, epoch, err)
		return [32]byte{}, false, nil
	}
	if !ok {
		return [32]byte{}, false, nil
	}

	rec := domain.HistoricalKeyRecord{UserID: userID, Epoch: epoch, Public: public, CreatedAt: time.Now()}
	if cerr := k.local.PutHistoricalKey(ctx, rec); cerr != nil {
		k.logger.Printf("warning: failed to cache %s/%d: %v", userID, epoch, cerr)
	}
	return public, true, nil
}

// GetCurrent reads a user's current published public key directly
// from the remote identity_keys record (not the history table).
func (k *Keys) GetCurrent(ctx context.Context, userID string) (public [32]byte, epoch uint32, ok bool, err error) {
	public, epoch, ok, err = k.remote.GetIdentityKey(ctx, userID)
	if err != nil {
		return public, 0, false, fmt.Errorf("historicalkeys: get current: %w", err)
	}
	return public, epoch, ok, nil
}

// SyncUserToLocal pulls every history row for userID from the remote
// store into the local cache.
func (k *Keys) SyncUserToLocal(ctx context.Context, userID string) error {
	rows, err := k.remote.ListHistory(ctx, userID)
	if err != nil {
		return fmt.Errorf("historicalkeys: sync %s: %w", userID, err)
	}
	for _, rec := range rows {
		if err := k.local.PutHistoricalKey(ctx, rec); err != nil {
			return fmt.Errorf("historicalkeys: cache %s/%d during sync: %w", userID, rec.Epoch, err)
		}
	}
	return nil
}
