// Package localstore implements LocalKeyStore: the engine's persistent
// local mapping for identity keys, session keys (with their counter),
// and cached historical public keys.
//
// Grounded on the teacher's SQLite usage in
// tests/audit_retry_working_test.go (sql.Open("sqlite3", path),
// CREATE TABLE IF NOT EXISTS) and on internal/db/postgres.go's
// explicit-SQL, deferred-rows.Close()-with-warning idiom.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS identity_keys (
	user_id TEXT PRIMARY KEY,
	public_key BLOB NOT NULL,
	secret_key BLOB NOT NULL,
	epoch INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS session_keys (
	conversation_id TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	session_key BLOB NOT NULL,
	counter INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (conversation_id, epoch)
);
CREATE INDEX IF NOT EXISTS idx_session_keys_conversation ON session_keys(conversation_id);

CREATE TABLE IF NOT EXISTS historical_keys (
	user_id TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	public_key BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, epoch)
);
CREATE INDEX IF NOT EXISTS idx_historical_keys_user ON historical_keys(user_id);
`

// Store is the SQLite-backed LocalKeyStore.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates (or reuses) the SQLite file at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: create schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.New(os.Stdout, "[LOCALSTORE] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutIdentityKey upserts an identity key row for ikr.UserID.
func (s *Store) PutIdentityKey(ctx context.Context, ikr domain.IdentityKeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_keys (user_id, public_key, secret_key, epoch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			public_key = excluded.public_key,
			secret_key = excluded.secret_key,
			epoch = excluded.epoch,
			updated_at = excluded.updated_at
	`, ikr.UserID, ikr.Public[:], ikr.Secret[:], ikr.Epoch, ikr.CreatedAt.UTC(), ikr.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("localstore: put identity key: %w", err)
	}
	return nil
}

// GetIdentityKey returns the identity key for userID, or ok=false if
// absent — never an error for a missing row.
func (s *Store) GetIdentityKey(ctx context.Context, userID string) (rec domain.IdentityKeyRecord, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, public_key, secret_key, epoch, created_at, updated_at
		FROM identity_keys WHERE user_id = ?
	`, userID)

	var pub, sec []byte
	err = row.Scan(&rec.UserID, &pub, &sec, &rec.Epoch, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.IdentityKeyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdentityKeyRecord{}, false, fmt.Errorf("localstore: get identity key: %w", err)
	}
	copy(rec.Public[:], pub)
	copy(rec.Secret[:], sec)
	return rec, true, nil
}

// DeleteIdentityKey removes the identity key row for userID, if any.
func (s *Store) DeleteIdentityKey(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM identity_keys WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("localstore: delete identity key: %w", err)
	}
	return nil
}

// PutSessionKey upserts a session key row keyed on (conversation, epoch).
func (s *Store) PutSessionKey(ctx context.Context, rec domain.SessionKeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_keys (conversation_id, epoch, session_key, counter, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, epoch) DO UPDATE SET
			session_key = excluded.session_key,
			counter = excluded.counter
	`, rec.ConversationID, rec.Epoch, rec.SessionKey[:], rec.Counter, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("localstore: put session key: %w", err)
	}
	return nil
}

// GetSessionKey returns the session key for (conversationID, epoch),
// or ok=false if absent.
func (s *Store) GetSessionKey(ctx context.Context, conversationID string, epoch uint32) (rec domain.SessionKeyRecord, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, epoch, session_key, counter, created_at
		FROM session_keys WHERE conversation_id = ? AND epoch = ?
	`, conversationID, epoch)

	var key []byte
	err = row.Scan(&rec.ConversationID, &rec.Epoch, &key, &rec.Counter, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.SessionKeyRecord{}, false, nil
	}
	if err != nil {
		return domain.SessionKeyRecord{}, false, fmt.Errorf("localstore: get session key: %w", err)
	}
	copy(rec.SessionKey[:], key)
	return rec, true, nil
}

// ListSessionKeysByConversation returns all epochs recorded for conversationID.
func (s *Store) ListSessionKeysByConversation(ctx context.Context, conversationID string) ([]domain.SessionKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, epoch, session_key, counter, created_at
		FROM session_keys WHERE conversation_id = ? ORDER BY epoch
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("localstore: list session keys: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Printf("warning: failed to close rows: %v", cerr)
		}
	}()

	var out []domain.SessionKeyRecord
	for rows.Next() {
		var rec domain.SessionKeyRecord
		var key []byte
		if err := rows.Scan(&rec.ConversationID, &rec.Epoch, &key, &rec.Counter, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("localstore: scan session key: %w", err)
		}
		copy(rec.SessionKey[:], key)
		out = append(out, rec)
	}
	return out, nil
}

// DeleteSessionKey removes the session key row for (conversationID, epoch).
func (s *Store) DeleteSessionKey(ctx context.Context, conversationID string, epoch uint32) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_keys WHERE conversation_id = ? AND epoch = ?`, conversationID, epoch)
	if err != nil {
		return fmt.Errorf("localstore: delete session key: %w", err)
	}
	return nil
}

// IncrementCounter atomically reads, increments, and writes back the
// counter for (conversationID, epoch) inside a single transaction, so
// a concurrent Encrypt call on the same record observes a strictly
// larger counter. It returns the new counter.
func (s *Store) IncrementCounter(ctx context.Context, conversationID string, epoch uint32, max uint64) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("localstore: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
				s.logger.Printf("warning: rollback failed: %v", rerr)
			}
		}
	}()

	var current uint64
	row := tx.QueryRowContext(ctx, `SELECT counter FROM session_keys WHERE conversation_id = ? AND epoch = ?`, conversationID, epoch)
	if err := row.Scan(&current); err != nil {
		return 0, fmt.Errorf("localstore: increment counter: read: %w", err)
	}

	next := current + 1
	if next > max {
		return 0, fmt.Errorf("localstore: counter overflow for %s/%d", conversationID, epoch)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE session_keys SET counter = ? WHERE conversation_id = ? AND epoch = ?`, next, conversationID, epoch); err != nil {
		return 0, fmt.Errorf("localstore: increment counter: write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("localstore: increment counter: commit: %w", err)
	}
	committed = true
	return next, nil
}

// PutHistoricalKey upserts a cached historical public key.
func (s *Store) PutHistoricalKey(ctx context.Context, rec domain.HistoricalKeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO historical_keys (user_id, epoch, public_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, epoch) DO UPDATE SET public_key = excluded.public_key
	`, rec.UserID, rec.Epoch, rec.Public[:], rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("localstore: put historical key: %w", err)
	}
	return nil
}

// GetHistoricalKey returns a cached historical key for (userID, epoch).
func (s *Store) GetHistoricalKey(ctx context.Context, userID string, epoch uint32) (rec domain.HistoricalKeyRecord, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, epoch, public_key, created_at
		FROM historical_keys WHERE user_id = ? AND epoch = ?
	`, userID, epoch)

	var pub []byte
	err = row.Scan(&rec.UserID, &rec.Epoch, &pub, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.HistoricalKeyRecord{}, false, nil
	}
	if err != nil {
		return domain.HistoricalKeyRecord{}, false, fmt.Errorf("localstore: get historical key: %w", err)
	}
	copy(rec.Public[:], pub)
	return rec, true, nil
}

// ListHistoricalKeysByUser returns every cached historical key for userID.
func (s *Store) ListHistoricalKeysByUser(ctx context.Context, userID string) ([]domain.HistoricalKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, epoch, public_key, created_at
		FROM historical_keys WHERE user_id = ? ORDER BY epoch
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("localstore: list historical keys: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Printf("warning: failed to close rows: %v", cerr)
		}
	}()

	var out []domain.HistoricalKeyRecord
	for rows.Next() {
		var rec domain.HistoricalKeyRecord
		var pub []byte
		if err := rows.Scan(&rec.UserID, &rec.Epoch, &pub, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("localstore: scan historical key: %w", err)
		}
		copy(rec.Public[:], pub)
		out = append(out, rec)
	}
	return out, nil
}

// ClearAll deletes every row from all three collections. Used by
// clear_local_data and by Initialize when the local identity no longer
// matches the remote one.
func (s *Store) ClearAll(ctx context.Context) error {
	for _, table := range []string{"identity_keys", "session_keys", "historical_keys"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("localstore: clear %s: %w", table, err)
		}
	}
	return nil
}

// ClearSessionKeys deletes every session-key row, leaving identity and
// historical-key caches untouched. Used when generating a new identity
// or restoring one from backup invalidates all cached sessions.
func (s *Store) ClearSessionKeys(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_keys"); err != nil {
		return fmt.Errorf("localstore: clear session keys: %w", err)
	}
	return nil
}
