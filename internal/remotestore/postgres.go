// Package remotestore implements RemoteKeyStore: the database-backed
// authoritative records for identity keys, public-key history,
// identity/session-key backups, and the distributed rotation lock.
//
// Grounded on internal/db/postgres.go's connection-pool setup,
// $N-placeholder style, ON CONFLICT upserts, and deferred
// rows.Close()-with-warning idiom.
package remotestore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS identity_keys (
	user_id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	current_epoch INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS public_key_history (
	user_id TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	public_key TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, epoch)
);

CREATE TABLE IF NOT EXISTS identity_key_backups (
	user_id TEXT PRIMARY KEY,
	password_ct TEXT NOT NULL,
	password_salt TEXT NOT NULL,
	password_iv TEXT NOT NULL,
	recovery_ct TEXT,
	recovery_salt TEXT,
	recovery_iv TEXT,
	session_backup_key_ct TEXT,
	session_backup_key_salt TEXT,
	session_backup_key_iv TEXT,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_session_keys (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	key_epoch INTEGER NOT NULL,
	encrypted_session_key TEXT NOT NULL,
	encryption_nonce TEXT NOT NULL,
	message_counter BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, conversation_id, key_epoch)
);

CREATE TABLE IF NOT EXISTS key_rotation_locks (
	user_id TEXT PRIMARY KEY,
	lock_token TEXT NOT NULL,
	locked_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_conversation_participants_user ON conversation_participants(user_id);
`

// Store is the Postgres-backed RemoteKeyStore.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to connStr, tunes the pool the way the teacher does,
// verifies connectivity, and ensures the schema exists.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("remotestore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("remotestore: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("remotestore: create schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.New(os.Stdout, "[REMOTESTORE] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// UpsertIdentityKey writes the current public key and epoch for a user.
func (s *Store) UpsertIdentityKey(ctx context.Context, userID string, public [32]byte, epoch uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_keys (user_id, public_key, current_epoch, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			current_epoch = EXCLUDED.current_epoch,
			updated_at = EXCLUDED.updated_at
	`, userID, encodeKey(public), epoch, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("remotestore: upsert identity key: %w", err)
	}
	return nil
}

// GetIdentityKey returns the current public key and epoch for userID,
// or ok=false if the user has never published one.
func (s *Store) GetIdentityKey(ctx context.Context, userID string) (public [32]byte, epoch uint32, ok bool, err error) {
	var encoded string
	row := s.db.QueryRowContext(ctx, `SELECT public_key, current_epoch FROM identity_keys WHERE user_id = $1`, userID)
	err = row.Scan(&encoded, &epoch)
	if err == sql.ErrNoRows {
		return public, 0, false, nil
	}
	if err != nil {
		return public, 0, false, fmt.Errorf("remotestore: get identity key: %w", err)
	}
	public, err = decodeKey(encoded)
	if err != nil {
		return public, 0, false, err
	}
	return public, epoch, true, nil
}

// InsertHistoryRow appends (userID, epoch, public) to public_key_history.
// A duplicate insert on the unique (user_id, epoch) pair is treated as
// success, per the ConstraintViolation policy.
func (s *Store) InsertHistoryRow(ctx context.Context, userID string, epoch uint32, public [32]byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public_key_history (user_id, epoch, public_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, epoch) DO NOTHING
	`, userID, epoch, encodeKey(public), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("remotestore: insert history row: %w", err)
	}
	return nil
}

// GetHistoryRow returns the public key published at (userID, epoch).
func (s *Store) GetHistoryRow(ctx context.Context, userID string, epoch uint32) (public [32]byte, ok bool, err error) {
	var encoded string
	row := s.db.QueryRowContext(ctx, `SELECT public_key FROM public_key_history WHERE user_id = $1 AND epoch = $2`, userID, epoch)
	err = row.Scan(&encoded)
	if err == sql.ErrNoRows {
		return public, false, nil
	}
	if err != nil {
		return public, false, fmt.Errorf("remotestore: get history row: %w", err)
	}
	public, err = decodeKey(encoded)
	return public, true, err
}

// ListHistory returns every (epoch, public key) ever published for userID.
func (s *Store) ListHistory(ctx context.Context, userID string) ([]domain.HistoricalKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, epoch, public_key, created_at FROM public_key_history
		WHERE user_id = $1 ORDER BY epoch
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("remotestore: list history: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Printf("warning: failed to close rows: %v", cerr)
		}
	}()

	var out []domain.HistoricalKeyRecord
	for rows.Next() {
		var rec domain.HistoricalKeyRecord
		var encoded string
		if err := rows.Scan(&rec.UserID, &rec.Epoch, &encoded, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("remotestore: scan history row: %w", err)
		}
		pub, err := decodeKey(encoded)
		if err != nil {
			return nil, err
		}
		rec.Public = pub
		out = append(out, rec)
	}
	return out, nil
}

// UpsertIdentityBackup writes the 9-tuple backup envelope for a user.
func (s *Store) UpsertIdentityBackup(ctx context.Context, rec domain.IdentityBackupRecord) error {
	var recoveryCT, recoverySalt, recoveryIV sql.NullString
	if rec.RecoveryPresent {
		recoveryCT = sql.NullString{String: encodeBytes(rec.RecoveryCT), Valid: true}
		recoverySalt = sql.NullString{String: encodeKey(rec.RecoverySalt), Valid: true}
		recoveryIV = sql.NullString{String: encodeIV(rec.RecoveryIV), Valid: true}
	}
	var sbkCT, sbkSalt, sbkIV sql.NullString
	if rec.SessionBackupKeyPresent {
		sbkCT = sql.NullString{String: encodeBytes(rec.SessionBackupKeyCT), Valid: true}
		sbkSalt = sql.NullString{String: encodeKey(rec.SessionBackupKeySalt), Valid: true}
		sbkIV = sql.NullString{String: encodeIV(rec.SessionBackupKeyIV), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_key_backups (
			user_id, password_ct, password_salt, password_iv,
			recovery_ct, recovery_salt, recovery_iv,
			session_backup_key_ct, session_backup_key_salt, session_backup_key_iv,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			password_ct = EXCLUDED.password_ct,
			password_salt = EXCLUDED.password_salt,
			password_iv = EXCLUDED.password_iv,
			recovery_ct = EXCLUDED.recovery_ct,
			recovery_salt = EXCLUDED.recovery_salt,
			recovery_iv = EXCLUDED.recovery_iv,
			session_backup_key_ct = EXCLUDED.session_backup_key_ct,
			session_backup_key_salt = EXCLUDED.session_backup_key_salt,
			session_backup_key_iv = EXCLUDED.session_backup_key_iv,
			updated_at = EXCLUDED.updated_at
	`, rec.UserID, encodeBytes(rec.PasswordCT), encodeKey(rec.PasswordSalt), encodeIV(rec.PasswordIV),
		recoveryCT, recoverySalt, recoveryIV,
		sbkCT, sbkSalt, sbkIV,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("remotestore: upsert identity backup: %w", err)
	}
	return nil
}

// GetIdentityBackup returns the backup envelope for userID, or
// ok=false if the user has never backed up.
func (s *Store) GetIdentityBackup(ctx context.Context, userID string) (rec domain.IdentityBackupRecord, ok bool, err error) {
	var passwordCT, passwordSalt, passwordIV string
	var recoveryCT, recoverySalt, recoveryIV sql.NullString
	var sbkCT, sbkSalt, sbkIV sql.NullString

	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, password_ct, password_salt, password_iv,
			recovery_ct, recovery_salt, recovery_iv,
			session_backup_key_ct, session_backup_key_salt, session_backup_key_iv,
			updated_at
		FROM identity_key_backups WHERE user_id = $1
	`, userID)
	err = row.Scan(&rec.UserID, &passwordCT, &passwordSalt, &passwordIV,
		&recoveryCT, &recoverySalt, &recoveryIV,
		&sbkCT, &sbkSalt, &sbkIV,
		&rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.IdentityBackupRecord{}, false, nil
	}
	if err != nil {
		return domain.IdentityBackupRecord{}, false, fmt.Errorf("remotestore: get identity backup: %w", err)
	}

	if rec.PasswordCT, err = decodeBytes(passwordCT); err != nil {
		return rec, false, err
	}
	if rec.PasswordSalt, err = decodeKeyStr(passwordSalt); err != nil {
		return rec, false, err
	}
	if rec.PasswordIV, err = decodeIVStr(passwordIV); err != nil {
		return rec, false, err
	}

	if recoveryCT.Valid {
		rec.RecoveryPresent = true
		if rec.RecoveryCT, err = decodeBytes(recoveryCT.String); err != nil {
			return rec, false, err
		}
		if rec.RecoverySalt, err = decodeKeyStr(recoverySalt.String); err != nil {
			return rec, false, err
		}
		if rec.RecoveryIV, err = decodeIVStr(recoveryIV.String); err != nil {
			return rec, false, err
		}
	}
	if sbkCT.Valid {
		rec.SessionBackupKeyPresent = true
		if rec.SessionBackupKeyCT, err = decodeBytes(sbkCT.String); err != nil {
			return rec, false, err
		}
		if rec.SessionBackupKeySalt, err = decodeKeyStr(sbkSalt.String); err != nil {
			return rec, false, err
		}
		if rec.SessionBackupKeyIV, err = decodeIVStr(sbkIV.String); err != nil {
			return rec, false, err
		}
	}
	return rec, true, nil
}

// UpsertSessionKeyBackup writes one row of conversation_session_keys.
func (s *Store) UpsertSessionKeyBackup(ctx context.Context, rec domain.SessionKeyBackupRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_session_keys (
			user_id, conversation_id, key_epoch, encrypted_session_key, encryption_nonce, message_counter, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, conversation_id, key_epoch) DO UPDATE SET
			encrypted_session_key = EXCLUDED.encrypted_session_key,
			encryption_nonce = EXCLUDED.encryption_nonce,
			message_counter = EXCLUDED.message_counter,
			updated_at = EXCLUDED.updated_at
	`, rec.UserID, rec.ConversationID, rec.Epoch, encodeBytes(rec.Ciphertext), encodeNonce(rec.Nonce), rec.Counter, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("remotestore: upsert session key backup: %w", err)
	}
	return nil
}

// UpdateSessionKeyBackupCounter performs the best-effort counter push
// from KeyManager.Encrypt without touching the ciphertext columns.
func (s *Store) UpdateSessionKeyBackupCounter(ctx context.Context, userID, conversationID string, epoch uint32, counter uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_session_keys SET message_counter = $1, updated_at = $2
		WHERE user_id = $3 AND conversation_id = $4 AND key_epoch = $5
	`, counter, time.Now().UTC(), userID, conversationID, epoch)
	if err != nil {
		return fmt.Errorf("remotestore: update session key backup counter: %w", err)
	}
	return nil
}

// ListSessionKeyBackups returns every session-key backup row for userID.
func (s *Store) ListSessionKeyBackups(ctx context.Context, userID string) ([]domain.SessionKeyBackupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, conversation_id, key_epoch, encrypted_session_key, encryption_nonce, message_counter, updated_at
		FROM conversation_session_keys WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("remotestore: list session key backups: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Printf("warning: failed to close rows: %v", cerr)
		}
	}()

	var out []domain.SessionKeyBackupRecord
	for rows.Next() {
		var rec domain.SessionKeyBackupRecord
		var ct, nonce string
		if err := rows.Scan(&rec.UserID, &rec.ConversationID, &rec.Epoch, &ct, &nonce, &rec.Counter, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("remotestore: scan session key backup: %w", err)
		}
		if rec.Ciphertext, err = decodeBytes(ct); err != nil {
			return nil, err
		}
		if rec.Nonce, err = decodeNonceStr(nonce); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// TryAcquireRotationLock attempts to acquire or renew the rotation
// lease for userID with the given token and TTL. It reports ok=true
// only if this call's token is the one now holding the lease (either
// the row did not exist, or the previous lease had expired, or this
// token already held it).
func (s *Store) TryAcquireRotationLock(ctx context.Context, userID, token string, ttl time.Duration) (ok bool, err error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO key_rotation_locks (user_id, lock_token, locked_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			lock_token = EXCLUDED.lock_token,
			locked_at = EXCLUDED.locked_at,
			expires_at = EXCLUDED.expires_at
		WHERE key_rotation_locks.expires_at < $3 OR key_rotation_locks.lock_token = $2
	`, userID, token, now, expires)
	if err != nil {
		return false, fmt.Errorf("remotestore: acquire rotation lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remotestore: acquire rotation lock: rows affected: %w", err)
	}
	return affected > 0, nil
}

// PartnersForUser returns every distinct other user who shares a
// conversation with userID. It implements keymanager.ConversationLookup
// against the narrow conversation_participants junction table — the
// engine reads only enough to know who to sync historical keys for,
// never conversation content (spec.md §6's Database external-collaborator
// contract, kept deliberately read-only and single-purpose here).
func (s *Store) PartnersForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT cp2.user_id
		FROM conversation_participants cp1
		JOIN conversation_participants cp2 ON cp1.conversation_id = cp2.conversation_id
		WHERE cp1.user_id = $1 AND cp2.user_id != $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("remotestore: partners for user: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Printf("warning: failed to close rows: %v", cerr)
		}
	}()

	var out []string
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, fmt.Errorf("remotestore: scan partner: %w", err)
		}
		out = append(out, peer)
	}
	return out, nil
}

// ReleaseRotationLock removes the lease if it is still held by token.
// Called unconditionally on every exit path from a rotation, success
// or failure.
func (s *Store) ReleaseRotationLock(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM key_rotation_locks WHERE user_id = $1 AND lock_token = $2
	`, userID, token)
	if err != nil {
		return fmt.Errorf("remotestore: release rotation lock: %w", err)
	}
	return nil
}
