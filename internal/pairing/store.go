// Package pairing persists pairing requests and approved senders for
// channels running the pairing DM policy. An unknown sender receives a
// one-time code; an operator approves the number out-of-band (or the sender
// proves the code), after which the sender appears in the channel allow-list.
package pairing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS paired_users (
	channel    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	paired_at  TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	PRIMARY KEY (channel, user_id)
);
CREATE TABLE IF NOT EXISTS pairing_requests (
	channel    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	code       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	PRIMARY KEY (channel, user_id)
);
`

// Store is a sqlite-backed pairing store.
type Store struct {
	db      *sql.DB
	codeTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Open creates (or opens) the pairing database at path and applies schema.
func Open(log *slog.Logger, path string, codeTTL time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pairing db: %w", err)
	}
	store, err := NewWithDB(log, db, codeTTL)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing database handle. Tests use in-memory handles.
func NewWithDB(log *slog.Logger, db *sql.DB, codeTTL time.Duration) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if codeTTL <= 0 {
		codeTTL = 10 * time.Minute
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply pairing schema: %w", err)
	}
	return &Store{
		db:      db,
		codeTTL: codeTTL,
		logger:  log.With(slog.String("component", "pairing")),
		now:     time.Now,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPairingRequest creates a pairing request for the sender or returns
// the pending one. created is true only when no unexpired request existed,
// so callers send at most one pairing-code reply per pending sender.
func (s *Store) UpsertPairingRequest(ctx context.Context, channel, sender string) (string, bool, error) {
	if channel == "" || sender == "" {
		return "", false, fmt.Errorf("channel and sender are required")
	}
	now := s.now().UTC()

	var code string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT code, expires_at FROM pairing_requests WHERE channel = ? AND user_id = ?`,
		channel, sender,
	).Scan(&code, &expiresAt)
	switch {
	case err == nil:
		if expiresAt.After(now) {
			return code, false, nil
		}
		// Expired request: issue a fresh code.
	case err != sql.ErrNoRows:
		return "", false, fmt.Errorf("read pairing request: %w", err)
	}

	code = generateCode(6)
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_requests (channel, user_id, code, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		channel, sender, code, now, now.Add(s.codeTTL),
	)
	if err != nil {
		return "", false, fmt.Errorf("write pairing request: %w", err)
	}
	s.logger.Info("pairing request created", slog.String("channel", channel), slog.String("sender", sender))
	return code, true, nil
}

// ReadAllow returns all currently approved sender ids for the channel.
func (s *Store) ReadAllow(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM paired_users
		 WHERE channel = ? AND (expires_at IS NULL OR expires_at > ?)`,
		channel, s.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("read allow-list: %w", err)
	}
	defer rows.Close()
	var senders []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, fmt.Errorf("scan allow-list: %w", err)
		}
		senders = append(senders, sender)
	}
	return senders, rows.Err()
}

// Approve marks the sender as paired and removes any pending request.
// ttlDays <= 0 means the pairing never expires.
func (s *Store) Approve(ctx context.Context, channel, sender string, ttlDays int) error {
	now := s.now().UTC()
	var expiresAt any
	if ttlDays > 0 {
		expiresAt = now.AddDate(0, 0, ttlDays)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO paired_users (channel, user_id, paired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		channel, sender, now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("approve sender: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE channel = ? AND user_id = ?`,
		channel, sender,
	); err != nil {
		return fmt.Errorf("clear pairing request: %w", err)
	}
	s.logger.Info("sender approved", slog.String("channel", channel), slog.String("sender", sender))
	return nil
}

// VerifyCode approves the sender when the presented code matches an unexpired
// pending request.
func (s *Store) VerifyCode(ctx context.Context, channel, sender, code string) (bool, error) {
	var stored string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT code, expires_at FROM pairing_requests WHERE channel = ? AND user_id = ?`,
		channel, sender,
	).Scan(&stored, &expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pairing request: %w", err)
	}
	if expiresAt.Before(s.now().UTC()) || stored != code {
		return false, nil
	}
	if err := s.Approve(ctx, channel, sender, 0); err != nil {
		return false, err
	}
	return true, nil
}

// Unpair removes a sender's approval.
func (s *Store) Unpair(ctx context.Context, channel, sender string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM paired_users WHERE channel = ? AND user_id = ?`,
		channel, sender,
	)
	return err
}

// CleanExpired removes expired pairing requests and lapsed approvals. Call
// periodically.
func (s *Store) CleanExpired(ctx context.Context) error {
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE expires_at <= ?`, now,
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM paired_users WHERE expires_at IS NOT NULL AND expires_at <= ?`, now,
	)
	return err
}

// generateCode returns a cryptographically random numeric code.
func generateCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code)
}
