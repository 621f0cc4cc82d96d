// Package store provides PostgreSQL-backed storage for persisted messages.
// Rows are created only by the durable write pipeline and are immutable
// afterwards; history lookups return both directions of a conversation in
// timestamp order.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Message is a persisted chat message row.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store manages persisted messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given URL and verifies the
// connection with a bounded ping.
func Open(dbURL string) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	return NewStore(db), nil
}

// Migrate applies pending schema migrations from sourceURL (e.g.
// "file://migrations") against the database at dbURL. An up-to-date schema
// is not an error.
func Migrate(sourceURL, dbURL string) error {
	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Insert persists a single message. The caller supplies the timestamp so
// the pipeline controls when a retried message is stamped.
func (s *Store) Insert(ctx context.Context, sender, recipient, message string, ts time.Time) error {
	const query = `
		INSERT INTO messages (sender, recipient, message, timestamp)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, sender, recipient, message, ts); err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}
	return nil
}

// History returns all messages exchanged between identities a and b, in
// either direction, ordered by timestamp ascending (row ID breaks ties).
func (s *Store) History(ctx context.Context, a, b string) ([]Message, error) {
	const query = `
		SELECT id, sender, recipient, message, timestamp
		FROM messages
		WHERE (sender = $1 AND recipient = $2)
		   OR (sender = $2 AND recipient = $1)
		ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Message, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history rows: %w", err)
	}
	return messages, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
