// Package message persists the notification requests accepted by the API.
// Jobs only carry the message id, the worker loads the record from here.
package message

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no message has the given id.
var ErrNotFound = errors.New("message not found")

// Message is one notification request.
type Message struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	email      TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
`

// Store is a sqlite backed message repository.
type Store struct {
	db *sql.DB
}

// Open connects to the sqlite database at dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open message db")
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping message db")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create message schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create stores a message and fills in its ID and CreatedAt.
func (s *Store) Create(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (email, body, created_at) VALUES (?, ?, ?)`,
		m.Email, m.Body, m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, "insert message")
	}
	m.ID, err = res.LastInsertId()
	return errors.Wrap(err, "read message id")
}

// Get returns the message with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, body, created_at FROM messages WHERE id = ?`, id)
	m, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get message %d", id)
	}
	return m, nil
}

// Recent returns up to limit messages, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, body, created_at FROM messages ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, *m)
	}
	return messages, errors.Wrap(rows.Err(), "list messages")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (*Message, error) {
	var (
		m       Message
		created int64
	)
	if err := row.Scan(&m.ID, &m.Email, &m.Body, &created); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(0, created)
	return &m, nil
}
