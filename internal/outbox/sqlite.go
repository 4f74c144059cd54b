// Package outbox queues outbound chat messages until a messaging platform
// adapter collects them.
package outbox

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/bugbot/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoRecipient is returned when a message is addressed to a user without a
// chat identity.
var ErrNoRecipient = errors.New("recipient has no chat identity")

// Message is one queued outbound chat message.
type Message struct {
	ID          string         `json:"id"`
	To          models.UserRef `json:"to"`
	Body        string         `json:"body"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// SQLiteOutbox stores messages using modernc.org/sqlite (pure Go, no CGO).
// It implements the dialogue engine's Messenger.
type SQLiteOutbox struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteOutbox opens (or creates) a SQLite database at the given path.
// Use ":memory:" for a throwaway queue.
func NewSQLiteOutbox(dbPath string) (*SQLiteOutbox, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection also
	// keeps an in-memory database alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteOutbox{db: db, now: time.Now}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteOutbox) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteOutbox) Close() error {
	return s.db.Close()
}

// Send queues body for to.
func (s *SQLiteOutbox) Send(ctx context.Context, to models.UserRef, body string) error {
	key := to.Key()
	if key == "" {
		return ErrNoRecipient
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, person_key, person_id, person_email, name, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), key, to.PersonID, to.Email, to.Name, body, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("queue message: %w", err)
	}
	return nil
}

// pending returns the undelivered messages for a person key, oldest first.
func (s *SQLiteOutbox) pending(ctx context.Context, key string) ([]*Message, error) {
	return s.query(ctx, s.db, key)
}

// Drain returns the undelivered messages for a person key, oldest first, and
// marks them delivered.
func (s *SQLiteOutbox) Drain(ctx context.Context, key string) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drain: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msgs, err := s.query(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET delivered_at = ? WHERE person_key = ? AND delivered_at IS NULL AND seq <= (
			SELECT MAX(seq) FROM messages WHERE id = ?)`,
		now, key, msgs[len(msgs)-1].ID,
	); err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain: %w", err)
	}
	for _, m := range msgs {
		m.DeliveredAt = &now
	}
	return msgs, nil
}

// PurgeDelivered deletes messages delivered before cutoff.
func (s *SQLiteOutbox) PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE delivered_at IS NOT NULL AND delivered_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge delivered: %w", err)
	}
	return res.RowsAffected()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteOutbox) query(ctx context.Context, q querier, key string) ([]*Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, person_id, person_email, name, body, created_at
		FROM messages WHERE person_key = ? AND delivered_at IS NULL ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []*Message{}
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.To.PersonID, &m.To.Email, &m.To.Name, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
