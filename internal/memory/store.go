// Package memory persists facts the assistant learned about the user and
// renders them into the session instructions.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	_ "modernc.org/sqlite"
)

type Fact struct {
	ID        int64
	Text      string
	CreatedAt time.Time
}

// Store is a SQLite-backed list of remembered facts. Exact duplicates are
// stored once.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.MemoryConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log.With(slog.String("component", "memory")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS facts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init memory schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save records fact and reports whether it was new.
func (s *Store) Save(ctx context.Context, fact string) (bool, error) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return false, fmt.Errorf("fact is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO facts(text, created_at) VALUES(?, ?) ON CONFLICT(text) DO NOTHING`,
		fact, s.clock().UTC())
	if err != nil {
		return false, fmt.Errorf("insert fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.log.Info("fact remembered", slog.Int("length", len(fact)))
	}
	return n > 0, nil
}

// List returns facts in the order they were learned.
func (s *Store) List(ctx context.Context) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, created_at FROM facts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var created string
		if err := rows.Scan(&f.ID, &f.Text, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			f.CreatedAt = ts
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// Delete removes one fact. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM facts`); err != nil {
		return fmt.Errorf("clear facts: %w", err)
	}
	return nil
}

// Instructions appends the remembered facts to base.
func (s *Store) Instructions(ctx context.Context, base string) (string, error) {
	facts, err := s.List(ctx)
	if err != nil {
		return base, err
	}
	return Render(base, facts), nil
}

// Render builds the system instruction for a session.
func Render(base string, facts []Fact) string {
	if len(facts) == 0 {
		return base
	}
	texts := make([]string, 0, len(facts))
	for _, f := range facts {
		texts = append(texts, f.Text)
	}
	return base + "\n\nHere are facts you remember about the user:\n- " +
		strings.Join(texts, "\n- ") +
		"\n\nUse this information to personalize your responses."
}
