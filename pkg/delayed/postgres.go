// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package delayed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// Table holds the timeouts. Default "recoverbus_timeouts".
	Table string `mapstructure:"table" yaml:"table"`
	// AutoMigrate creates the table when missing.
	AutoMigrate bool `mapstructure:"autoMigrate" yaml:"autoMigrate"`
}

const defaultTimeoutsTable = "recoverbus_timeouts"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresStore keeps timeouts in a PostgreSQL table.
type PostgresStore struct {
	db    *sql.DB
	table string
	owned bool

	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore opens the database, verifies connectivity and migrates the
// table when configured to.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s, err := NewPostgresStoreWithDB(db, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewPostgresStoreWithDB uses an existing pool. Close does not close it.
func NewPostgresStoreWithDB(db *sql.DB, table string) (*PostgresStore, error) {
	if table == "" {
		table = defaultTimeoutsTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid timeouts table name %q", table)
	}
	return &PostgresStore{db: db, table: table}, nil
}

// Migrate creates the timeouts table and its due index if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	destination TEXT NOT NULL,
	message_id TEXT NOT NULL,
	headers TEXT NOT NULL,
	body BYTEA,
	due_at TIMESTAMPTZ NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_due_at_idx ON %s (due_at)`, indexPrefix(s.table), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate timeouts table: %w", err)
		}
	}
	return nil
}

// Add implements Store.
func (s *PostgresStore) Add(ctx context.Context, t Timeout) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	headers, err := json.Marshal(t.Headers)
	if err != nil {
		return fmt.Errorf("failed to serialize headers of timeout %s: %w", t.ID, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, destination, message_id, headers, body, due_at) VALUES ($1, $2, $3, $4, $5, $6)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, t.ID, t.Destination, t.MessageID, string(headers), t.Body, t.DueAt.UTC()); err != nil {
		return fmt.Errorf("failed to store timeout %s: %w", t.ID, err)
	}
	return nil
}

// Due implements Store.
func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]Timeout, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`SELECT id, destination, message_id, headers, body, due_at FROM %s WHERE due_at <= $1 ORDER BY due_at, id LIMIT $2`, s.table)
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due timeouts: %w", err)
	}
	defer rows.Close()

	var timeouts []Timeout
	for rows.Next() {
		var (
			t       Timeout
			headers string
		)
		if err := rows.Scan(&t.ID, &t.Destination, &t.MessageID, &headers, &t.Body, &t.DueAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeout: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &t.Headers); err != nil {
			return nil, fmt.Errorf("failed to deserialize headers of timeout %s: %w", t.ID, err)
		}
		timeouts = append(timeouts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due timeouts: %w", err)
	}
	return timeouts, nil
}

// Remove implements Store.
func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to remove timeout %s: %w", id, err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func indexPrefix(table string) string {
	out := []byte(table)
	for i, c := range out {
		if c == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}
