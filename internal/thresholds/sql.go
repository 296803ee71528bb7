package thresholds

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	sqlCreateTable = `CREATE TABLE IF NOT EXISTS workflow_thresholds (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`
	sqlSelectAll = `SELECT name, value FROM workflow_thresholds`
	sqlUpsert    = `INSERT INTO workflow_thresholds (name, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
)

// SQLSource keeps thresholds in a key/value table through database/sql.
// Statements use ? placeholders; it is used with the embedded SQLite driver
// when the service runs in lite mode.
type SQLSource struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLSource wraps an open database handle.
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db, now: time.Now}
}

// EnsureSchema creates the thresholds table when missing.
func (s *SQLSource) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlCreateTable); err != nil {
		return fmt.Errorf("failed to create workflow_thresholds: %w", err)
	}
	return nil
}

// LoadThresholds returns every stored row.
func (s *SQLSource) LoadThresholds(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectAll)
	if err != nil {
		return nil, fmt.Errorf("failed to query thresholds: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan threshold: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read thresholds: %w", err)
	}
	return values, nil
}

// SetThreshold upserts one key.
func (s *SQLSource) SetThreshold(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, sqlUpsert, key, value, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to store threshold %s: %w", key, err)
	}
	return nil
}
