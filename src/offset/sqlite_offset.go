package offset

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evbridge/circulator/src/record"
)

// SQLite is the default embedded OffsetManager backend: a single-process
// deployment that still wants commits to survive a restart, without
// standing up a separate database service. Grounded on the teacher's habit
// (src/config/config.go) of defaulting to a local filesystem path under the
// user's home directory when no external service is configured.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the commit-log table at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite offset: open %s: %w", path, err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS offset_commits (
		runner TEXT NOT NULL,
		offset_token TEXT NOT NULL,
		committed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (runner, offset_token)
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite offset: create table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Commit is idempotent: INSERT OR IGNORE tolerates the same record being
// committed twice, which spec.md §7 explicitly allows across a worker
// replacement race (ConfigurationRace, WorkerShutdownTimeout).
func (s *SQLite) Commit(ctx context.Context, records ...*record.ConnectRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite offset: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO offset_commits (runner, offset_token) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite offset: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, string(r.Runner), r.Offset); err != nil {
			return fmt.Errorf("sqlite offset: exec for runner %s: %w", r.Runner, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
