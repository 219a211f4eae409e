package offset

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/evbridge/circulator/src/record"
)

// Postgres is the OffsetManager backend for deployments running several
// circulator instances against a shared commit-log table (the sqlite
// backend is necessarily single-process). Same idempotent-upsert shape as
// SQLite, different driver.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects using a standard libpq DSN and ensures the
// commit-log table exists.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres offset: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres offset: ping: %w", err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS offset_commits (
		runner TEXT NOT NULL,
		offset_token TEXT NOT NULL,
		committed_at TIMESTAMPTZ DEFAULT now(),
		PRIMARY KEY (runner, offset_token)
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres offset: create table: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Commit(ctx context.Context, records ...*record.ConnectRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres offset: begin tx: %w", err)
	}
	defer tx.Rollback()

	const upsert = `INSERT INTO offset_commits (runner, offset_token) VALUES ($1, $2)
		ON CONFLICT (runner, offset_token) DO NOTHING`
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, upsert, string(r.Runner), r.Offset); err != nil {
			return fmt.Errorf("postgres offset: exec for runner %s: %w", r.Runner, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
