package errs

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/evbridge/circulator/src/record"
)

// MySQLDeadLetter is an ErrorHandler that inserts every failed record into
// a dead_letter table instead of dropping it, so an operator can inspect
// or replay it later. A distinct backend from the offset managers' SQL
// stores: this one is a write-mostly archive, not a commit log an
// idempotent upsert needs to protect.
type MySQLDeadLetter struct {
	db *sql.DB
}

// OpenMySQLDeadLetter connects using a standard go-sql-driver/mysql DSN and
// ensures the dead_letter table exists.
func OpenMySQLDeadLetter(dsn string) (*MySQLDeadLetter, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dlq: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql dlq: ping: %w", err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS dead_letter (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		runner VARCHAR(255) NOT NULL,
		offset_token VARCHAR(255) NOT NULL,
		reason VARCHAR(64) NOT NULL,
		cause TEXT,
		failed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql dlq: create table: %w", err)
	}
	return &MySQLDeadLetter{db: db}, nil
}

// Handle inserts the failed record; insertion failures are logged, not
// propagated, per the Handler contract (must not block the caller on a
// secondary failure).
func (h *MySQLDeadLetter) Handle(ctx context.Context, rec *record.ConnectRecord, reason Reason, cause error) {
	var causeText string
	if cause != nil {
		causeText = cause.Error()
	}
	const insert = `INSERT INTO dead_letter (runner, offset_token, reason, cause) VALUES (?, ?, ?, ?)`
	if _, err := h.db.ExecContext(ctx, insert, string(rec.Runner), rec.Offset, string(reason), causeText); err != nil {
		log.Error().Err(err).Str("runner", string(rec.Runner)).Msg("mysql dlq: insert failed")
	}
}

func (h *MySQLDeadLetter) Close() error {
	return h.db.Close()
}
