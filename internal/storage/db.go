package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schemaVersion is the initial version recorded for a fresh database. The
// schema in this file is additive-only going forward: new columns are added
// with ensureColumn/hasColumn, matching the reference store's pattern.
const schemaVersion = 1

// DB wraps the single pooled SQLite connection backing the engine. Every
// domain package (eventlog, jobqueue, orchestrator, ...) is handed this same
// connection rather than opening its own file, since spec.md describes one
// relational store, not one store per concern.
type DB struct {
	*sql.DB
}

// Open creates (or opens) the SQLite database at path, applies pragmas,
// creates the schema if missing, and records the initial schema version.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// A single pooled connection avoids SQLITE_BUSY from concurrent writers
	// within the process; WAL mode lets readers proceed during writes.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := sqlDB.Exec(schemaDDL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := EnsureVersion(sqlDB, schemaVersion); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}

	return &DB{DB: sqlDB}, nil
}

// hasColumn reports whether table has a column named col.
func hasColumn(db *sql.DB, table, col string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ensureColumn adds col to table via ddl if it does not already exist.
func ensureColumn(db *sql.DB, table, col, ddl string) error {
	ok, err := hasColumn(db, table, col)
	if err != nil {
		return fmt.Errorf("check column %s.%s: %w", table, col, err)
	}
	if ok {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, col, err)
	}
	return nil
}

// NextSequence atomically increments runs.next_sequence for runID and
// returns the value to assign to the event being appended (the sequence the
// counter held before increment). Must be called inside the same
// transaction as the event insert so sequence assignment and the row that
// consumes it commit atomically.
func NextSequence(tx *sql.Tx, runID string) (int64, error) {
	var seq int64
	err := tx.QueryRow(
		`UPDATE runs SET next_sequence = next_sequence + 1 WHERE id = ? RETURNING next_sequence - 1`,
		runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence for run %s: %w", runID, err)
	}
	return seq, nil
}

// Now is the single source of "current time" used for row timestamps, so
// call sites are trivially fakeable in tests by wrapping DB (kept as a plain
// function, not a field, to match the reference's direct time.Now() usage).
func Now() time.Time {
	return time.Now().UTC()
}
