// Package pgdb wraps the PostgreSQL driver contract from §6:
// execute_command, execute_query_and_get_result, and escape_string, plus
// the startup SELECT 1 health check MainDBService/main.cpp runs before
// accepting deliveries.
package pgdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// DB is a thin wrapper over database/sql/pq giving DbJobExecutor the three
// primitives it needs without exposing *sql.DB directly.
type DB struct {
	conn *sql.DB
}

func Open(conn string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &DB{conn: sqlDB}, nil
}

// Ping runs the original's startup "SELECT 1" health check.
func (db *DB) Ping(ctx context.Context) error {
	var one int
	if err := db.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres health check: %w", err)
	}
	return nil
}

// ExecuteCommand runs sql with no expectation of rows (INSERT/UPDATE/
// DELETE/BEGIN/COMMIT/ROLLBACK).
func (db *DB) ExecuteCommand(ctx context.Context, query string) error {
	_, err := db.conn.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("execute command: %w", err)
	}
	return nil
}

// Row is one result row, column name to text value. A NULL column has no
// entry in the map.
type Row map[string]string

// ExecuteQueryAndGetResult runs a SELECT and materializes every row as a
// string-keyed map, matching the original's generic result-set contract.
func (db *DB) ExecuteQueryAndGetResult(ctx context.Context, query string) ([]Row, error) {
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var result []Row
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if raw[i].Valid {
				row[c] = raw[i].String
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// EscapeString escapes a string literal's single quotes the way pq's
// wire protocol requires when the executor inlines literals directly
// into SQL text (§4.1 — inlined-literal SQL by design, no parameter
// binding).
func EscapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Transaction is the narrow surface DbJobExecutor's batch semantics need
// (BEGIN implicit in Begin, explicit Commit/Rollback, §4.1).
type Transaction interface {
	Exec(ctx context.Context, query string) error
	Commit() error
	Rollback() error
}

type tx struct{ sqlTx *sql.Tx }

func (t *tx) Exec(ctx context.Context, query string) error {
	_, err := t.sqlTx.ExecContext(ctx, query)
	return err
}
func (t *tx) Commit() error   { return t.sqlTx.Commit() }
func (t *tx) Rollback() error { return t.sqlTx.Rollback() }

// Begin starts a transaction for DbJobExecutor's batch semantics.
func (db *DB) Begin(ctx context.Context) (Transaction, error) {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{sqlTx: sqlTx}, nil
}
