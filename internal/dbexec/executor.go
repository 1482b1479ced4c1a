// Package dbexec implements DbJobExecutor (§4.1): the JSON-to-SQL
// translator with an allow-list policy engine and atomic batch semantics.
package dbexec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ngee044/cachedb-pipeline/internal/pgdb"
)

// SQLExecutor is the narrow slice of pgdb.DB the executor needs, letting
// tests substitute a fake without touching a real database.
type SQLExecutor interface {
	ExecuteCommand(ctx context.Context, query string) error
	Begin(ctx context.Context) (pgdb.Transaction, error)
}

type Executor struct {
	db     SQLExecutor
	policy Policy
}

func New(db SQLExecutor, policy Policy) *Executor {
	return &Executor{db: db, policy: policy}
}

// HandleMessage parses body as JSON, dispatches by shape, and executes the
// resulting SQL. It never retries — retry is the DBApply runtime's concern.
func (e *Executor) HandleMessage(ctx context.Context, body []byte) error {
	fields, err := topLevelObject(body)
	if err != nil {
		return err
	}

	if batchRaw, ok := lookup(fields, "batch"); ok {
		return e.handleBatch(ctx, batchRaw)
	}

	stmt, err := translateItem(fields, e.policy)
	if err != nil {
		return err
	}
	if err := e.db.ExecuteCommand(ctx, stmt); err != nil {
		return fmt.Errorf("%w: %v", ErrDBError, err)
	}
	return nil
}

// topLevelObject validates that body is a JSON object and returns its
// fields in source order. Malformed JSON and non-object roots are
// distinguished per §4.1's first two rejection rules.
func topLevelObject(body []byte) ([]field, error) {
	var probe any
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, ErrMalformedJSON
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, ErrMalformedShape
	}
	fields, err := decodeOrderedObject(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedShape, err)
	}
	return fields, nil
}

// handleBatch translates every item first (failing fast, before any
// database I/O), then runs the resulting statements inside one
// transaction — §4.1's batch semantics and §8 property 2 (all-N-or-none).
func (e *Executor) handleBatch(ctx context.Context, batchRaw json.RawMessage) error {
	var items []json.RawMessage
	if err := json.Unmarshal(batchRaw, &items); err != nil {
		return fmt.Errorf("%w: batch must be an array", ErrMalformedShape)
	}

	stmts := make([]string, 0, len(items))
	for _, item := range items {
		fields, err := topLevelObject(item)
		if err != nil {
			return err
		}
		stmt, err := translateItem(fields, e.policy)
		if err != nil {
			return err
		}
		stmts = append(stmts, stmt)
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDBError, err)
	}
	for _, stmt := range stmts {
		if err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: %v", ErrDBError, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDBError, err)
	}
	return nil
}
