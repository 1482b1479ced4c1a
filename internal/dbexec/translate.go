package dbexec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ngee044/cachedb-pipeline/internal/pgdb"
)

// identQuote wraps an identifier verbatim in double quotes. No sanitization
// is performed — per §4.1, the allow-list is the sole defense against
// identifier-based injection.
func identQuote(name string) string {
	return `"` + name + `"`
}

func literalForRaw(raw json.RawMessage) (string, error) {
	v, err := decodeScalar(raw)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if t {
			return "TRUE", nil
		}
		return "FALSE", nil
	case json.Number:
		return t.String(), nil
	case string:
		return "'" + pgdb.EscapeString(t) + "'", nil
	case []any, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("serialize literal: %w", err)
		}
		return "'" + pgdb.EscapeString(string(b)) + "'", nil
	default:
		return "", fmt.Errorf("unsupported literal type %T", v)
	}
}

func buildWhere(where []field) (string, error) {
	if len(where) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(where))
	for _, f := range where {
		lit, err := literalForRaw(f.Raw)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%s=%s", identQuote(f.Key), lit))
	}
	return "WHERE " + strings.Join(parts, " AND "), nil
}

func buildInsert(table string, values []field) (string, error) {
	cols := make([]string, 0, len(values))
	lits := make([]string, 0, len(values))
	for _, f := range values {
		cols = append(cols, identQuote(f.Key))
		lit, err := literalForRaw(f.Raw)
		if err != nil {
			return "", err
		}
		lits = append(lits, lit)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);", identQuote(table), strings.Join(cols, ","), strings.Join(lits, ",")), nil
}

func buildUpdate(table string, values, where []field) (string, error) {
	sets := make([]string, 0, len(values))
	for _, f := range values {
		lit, err := literalForRaw(f.Raw)
		if err != nil {
			return "", err
		}
		sets = append(sets, fmt.Sprintf("%s=%s", identQuote(f.Key), lit))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s", identQuote(table), strings.Join(sets, ", "))
	whereClause, err := buildWhere(where)
	if err != nil {
		return "", err
	}
	if whereClause != "" {
		stmt += " " + whereClause
	}
	return stmt + ";", nil
}

func buildDelete(table string, where []field) (string, error) {
	stmt := fmt.Sprintf("DELETE FROM %s", identQuote(table))
	whereClause, err := buildWhere(where)
	if err != nil {
		return "", err
	}
	if whereClause != "" {
		stmt += " " + whereClause
	}
	return stmt + ";", nil
}

// translateItem turns one job object (already parsed into ordered fields)
// into a single SQL statement, applying the §4.1 policy checks.
func translateItem(fields []field, policy Policy) (string, error) {
	if sqlRaw, ok := lookup(fields, "sql"); ok {
		var stmt string
		if err := json.Unmarshal(sqlRaw, &stmt); err != nil {
			return "", fmt.Errorf("%w: sql must be a string", ErrMalformedShape)
		}
		if !policy.AllowsOp("exec") {
			return "", ErrPolicyDenied
		}
		return stmt, nil
	}

	opRaw, hasOp := lookup(fields, "op")
	tableRaw, hasTable := lookup(fields, "table")
	if !hasOp || !hasTable {
		return "", ErrUnsupportedShape
	}

	var op, table string
	if err := json.Unmarshal(opRaw, &op); err != nil {
		return "", fmt.Errorf("%w: op must be a string", ErrMalformedShape)
	}
	if err := json.Unmarshal(tableRaw, &table); err != nil {
		return "", fmt.Errorf("%w: table must be a string", ErrMalformedShape)
	}

	switch op {
	case "insert", "update", "delete":
	default:
		return "", ErrUnsupportedOp
	}

	if !policy.AllowsOp(op) || !policy.AllowsTable(table) {
		return "", ErrPolicyDenied
	}

	var values, where []field
	if raw, ok := lookup(fields, "values"); ok {
		v, err := decodeOrderedObject(raw)
		if err != nil {
			return "", fmt.Errorf("%w: values: %v", ErrMalformedShape, err)
		}
		values = v
	}
	if raw, ok := lookup(fields, "where"); ok {
		w, err := decodeOrderedObject(raw)
		if err != nil {
			return "", fmt.Errorf("%w: where: %v", ErrMalformedShape, err)
		}
		where = w
	}

	switch op {
	case "insert":
		return buildInsert(table, values)
	case "update":
		return buildUpdate(table, values, where)
	case "delete":
		return buildDelete(table, where)
	}
	return "", ErrUnsupportedOp
}
