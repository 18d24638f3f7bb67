package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// ErrSequenceNotFound reports a sequence that disappeared between
// enumeration and detail lookup. Callers treat it as a metadata race and do
// not retry.
var ErrSequenceNotFound = errors.New("sequence not found")

type ColumnInfo struct {
	Name       string `json:"name"`
	DataType   string `json:"dataType"`
	Nullable   bool   `json:"nullable"`
	DefaultVal string `json:"defaultValue,omitempty"`
}

type SequenceInfo struct {
	Name        string `json:"name"`
	LastValue   int64  `json:"lastValue"`
	IncrementBy int64  `json:"incrementBy"`
	DataType    string `json:"dataType"`
}

// ListTables returns the base tables of a schema in alphabetical order.
// pg_tables excludes views, materialized views and foreign tables.
func ListTables(ctx context.Context, q Querier, schema string) ([]string, error) {
	return listNames(ctx, q, `SELECT tablename FROM pg_tables WHERE schemaname=$1 ORDER BY tablename`, schema)
}

func ListSequences(ctx context.Context, q Querier, schema string) ([]string, error) {
	return listNames(ctx, q, `SELECT sequencename FROM pg_sequences WHERE schemaname=$1 ORDER BY sequencename`, schema)
}

// TableColumns returns column descriptors ordered by ordinal position. The
// ordinal order drives column order in every generated statement.
func TableColumns(ctx context.Context, q Querier, schema, table string) ([]ColumnInfo, error) {
	rows, err := q.Query(ctx, `
		SELECT a.attname,
			   pg_catalog.format_type(a.atttypid, a.atttypmod) AS data_type,
			   a.attnotnull,
			   pg_get_expr(ad.adbin, ad.adrelid) AS default_val
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_attrdef ad ON a.attrelid = ad.adrelid AND a.attnum = ad.adnum
		WHERE n.nspname = $1
		  AND c.relname = $2
		  AND a.attnum > 0
		  AND NOT a.attisdropped
		ORDER BY a.attnum`,
		schema, table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		var notNull bool
		var def *string
		if err := rows.Scan(&c.Name, &c.DataType, &notNull, &def); err != nil {
			return nil, err
		}
		c.Nullable = !notNull
		if def != nil {
			c.DefaultVal = *def
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// PrimaryKeyColumns returns the primary key columns of a table in key
// ordinal order, or an empty slice when the table has no primary key.
func PrimaryKeyColumns(ctx context.Context, q Querier, schema, table string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE n.nspname = $1
		  AND c.relname = $2
		  AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`,
		schema, table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// SequenceDetails reads the live state of a sequence. last_value is NULL
// until the sequence is first used; that reads as 1, matching the CREATE
// SEQUENCE default.
func SequenceDetails(ctx context.Context, q Querier, schema, name string) (SequenceInfo, error) {
	var info SequenceInfo
	var lastValue *int64
	err := q.QueryRow(ctx, `
		SELECT sequencename, last_value, increment_by, data_type
		FROM pg_sequences
		WHERE schemaname=$1 AND sequencename=$2`,
		schema, name,
	).Scan(&info.Name, &lastValue, &info.IncrementBy, &info.DataType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SequenceInfo{}, ErrSequenceNotFound
		}
		return SequenceInfo{}, err
	}
	if lastValue != nil {
		info.LastValue = *lastValue
	} else {
		info.LastValue = 1
	}
	if info.IncrementBy == 0 {
		info.IncrementBy = 1
	}
	return info, nil
}

func SequenceExists(ctx context.Context, q Querier, schema, name string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pg_sequences
			WHERE schemaname=$1 AND sequencename=$2
		)`, schema, name).Scan(&exists)
	return exists, err
}

// ApproxRowCount returns the planner's row estimate for a table. It is used
// for progress percentages only; absent statistics read as zero and are
// never an error.
func ApproxRowCount(ctx context.Context, q Querier, schema, table string) (int64, error) {
	var count *int64
	err := q.QueryRow(ctx, `
		SELECT reltuples::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname=$1 AND c.relname=$2`,
		schema, table,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if count == nil || *count < 0 {
		return 0, nil
	}
	return *count, nil
}

// TableRowCount returns the exact row count. Used for the empty-target check
// and post-copy verification, never for progress estimates.
func TableRowCount(ctx context.Context, q Querier, schema, table string) (int64, error) {
	rel, err := QualifiedName(schema, table)
	if err != nil {
		return 0, err
	}
	var count int64
	err = q.QueryRow(ctx, `SELECT COUNT(*) FROM `+rel).Scan(&count)
	return count, err
}

func listNames(ctx context.Context, q Querier, query string, schema string) ([]string, error) {
	rows, err := q.Query(ctx, query, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
