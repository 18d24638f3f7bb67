package migration

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackclub/warehouse-scripts/internal/database"
)

// execTarget is the slice of a pgx connection the DDL layer needs.
type execTarget interface {
	database.Querier
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the target schema when absent. Safe to re-run.
func EnsureSchema(ctx context.Context, dst execTarget, schema string) error {
	if err := database.ValidateIdent(schema); err != nil {
		return err
	}
	_, err := dst.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+database.QuoteIdent(schema))
	return err
}

// CreateSequenceSQL renders the DDL for recreating a source sequence inside
// the target schema. The start value is the last value observed on the
// source so that rows inserted into the target continue the counter instead
// of colliding with already-copied keys.
func CreateSequenceSQL(targetSchema string, seq database.SequenceInfo) (string, error) {
	rel, err := database.QualifiedName(targetSchema, seq.Name)
	if err != nil {
		return "", err
	}
	dataType := seq.DataType
	if dataType == "" {
		dataType = "bigint"
	}
	return fmt.Sprintf("CREATE SEQUENCE %s AS %s INCREMENT BY %d START WITH %d",
		rel, dataType, seq.IncrementBy, seq.LastValue), nil
}

// EnsureSequence creates the sequence in the target schema unless one of the
// same name is already there. An existing sequence is left completely alone:
// resetting its counter on a resumed run would replay key values and break
// inserts against already-copied rows.
func EnsureSequence(ctx context.Context, dst execTarget, targetSchema string, seq database.SequenceInfo) (created bool, err error) {
	exists, err := database.SequenceExists(ctx, dst, targetSchema, seq.Name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	ddl, err := CreateSequenceSQL(targetSchema, seq)
	if err != nil {
		return false, err
	}
	if _, err := dst.Exec(ctx, ddl); err != nil {
		return false, err
	}
	return true, nil
}

var nextvalRe = regexp.MustCompile(`(?i)nextval\('([^']+)'`)

// RewriteSequenceDefaults re-points nextval defaults at the target schema.
// A default already naming the target schema passes through unchanged, so
// applying the rewrite twice is a no-op. Columns without a nextval default
// are returned as-is.
func RewriteSequenceDefaults(sourceSchema, targetSchema string, cols []database.ColumnInfo) []database.ColumnInfo {
	out := make([]database.ColumnInfo, len(cols))
	for i, col := range cols {
		out[i] = col
		if col.DefaultVal != "" {
			out[i].DefaultVal = rewriteNextval(col.DefaultVal, sourceSchema, targetSchema)
		}
	}
	return out
}

func rewriteNextval(def, sourceSchema, targetSchema string) string {
	m := nextvalRe.FindStringSubmatchIndex(def)
	if m == nil {
		return def
	}
	arg := def[m[2]:m[3]]
	schemaRaw, nameRaw, qualified := splitRegclass(arg)
	if qualified && unquoteIdent(schemaRaw) != sourceSchema {
		// Already target-qualified, or pointing at some third schema the
		// migration does not own. Either way, leave it alone.
		return def
	}
	return def[:m[2]] + targetSchema + "." + nameRaw + def[m[3]:]
}

// splitRegclass splits the string argument of a nextval('...') expression
// into its optional schema qualifier and sequence name, preserving any
// quoting as it appeared.
func splitRegclass(arg string) (schemaRaw, nameRaw string, qualified bool) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, `"`) {
		// Scan past the quoted qualifier, treating "" as an escaped quote.
		i := 1
		for i < len(arg) {
			j := strings.Index(arg[i:], `"`)
			if j < 0 {
				return "", arg, false
			}
			i += j + 1
			if i < len(arg) && arg[i] == '"' {
				i++
				continue
			}
			break
		}
		if strings.HasPrefix(arg[i:], ".") {
			return arg[:i], arg[i+1:], true
		}
		return "", arg, false
	}
	if i := strings.Index(arg, "."); i >= 0 {
		return arg[:i], arg[i+1:], true
	}
	return "", arg, false
}

func unquoteIdent(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
		s = strings.ReplaceAll(s, `""`, `"`)
	}
	return s
}

// CreateTableSQL renders CREATE TABLE IF NOT EXISTS for the target copy of a
// table. Column order follows the source ordinal order; defaults are
// expected to have gone through RewriteSequenceDefaults already. A composite
// PRIMARY KEY clause is added only when the source table has one.
func CreateTableSQL(targetSchema string, t Table) (string, error) {
	rel, err := database.QualifiedName(targetSchema, t.Name)
	if err != nil {
		return "", err
	}

	colDefs := make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		if err := database.ValidateIdent(col.Name); err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		def := database.QuoteIdent(col.Name) + " " + col.DataType
		if col.DefaultVal != "" {
			def += " DEFAULT " + col.DefaultVal
		}
		if !col.Nullable {
			def += " NOT NULL"
		}
		colDefs = append(colDefs, def)
	}

	pkClause := ""
	if len(t.PrimaryKeys) > 0 {
		pkCols := make([]string, 0, len(t.PrimaryKeys))
		for _, pk := range t.PrimaryKeys {
			if err := database.ValidateIdent(pk); err != nil {
				return "", fmt.Errorf("table %s: %w", t.Name, err)
			}
			pkCols = append(pkCols, database.QuoteIdent(pk))
		}
		pkClause = ", PRIMARY KEY (" + strings.Join(pkCols, ", ") + ")"
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s%s)",
		rel, strings.Join(colDefs, ", "), pkClause), nil
}

// EnsureTable rewrites the sequence defaults and creates the target table if
// it does not exist yet. Rewriting happens on a copy of the descriptor, so
// the caller's column list keeps the source-side defaults.
func EnsureTable(ctx context.Context, dst execTarget, sourceSchema, targetSchema string, t Table) (Table, error) {
	rewritten := t
	rewritten.Columns = RewriteSequenceDefaults(sourceSchema, targetSchema, t.Columns)
	ddl, err := CreateTableSQL(targetSchema, rewritten)
	if err != nil {
		return Table{}, err
	}
	if _, err := dst.Exec(ctx, ddl); err != nil {
		return Table{}, fmt.Errorf("create table %s.%s: %w", targetSchema, t.Name, err)
	}
	return rewritten, nil
}
