package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

type Querier interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// QuoteIdent quotes an identifier for interpolation into SQL. Only
// catalog-derived identifiers are ever interpolated; values always travel as
// bound parameters.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ValidateIdent rejects identifiers that could not have come from the
// catalog. Quote characters inside a schema, table or column name mean
// something upstream handed us a value instead of an identifier.
func ValidateIdent(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	if strings.ContainsAny(name, `"'`) {
		return fmt.Errorf("identifier %q contains quote characters", name)
	}
	return nil
}

// QualifiedName renders schema.name with both parts validated and quoted.
func QualifiedName(schema, name string) (string, error) {
	if err := ValidateIdent(schema); err != nil {
		return "", err
	}
	if err := ValidateIdent(name); err != nil {
		return "", err
	}
	return QuoteIdent(schema) + "." + QuoteIdent(name), nil
}
