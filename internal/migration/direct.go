package migration

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hackclub/warehouse-scripts/internal/database"
)

// Outcome reports how a direct-transfer attempt ended. Anything but
// OutcomeUsed sends the caller to the batch engine; the optimizer never
// propagates an error of its own.
type Outcome int

const (
	OutcomeNotApplicable Outcome = iota
	OutcomeUsed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUsed:
		return "used"
	case OutcomeFailed:
		return "failed"
	default:
		return "not applicable"
	}
}

type DirectResult struct {
	Outcome Outcome
	Rows    int64
	Reason  string
}

const dblinkConnName = "warehouse_sync_src"

// AttemptDirectTransfer tries the two fast paths before the batch engine:
// a server-local INSERT .. SELECT when source and target share an endpoint,
// and a dblink pull when the target has the extension installed. Both keep
// the insert-or-skip semantics of the batch engine. Every failure is
// swallowed into an outcome so the guaranteed-correct path always runs.
func AttemptDirectTransfer(ctx context.Context, src, dst *database.Conn, sourceSchema, targetSchema string, t Table, plan copyPlan, logger *log.Logger) DirectResult {
	if src.Host() == dst.Host() && src.Port() == dst.Port() {
		rows, err := sameServerInsert(ctx, dst, sourceSchema, targetSchema, t, plan)
		if err != nil {
			logger.Printf("DEBUG direct insert for %s not used: %v", t.Name, err)
			return DirectResult{Outcome: OutcomeFailed, Reason: err.Error()}
		}
		logger.Printf("INFO source and target share a server, directly inserted %d rows into %s.%s", rows, targetSchema, t.Name)
		return DirectResult{Outcome: OutcomeUsed, Rows: rows}
	}

	hasDblink, err := dblinkAvailable(ctx, dst)
	if err != nil {
		logger.Printf("DEBUG dblink probe failed: %v", err)
		return DirectResult{Outcome: OutcomeFailed, Reason: err.Error()}
	}
	if !hasDblink {
		return DirectResult{Outcome: OutcomeNotApplicable, Reason: "dblink extension not installed on target"}
	}

	rows, err := dblinkTransfer(ctx, src, dst, sourceSchema, targetSchema, t, plan)
	if err != nil {
		logger.Printf("DEBUG dblink transfer for %s not used: %v", t.Name, err)
		return DirectResult{Outcome: OutcomeFailed, Reason: err.Error()}
	}
	logger.Printf("INFO used dblink to copy %d rows to %s.%s", rows, targetSchema, t.Name)
	return DirectResult{Outcome: OutcomeUsed, Rows: rows}
}

// buildDirectInsertSQL renders the server-local INSERT .. SELECT between the
// two schemas. The resume filter's value still travels as a bound parameter.
func buildDirectInsertSQL(sourceSchema, targetSchema string, t Table, plan copyPlan) (string, error) {
	colIdents := make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		if err := database.ValidateIdent(col.Name); err != nil {
			return "", err
		}
		colIdents = append(colIdents, database.QuoteIdent(col.Name))
	}
	srcRel, err := database.QualifiedName(sourceSchema, t.Name)
	if err != nil {
		return "", err
	}
	dstRel, err := database.QualifiedName(targetSchema, t.Name)
	if err != nil {
		return "", err
	}

	cols := strings.Join(colIdents, ", ")
	sql := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, dstRel, cols, cols, srcRel)
	if plan.Filter != "" {
		sql += " " + plan.Filter
	}
	return sql + " ON CONFLICT DO NOTHING", nil
}

// sameServerInsert moves the rows without them ever leaving the server.
func sameServerInsert(ctx context.Context, dst *database.Conn, sourceSchema, targetSchema string, t Table, plan copyPlan) (int64, error) {
	sql, err := buildDirectInsertSQL(sourceSchema, targetSchema, t, plan)
	if err != nil {
		return 0, err
	}

	tx, err := dst.Begin(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, sql, plan.Args...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func dblinkAvailable(ctx context.Context, dst *database.Conn) (bool, error) {
	var available bool
	err := dst.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'dblink')`).Scan(&available)
	return available, err
}

// buildDblinkInsertSQL renders the INSERT that pulls the remote select
// through an already-established dblink connection. The resume value cannot
// be bound through the link, so it is inlined as a quoted literal;
// identifiers still go through the validated quoter.
func buildDblinkInsertSQL(sourceSchema, targetSchema string, t Table, plan copyPlan) (string, error) {
	colIdents := make([]string, 0, len(t.Columns))
	typedCols := make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		if err := database.ValidateIdent(col.Name); err != nil {
			return "", err
		}
		colIdents = append(colIdents, database.QuoteIdent(col.Name))
		typedCols = append(typedCols, database.QuoteIdent(col.Name)+" "+col.DataType)
	}
	srcRel, err := database.QualifiedName(sourceSchema, t.Name)
	if err != nil {
		return "", err
	}
	dstRel, err := database.QualifiedName(targetSchema, t.Name)
	if err != nil {
		return "", err
	}

	cols := strings.Join(colIdents, ", ")
	remote := fmt.Sprintf(`SELECT %s FROM %s`, cols, srcRel)
	if plan.Filter != "" && plan.ModColumn != "" && plan.ResumePoint != nil {
		remote += fmt.Sprintf(` WHERE %s > %s`,
			database.QuoteIdent(plan.ModColumn), literal(plan.ResumePoint))
	}
	if strings.Contains(remote, "$q$") {
		return "", fmt.Errorf("remote query cannot be safely quoted")
	}

	return fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT * FROM dblink($1, $q$%s$q$) AS t(%s) ON CONFLICT DO NOTHING`,
		dstRel, cols, remote, strings.Join(typedCols, ", "),
	), nil
}

func dblinkTransfer(ctx context.Context, src, dst *database.Conn, sourceSchema, targetSchema string, t Table, plan copyPlan) (rows int64, err error) {
	insertSQL, err := buildDblinkInsertSQL(sourceSchema, targetSchema, t, plan)
	if err != nil {
		return 0, err
	}

	if _, err := dst.Exec(ctx, `SELECT dblink_connect($1, $2)`, dblinkConnName, src.KeywordDSN()); err != nil {
		return 0, err
	}
	defer func() {
		if _, derr := dst.Exec(ctx, `SELECT dblink_disconnect($1)`, dblinkConnName); derr != nil && err == nil {
			err = derr
		}
	}()

	tag, err := dst.Exec(ctx, insertSQL, dblinkConnName)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// literal renders a resume value for inlining into the remote query.
func literal(v any) string {
	switch val := v.(type) {
	case time.Time:
		return "'" + val.Format("2006-01-02 15:04:05.999999999-07:00") + "'"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	default:
		return fmt.Sprintf("%v", val)
	}
}
