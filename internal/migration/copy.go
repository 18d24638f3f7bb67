package migration

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hackclub/warehouse-scripts/internal/database"
)

const (
	defaultBatchSize = 1000
	reportInterval   = 30 * time.Second
)

// rowStream is the slice of pgx.Rows the batching loop consumes.
type rowStream interface {
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

// copyPlan is the per-table outcome of the incremental planner: the WHERE
// filter (empty for a full copy) and the bound resume value.
type copyPlan struct {
	Filter      string
	Args        []any
	ModColumn   string
	ResumePoint any
	ForcedFull  bool
}

// incrementalFilter builds the streaming filter for an incremental copy.
// The resume value is always a bound parameter, never interpolated.
func incrementalFilter(modColumn string, resume any) (string, []any) {
	if modColumn == "" || resume == nil {
		return "", nil
	}
	return fmt.Sprintf(`WHERE %s > $1`, database.QuoteIdent(modColumn)), []any{resume}
}

// BuildInsertSQL renders the per-row insert with insert-or-skip semantics:
// rows violating the primary key (or any unique constraint) are silently
// dropped, never updated. For tables without a primary key the conflict
// clause simply never fires.
func BuildInsertSQL(targetSchema, table string, columns []string) (string, error) {
	rel, err := database.QualifiedName(targetSchema, table)
	if err != nil {
		return "", err
	}
	colIdents := make([]string, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	for i, col := range columns {
		if err := database.ValidateIdent(col); err != nil {
			return "", err
		}
		colIdents = append(colIdents, database.QuoteIdent(col))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING`,
		rel, strings.Join(colIdents, ", "), strings.Join(placeholders, ", ")), nil
}

// BuildSelectSQL renders the streaming read from the source table,
// restricted by the incremental filter when one applies.
func BuildSelectSQL(sourceSchema, table string, columns []string, filter string) (string, error) {
	rel, err := database.QualifiedName(sourceSchema, table)
	if err != nil {
		return "", err
	}
	colIdents := make([]string, 0, len(columns))
	for _, col := range columns {
		if err := database.ValidateIdent(col); err != nil {
			return "", err
		}
		colIdents = append(colIdents, database.QuoteIdent(col))
	}
	sql := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(colIdents, ", "), rel)
	if filter != "" {
		sql += " " + filter
	}
	return sql, nil
}

// CopyEngine streams rows from the source table into the target in bounded
// chunks. Each chunk is one transaction on the target; a committed chunk
// stays committed no matter what happens afterwards.
type CopyEngine struct {
	Source       *database.Conn
	Target       *database.Conn
	SourceSchema string
	TargetSchema string
	BatchSize    int
	Logger       *log.Logger
	Progress     *Progress

	now func() time.Time
}

func (e *CopyEngine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

func (e *CopyEngine) batchSize() int {
	if e.BatchSize > 0 {
		return e.BatchSize
	}
	return defaultBatchSize
}

// CopyTable runs the batched copy for one table and returns what happened.
// Any error aborts the table; already-committed chunks are not rolled back.
func (e *CopyEngine) CopyTable(ctx context.Context, t Table, plan copyPlan) (TableResult, error) {
	result := TableResult{Table: t.Name, ModColumn: plan.ModColumn}
	columns := t.ColumnNames()

	approx, err := database.ApproxRowCount(ctx, e.Source, e.SourceSchema, t.Name)
	if err != nil {
		e.Logger.Printf("WARN row estimate for %s.%s unavailable: %v", e.SourceSchema, t.Name, err)
		approx = 0
	}
	e.Logger.Printf("INFO table %s has approximately %d rows", t.Name, approx)

	insertSQL, err := BuildInsertSQL(e.TargetSchema, t.Name, columns)
	if err != nil {
		return result, err
	}
	selectSQL, err := BuildSelectSQL(e.SourceSchema, t.Name, columns, plan.Filter)
	if err != nil {
		return result, err
	}

	batchSize := e.batchSize()
	e.Logger.Printf("INFO starting batch copy for %s with batch size %d", t.Name, batchSize)
	e.Logger.Printf("DEBUG executing query: %s", selectSQL)

	rows, err := e.Source.Query(ctx, selectSQL, plan.Args...)
	if err != nil {
		return result, fmt.Errorf("copy %s: source read: %w", t.Name, err)
	}

	start := e.clock()
	throttle := newReportThrottle(batchSize, reportInterval, start)
	copied, err := streamChunks(ctx, rows, batchSize, func(ctx context.Context, chunk [][]any) error {
		return e.insertChunk(ctx, insertSQL, chunk)
	}, func(total int64) {
		now := e.clock()
		if !throttle.due(total, now) {
			return
		}
		elapsed := now.Sub(start).Seconds()
		var rate int64
		if elapsed > 0 {
			rate = int64(float64(total) / elapsed)
		}
		percent := 0.0
		if approx > 0 {
			percent = float64(total) / float64(approx) * 100.0
		}
		e.Logger.Printf("INFO progress: %d rows copied (%.1f%%) to %s.%s (%d rows/sec)",
			total, percent, e.TargetSchema, t.Name, rate)
		if e.Progress != nil {
			e.Progress.UpdateTable(e.SourceSchema, t.Name, "in_progress", approx, total)
		}
	})
	if err != nil {
		e.Logger.Printf("ERROR copying data for %s: %v", t.Name, err)
		return result, fmt.Errorf("copy %s: %w", t.Name, err)
	}
	result.RowsCopied = copied

	elapsed := e.clock().Sub(start).Seconds()
	if copied > 0 && elapsed > 0 {
		e.Logger.Printf("INFO copy complete: processed %d rows in %.2f seconds (%d rows/sec)",
			copied, elapsed, int64(float64(copied)/elapsed))
	}

	finalCount, err := database.TableRowCount(ctx, e.Target, e.TargetSchema, t.Name)
	if err != nil {
		return result, fmt.Errorf("verify %s: %w", t.Name, err)
	}
	result.FinalCount = finalCount
	e.Logger.Printf("INFO final count in %s.%s: %d rows", e.TargetSchema, t.Name, finalCount)

	if plan.ModColumn != "" {
		maxMod, err := e.sourceMaxModified(ctx, t.Name, plan.ModColumn)
		if err != nil {
			return result, err
		}
		result.SourceMaxMod = maxMod
		e.Logger.Printf("INFO latest timestamp for %s.%s: %s", t.Name, plan.ModColumn, maxMod)
	}

	if e.Progress != nil {
		e.Progress.UpdateTable(e.SourceSchema, t.Name, "completed", copied, copied)
	}
	return result, nil
}

// streamChunks drains the row stream in chunks of batchSize, handing each
// full chunk (and the final partial one) to flush. The full result set is
// never held in memory; the chunk buffer is reused between flushes.
func streamChunks(ctx context.Context, rows rowStream, batchSize int, flush func(context.Context, [][]any) error, onProgress func(int64)) (int64, error) {
	defer rows.Close()

	chunk := make([][]any, 0, batchSize)
	var total int64

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		vals, err := rows.Values()
		if err != nil {
			return total, err
		}
		chunk = append(chunk, vals)
		if len(chunk) >= batchSize {
			if err := flush(ctx, chunk); err != nil {
				return total, err
			}
			total += int64(len(chunk))
			if onProgress != nil {
				onProgress(total)
			}
			chunk = chunk[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return total, err
	}
	if len(chunk) > 0 {
		if err := flush(ctx, chunk); err != nil {
			return total, err
		}
		total += int64(len(chunk))
		if onProgress != nil {
			onProgress(total)
		}
	}
	return total, nil
}

// insertChunk writes one chunk inside one target transaction. The batch
// queues one insert per row; conflicts are skipped by the insert itself.
func (e *CopyEngine) insertChunk(ctx context.Context, insertSQL string, chunk [][]any) error {
	tx, err := e.Target.Begin(ctx)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, vals := range chunk {
		batch.Queue(insertSQL, vals...)
	}
	br := tx.SendBatch(ctx, batch)
	for range chunk {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := br.Close(); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (e *CopyEngine) sourceMaxModified(ctx context.Context, table, column string) (string, error) {
	rel, err := database.QualifiedName(e.SourceSchema, table)
	if err != nil {
		return "", err
	}
	if err := database.ValidateIdent(column); err != nil {
		return "", err
	}
	var max any
	err = e.Source.QueryRow(ctx, `SELECT MAX(`+database.QuoteIdent(column)+`) FROM `+rel).Scan(&max)
	if err != nil {
		return "", err
	}
	if max == nil {
		return "", nil
	}
	if ts, ok := max.(time.Time); ok {
		return ts.Format(time.RFC3339Nano), nil
	}
	return fmt.Sprintf("%v", max), nil
}
