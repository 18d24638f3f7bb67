package migration

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/hackclub/warehouse-scripts/internal/database"
)

// Migrator copies one schema into a differently-named schema on the target
// database: sequences first, then tables, one table fully processed before
// the next. Consistency is per table, per batch; there is no global
// transaction and the only checkpoint is the target data itself.
type Migrator struct {
	sink       Broadcaster
	logger     *log.Logger
	resume     ResumeStrategy
	onProgress func(*Progress)
}

func NewMigrator(sink Broadcaster, logger *log.Logger) *Migrator {
	return &Migrator{
		sink:   sink,
		logger: logger,
		resume: TargetMaxResume{},
	}
}

func (m *Migrator) WithProgressHook(fn func(*Progress)) {
	m.onProgress = fn
}

func (m *Migrator) WithResumeStrategy(rs ResumeStrategy) {
	m.resume = rs
}

// Run executes the whole migration. Structural errors (connections, schema
// creation, catalog reads) and the first failed table abort the run;
// everything committed up to that point stays committed.
func (m *Migrator) Run(ctx context.Context, req Request) ([]TableResult, error) {
	opts := req.Options
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.SourceSchema == "" {
		opts.SourceSchema = "public"
	}
	if opts.TargetSchema == "" {
		return nil, errors.New("target schema is required")
	}

	src, err := database.Connect(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	defer src.Close(ctx)

	dst, err := database.Connect(ctx, req.Target)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	defer dst.Close(ctx)

	m.logger.Printf("INFO starting migration from %s to %s", opts.SourceSchema, opts.TargetSchema)

	if err := EnsureSchema(ctx, dst, opts.TargetSchema); err != nil {
		return nil, fmt.Errorf("create schema %s: %w", opts.TargetSchema, err)
	}
	m.logger.Printf("INFO ensured schema %s exists", opts.TargetSchema)

	tables, err := database.ListTables(ctx, src, opts.SourceSchema)
	if err != nil {
		return nil, err
	}
	statuses := m.tableStatuses(ctx, src, opts.SourceSchema, tables)

	progress := NewProgress(m.sink, m.logger, statuses)
	if m.onProgress != nil {
		m.onProgress(progress)
	}

	progress.SetPhase("sequences")
	if err := m.migrateSequences(ctx, src, dst, opts, progress); err != nil {
		progress.FinishWithError(err.Error())
		return nil, err
	}

	progress.SetPhase("tables")
	progress.Logf("found %d tables in source schema %s", len(tables), opts.SourceSchema)

	engine := &CopyEngine{
		Source:       src,
		Target:       dst,
		SourceSchema: opts.SourceSchema,
		TargetSchema: opts.TargetSchema,
		BatchSize:    opts.BatchSize,
		Logger:       m.logger,
		Progress:     progress,
	}

	var results []TableResult
	for _, name := range tables {
		if err := ctx.Err(); err != nil {
			progress.FinishWithError(err.Error())
			return results, err
		}
		result, err := m.migrateTable(ctx, src, dst, engine, opts, name, progress)
		if err != nil {
			progress.AddFailedTable(opts.SourceSchema, name, err.Error())
			progress.FinishWithError(err.Error())
			return results, err
		}
		results = append(results, result)
	}

	progress.Finish()
	return results, nil
}

// tableStatuses seeds the progress board with estimated row counts. The
// estimates are display-only, so a failed lookup logs a warning and shows
// the table with zero rows.
func (m *Migrator) tableStatuses(ctx context.Context, q database.Querier, schema string, tables []string) []TableStatus {
	statuses := make([]TableStatus, 0, len(tables))
	for _, table := range tables {
		approx, err := database.ApproxRowCount(ctx, q, schema, table)
		if err != nil {
			m.logger.Printf("WARN row estimate for %s.%s unavailable: %v", schema, table, err)
			approx = 0
		}
		statuses = append(statuses, TableStatus{
			Schema:    schema,
			Name:      table,
			Status:    "pending",
			TotalRows: approx,
		})
	}
	return statuses
}

func (m *Migrator) migrateSequences(ctx context.Context, src, dst *database.Conn, opts Options, progress *Progress) error {
	sequences, err := database.ListSequences(ctx, src, opts.SourceSchema)
	if err != nil {
		return err
	}
	progress.Logf("found %d sequences in source schema %s", len(sequences), opts.SourceSchema)

	for _, name := range sequences {
		if err := ctx.Err(); err != nil {
			return err
		}
		details, err := database.SequenceDetails(ctx, src, opts.SourceSchema, name)
		if err != nil {
			return fmt.Errorf("sequence %s.%s: %w", opts.SourceSchema, name, err)
		}
		created, err := EnsureSequence(ctx, dst, opts.TargetSchema, details)
		if err != nil {
			return fmt.Errorf("create sequence %s.%s: %w", opts.TargetSchema, name, err)
		}
		if created {
			progress.Logf("created sequence %s.%s", opts.TargetSchema, name)
		} else {
			progress.Logf("sequence %s.%s already exists, skipping creation", opts.TargetSchema, name)
		}
	}
	return nil
}

func (m *Migrator) migrateTable(ctx context.Context, src, dst *database.Conn, engine *CopyEngine, opts Options, name string, progress *Progress) (TableResult, error) {
	progress.Logf("processing table: %s", name)

	columns, err := database.TableColumns(ctx, src, opts.SourceSchema, name)
	if err != nil {
		return TableResult{}, err
	}
	if len(columns) == 0 {
		progress.Warnf("no columns found for %s, skipping", name)
		return TableResult{Table: name}, nil
	}
	primaryKeys, err := database.PrimaryKeyColumns(ctx, src, opts.SourceSchema, name)
	if err != nil {
		return TableResult{}, err
	}

	table := Table{Name: name, Columns: columns, PrimaryKeys: primaryKeys}
	table, err = EnsureTable(ctx, dst, opts.SourceSchema, opts.TargetSchema, table)
	if err != nil {
		return TableResult{}, err
	}

	plan, err := m.planCopy(ctx, dst, opts, name, columns, progress)
	if err != nil {
		return TableResult{}, err
	}

	direct := AttemptDirectTransfer(ctx, src, dst, opts.SourceSchema, opts.TargetSchema, table, plan, m.logger)
	if direct.Outcome == OutcomeUsed {
		return m.finishDirect(ctx, engine, name, plan, direct)
	}
	if direct.Outcome == OutcomeFailed {
		m.logger.Printf("DEBUG direct transfer for %s fell back to batch copy: %s", name, direct.Reason)
	}

	return engine.CopyTable(ctx, table, plan)
}

// planCopy decides between full and incremental copy for one table: pick
// the modification column, derive the resume point from the target, and
// force a full copy when the target table holds no rows yet (a prior run
// may have created it without copying anything).
func (m *Migrator) planCopy(ctx context.Context, dst database.Querier, opts Options, table string, columns []database.ColumnInfo, progress *Progress) (copyPlan, error) {
	var plan copyPlan
	if !opts.Incremental {
		return plan, nil
	}

	plan.ModColumn = ChooseModificationColumn(columns)
	if plan.ModColumn == "" {
		progress.Logf("no suitable timestamp column found for incremental updates on %s", table)
		return plan, nil
	}
	progress.Logf("using column %s for incremental updates on %s", plan.ModColumn, table)

	resume, ok, err := m.resume.ResumePoint(ctx, dst, opts.TargetSchema, table, plan.ModColumn)
	if err != nil {
		return copyPlan{}, err
	}
	if !ok {
		progress.Logf("no existing data found in %s.%s for incremental updates", opts.TargetSchema, table)
		return plan, nil
	}
	plan.ResumePoint = resume
	plan.Filter, plan.Args = incrementalFilter(plan.ModColumn, resume)
	progress.Logf("found existing data in %s.%s with newest timestamp: %v", opts.TargetSchema, table, resume)

	targetCount, err := database.TableRowCount(ctx, dst, opts.TargetSchema, table)
	if err != nil {
		progress.Warnf("error checking target table row count: %v", err)
		targetCount = 0
	}
	if targetCount == 0 {
		progress.Logf("target table is empty, forcing full copy for %s", table)
		plan.Filter, plan.Args, plan.ResumePoint = "", nil, nil
		plan.ForcedFull = true
	}
	return plan, nil
}

func (m *Migrator) finishDirect(ctx context.Context, engine *CopyEngine, table string, plan copyPlan, direct DirectResult) (TableResult, error) {
	result := TableResult{
		Table:      table,
		RowsCopied: direct.Rows,
		ModColumn:  plan.ModColumn,
		DirectPath: true,
	}
	finalCount, err := database.TableRowCount(ctx, engine.Target, engine.TargetSchema, table)
	if err != nil {
		return result, fmt.Errorf("verify %s: %w", table, err)
	}
	result.FinalCount = finalCount
	m.logger.Printf("INFO final count in %s.%s: %d rows", engine.TargetSchema, table, finalCount)

	if plan.ModColumn != "" {
		maxMod, err := engine.sourceMaxModified(ctx, table, plan.ModColumn)
		if err != nil {
			return result, err
		}
		result.SourceMaxMod = maxMod
	}
	if engine.Progress != nil {
		engine.Progress.UpdateTable(engine.SourceSchema, table, "completed", direct.Rows, direct.Rows)
	}
	return result, nil
}
