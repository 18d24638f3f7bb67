package migration

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/hackclub/warehouse-scripts/internal/database"
)

// scriptedDB answers QueryRow calls in order.
type scriptedDB struct {
	scans []func(dest ...any) error
	calls int
}

func (s *scriptedDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (s *scriptedDB) QueryRow(context.Context, string, ...any) pgx.Row {
	if s.calls >= len(s.scans) {
		return fakeRow{scan: func(...any) error { return errors.New("unexpected query") }}
	}
	fn := s.scans[s.calls]
	s.calls++
	return fakeRow{scan: fn}
}

func timestampCols() []database.ColumnInfo {
	return []database.ColumnInfo{
		col("id", "bigint", "", false),
		col("name", "text", "", true),
		col("updated_at", "timestamp with time zone", "", true),
	}
}

func testMigrator() (*Migrator, *Progress) {
	m := NewMigrator(nil, discardLogger())
	return m, NewProgress(nil, discardLogger(), nil)
}

func TestTableStatusesWarnsOnEstimateError(t *testing.T) {
	var buf bytes.Buffer
	m := NewMigrator(nil, log.New(&buf, "", 0))
	db := &scriptedDB{scans: []func(dest ...any) error{
		func(dest ...any) error {
			v := int64(1200)
			*(dest[0].(**int64)) = &v
			return nil
		},
		func(dest ...any) error { return errors.New("permission denied") },
	}}

	statuses := m.tableStatuses(context.Background(), db, "public", []string{"orders", "users"})

	require.Len(t, statuses, 2)
	require.Equal(t, int64(1200), statuses[0].TotalRows)
	require.Zero(t, statuses[1].TotalRows)
	require.Equal(t, "pending", statuses[1].Status)
	require.Contains(t, buf.String(), "WARN row estimate for public.users unavailable")
}

func TestPlanCopyFullModeIgnoresTimestamps(t *testing.T) {
	m, progress := testMigrator()
	db := &scriptedDB{}

	plan, err := m.planCopy(context.Background(), db, Options{TargetSchema: "stage"}, "orders", timestampCols(), progress)
	require.NoError(t, err)
	require.Empty(t, plan.Filter)
	require.Empty(t, plan.ModColumn)
	require.Zero(t, db.calls, "full mode never touches the target")
}

func TestPlanCopyIncremental(t *testing.T) {
	latest := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	m, progress := testMigrator()
	db := &scriptedDB{scans: []func(dest ...any) error{
		func(dest ...any) error { // MAX(updated_at) on target
			*(dest[0].(*any)) = latest
			return nil
		},
		func(dest ...any) error { // COUNT(*) on target
			*(dest[0].(*int64)) = 1500
			return nil
		},
	}}

	plan, err := m.planCopy(context.Background(), db, Options{TargetSchema: "stage", Incremental: true}, "orders", timestampCols(), progress)
	require.NoError(t, err)
	require.Equal(t, "updated_at", plan.ModColumn)
	require.Equal(t, `WHERE "updated_at" > $1`, plan.Filter)
	require.Equal(t, []any{latest}, plan.Args)
	require.False(t, plan.ForcedFull)
}

func TestPlanCopyEmptyTargetForcesFullCopy(t *testing.T) {
	latest := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	m, progress := testMigrator()
	db := &scriptedDB{scans: []func(dest ...any) error{
		func(dest ...any) error {
			*(dest[0].(*any)) = latest
			return nil
		},
		func(dest ...any) error {
			*(dest[0].(*int64)) = 0
			return nil
		},
	}}

	plan, err := m.planCopy(context.Background(), db, Options{TargetSchema: "stage", Incremental: true}, "orders", timestampCols(), progress)
	require.NoError(t, err)
	require.True(t, plan.ForcedFull)
	require.Empty(t, plan.Filter, "resume point is discarded when the target is empty")
	require.Nil(t, plan.Args)
	require.Equal(t, "updated_at", plan.ModColumn)
}

func TestPlanCopyNoTimestampColumn(t *testing.T) {
	m, progress := testMigrator()
	db := &scriptedDB{}
	cols := []database.ColumnInfo{
		col("id", "bigint", "", false),
		col("name", "text", "", true),
	}

	plan, err := m.planCopy(context.Background(), db, Options{TargetSchema: "stage", Incremental: true}, "orders", cols, progress)
	require.NoError(t, err)
	require.Empty(t, plan.ModColumn)
	require.Empty(t, plan.Filter)
	require.Zero(t, db.calls)
}

func TestPlanCopyMissingTargetTable(t *testing.T) {
	m, progress := testMigrator()
	db := &scriptedDB{scans: []func(dest ...any) error{
		func(...any) error {
			return &pgconn.PgError{Code: "42P01", Message: `relation "stage.orders" does not exist`}
		},
	}}

	plan, err := m.planCopy(context.Background(), db, Options{TargetSchema: "stage", Incremental: true}, "orders", timestampCols(), progress)
	require.NoError(t, err)
	require.Equal(t, "updated_at", plan.ModColumn)
	require.Empty(t, plan.Filter, "no resume point without existing target data")
}

func TestRunRequiresTargetSchema(t *testing.T) {
	m, _ := testMigrator()
	_, err := m.Run(context.Background(), Request{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "target schema")
}
