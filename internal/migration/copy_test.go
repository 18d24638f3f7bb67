package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	rows   [][]any
	pos    int
	rowErr error

	closed bool
}

func (f *fakeRows) Next() bool {
	if f.pos >= len(f.rows) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeRows) Values() ([]any, error) {
	return f.rows[f.pos-1], nil
}

func (f *fakeRows) Err() error { return f.rowErr }
func (f *fakeRows) Close()     { f.closed = true }

func makeRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i), "row"}
	}
	return rows
}

func TestStreamChunksBatchBoundaries(t *testing.T) {
	rows := &fakeRows{rows: makeRows(2500)}

	var flushes []int
	total, err := streamChunks(context.Background(), rows, 1000, func(_ context.Context, chunk [][]any) error {
		flushes = append(flushes, len(chunk))
		return nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, int64(2500), total)
	require.Equal(t, []int{1000, 1000, 500}, flushes)
	require.True(t, rows.closed)
}

func TestStreamChunksExactMultiple(t *testing.T) {
	rows := &fakeRows{rows: makeRows(2000)}

	var flushes []int
	total, err := streamChunks(context.Background(), rows, 1000, func(_ context.Context, chunk [][]any) error {
		flushes = append(flushes, len(chunk))
		return nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, int64(2000), total)
	require.Equal(t, []int{1000, 1000}, flushes)
}

func TestStreamChunksEmptySource(t *testing.T) {
	rows := &fakeRows{}

	total, err := streamChunks(context.Background(), rows, 1000, func(_ context.Context, _ [][]any) error {
		t.Fatal("flush called for empty source")
		return nil
	}, nil)

	require.NoError(t, err)
	require.Zero(t, total)
}

func TestStreamChunksFlushErrorAborts(t *testing.T) {
	rows := &fakeRows{rows: makeRows(2500)}
	boom := errors.New("duplicate key collision")

	calls := 0
	total, err := streamChunks(context.Background(), rows, 1000, func(_ context.Context, _ [][]any) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}, nil)

	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(1000), total, "only the committed chunk counts")
	require.Equal(t, 2, calls, "no chunk after the failed one")
}

func TestStreamChunksCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rows := &fakeRows{rows: makeRows(10)}
	_, err := streamChunks(ctx, rows, 5, func(_ context.Context, _ [][]any) error {
		return nil
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStreamChunksSourceReadError(t *testing.T) {
	boom := errors.New("server closed the connection unexpectedly")
	rows := &fakeRows{rows: makeRows(400), rowErr: boom}

	_, err := streamChunks(context.Background(), rows, 1000, func(_ context.Context, _ [][]any) error {
		t.Fatal("partial chunk must not flush after a read error")
		return nil
	}, nil)
	require.ErrorIs(t, err, boom)
}

func TestStreamChunksProgressCallback(t *testing.T) {
	rows := &fakeRows{rows: makeRows(2500)}

	var seen []int64
	_, err := streamChunks(context.Background(), rows, 1000, func(_ context.Context, _ [][]any) error {
		return nil
	}, func(total int64) {
		seen = append(seen, total)
	})

	require.NoError(t, err)
	require.Equal(t, []int64{1000, 2000, 2500}, seen)
}

func TestBuildInsertSQL(t *testing.T) {
	sql, err := BuildInsertSQL("stage", "orders", []string{"id", "customer", "updated_at"})
	require.NoError(t, err)
	require.Equal(t,
		`INSERT INTO "stage"."orders" ("id", "customer", "updated_at") VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		sql)
}

func TestBuildInsertSQLRejectsBadColumn(t *testing.T) {
	_, err := BuildInsertSQL("stage", "orders", []string{`id"`})
	require.Error(t, err)
}

func TestBuildSelectSQL(t *testing.T) {
	sql, err := BuildSelectSQL("public", "orders", []string{"id", "customer"}, "")
	require.NoError(t, err)
	require.Equal(t, `SELECT "id", "customer" FROM "public"."orders"`, sql)

	filter, args := incrementalFilter("updated_at", time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC))
	sql, err = BuildSelectSQL("public", "orders", []string{"id", "customer"}, filter)
	require.NoError(t, err)
	require.Equal(t, `SELECT "id", "customer" FROM "public"."orders" WHERE "updated_at" > $1`, sql)
	require.Len(t, args, 1)
}

func TestIncrementalFilterRequiresColumnAndValue(t *testing.T) {
	filter, args := incrementalFilter("", time.Now())
	require.Empty(t, filter)
	require.Nil(t, args)

	filter, args = incrementalFilter("updated_at", nil)
	require.Empty(t, filter)
	require.Nil(t, args)
}

func TestReportThrottle(t *testing.T) {
	start := time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)
	throttle := newReportThrottle(1000, 30*time.Second, start)

	// every tenth batch reports regardless of time
	require.True(t, throttle.due(10000, start.Add(time.Second)))
	require.False(t, throttle.due(11000, start.Add(2*time.Second)))

	// 30 seconds of wall time force a report between batch marks
	require.True(t, throttle.due(11500, start.Add(40*time.Second)))
	require.False(t, throttle.due(12000, start.Add(41*time.Second)))
}
