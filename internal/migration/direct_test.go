package migration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hackclub/warehouse-scripts/internal/database"
)

func directTable() Table {
	return Table{
		Name: "users",
		Columns: []database.ColumnInfo{
			col("id", "integer", "", false),
			col("updated_at", "timestamp with time zone", "", true),
		},
		PrimaryKeys: []string{"id"},
	}
}

func TestBuildDirectInsertSQL(t *testing.T) {
	sql, err := buildDirectInsertSQL("public", "stage", directTable(), copyPlan{})
	require.NoError(t, err)
	require.Equal(t,
		`INSERT INTO "stage"."users" ("id", "updated_at") SELECT "id", "updated_at" FROM "public"."users" ON CONFLICT DO NOTHING`,
		sql)
}

func TestBuildDirectInsertSQLKeepsBoundFilter(t *testing.T) {
	resume := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	filter, args := incrementalFilter("updated_at", resume)
	plan := copyPlan{Filter: filter, Args: args, ModColumn: "updated_at", ResumePoint: resume}

	sql, err := buildDirectInsertSQL("public", "stage", directTable(), plan)
	require.NoError(t, err)
	require.Equal(t,
		`INSERT INTO "stage"."users" ("id", "updated_at") SELECT "id", "updated_at" FROM "public"."users" WHERE "updated_at" > $1 ON CONFLICT DO NOTHING`,
		sql)
}

func TestBuildDirectInsertSQLBadColumn(t *testing.T) {
	bad := directTable()
	bad.Columns = append(bad.Columns, col(`evil"`, "text", "", true))
	_, err := buildDirectInsertSQL("public", "stage", bad, copyPlan{})
	require.Error(t, err)
}

func TestBuildDblinkInsertSQLFullCopy(t *testing.T) {
	sql, err := buildDblinkInsertSQL("public", "stage", directTable(), copyPlan{})
	require.NoError(t, err)
	require.Equal(t,
		`INSERT INTO "stage"."users" ("id", "updated_at") SELECT * FROM dblink($1, $q$SELECT "id", "updated_at" FROM "public"."users"$q$) AS t("id" integer, "updated_at" timestamp with time zone) ON CONFLICT DO NOTHING`,
		sql)
}

func TestBuildDblinkInsertSQLInlinesResumeLiteral(t *testing.T) {
	resume := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	filter, args := incrementalFilter("updated_at", resume)
	plan := copyPlan{Filter: filter, Args: args, ModColumn: "updated_at", ResumePoint: resume}

	sql, err := buildDblinkInsertSQL("public", "stage", directTable(), plan)
	require.NoError(t, err)
	require.Contains(t, sql, `$q$SELECT "id", "updated_at" FROM "public"."users" WHERE "updated_at" > '2024-05-01 12:00:00+00:00'$q$`)
	require.Contains(t, sql, `AS t("id" integer, "updated_at" timestamp with time zone)`)
	require.Contains(t, sql, "ON CONFLICT DO NOTHING")
}

func TestBuildDblinkInsertSQLRejectsQuoteCollision(t *testing.T) {
	plan := copyPlan{Filter: `WHERE "note" > $1`, Args: []any{"x"}, ModColumn: "note", ResumePoint: "$q$ sneaky"}
	tbl := Table{Name: "users", Columns: []database.ColumnInfo{col("note", "text", "", true)}}

	_, err := buildDblinkInsertSQL("public", "stage", tbl, plan)
	require.Error(t, err)
	require.Contains(t, err.Error(), "safely quoted")
}

func TestLiteral(t *testing.T) {
	ts := time.Date(2025, 4, 2, 10, 30, 0, 123456000, time.UTC)
	require.Equal(t, "'2025-04-02 10:30:00.123456+00:00'", literal(ts))

	require.Equal(t, "'plain'", literal("plain"))
	require.Equal(t, "'it''s quoted'", literal("it's quoted"))
	require.Equal(t, "42", literal(42))
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "used", OutcomeUsed.String())
	require.Equal(t, "failed", OutcomeFailed.String())
	require.Equal(t, "not applicable", OutcomeNotApplicable.String())
}
