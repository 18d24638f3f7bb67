package migration

import "github.com/hackclub/warehouse-scripts/internal/database"

type Options struct {
	SourceSchema string `json:"sourceSchema"`
	TargetSchema string `json:"targetSchema"`
	Incremental  bool   `json:"incremental"`
	BatchSize    int    `json:"batchSize"`
	Debug        bool   `json:"debug"`
}

type Request struct {
	Source  database.ConnInfo `json:"source"`
	Target  database.ConnInfo `json:"target"`
	Options Options           `json:"options"`
}

// Table captures everything the run needs to know about one source table:
// name, columns in ordinal order, primary key columns in key order. Read
// once from the source catalog, never mutated.
type Table struct {
	Name        string
	Columns     []database.ColumnInfo
	PrimaryKeys []string
}

func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

// TableResult summarizes one copied table for the final report.
type TableResult struct {
	Table        string `json:"table"`
	RowsCopied   int64  `json:"rowsCopied"`
	FinalCount   int64  `json:"finalCount"`
	ModColumn    string `json:"modColumn,omitempty"`
	DirectPath   bool   `json:"directPath"`
	SourceMaxMod string `json:"sourceMaxMod,omitempty"`
}

type FailedTable struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
	Error  string `json:"error"`
}

type Status struct {
	Running       bool          `json:"running"`
	Overall       int           `json:"overallPercent"`
	ElapsedSec    int64         `json:"elapsedSeconds"`
	CurrentPhase  string        `json:"currentPhase"`
	LogMessage    string        `json:"logMessage"`
	TableProgress []TableStatus `json:"tables"`
	FailedTables  []FailedTable `json:"failedTables,omitempty"`
}

type TableStatus struct {
	Schema       string `json:"schema"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	TotalRows    int64  `json:"totalRows"`
	MigratedRows int64  `json:"migratedRows"`
	Percent      int    `json:"percent"`
}
