// Command pgmigrate copies the contents of one Postgres schema into a
// differently-named schema on another database, optionally resuming from
// the newest modification timestamp already present on the target.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hackclub/warehouse-scripts/internal/database"
	"github.com/hackclub/warehouse-scripts/internal/migration"
)

func main() {
	os.Exit(execute(newRootCmd()))
}

// execute runs the command and reports any error on its stderr. Cobra's own
// error printing is silenced, so this is the only place errors surface.
func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(cmd.ErrOrStderr(), "pgmigrate: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		sourceURL    string
		targetURL    string
		sourceSchema string
		targetSchema string
		incremental  bool
		debug        bool
		batchSize    int
	)

	cmd := &cobra.Command{
		Use:           "pgmigrate",
		Short:         "Migrate data from one Postgres schema to another with schema remapping",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sourceURL == "" {
				sourceURL = firstEnv("SOURCE_DB_URL", "HACKATIME_DB_URL")
			}
			if targetURL == "" {
				targetURL = firstEnv("TARGET_DB_URL", "WAREHOUSE_DB_URL")
			}
			if sourceURL == "" || targetURL == "" {
				return errors.New("database URLs must be provided either as flags or environment variables")
			}

			logger := log.New(&debugFilter{w: os.Stderr, debug: debug}, "", log.LstdFlags)

			req := migration.Request{
				Source: database.ConnInfo{URL: sourceURL},
				Target: database.ConnInfo{URL: targetURL},
				Options: migration.Options{
					SourceSchema: sourceSchema,
					TargetSchema: targetSchema,
					Incremental:  incremental,
					BatchSize:    batchSize,
					Debug:        debug,
				},
			}

			migrator := migration.NewMigrator(nil, logger)
			results, err := migrator.Run(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			renderSummary(cmd.OutOrStdout(), results)
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("migration completed successfully"))
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceURL, "source-db-url", "", "source database URL (or SOURCE_DB_URL)")
	cmd.Flags().StringVar(&targetURL, "target-db-url", "", "target database URL (or TARGET_DB_URL)")
	cmd.Flags().StringVar(&sourceSchema, "source-schema", "public", "source schema name")
	cmd.Flags().StringVar(&targetSchema, "target-schema", "", "target schema name (required)")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "enable incremental updates")
	cmd.Flags().IntVar(&batchSize, "batch-size", 1000, "number of rows to process in a batch")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("target-schema")

	return cmd
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// debugFilter drops DEBUG log lines unless --debug is set.
type debugFilter struct {
	w     io.Writer
	debug bool
}

func (f *debugFilter) Write(p []byte) (int, error) {
	if !f.debug && bytes.Contains(p, []byte(" DEBUG ")) {
		return len(p), nil
	}
	return f.w.Write(p)
}

func renderSummary(w io.Writer, results []migration.TableResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Table", "Rows Copied", "Final Count", "Mod Column", "Path"})
	table.SetBorder(false)
	table.SetColumnSeparator(" ")
	for _, r := range results {
		path := "batch"
		if r.DirectPath {
			path = "direct"
		}
		table.Append([]string{
			r.Table,
			fmt.Sprintf("%d", r.RowsCopied),
			fmt.Sprintf("%d", r.FinalCount),
			r.ModColumn,
			path,
		})
	}
	table.Render()
}
