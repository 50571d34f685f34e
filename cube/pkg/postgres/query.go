package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ColumnMetadata represents metadata about a result column.
type ColumnMetadata struct {
	Name string
	OID  uint32
}

// QueryResult represents the result of a query execution with column metadata.
type QueryResult struct {
	Columns     []string
	ColumnTypes []ColumnMetadata
	Rows        []map[string]any
	Count       int
}

// ScanMaps drains rows into one map per row keyed by result column name.
// Values keep the Go types pgx decodes them to (string, float64, int64, ...).
func ScanMaps(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to scan rows: %w", err)
	}
	return out, nil
}

// Query executes a raw SQL query and returns the results with column metadata.
//
// Example:
//
//	result, err := postgres.Query(ctx, conn, "SELECT * FROM cube_run WHERE dataset = $1", []any{"cra"})
func Query(ctx context.Context, conn Connection, query string, args []any) (*QueryResult, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	colMetadata := make([]ColumnMetadata, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
		colMetadata[i] = ColumnMetadata{Name: f.Name, OID: f.DataTypeOID}
	}

	resultRows, err := ScanMaps(rows)
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Columns:     columns,
		ColumnTypes: colMetadata,
		Rows:        resultRows,
		Count:       len(resultRows),
	}, nil
}
