package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/openspending/cube/cube/pkg/postgres"
)

// TableHandler manages one physical table: creating or evolving it, upserting
// rows keyed by a unique column, and clearing or dropping it.
type TableHandler struct {
	log  *slog.Logger
	name string
	// pk is the definition of the "id" primary key column.
	pk string
	// conflict is the unique column upserts resolve against.
	conflict string
	columns  []string
}

func newTableHandler(log *slog.Logger, name, pk, conflict string) *TableHandler {
	return &TableHandler{log: log, name: name, pk: pk, conflict: conflict}
}

// Name returns the physical table name.
func (h *TableHandler) Name() string {
	return h.name
}

// Columns returns the "name:TYPE" definitions of the non-key columns.
func (h *TableHandler) Columns() []string {
	return h.columns
}

// addColumn registers a column definition. Re-adding a known column is a
// no-op so that dimensions sharing a table can each contribute theirs.
func (h *TableHandler) addColumn(colDef string) error {
	name, err := columnName(colDef)
	if err != nil {
		return err
	}
	for _, c := range h.columns {
		existing, _ := columnName(c)
		if existing != name {
			continue
		}
		if c != colDef {
			return fmt.Errorf("table %s: column %q declared as both %q and %q", h.name, name, c, colDef)
		}
		return nil
	}
	h.columns = append(h.columns, colDef)
	return nil
}

func (h *TableHandler) ident() string {
	return pgx.Identifier{h.name}.Sanitize()
}

// ensure creates the table if it does not exist. An existing table is
// reflected and any column the model gained since is added; columns are
// never dropped.
func (h *TableHandler) ensure(ctx context.Context, conn postgres.Connection) error {
	defs := []string{quote("id") + " " + h.pk}
	for _, c := range h.columns {
		name, typ, _ := strings.Cut(c, ":")
		defs = append(defs, quote(name)+" "+typ)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", h.ident(), strings.Join(defs, ", "))
	if _, err := conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", h.name, err)
	}

	if h.conflict != "id" {
		idx := pgx.Identifier{h.name + "_" + h.conflict + "_key"}.Sanitize()
		ddl := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)", idx, h.ident(), quote(h.conflict))
		if _, err := conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create unique index on %s: %w", h.name, err)
		}
	}

	existing, err := h.reflect(ctx, conn)
	if err != nil {
		return err
	}
	for _, c := range h.columns {
		name, typ, _ := strings.Cut(c, ":")
		if slices.Contains(existing, name) {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", h.ident(), quote(name), typ)
		if _, err := conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", h.name, name, err)
		}
		h.log.Info("dataset: added column", "table", h.name, "column", name)
	}
	return nil
}

// reflect returns the column names of the live table in ordinal order.
func (h *TableHandler) reflect(ctx context.Context, conn postgres.Connection) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`, h.name)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect table %s: %w", h.name, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to reflect table %s: %w", h.name, err)
	}
	return cols, nil
}

// upsert inserts row, or updates the row holding the same conflict value,
// and returns the row's id.
func (h *TableHandler) upsert(ctx context.Context, conn postgres.Connection, row map[string]any) (any, error) {
	if _, ok := row[h.conflict]; !ok {
		return nil, fmt.Errorf("table %s: upsert without %q", h.name, h.conflict)
	}

	var cols, placeholders, updates []string
	args := make([]any, 0, len(row))
	add := func(col string) {
		args = append(args, row[col])
		cols = append(cols, quote(col))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		if col != h.conflict {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quote(col), quote(col)))
		}
	}
	if h.conflict == "id" {
		add("id")
	}
	for _, c := range h.columns {
		name, _, _ := strings.Cut(c, ":")
		if _, ok := row[name]; ok {
			add(name)
		}
	}
	if len(updates) == 0 {
		// DO NOTHING would return no row on conflict.
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quote(h.conflict), quote(h.conflict)))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING %s",
		h.ident(),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		quote(h.conflict),
		strings.Join(updates, ", "),
		quote("id"),
	)
	var id any
	if err := conn.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to upsert into %s: %w", h.name, err)
	}
	return id, nil
}

func (h *TableHandler) count(ctx context.Context, conn postgres.Connection) (int64, error) {
	var n int64
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM "+h.ident()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", h.name, err)
	}
	return n, nil
}

func (h *TableHandler) flush(ctx context.Context, conn postgres.Connection) error {
	_, err := conn.Exec(ctx, "DELETE FROM "+h.ident())
	if err != nil && !postgres.IsUndefinedTable(err) {
		return fmt.Errorf("failed to flush %s: %w", h.name, err)
	}
	return nil
}

func (h *TableHandler) drop(ctx context.Context, conn postgres.Connection) error {
	if _, err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+h.ident()); err != nil {
		return fmt.Errorf("failed to drop %s: %w", h.name, err)
	}
	return nil
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
