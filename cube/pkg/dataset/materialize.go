package dataset

import (
	"context"
	"fmt"
	"iter"

	"github.com/openspending/cube/cube/pkg/postgres"
)

type MaterializeParams struct {
	Cuts   []Cut
	Order  []Order
	Limit  int
	Offset int
}

// Materialize streams fact rows fully denormalized: flat fields as values and
// compound fields as maps of their attributes. Rows are ordered by id unless
// an order is given.
func (d *Dataset) Materialize(ctx context.Context, conn postgres.Connection, params MaterializeParams) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		if params.Limit < 0 || params.Offset < 0 {
			yield(nil, invalidQuery("limit and offset must not be negative"))
			return
		}
		q := newSelectQuery(d.fact.Name())
		q.selectColumn(col(factAlias, "id"))
		cols := []resultColumn{{field: "id"}}
		for _, f := range d.fields {
			if c, ok := compound(f); ok {
				cols = append(cols, selectMember(q, c, false)...)
				continue
			}
			q.selectColumn(col(factAlias, f.Attributes()[0].Column))
			cols = append(cols, resultColumn{field: f.Name()})
		}
		if err := d.applyCuts(q, params.Cuts); err != nil {
			yield(nil, err)
			return
		}
		for _, o := range params.Order {
			ref, err := d.Key(o.Key)
			if err != nil {
				yield(nil, &LookupError{Kind: "order key", Key: o.Key})
				return
			}
			q.order(ref.expr(), o.Descending)
		}
		q.order(col(factAlias, "id"), false)
		q.limit = params.Limit
		q.offset = params.Offset

		sql, args := q.sql()
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to materialize: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				yield(nil, fmt.Errorf("failed to read entry: %w", err))
				return
			}
			entry := make(map[string]any, len(d.fields)+1)
			for i, rc := range cols {
				rc.put(entry, values[i])
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to materialize: %w", err))
		}
	}
}

type MembersParams struct {
	Cuts   []Cut
	Limit  int
	Offset int
}

// Members lists the distinct values of a dimension among the facts matching
// the cuts. Compound members carry their id, every attribute and taxonomy.
func (d *Dataset) Members(ctx context.Context, conn postgres.Connection, dimension string, params MembersParams) ([]map[string]any, error) {
	dim, err := d.Field(dimension)
	if err != nil {
		return nil, err
	}
	if params.Limit < 0 || params.Offset < 0 {
		return nil, invalidQuery("limit and offset must not be negative")
	}

	q := newSelectQuery(d.fact.Name())
	q.distinct = true
	var cols []resultColumn
	if c, ok := compound(dim); ok {
		cols = selectMember(q, c, false)
		name, _ := c.Attribute("name")
		q.order(col(c.Alias(), name.Column), false)
		q.order(col(c.Alias(), "id"), false)
	} else {
		expr := col(factAlias, dim.Attributes()[0].Column)
		q.selectColumn(expr)
		q.order(expr, false)
		cols = []resultColumn{{field: dim.Name()}}
	}
	if err := d.applyCuts(q, params.Cuts); err != nil {
		return nil, err
	}
	q.limit = params.Limit
	q.offset = params.Offset

	sql, args := q.sql()
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", dimension, err)
	}
	defer rows.Close()

	members := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read member: %w", err)
		}
		entry := make(map[string]any, len(cols))
		for i, rc := range cols {
			rc.put(entry, values[i])
		}
		if _, ok := compound(dim); ok {
			members = append(members, entry[dim.Name()].(map[string]any))
			continue
		}
		members = append(members, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", dimension, err)
	}
	return members, nil
}

// NumEntries counts the distinct values of a dimension among the facts
// matching the cuts.
func (d *Dataset) NumEntries(ctx context.Context, conn postgres.Connection, dimension string, cuts []Cut) (int64, error) {
	dim, err := d.Field(dimension)
	if err != nil {
		return 0, err
	}
	column := dim.Attributes()[0].Column
	if c, ok := compound(dim); ok {
		column = c.FKColumn()
	}

	q := newSelectQuery(d.fact.Name())
	q.selectColumn(fmt.Sprintf("COUNT(DISTINCT %s)", col(factAlias, column)))
	if err := d.applyCuts(q, cuts); err != nil {
		return 0, err
	}

	sql, args := q.sql()
	var n int64
	if err := conn.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries of %s: %w", dimension, err)
	}
	return n, nil
}
