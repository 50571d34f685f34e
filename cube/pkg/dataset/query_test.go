package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

var errCaptured = errors.New("captured")

// captureConn records the statement it is asked to run and fails it.
type captureConn struct {
	sql  string
	args []any
}

func (c *captureConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.sql, c.args = sql, args
	return pgconn.CommandTag{}, errCaptured
}

func (c *captureConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.sql, c.args = sql, args
	return nil, errCaptured
}

func (c *captureConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	c.sql, c.args = sql, args
	return errRow{}
}

type errRow struct{}

func (errRow) Scan(...any) error { return errCaptured }

func planAggregate(t *testing.T, params AggregateParams) (string, []any, error) {
	t.Helper()
	conn := &captureConn{}
	_, err := testDataset(t).Aggregate(t.Context(), conn, params)
	if errors.Is(err, errCaptured) {
		return conn.sql, conn.args, nil
	}
	return "", nil, err
}

func TestCube_Dataset_SelectQuery(t *testing.T) {
	t.Parallel()
	q := newSelectQuery("t_entry")
	q.selectColumn(`SUM("entry"."amount")`)
	q.join("dim_from", "t_entity", "from_id")
	q.join("dim_from", "t_entity", "from_id")
	q.selectColumn(`"dim_from"."name"`)
	q.group(`"dim_from"."name"`)
	q.group(`"dim_from"."name"`)
	q.where(`"dim_from"."name"`, []any{"a", "b"})
	q.where(`"entry"."amount"`, []any{10.0})
	q.order(`SUM("entry"."amount")`, true)
	q.limit = 5
	q.offset = 10

	sql, args := q.sql()
	require.Equal(t,
		`SELECT SUM("entry"."amount"), "dim_from"."name" FROM "t_entry" AS "entry"`+
			` LEFT JOIN "t_entity" AS "dim_from" ON "dim_from"."id" = "entry"."from_id"`+
			` WHERE "dim_from"."name" = ANY($1) AND "entry"."amount" = $2`+
			` GROUP BY "dim_from"."name"`+
			` ORDER BY SUM("entry"."amount") DESC NULLS LAST`+
			` LIMIT 5 OFFSET 10`,
		sql)
	require.Equal(t, []any{[]string{"a", "b"}, 10.0}, args)
}

func TestCube_Dataset_TypedArray(t *testing.T) {
	t.Parallel()
	require.Equal(t, []float64{1, 2}, typedArray([]any{1.0, 2.0}))
	require.Equal(t, []string{"a", "2"}, typedArray([]any{"a", 2.0}))
}

func TestCube_Dataset_Aggregate_Plan(t *testing.T) {
	t.Parallel()

	t.Run("defaults to amount ordered descending", func(t *testing.T) {
		t.Parallel()
		sql, args, err := planAggregate(t, AggregateParams{})
		require.NoError(t, err)
		require.Equal(t, `SELECT SUM("entry"."amount"), COUNT(*) FROM "test_entry" AS "entry" ORDER BY SUM("entry"."amount") DESC NULLS LAST`, sql)
		require.Empty(t, args)
	})

	t.Run("joins a dimension once", func(t *testing.T) {
		t.Parallel()
		sql, _, err := planAggregate(t, AggregateParams{
			Drilldowns: []string{"from.name", "from.label"},
			Cuts:       []Cut{{Key: "from", Value: "a"}},
			Order:      []Order{{Key: "from.label"}},
		})
		require.NoError(t, err)
		require.Equal(t, 1, strings.Count(sql, `AS "dim_from"`))
		require.Contains(t, sql, `ORDER BY "dim_from"."label" ASC NULLS LAST, "dim_from"."name" ASC NULLS LAST`)
	})

	t.Run("dimensions sharing a table get their own alias", func(t *testing.T) {
		t.Parallel()
		sql, _, err := planAggregate(t, AggregateParams{Drilldowns: []string{"from", "to"}})
		require.NoError(t, err)
		require.Contains(t, sql, `LEFT JOIN "test_entity" AS "dim_from" ON "dim_from"."id" = "entry"."from_id"`)
		require.Contains(t, sql, `LEFT JOIN "test_entity" AS "dim_to" ON "dim_to"."id" = "entry"."to_id"`)
		require.Contains(t, sql, `GROUP BY "dim_from"."id", "dim_from"."name", "dim_from"."label", "dim_to"."id"`)
	})

	t.Run("cuts on one key are ORed and across keys ANDed", func(t *testing.T) {
		t.Parallel()
		sql, args, err := planAggregate(t, AggregateParams{
			Cuts: []Cut{
				{Key: "field", Value: "foo"},
				{Key: "time.year", Value: "2010"},
				{Key: "field", Value: "bar"},
			},
		})
		require.NoError(t, err)
		require.Contains(t, sql, `WHERE "entry"."field" = ANY($1) AND "dim_time"."year" = $2`)
		require.Equal(t, []any{[]string{"foo", "bar"}, "2010"}, args)
	})

	t.Run("numeric cuts are parsed", func(t *testing.T) {
		t.Parallel()
		_, args, err := planAggregate(t, AggregateParams{Cuts: []Cut{{Key: "amount", Value: " 100 "}}})
		require.NoError(t, err)
		require.Equal(t, []any{100.0}, args)

		_, _, err = planAggregate(t, AggregateParams{Cuts: []Cut{{Key: "amount", Value: "lots"}}})
		require.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("unknown keys are lookup errors", func(t *testing.T) {
		t.Parallel()
		for _, params := range []AggregateParams{
			{Measures: []string{"nope"}},
			{Measures: []string{"field"}},
			{Drilldowns: []string{"nope"}},
			{Cuts: []Cut{{Key: "from.nope", Value: "x"}}},
			{Order: []Order{{Key: "nope"}}},
		} {
			_, _, err := planAggregate(t, params)
			require.ErrorIs(t, err, ErrKeyNotFound, "%+v", params)
		}
	})

	t.Run("order by a dimension that is not drilled down", func(t *testing.T) {
		t.Parallel()
		_, _, err := planAggregate(t, AggregateParams{
			Drilldowns: []string{"from.label"},
			Order:      []Order{{Key: "from"}},
		})
		require.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("invalid paging", func(t *testing.T) {
		t.Parallel()
		_, _, err := planAggregate(t, AggregateParams{PageSize: -1})
		require.ErrorIs(t, err, ErrInvalidQuery)
		_, _, err = planAggregate(t, AggregateParams{Page: -2})
		require.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestCube_Dataset_Page(t *testing.T) {
	t.Parallel()
	cells := make([]map[string]any, 5)
	for i := range cells {
		cells[i] = map[string]any{"i": i}
	}
	require.Len(t, page(cells, 1, 2), 2)
	require.Equal(t, 4, page(cells, 3, 2)[0]["i"])
	require.Len(t, page(cells, 3, 2), 1)
	require.Empty(t, page(cells, 4, 2))
	require.Len(t, page(cells, 1, 10), 5)
}

func TestCube_Dataset_SummaryJSON(t *testing.T) {
	t.Parallel()
	s := Summary{
		Measures:      map[string]float64{"amount": 2690},
		NumEntries:    6,
		NumDrilldowns: 5,
		Page:          1,
		Pages:         3,
		PageSize:      2,
	}
	data, err := s.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"amount": 2690, "num_entries": 6, "num_drilldowns": 5, "page": 1, "pages": 3, "pagesize": 2}`, string(data))

	var again Summary
	require.NoError(t, again.UnmarshalJSON(data))
	require.Equal(t, s, again)
}

func TestCube_Dataset_AggregateResultJSON(t *testing.T) {
	t.Parallel()
	res := AggregateResult{
		Drilldown: []map[string]any{
			{
				"amount":      1190.0,
				"num_entries": int64(1),
				"field":       "bar",
				"from":        map[string]any{"taxonomy": "entity", "id": int64(7), "name": "e", "label": nil},
			},
		},
		Summary: Summary{
			Measures:      map[string]float64{"amount": 1190},
			NumEntries:    1,
			NumDrilldowns: 1,
			Page:          1,
			Pages:         1,
			PageSize:      DefaultPageSize,
		},
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)

	var again AggregateResult
	require.NoError(t, json.Unmarshal(data, &again))
	require.Equal(t, res, again)

	t.Run("empty drilldown", func(t *testing.T) {
		t.Parallel()
		cells, err := DecodeCells([]byte(`[]`))
		require.NoError(t, err)
		require.Empty(t, cells)
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeCells([]byte(`{"amount": 1}`))
		require.Error(t, err)
	})
}
