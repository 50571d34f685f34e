package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/openspending/cube/cube/pkg/metrics"
	"github.com/openspending/cube/cube/pkg/postgres"
)

const (
	DefaultMeasure  = "amount"
	DefaultPageSize = 10000

	numEntries = "num_entries"
)

// Cut restricts a query to facts whose key equals Value. Cuts on the same key
// are ORed, cuts on different keys are ANDed.
type Cut struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Order sorts drilldown cells by a measure, "num_entries" or a drilled-down
// key.
type Order struct {
	Key        string `json:"key"`
	Descending bool   `json:"descending"`
}

type AggregateParams struct {
	Measures   []string `json:"measures"`
	Drilldowns []string `json:"drilldowns"`
	Cuts       []Cut    `json:"cuts"`
	Order      []Order  `json:"order"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pagesize"`
}

func (p *AggregateParams) Validate() error {
	if len(p.Measures) == 0 {
		p.Measures = []string{DefaultMeasure}
	}
	if p.Page == 0 {
		p.Page = 1
	}
	if p.Page < 0 {
		return invalidQuery("page must be positive, got %d", p.Page)
	}
	if p.PageSize == 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize < 0 {
		return invalidQuery("pagesize must be positive, got %d", p.PageSize)
	}
	return nil
}

// Summary holds the totals of an aggregate over every matching fact,
// whatever page was requested.
type Summary struct {
	Measures      map[string]float64
	NumEntries    int64
	NumDrilldowns int
	Page          int
	Pages         int
	PageSize      int
}

func (s Summary) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Measures)+5)
	for k, v := range s.Measures {
		out[k] = v
	}
	out[numEntries] = s.NumEntries
	out["num_drilldowns"] = s.NumDrilldowns
	out["page"] = s.Page
	out["pages"] = s.Pages
	out["pagesize"] = s.PageSize
	return json.Marshal(out)
}

func (s *Summary) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*s = Summary{Measures: make(map[string]float64)}
	for k, v := range raw {
		var err error
		switch k {
		case numEntries:
			s.NumEntries, err = v.Int64()
		case "num_drilldowns":
			s.NumDrilldowns, err = atoi(v)
		case "page":
			s.Page, err = atoi(v)
		case "pages":
			s.Pages, err = atoi(v)
		case "pagesize":
			s.PageSize, err = atoi(v)
		default:
			s.Measures[k], err = v.Float64()
		}
		if err != nil {
			return fmt.Errorf("summary %s: %w", k, err)
		}
	}
	return nil
}

func atoi(n json.Number) (int, error) {
	return strconv.Atoi(n.String())
}

type AggregateResult struct {
	Drilldown []map[string]any `json:"drilldown"`
	Summary   Summary          `json:"summary"`
}

// resultColumn says where a selected value goes in a result cell.
type resultColumn struct {
	field     string
	attribute string
	taxonomy  string
	member    bool
}

func (rc resultColumn) put(cell map[string]any, v any) {
	if !rc.member {
		cell[rc.field] = v
		return
	}
	m, ok := cell[rc.field].(map[string]any)
	if !ok {
		m = map[string]any{"taxonomy": rc.taxonomy}
		cell[rc.field] = m
	}
	m[rc.attribute] = v
}

// selectMember selects a compound dimension's id and every attribute.
func selectMember(q *selectQuery, c *CompoundDimension, group bool) []resultColumn {
	c.join(q)
	cols := []resultColumn{{field: c.Name(), attribute: "id", taxonomy: c.Taxonomy(), member: true}}
	exprs := []string{col(c.Alias(), "id")}
	for _, a := range c.Attributes() {
		cols = append(cols, resultColumn{field: c.Name(), attribute: a.Name, taxonomy: c.Taxonomy(), member: true})
		exprs = append(exprs, col(c.Alias(), a.Column))
	}
	for _, e := range exprs {
		q.selectColumn(e)
		if group {
			q.group(e)
		}
	}
	return cols
}

// applyCuts joins what the cuts reference and adds one predicate per key.
func (d *Dataset) applyCuts(q *selectQuery, cuts []Cut) error {
	var keys []string
	byKey := make(map[string]ColumnRef)
	values := make(map[string][]any)
	for _, cut := range cuts {
		ref, err := d.Key(cut.Key)
		if err != nil {
			return err
		}
		expr := ref.expr()
		var v any = cut.Value
		if ref.Attribute.isNumeric() {
			f, err := strconv.ParseFloat(strings.TrimSpace(cut.Value), 64)
			if err != nil {
				return invalidQuery("cut %s=%q is not a number", cut.Key, cut.Value)
			}
			v = f
		}
		if _, ok := byKey[expr]; !ok {
			keys = append(keys, expr)
			byKey[expr] = ref
		}
		values[expr] = append(values[expr], v)
	}
	for _, expr := range keys {
		byKey[expr].Dimension.join(q)
		q.where(expr, values[expr])
	}
	return nil
}

// Aggregate sums measures over the facts matching the cuts, grouped by the
// drilldowns. The grouped result is computed in full; paging slices it in
// memory so the summary always covers every cell.
func (d *Dataset) Aggregate(ctx context.Context, conn postgres.Connection, params AggregateParams) (*AggregateResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := d.aggregate(ctx, conn, params)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.AggregateDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return result, err
}

func (d *Dataset) aggregate(ctx context.Context, conn postgres.Connection, params AggregateParams) (*AggregateResult, error) {
	q := newSelectQuery(d.fact.Name())

	measureExprs := make(map[string]string, len(params.Measures))
	for _, name := range params.Measures {
		f, ok := d.byName[name]
		m, isMeasure := f.(*Measure)
		if !ok || !isMeasure {
			return nil, &LookupError{Kind: "measure", Key: name}
		}
		expr := fmt.Sprintf("SUM(%s)", col(factAlias, m.Column().Column))
		q.selectColumn(expr)
		measureExprs[name] = expr
	}
	countExpr := "COUNT(*)"
	q.selectColumn(countExpr)

	var cols []resultColumn
	grouped := make(map[string]bool)
	drilled := make(map[string]bool)
	for _, key := range params.Drilldowns {
		if drilled[key] {
			continue
		}
		drilled[key] = true
		ref, err := d.Key(key)
		if err != nil {
			return nil, err
		}
		if c, ok := compound(ref.Dimension); ok && !strings.Contains(key, ".") {
			cols = append(cols, selectMember(q, c, true)...)
			for _, a := range c.Attributes() {
				grouped[col(c.Alias(), a.Column)] = true
			}
			continue
		}
		ref.Dimension.join(q)
		expr := ref.expr()
		q.selectColumn(expr)
		q.group(expr)
		grouped[expr] = true
		rc := resultColumn{field: ref.Dimension.Name()}
		if c, ok := compound(ref.Dimension); ok {
			rc = resultColumn{field: c.Name(), attribute: ref.Attribute.Name, taxonomy: c.Taxonomy(), member: true}
		}
		cols = append(cols, rc)
	}

	if err := d.applyCuts(q, params.Cuts); err != nil {
		return nil, err
	}

	order := params.Order
	if len(order) == 0 {
		order = []Order{{Key: params.Measures[0], Descending: true}}
	}
	for _, o := range order {
		if expr, ok := measureExprs[o.Key]; ok {
			q.order(expr, o.Descending)
			continue
		}
		if o.Key == numEntries {
			q.order(countExpr, o.Descending)
			continue
		}
		ref, err := d.Key(o.Key)
		if err != nil {
			return nil, &LookupError{Kind: "order key", Key: o.Key}
		}
		if !grouped[ref.expr()] {
			return nil, invalidQuery("cannot order by %s: not a drilldown", o.Key)
		}
		q.order(ref.expr(), o.Descending)
	}
	for _, g := range q.groupBy {
		q.order(g, false)
	}

	sql, args := q.sql()
	d.log.Debug("dataset: aggregate", "sql", sql, "args", args)
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate: %w", err)
	}
	defer rows.Close()

	summary := Summary{Measures: make(map[string]float64, len(params.Measures))}
	for _, m := range params.Measures {
		summary.Measures[m] = 0
	}
	var cells []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read aggregate row: %w", err)
		}
		cell := make(map[string]any, len(params.Measures)+1+len(cols))
		for i, m := range params.Measures {
			v := toFloat(values[i])
			cell[m] = v
			summary.Measures[m] += v
		}
		n := toInt(values[len(params.Measures)])
		cell[numEntries] = n
		summary.NumEntries += n
		for i, rc := range cols {
			rc.put(cell, values[len(params.Measures)+1+i])
		}
		cells = append(cells, cell)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate: %w", err)
	}

	summary.NumDrilldowns = len(cells)
	summary.Page = params.Page
	summary.PageSize = params.PageSize
	summary.Pages = int(math.Ceil(float64(len(cells)) / float64(params.PageSize)))

	return &AggregateResult{
		Drilldown: page(cells, params.Page, params.PageSize),
		Summary:   summary,
	}, nil
}

func page(cells []map[string]any, page, size int) []map[string]any {
	offset := (page - 1) * size
	if offset >= len(cells) {
		return []map[string]any{}
	}
	end := min(offset+size, len(cells))
	return cells[offset:end]
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
