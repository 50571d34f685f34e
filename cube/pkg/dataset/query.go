package dataset

import (
	"fmt"
	"strings"
)

// factAlias is the alias the fact table is queried under.
const factAlias = "entry"

type queryJoin struct {
	alias string
	table string
	fk    string
}

// queryPredicate matches expr against any of values. Predicates are ANDed.
type queryPredicate struct {
	expr   string
	values []any
}

type queryOrder struct {
	expr string
	desc bool
}

// selectQuery is a SELECT over the fact table built up as data and rendered
// to SQL once complete. Joins are de-duplicated by alias.
type selectQuery struct {
	from       string
	distinct   bool
	columns    []string
	joins      []queryJoin
	joined     map[string]bool
	predicates []queryPredicate
	groupBy    []string
	orderBy    []queryOrder
	limit      int
	offset     int
}

func newSelectQuery(fact string) *selectQuery {
	return &selectQuery{from: fact, joined: make(map[string]bool)}
}

// join adds a LEFT JOIN of table under alias on alias.id = entry.fk, once per
// alias.
func (q *selectQuery) join(alias, table, fk string) {
	if q.joined[alias] {
		return
	}
	q.joined[alias] = true
	q.joins = append(q.joins, queryJoin{alias: alias, table: table, fk: fk})
}

// selectColumn adds expr to the select list and returns its position.
func (q *selectQuery) selectColumn(expr string) int {
	q.columns = append(q.columns, expr)
	return len(q.columns) - 1
}

func (q *selectQuery) group(expr string) {
	for _, g := range q.groupBy {
		if g == expr {
			return
		}
	}
	q.groupBy = append(q.groupBy, expr)
}

func (q *selectQuery) where(expr string, values []any) {
	q.predicates = append(q.predicates, queryPredicate{expr: expr, values: values})
}

func (q *selectQuery) order(expr string, desc bool) {
	for _, o := range q.orderBy {
		if o.expr == expr {
			return
		}
	}
	q.orderBy = append(q.orderBy, queryOrder{expr: expr, desc: desc})
}

// sql renders the query with positional arguments.
func (q *selectQuery) sql() (string, []any) {
	var b strings.Builder
	var args []any

	b.WriteString("SELECT ")
	if q.distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(strings.Join(q.columns, ", "))
	fmt.Fprintf(&b, " FROM %s AS %s", quote(q.from), quote(factAlias))

	for _, j := range q.joins {
		fmt.Fprintf(&b, " LEFT JOIN %s AS %s ON %s = %s",
			quote(j.table), quote(j.alias), col(j.alias, "id"), col(factAlias, j.fk))
	}

	if len(q.predicates) > 0 {
		conds := make([]string, len(q.predicates))
		for i, p := range q.predicates {
			if len(p.values) == 1 {
				args = append(args, p.values[0])
				conds[i] = fmt.Sprintf("%s = $%d", p.expr, len(args))
				continue
			}
			args = append(args, typedArray(p.values))
			conds[i] = fmt.Sprintf("%s = ANY($%d)", p.expr, len(args))
		}
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	if len(q.groupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(q.groupBy, ", "))
	}

	if len(q.orderBy) > 0 {
		terms := make([]string, len(q.orderBy))
		for i, o := range q.orderBy {
			if o.desc {
				terms[i] = o.expr + " DESC NULLS LAST"
			} else {
				terms[i] = o.expr + " ASC NULLS LAST"
			}
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(terms, ", "))
	}

	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}
	return b.String(), args
}

func col(alias, column string) string {
	return quote(alias) + "." + quote(column)
}

// typedArray converts cut values to a slice pgx encodes as a typed array.
func typedArray(values []any) any {
	floats := make([]float64, 0, len(values))
	for _, v := range values {
		f, ok := v.(float64)
		if !ok {
			break
		}
		floats = append(floats, f)
	}
	if len(floats) == len(values) {
		return floats
	}
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	return strs
}
