package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/openspending/cube/cube/pkg/model"
	"github.com/openspending/cube/cube/pkg/postgres"
)

// CompoundDimension stores its members in a reference table keyed by a
// synthetic id with a unique "name"; the fact table holds only <field>_id.
type CompoundDimension struct {
	spec  *model.FieldSpec
	attrs []*Attribute
	table *TableHandler
}

func newCompound(spec *model.FieldSpec, table *TableHandler) (*CompoundDimension, error) {
	c := &CompoundDimension{spec: spec, table: table}
	for _, a := range spec.Attributes {
		attr := &Attribute{
			Name:         a.Name,
			Column:       a.Name,
			Source:       a.Column,
			Datatype:     a.Datatype,
			DefaultValue: a.DefaultValue,
			IsKey:        a.Key || (spec.Key && a.Name == model.NameAttribute),
			Constant:     a.Constant,
		}
		if err := table.addColumn(attr.ColumnDef()); err != nil {
			return nil, err
		}
		c.attrs = append(c.attrs, attr)
	}
	return c, nil
}

func (c *CompoundDimension) Name() string             { return c.spec.Name }
func (c *CompoundDimension) Type() string             { return model.TypeCompound }
func (c *CompoundDimension) Spec() *model.FieldSpec   { return c.spec }
func (c *CompoundDimension) Attributes() []*Attribute { return c.attrs }

func (c *CompoundDimension) Label() string {
	if c.spec.Label != "" {
		return c.spec.Label
	}
	return c.spec.Name
}

func (c *CompoundDimension) Attribute(name string) (*Attribute, bool) {
	for _, a := range c.attrs {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Taxonomy names the member table shared by dimensions of the same kind.
func (c *CompoundDimension) Taxonomy() string { return c.spec.Taxonomy }

// Table returns the member table.
func (c *CompoundDimension) Table() *TableHandler { return c.table }

// Alias is the table alias the dimension is joined under. Dimensions sharing
// a table get distinct aliases.
func (c *CompoundDimension) Alias() string { return "dim_" + c.spec.Name }

// FKColumn is the fact table column referencing the member id.
func (c *CompoundDimension) FKColumn() string { return c.spec.Name + "_id" }

func (c *CompoundDimension) factColumns() []string {
	return []string{c.FKColumn() + ":BIGINT"}
}

func (c *CompoundDimension) generate(ctx context.Context, conn postgres.Connection) error {
	return c.table.ensure(ctx, conn)
}

func (c *CompoundDimension) drop(ctx context.Context, conn postgres.Connection) error {
	return c.table.drop(ctx, conn)
}

func (c *CompoundDimension) join(q *selectQuery) {
	q.join(c.Alias(), c.table.Name(), c.FKColumn())
}

func (c *CompoundDimension) load(ctx context.Context, conn postgres.Connection, s *LoadSession, value any) (map[string]any, error) {
	values, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dimension %s: expected attribute values, got %T", c.Name(), value)
	}
	return c.loadMember(ctx, conn, s, values)
}

// loadMember upserts the member and returns the fact table foreign key. Within
// a session each natural key is written once; repeats resolve from the cache.
func (c *CompoundDimension) loadMember(ctx context.Context, conn postgres.Connection, s *LoadSession, values map[string]any) (map[string]any, error) {
	row := make(map[string]any, len(c.attrs))
	for _, a := range c.attrs {
		for col, v := range a.Load(values[a.Name]) {
			row[col] = v
		}
	}
	name := row[model.NameAttribute]
	if name == nil {
		return nil, fmt.Errorf("dimension %s: %q is required", c.Name(), model.NameAttribute)
	}
	key := fmt.Sprint(name)

	if id, ok := s.member(c.table.Name(), key); ok {
		return map[string]any{c.FKColumn(): id}, nil
	}
	id, err := c.table.upsert(ctx, conn, row)
	if err != nil {
		return nil, fmt.Errorf("dimension %s: %w", c.Name(), err)
	}
	s.remember(c.table.Name(), key, id)
	return map[string]any{c.FKColumn(): id}, nil
}

// DateDimension is a compound dimension whose members are derived from a
// single date: name, label, year, quarter, month, week, day and yearmonth.
type DateDimension struct {
	CompoundDimension
}

var dateAttributes = []string{"name", "label", "year", "quarter", "month", "week", "day", "yearmonth"}

func newDate(spec *model.FieldSpec, table *TableHandler) (*DateDimension, error) {
	configured := *spec
	configured.Attributes = make([]model.AttributeSpec, len(dateAttributes))
	for i, name := range dateAttributes {
		configured.Attributes[i] = model.AttributeSpec{Name: name, Datatype: model.DatatypeString}
	}
	c, err := newCompound(&configured, table)
	if err != nil {
		return nil, err
	}
	c.spec = spec
	return &DateDimension{CompoundDimension: *c}, nil
}

func (d *DateDimension) Type() string { return model.TypeDate }

func (d *DateDimension) load(ctx context.Context, conn postgres.Connection, s *LoadSession, value any) (map[string]any, error) {
	t, ok := value.(time.Time)
	if !ok {
		return nil, fmt.Errorf("dimension %s: expected a date, got %T", d.Name(), value)
	}
	return d.loadMember(ctx, conn, s, dateMembers(t))
}

// dateMembers derives the stored representations of a date. The quarter is
// month/4, which yields 0 for January to March, 1 for April to July, 2 for
// August to November and 3 for December; existing datasets are keyed on it.
func dateMembers(t time.Time) map[string]any {
	_, week := t.ISOWeek()
	return map[string]any{
		"name":      t.Format("2006-01-02"),
		"label":     t.Format("02. January 2006"),
		"year":      t.Format("2006"),
		"quarter":   fmt.Sprint(int(t.Month()) / 4),
		"month":     t.Format("01"),
		"week":      fmt.Sprintf("%02d", week),
		"day":       t.Format("02"),
		"yearmonth": t.Format("200601"),
	}
}
