package dataset

import (
	"context"

	"github.com/openspending/cube/cube/pkg/model"
	"github.com/openspending/cube/cube/pkg/postgres"
)

// Dimension is a field of the model. It is implemented by exactly four types:
// *AttributeDimension, *CompoundDimension, *DateDimension and *Measure.
type Dimension interface {
	// Name is the field name in the model.
	Name() string
	Label() string
	// Type is the model field type (measure, value, compound, date).
	Type() string
	Spec() *model.FieldSpec
	// Attributes lists the scalar values the dimension is made of, in
	// declaration order.
	Attributes() []*Attribute
	Attribute(name string) (*Attribute, bool)

	// factColumns returns the "name:TYPE" columns the field adds to the fact
	// table.
	factColumns() []string
	generate(ctx context.Context, conn postgres.Connection) error
	load(ctx context.Context, conn postgres.Connection, s *LoadSession, value any) (map[string]any, error)
	join(q *selectQuery)
	drop(ctx context.Context, conn postgres.Connection) error
}

// flat is the storage shared by dimensions that live on the fact table.
type flat struct {
	spec *model.FieldSpec
	attr *Attribute
}

func newFlat(spec *model.FieldSpec) flat {
	return flat{
		spec: spec,
		attr: &Attribute{
			Name:         spec.Name,
			Column:       spec.Name,
			Source:       spec.Column,
			Datatype:     spec.Datatype,
			DefaultValue: spec.DefaultValue,
			IsKey:        spec.Key,
			Constant:     spec.Constant,
		},
	}
}

func (f *flat) Name() string             { return f.spec.Name }
func (f *flat) Spec() *model.FieldSpec   { return f.spec }
func (f *flat) Attributes() []*Attribute { return []*Attribute{f.attr} }
func (f *flat) Column() *Attribute       { return f.attr }
func (f *flat) factColumns() []string    { return []string{f.attr.ColumnDef()} }
func (f *flat) join(*selectQuery)        {}

func (f *flat) Label() string {
	if f.spec.Label != "" {
		return f.spec.Label
	}
	return f.spec.Name
}

func (f *flat) Attribute(name string) (*Attribute, bool) {
	if name == f.attr.Name {
		return f.attr, true
	}
	return nil, false
}

func (f *flat) generate(context.Context, postgres.Connection) error { return nil }
func (f *flat) drop(context.Context, postgres.Connection) error     { return nil }

func (f *flat) load(_ context.Context, _ postgres.Connection, _ *LoadSession, value any) (map[string]any, error) {
	return f.attr.Load(value), nil
}

// AttributeDimension is a flat field stored as one column of the fact table.
type AttributeDimension struct {
	flat
}

func (d *AttributeDimension) Type() string { return d.spec.Type }

// Measure is a numeric fact column eligible for summation.
type Measure struct {
	flat
}

func (m *Measure) Type() string { return model.TypeMeasure }

var (
	_ Dimension = (*AttributeDimension)(nil)
	_ Dimension = (*Measure)(nil)
	_ Dimension = (*CompoundDimension)(nil)
	_ Dimension = (*DateDimension)(nil)
)
