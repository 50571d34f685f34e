// Package dataset materializes a model as a star schema in Postgres, loads
// converted rows into it and answers aggregate queries against it.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openspending/cube/cube/pkg/model"
	"github.com/openspending/cube/cube/pkg/postgres"
)

// maxTableName leaves room for the "_name_key" index suffix within the
// 63 byte identifier limit.
const maxTableName = 63 - len("_name_key")

type Dataset struct {
	log   *slog.Logger
	model *model.Model

	fields []Dimension
	byName map[string]Dimension
	fact   *TableHandler
	// tables holds each member table once, even when shared.
	tables []*TableHandler
}

// New builds the in-memory dataset for a model. It does not touch storage.
func New(log *slog.Logger, m *model.Model) (*Dataset, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if m == nil {
		return nil, errors.New("model is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	name := m.Dataset.Name
	d := &Dataset{
		log:    log.With("dataset", name),
		model:  m,
		byName: make(map[string]Dimension, len(m.Mapping)),
		fact:   newTableHandler(log, name+"_entry", "TEXT PRIMARY KEY", "id"),
	}

	byTaxonomy := make(map[string]*TableHandler)
	memberTable := func(taxonomy string) (*TableHandler, error) {
		if h, ok := byTaxonomy[taxonomy]; ok {
			return h, nil
		}
		tableName := name + "_" + taxonomy
		if len(tableName) > maxTableName {
			return nil, fmt.Errorf("table name %q exceeds %d bytes", tableName, maxTableName)
		}
		if tableName == d.fact.Name() {
			return nil, fmt.Errorf("taxonomy %q collides with the fact table", taxonomy)
		}
		h := newTableHandler(log, tableName, "BIGSERIAL PRIMARY KEY", model.NameAttribute)
		byTaxonomy[taxonomy] = h
		d.tables = append(d.tables, h)
		return h, nil
	}

	for i := range m.Mapping {
		spec := &m.Mapping[i]
		var dim Dimension
		switch spec.Type {
		case model.TypeMeasure:
			dim = &Measure{flat: newFlat(spec)}
		case model.TypeCompound:
			table, err := memberTable(spec.Taxonomy)
			if err != nil {
				return nil, err
			}
			c, err := newCompound(spec, table)
			if err != nil {
				return nil, err
			}
			dim = c
		case model.TypeDate:
			table, err := memberTable(spec.Taxonomy)
			if err != nil {
				return nil, err
			}
			dd, err := newDate(spec, table)
			if err != nil {
				return nil, err
			}
			dim = dd
		default:
			dim = &AttributeDimension{flat: newFlat(spec)}
		}
		for _, c := range dim.factColumns() {
			if err := d.fact.addColumn(c); err != nil {
				return nil, err
			}
		}
		d.fields = append(d.fields, dim)
		d.byName[dim.Name()] = dim
	}
	return d, nil
}

func (d *Dataset) Name() string           { return d.model.Dataset.Name }
func (d *Dataset) Label() string          { return d.model.Dataset.Label }
func (d *Dataset) Model() *model.Model    { return d.model }
func (d *Dataset) FactTable() string      { return d.fact.Name() }
func (d *Dataset) Alias() string          { return factAlias }
func (d *Dataset) Fields() []Dimension    { return d.fields }
func (d *Dataset) AsDict() map[string]any { return d.model.AsDict() }

// Dimensions returns every field that is not a measure.
func (d *Dataset) Dimensions() []Dimension {
	var out []Dimension
	for _, f := range d.fields {
		if _, ok := f.(*Measure); !ok {
			out = append(out, f)
		}
	}
	return out
}

func (d *Dataset) Measures() []*Measure {
	var out []*Measure
	for _, f := range d.fields {
		if m, ok := f.(*Measure); ok {
			out = append(out, m)
		}
	}
	return out
}

// Field returns the dimension or measure with the given name.
func (d *Dataset) Field(name string) (Dimension, error) {
	if f, ok := d.byName[name]; ok {
		return f, nil
	}
	return nil, &LookupError{Kind: "dimension", Key: name}
}

// ColumnRef is a resolved query key: a dimension and one of its attributes.
type ColumnRef struct {
	Key       string
	Dimension Dimension
	Attribute *Attribute
}

func (r ColumnRef) alias() string {
	if c, ok := compound(r.Dimension); ok {
		return c.Alias()
	}
	return factAlias
}

func (r ColumnRef) expr() string {
	return col(r.alias(), r.Attribute.Column)
}

// Key resolves "field" or "field.attribute". A bare compound field resolves
// to its name attribute.
func (d *Dataset) Key(key string) (ColumnRef, error) {
	fieldName, attrName, dotted := strings.Cut(key, ".")
	dim, ok := d.byName[fieldName]
	if !ok {
		return ColumnRef{}, &LookupError{Kind: "dimension", Key: key}
	}
	if !dotted {
		if c, ok := compound(dim); ok {
			attr, _ := c.Attribute(model.NameAttribute)
			return ColumnRef{Key: key, Dimension: dim, Attribute: attr}, nil
		}
		return ColumnRef{Key: key, Dimension: dim, Attribute: dim.Attributes()[0]}, nil
	}
	if _, ok := compound(dim); !ok {
		return ColumnRef{}, &LookupError{Kind: "attribute", Key: key}
	}
	attr, ok := dim.Attribute(attrName)
	if !ok {
		return ColumnRef{}, &LookupError{Kind: "attribute", Key: key}
	}
	return ColumnRef{Key: key, Dimension: dim, Attribute: attr}, nil
}

// compound returns the member-table view of compound and date dimensions.
func compound(dim Dimension) (*CompoundDimension, bool) {
	switch c := dim.(type) {
	case *CompoundDimension:
		return c, true
	case *DateDimension:
		return &c.CompoundDimension, true
	}
	return nil, false
}

// Generate creates the fact and member tables, or reflects and evolves them
// when they already exist. It is safe to call repeatedly.
func (d *Dataset) Generate(ctx context.Context, conn postgres.Connection) error {
	if err := d.fact.ensure(ctx, conn); err != nil {
		return err
	}
	for _, f := range d.fields {
		if err := f.generate(ctx, conn); err != nil {
			return err
		}
	}
	d.log.Debug("dataset: generated", "fact", d.fact.Name(), "tables", len(d.tables))
	return nil
}

// Load writes one converted row. Member lookups are not cached across calls;
// imports use a LoadSession.
func (d *Dataset) Load(ctx context.Context, conn postgres.Connection, row map[string]any) error {
	_, err := d.NewSession().Load(ctx, conn, row)
	return err
}

// EntryID returns the fact id of a converted row: a hash of the unique-key
// attributes, or of every value when the model declares no key.
func (d *Dataset) EntryID(row map[string]any) EntryID {
	refs := d.model.KeyRefs()
	var values []any
	if len(refs) > 0 {
		for _, ref := range refs {
			v := row[ref.Field]
			if ref.Attribute != "" {
				attrs, _ := v.(map[string]any)
				v = attrs[ref.Attribute]
			}
			values = append(values, storeValue(v))
		}
		return NewNaturalKey(values...).ID()
	}
	for _, f := range d.fields {
		v := row[f.Name()]
		if attrs, ok := v.(map[string]any); ok {
			for _, a := range f.Attributes() {
				values = append(values, storeValue(attrs[a.Name]))
			}
			continue
		}
		values = append(values, storeValue(v))
	}
	return NewNaturalKey(values...).ID()
}

// Flush deletes every row of the dataset and keeps its tables.
func (d *Dataset) Flush(ctx context.Context, conn postgres.Connection) error {
	if err := d.fact.flush(ctx, conn); err != nil {
		return err
	}
	for _, t := range d.tables {
		if err := t.flush(ctx, conn); err != nil {
			return err
		}
	}
	d.log.Info("dataset: flushed")
	return nil
}

// Drop removes the dataset's tables and data.
func (d *Dataset) Drop(ctx context.Context, conn postgres.Connection) error {
	if err := d.fact.drop(ctx, conn); err != nil {
		return err
	}
	for _, f := range d.fields {
		if err := f.drop(ctx, conn); err != nil {
			return err
		}
	}
	d.log.Info("dataset: dropped")
	return nil
}

// Count returns the number of fact rows.
func (d *Dataset) Count(ctx context.Context, conn postgres.Connection) (int64, error) {
	return d.fact.count(ctx, conn)
}
