// Package model describes a dataset's dimensional model: the descriptor a user
// supplies to map source columns onto measures and dimensions.
package model

// Field types.
const (
	TypeMeasure   = "measure"
	TypeDate      = "date"
	TypeValue     = "value"
	TypeAttribute = "attribute"
	TypeCompound  = "compound"
)

// Datatypes an attribute can declare.
const (
	DatatypeString   = "string"
	DatatypeFloat    = "float"
	DatatypeDate     = "date"
	DatatypeID       = "id"
	DatatypeConstant = "constant"
	DatatypeValue    = "value"
)

// NameAttribute is the natural key every compound dimension carries.
const NameAttribute = "name"

// Model is a validated dataset descriptor.
type Model struct {
	Dataset DatasetInfo
	Mapping []FieldSpec
	Views   []map[string]any
}

// DatasetInfo is the "dataset" section of a descriptor.
type DatasetInfo struct {
	Name        string   `mapstructure:"name" validate:"required,slug,max=40"`
	Label       string   `mapstructure:"label" validate:"required"`
	Description string   `mapstructure:"description"`
	Currency    string   `mapstructure:"currency" validate:"omitempty,len=3,uppercase"`
	Category    string   `mapstructure:"category"`
	DefaultTime string   `mapstructure:"default_time"`
	Territories []string `mapstructure:"territories"`
	Languages   []string `mapstructure:"languages"`
}

// FieldSpec is one entry of the "mapping" section.
type FieldSpec struct {
	Name         string `mapstructure:"-" validate:"required,ident,max=30"`
	Type         string `mapstructure:"type" validate:"omitempty,oneof=measure date value attribute compound"`
	Label        string `mapstructure:"label"`
	Description  string `mapstructure:"description"`
	Column       string `mapstructure:"column"`
	Datatype     string `mapstructure:"datatype" validate:"omitempty,oneof=string float date id constant value"`
	DefaultValue string `mapstructure:"default_value"`
	Key          bool   `mapstructure:"key"`
	Constant     string `mapstructure:"constant"`
	Format       string `mapstructure:"format"`
	Facet        bool   `mapstructure:"facet"`
	Taxonomy     string `mapstructure:"taxonomy" validate:"omitempty,ident,max=30"`

	Attributes []AttributeSpec `mapstructure:"-"`
}

// AttributeSpec is one member attribute of a compound field.
type AttributeSpec struct {
	Name         string `mapstructure:"-" validate:"required,ident,max=30"`
	Column       string `mapstructure:"column"`
	Datatype     string `mapstructure:"datatype" validate:"omitempty,oneof=string float date id constant value"`
	DefaultValue string `mapstructure:"default_value"`
	Key          bool   `mapstructure:"key"`
	Constant     string `mapstructure:"constant"`
	Format       string `mapstructure:"format"`
	Label        string `mapstructure:"label"`
	Description  string `mapstructure:"description"`
}

// KeyRef names one attribute that is part of the dataset's unique key.
// Attribute is empty for flat fields.
type KeyRef struct {
	Field     string
	Attribute string
}

// Field returns the field spec with the given name.
func (m *Model) Field(name string) (*FieldSpec, bool) {
	for i := range m.Mapping {
		if m.Mapping[i].Name == name {
			return &m.Mapping[i], true
		}
	}
	return nil, false
}

// KeyRefs returns the unique-key attribute set in declaration order.
func (m *Model) KeyRefs() []KeyRef {
	var refs []KeyRef
	for _, f := range m.Mapping {
		if f.Type != TypeCompound {
			if f.Key {
				refs = append(refs, KeyRef{Field: f.Name})
			}
			continue
		}
		fieldKey := f.Key
		for _, a := range f.Attributes {
			if a.Key || (fieldKey && a.Name == NameAttribute) {
				refs = append(refs, KeyRef{Field: f.Name, Attribute: a.Name})
			}
		}
	}
	return refs
}

// Attribute returns the attribute spec with the given name.
func (f *FieldSpec) Attribute(name string) (*AttributeSpec, bool) {
	for i := range f.Attributes {
		if f.Attributes[i].Name == name {
			return &f.Attributes[i], true
		}
	}
	return nil, false
}

// IsFlat reports whether the field is stored directly on the fact table.
func (f *FieldSpec) IsFlat() bool {
	return f.Type == TypeValue || f.Type == TypeAttribute || f.Type == TypeMeasure
}
