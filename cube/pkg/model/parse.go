package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Parse decodes a JSON or YAML descriptor and validates it. Mapping entries
// keep the order they are declared in, which fixes the column order of the
// generated tables.
func Parse(data []byte) (*Model, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	doc := &root
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return nil, errors.New("failed to parse model: empty document")
		}
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil, errors.New("failed to parse model: top level must be a mapping")
	}

	m := &Model{}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i].Value, doc.Content[i+1]
		var err error
		switch key {
		case "dataset":
			err = decodeNode(val, &m.Dataset)
		case "mapping":
			m.Mapping, err = decodeMapping(val)
		case "views":
			err = val.Decode(&m.Views)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode %q: %w", key, err)
		}
	}

	if len(m.Views) == 0 {
		m.Views = nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads and parses a descriptor file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return Parse(data)
}

func decodeMapping(n *yaml.Node) ([]FieldSpec, error) {
	if n.Kind != yaml.MappingNode {
		return nil, errors.New("mapping must be an object")
	}
	fields := make([]FieldSpec, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		name, val := n.Content[i].Value, n.Content[i+1]
		var f FieldSpec
		if err := decodeNode(val, &f); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		f.Name = name
		if attrs := lookup(val, "attributes"); attrs != nil {
			if attrs.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("field %q: attributes must be an object", name)
			}
			for j := 0; j+1 < len(attrs.Content); j += 2 {
				var a AttributeSpec
				if err := decodeNode(attrs.Content[j+1], &a); err != nil {
					return nil, fmt.Errorf("field %q attribute %q: %w", name, attrs.Content[j].Value, err)
				}
				a.Name = attrs.Content[j].Value
				f.Attributes = append(f.Attributes, a)
			}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func decodeNode(n *yaml.Node, out any) error {
	var raw map[string]any
	if err := n.Decode(&raw); err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func lookup(n *yaml.Node, key string) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// AsDict returns the portable form of the descriptor. Parsing its JSON
// encoding yields an equal Model.
func (m *Model) AsDict() map[string]any {
	mapping := make(map[string]any, len(m.Mapping))
	for _, f := range m.Mapping {
		mapping[f.Name] = f.asDict(true)
	}
	views := m.Views
	if views == nil {
		views = []map[string]any{}
	}
	return map[string]any{
		"dataset": m.Dataset.asDict(),
		"mapping": mapping,
		"views":   views,
	}
}

// MarshalJSON writes the descriptor with mapping and attribute order intact.
func (m *Model) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"dataset":`)
	if err := writeJSON(&buf, m.Dataset.asDict()); err != nil {
		return nil, err
	}
	buf.WriteString(`,"mapping":{`)
	for i, f := range m.Mapping {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(&buf, f.Name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := f.writeJSON(&buf); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`},"views":`)
	views := m.Views
	if views == nil {
		views = []map[string]any{}
	}
	if err := writeJSON(&buf, views); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses and validates a descriptor.
func (m *Model) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

func (d DatasetInfo) asDict() map[string]any {
	out := map[string]any{
		"name":  d.Name,
		"label": d.Label,
	}
	putString(out, "description", d.Description)
	putString(out, "currency", d.Currency)
	putString(out, "category", d.Category)
	putString(out, "default_time", d.DefaultTime)
	if len(d.Territories) > 0 {
		out["territories"] = d.Territories
	}
	if len(d.Languages) > 0 {
		out["languages"] = d.Languages
	}
	return out
}

func (f FieldSpec) asDict(withAttributes bool) map[string]any {
	out := map[string]any{"type": f.Type}
	putString(out, "label", f.Label)
	putString(out, "description", f.Description)
	putString(out, "column", f.Column)
	putString(out, "datatype", f.Datatype)
	putString(out, "default_value", f.DefaultValue)
	putString(out, "constant", f.Constant)
	putString(out, "format", f.Format)
	putString(out, "taxonomy", f.Taxonomy)
	if f.Key {
		out["key"] = true
	}
	if f.Facet {
		out["facet"] = true
	}
	if withAttributes && len(f.Attributes) > 0 {
		attrs := make(map[string]any, len(f.Attributes))
		for _, a := range f.Attributes {
			attrs[a.Name] = a.asDict()
		}
		out["attributes"] = attrs
	}
	return out
}

func (f FieldSpec) writeJSON(buf *bytes.Buffer) error {
	body, err := json.Marshal(f.asDict(false))
	if err != nil {
		return err
	}
	if len(f.Attributes) == 0 {
		buf.Write(body)
		return nil
	}
	// Splice the attributes in by hand so their order survives.
	buf.Write(body[:len(body)-1])
	buf.WriteString(`,"attributes":{`)
	for i, a := range f.Attributes {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(buf, a.Name); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeJSON(buf, a.asDict()); err != nil {
			return err
		}
	}
	buf.WriteString(`}}`)
	return nil
}

func (a AttributeSpec) asDict() map[string]any {
	out := map[string]any{}
	putString(out, "column", a.Column)
	putString(out, "datatype", a.Datatype)
	putString(out, "default_value", a.DefaultValue)
	putString(out, "constant", a.Constant)
	putString(out, "format", a.Format)
	putString(out, "label", a.Label)
	putString(out, "description", a.Description)
	if a.Key {
		out["key"] = true
	}
	return out
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func writeJSON(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
