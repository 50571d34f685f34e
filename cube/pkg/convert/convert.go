// Package convert turns raw source rows into typed values following a
// dataset's model.
package convert

import (
	"github.com/openspending/cube/cube/pkg/model"
	"github.com/openspending/cube/cube/pkg/source"
)

// Types converts a raw row into the values Dataset.Load expects: scalars for
// flat fields and measures, time.Time for date fields and a map of attribute
// values for compound fields. Every failing cell is reported in one
// *InvalidError.
func Types(m *model.Model, row source.Row) (map[string]any, error) {
	cells := row.Map()
	out := make(map[string]any, len(m.Mapping))
	var errs []FieldError

	for _, f := range m.Mapping {
		switch f.Type {
		case model.TypeCompound:
			attrs := make(map[string]any, len(f.Attributes))
			for _, a := range f.Attributes {
				spec := cellSpec{
					field:        f.Name,
					attribute:    a.Name,
					column:       a.Column,
					datatype:     a.Datatype,
					format:       a.Format,
					defaultValue: a.DefaultValue,
					constant:     a.Constant,
				}
				v, fe := spec.convert(cells)
				if fe != nil {
					errs = append(errs, *fe)
					continue
				}
				if a.Name == model.NameAttribute && v == nil {
					errs = append(errs, spec.fail(cells, "a value is required"))
					continue
				}
				attrs[a.Name] = v
			}
			out[f.Name] = attrs

		default:
			spec := cellSpec{
				field:        f.Name,
				column:       f.Column,
				datatype:     f.Datatype,
				format:       f.Format,
				defaultValue: f.DefaultValue,
				constant:     f.Constant,
			}
			v, fe := spec.convert(cells)
			if fe != nil {
				errs = append(errs, *fe)
				continue
			}
			if f.Type == model.TypeDate && v == nil {
				errs = append(errs, spec.fail(cells, "date is required"))
				continue
			}
			out[f.Name] = v
		}
	}

	if len(errs) > 0 {
		return nil, &InvalidError{Errors: errs}
	}
	return out, nil
}

type cellSpec struct {
	field        string
	attribute    string
	column       string
	datatype     string
	format       string
	defaultValue string
	constant     string
}

func (s cellSpec) convert(cells map[string]string) (any, *FieldError) {
	if s.datatype == model.DatatypeConstant {
		return s.constant, nil
	}
	raw, ok := cells[s.column]
	if !ok {
		fe := s.fail(cells, "column not found in source")
		return nil, &fe
	}
	v, err := value(s.datatype, s.format, raw)
	if err != nil {
		fe := s.fail(cells, err.Error())
		return nil, &fe
	}
	if v == nil && s.defaultValue != "" {
		v, err = value(s.datatype, s.format, s.defaultValue)
		if err != nil {
			fe := s.fail(cells, "invalid default value: "+err.Error())
			return nil, &fe
		}
	}
	return v, nil
}

func (s cellSpec) fail(cells map[string]string, msg string) FieldError {
	return FieldError{
		Field:     s.field,
		Attribute: s.attribute,
		Column:    s.column,
		Value:     cells[s.column],
		Datatype:  s.datatype,
		Message:   msg,
	}
}
