package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	slugRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

	// reservedNames are fact table columns or result keys the engine owns.
	reservedNames = map[string]bool{
		"id":          true,
		"num_entries": true,
		"taxonomy":    true,
	}
)

// validate is the validator instance shared by all descriptors.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugRe.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identRe.MatchString(fl.Field().String())
	})
}

// ValidationError lists every problem found in a descriptor.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid model: " + strings.Join(e.Problems, "; ")
}

type problems []string

func (p *problems) add(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) addStruct(prefix string, s any) {
	err := validate.Struct(s)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		p.add("%s: %v", prefix, err)
		return
	}
	for _, fe := range verrs {
		if fe.Param() != "" {
			p.add("%s.%s: failed %q (%s), got %v", prefix, strings.ToLower(fe.Field()), fe.Tag(), fe.Param(), fe.Value())
		} else {
			p.add("%s.%s: failed %q, got %v", prefix, strings.ToLower(fe.Field()), fe.Tag(), fe.Value())
		}
	}
}

// Validate checks the descriptor and fills in defaults: field types default to
// "value", measures are always float, date fields always date, columns default
// to the field name and taxonomies to the field name.
func (m *Model) Validate() error {
	var errs problems
	errs.addStruct("dataset", &m.Dataset)

	if len(m.Mapping) == 0 {
		errs.add("mapping: at least one field is required")
	}

	seen := make(map[string]bool, len(m.Mapping))
	measures := 0
	for i := range m.Mapping {
		f := &m.Mapping[i]
		prefix := "mapping." + f.Name
		normalizeField(f)
		errs.addStruct(prefix, f)

		if seen[f.Name] {
			errs.add("%s: duplicate field", prefix)
		}
		seen[f.Name] = true
		if reservedNames[f.Name] {
			errs.add("%s: %q is reserved", prefix, f.Name)
		}

		switch f.Type {
		case TypeMeasure:
			measures++
			if f.Column == "" {
				errs.add("%s: column is required", prefix)
			}
		case TypeDate:
			if f.Column == "" {
				errs.add("%s: column is required", prefix)
			}
		case TypeCompound:
			validateCompound(&errs, prefix, f)
		default:
			if f.Column == "" && f.Datatype != DatatypeConstant {
				errs.add("%s: column is required", prefix)
			}
		}
	}

	// A flat field must not shadow the foreign key column of a reference table.
	for _, f := range m.Mapping {
		if f.Type == TypeCompound || f.Type == TypeDate {
			if seen[f.Name+"_id"] {
				errs.add("mapping.%s_id: collides with the foreign key of %q", f.Name, f.Name)
			}
		}
	}
	if len(m.Mapping) > 0 && measures == 0 {
		errs.add("mapping: at least one measure is required")
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}

func normalizeField(f *FieldSpec) {
	if f.Type == "" {
		f.Type = TypeValue
	}
	switch f.Type {
	case TypeMeasure:
		f.Datatype = DatatypeFloat
	case TypeDate:
		f.Datatype = DatatypeDate
		if f.Taxonomy == "" {
			f.Taxonomy = f.Name
		}
	case TypeCompound:
		f.Datatype = ""
		if f.Taxonomy == "" {
			f.Taxonomy = f.Name
		}
		for i := range f.Attributes {
			if f.Attributes[i].Datatype == "" {
				f.Attributes[i].Datatype = DatatypeString
			}
		}
	default:
		if f.Datatype == "" {
			f.Datatype = DatatypeString
		}
	}
	if f.Datatype == DatatypeConstant && f.Column == "" {
		return
	}
	if f.Type != TypeCompound && f.Column == "" && f.Constant == "" {
		f.Column = f.Name
	}
}

func validateCompound(errs *problems, prefix string, f *FieldSpec) {
	if len(f.Attributes) == 0 {
		errs.add("%s: compound fields need attributes", prefix)
		return
	}
	if _, ok := f.Attribute(NameAttribute); !ok {
		errs.add("%s: compound fields need a %q attribute", prefix, NameAttribute)
	}
	seen := make(map[string]bool, len(f.Attributes))
	for i := range f.Attributes {
		a := &f.Attributes[i]
		aprefix := prefix + "." + a.Name
		errs.addStruct(aprefix, a)
		if seen[a.Name] {
			errs.add("%s: duplicate attribute", aprefix)
		}
		seen[a.Name] = true
		if a.Name == "id" {
			errs.add("%s: %q is reserved", aprefix, a.Name)
		}
		if a.Datatype == DatatypeConstant {
			if a.Constant == "" {
				errs.add("%s: constant attributes need a constant", aprefix)
			}
			continue
		}
		if a.Column == "" {
			errs.add("%s: column is required", aprefix)
		}
	}
}
