package convert

import (
	"fmt"
	"strings"
)

// FieldError describes one cell that could not be converted.
type FieldError struct {
	Field     string
	Attribute string
	Column    string
	Value     string
	Datatype  string
	Message   string
}

func (e FieldError) Error() string {
	name := e.Field
	if e.Attribute != "" {
		name += "." + e.Attribute
	}
	return fmt.Sprintf("%s: %s (column %q, value %q, datatype %s)", name, e.Message, e.Column, e.Value, e.Datatype)
}

// InvalidError collects every conversion failure of one row.
type InvalidError struct {
	Errors []FieldError
}

func (e *InvalidError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Error()
	}
	return "invalid row: " + strings.Join(parts, "; ")
}
