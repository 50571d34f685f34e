package dataset

import (
	"fmt"
	"strings"
	"time"

	"github.com/openspending/cube/cube/pkg/model"
)

// Attribute is one scalar value of the model and owns exactly one physical
// column, either on the fact table or on a compound dimension's table.
type Attribute struct {
	// Name is the field name for flat fields and measures, and the attribute
	// name inside a compound dimension.
	Name string
	// Column is the physical column the value is stored in.
	Column string
	// Source is the source column the value is read from.
	Source       string
	Datatype     string
	DefaultValue string
	IsKey        bool
	Constant     string
}

// ColumnDef returns the "name:TYPE" definition of the attribute's column.
func (a *Attribute) ColumnDef() string {
	return a.Column + ":" + sqlType(a.Datatype)
}

// Load maps a converted value onto the attribute's column.
func (a *Attribute) Load(value any) map[string]any {
	return map[string]any{a.Column: storeValue(value)}
}

func (a *Attribute) isNumeric() bool {
	return a.Datatype == model.DatatypeFloat
}

func sqlType(datatype string) string {
	switch datatype {
	case model.DatatypeFloat:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

// storeValue renders values whose column is TEXT but whose Go type is not.
func storeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

// columnName extracts the column name from a "name:TYPE" definition.
func columnName(colDef string) (string, error) {
	parts := strings.SplitN(colDef, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid column definition %q: expected format 'name:type'", colDef)
	}
	return strings.TrimSpace(parts[0]), nil
}
