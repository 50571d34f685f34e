// Package source produces the raw rows an import reads: opening local, HTTP
// and S3 locations and decoding them as CSV.
package source

// Row is one record of a source, with values aligned to the header.
type Row struct {
	Columns []string
	Values  []string
}

// Get returns the value of the first column named col.
func (r Row) Get(col string) (string, bool) {
	for i, c := range r.Columns {
		if c == col {
			if i < len(r.Values) {
				return r.Values[i], true
			}
			return "", true
		}
	}
	return "", false
}

// Map returns the row keyed by column name. Later duplicates of a column name
// do not override the first.
func (r Row) Map() map[string]string {
	out := make(map[string]string, len(r.Columns))
	for i, c := range r.Columns {
		if _, ok := out[c]; ok {
			continue
		}
		if i < len(r.Values) {
			out[c] = r.Values[i]
		} else {
			out[c] = ""
		}
	}
	return out
}

func (r Row) with(col, value string) Row {
	for i, c := range r.Columns {
		if c == col {
			r.Values[i] = value
			return r
		}
	}
	r.Columns = append(r.Columns, col)
	r.Values = append(r.Values, value)
	return r
}
