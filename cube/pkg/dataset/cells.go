package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes a result encoded with encoding/json. Cell values come
// back with the types a fresh query produces.
func (r *AggregateResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Drilldown json.RawMessage `json:"drilldown"`
		Summary   Summary         `json:"summary"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cells, err := DecodeCells(raw.Drilldown)
	if err != nil {
		return err
	}
	r.Drilldown = cells
	r.Summary = raw.Summary
	return nil
}

// DecodeCells decodes JSON encoded drilldown cells or members. Entry counts
// and member ids are restored as int64, every other number as float64.
func DecodeCells(data []byte) ([]map[string]any, error) {
	var cells []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&cells); err != nil {
		return nil, fmt.Errorf("failed to decode cells: %w", err)
	}
	for _, cell := range cells {
		if err := restoreNumbers(cell); err != nil {
			return nil, err
		}
	}
	return cells, nil
}

func restoreNumbers(m map[string]any) error {
	for k, v := range m {
		switch v := v.(type) {
		case json.Number:
			var err error
			if k == numEntries || k == "id" {
				m[k], err = v.Int64()
			} else {
				m[k], err = v.Float64()
			}
			if err != nil {
				return fmt.Errorf("cell %s: %w", k, err)
			}
		case map[string]any:
			if err := restoreNumbers(v); err != nil {
				return err
			}
		}
	}
	return nil
}
