package source

import (
	"iter"
	"slices"
	"strings"
)

// classification describes a hierarchical code column of a budget data
// package and how to cut it into levels when it carries no dots.
type classification struct {
	column string
	widths [2]int
}

var classifications = []classification{
	{column: "cofog", widths: [2]int{2, 3}},
	{column: "gfsmexpense", widths: [2]int{1, 2}},
	{column: "gfsmrevenue", widths: [2]int{1, 2}},
}

// BudgetDataPackage adapts rows of a budget data package to the column
// layout its models expect: "id" becomes "row_id", an empty "time" column is
// added when missing, and each classification code column is fanned out into
// <code>1, <code>2 and <code>3 level columns.
func BudgetDataPackage(rows iter.Seq2[Row, error]) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for row, err := range rows {
			if err != nil {
				if !yield(row, err) {
					return
				}
				continue
			}
			if !yield(transformBDP(row), nil) {
				return
			}
		}
	}
}

func transformBDP(row Row) Row {
	out := Row{
		Columns: slices.Clone(row.Columns),
		Values:  slices.Clone(row.Values),
	}
	for i, c := range out.Columns {
		if c == "id" {
			out.Columns[i] = "row_id"
		}
	}
	if _, ok := out.Get("time"); !ok {
		out = out.with("time", "")
	}
	for _, cl := range classifications {
		code, ok := out.Get(cl.column)
		if !ok {
			continue
		}
		levels := codeLevels(strings.TrimSpace(code), cl.widths)
		for i, level := range levels {
			out = out.with(cl.column+string(rune('1'+i)), level)
		}
	}
	return out
}

// codeLevels returns the three hierarchy levels of a classification code.
// Each level truncates the code at a greater depth; truncating past the end
// yields the whole code, and the third level is always the whole code.
func codeLevels(code string, widths [2]int) [3]string {
	if code == "" {
		return [3]string{}
	}
	if strings.Contains(code, ".") {
		parts := strings.Split(code, ".")
		return [3]string{
			strings.Join(parts[:min(1, len(parts))], "."),
			strings.Join(parts[:min(2, len(parts))], "."),
			code,
		}
	}
	return [3]string{
		code[:min(widths[0], len(code))],
		code[:min(widths[1], len(code))],
		code,
	}
}
