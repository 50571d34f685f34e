package importer

import (
	"context"
	"errors"
	"iter"

	"github.com/openspending/cube/cube/pkg/source"
)

// RowSource produces the rows of one import.
type RowSource interface {
	Rows(ctx context.Context) (iter.Seq2[source.Row, error], error)
}

// RowSourceFunc adapts a function to RowSource.
type RowSourceFunc func(ctx context.Context) (iter.Seq2[source.Row, error], error)

func (f RowSourceFunc) Rows(ctx context.Context) (iter.Seq2[source.Row, error], error) {
	return f(ctx)
}

// StaticRows serves rows from memory.
func StaticRows(rows ...source.Row) RowSource {
	return RowSourceFunc(func(context.Context) (iter.Seq2[source.Row, error], error) {
		return func(yield func(source.Row, error) bool) {
			for _, r := range rows {
				if !yield(r, nil) {
					return
				}
			}
		}, nil
	})
}

// csvRows opens location and parses it as CSV, optionally normalizing Budget
// Data Package columns. The location is closed once iteration stops.
func csvRows(opener *source.Opener, location string, bdp bool) RowSource {
	return RowSourceFunc(func(ctx context.Context) (iter.Seq2[source.Row, error], error) {
		if opener == nil {
			return nil, errors.New("opener is required")
		}
		rc, err := opener.Open(ctx, location)
		if err != nil {
			return nil, err
		}
		return func(yield func(source.Row, error) bool) {
			defer rc.Close()
			rows := source.CSV(rc)
			if bdp {
				rows = source.BudgetDataPackage(rows)
			}
			for r, err := range rows {
				if !yield(r, err) {
					return
				}
			}
		}, nil
	})
}
