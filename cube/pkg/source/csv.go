package source

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSV decodes r lazily. The first record is the header; every following
// record is yielded as a Row padded or truncated to the header width. Parse
// errors on a record are yielded and decoding continues with the next record;
// any other read error is yielded once and ends the sequence. An empty input
// yields nothing.
func CSV(r io.Reader) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		br := bufio.NewReader(r)
		if prefix, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
			_, _ = br.Discard(len(utf8BOM))
		}

		cr := csv.NewReader(br)
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true

		header, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(Row{}, fmt.Errorf("failed to read csv header: %w", err))
			return
		}
		columns := make([]string, len(header))
		for i, h := range header {
			columns[i] = strings.TrimSpace(h)
		}

		for {
			record, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					if !yield(Row{}, fmt.Errorf("failed to parse csv record: %w", err)) {
						return
					}
					continue
				}
				yield(Row{}, fmt.Errorf("failed to read csv: %w", err))
				return
			}

			values := make([]string, len(columns))
			copy(values, record)
			if !yield(Row{Columns: columns, Values: values}, nil) {
				return
			}
		}
	}
}
