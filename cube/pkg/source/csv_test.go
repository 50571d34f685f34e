package source

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, seq func(func(Row, error) bool)) ([]Row, []error) {
	t.Helper()
	var rows []Row
	var errs []error
	for row, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs
}

func TestCube_Source_CSV(t *testing.T) {
	t.Parallel()

	t.Run("reads header and rows in order", func(t *testing.T) {
		t.Parallel()
		rows, errs := collect(t, CSV(strings.NewReader("amount, from ,to\n10,a,b\n20,c,d\n")))
		require.Empty(t, errs)
		require.Len(t, rows, 2)
		require.Equal(t, []string{"amount", "from", "to"}, rows[0].Columns)
		require.Equal(t, []string{"20", "c", "d"}, rows[1].Values)
		v, ok := rows[0].Get("from")
		require.True(t, ok)
		require.Equal(t, "a", v)
	})

	t.Run("strips utf8 bom", func(t *testing.T) {
		t.Parallel()
		rows, errs := collect(t, CSV(strings.NewReader("\xEF\xBB\xBFid,amount\n1,5\n")))
		require.Empty(t, errs)
		require.Equal(t, "id", rows[0].Columns[0])
	})

	t.Run("pads and truncates ragged rows", func(t *testing.T) {
		t.Parallel()
		rows, errs := collect(t, CSV(strings.NewReader("a,b,c\n1\n1,2,3,4\n")))
		require.Empty(t, errs)
		require.Equal(t, []string{"1", "", ""}, rows[0].Values)
		require.Equal(t, []string{"1", "2", "3"}, rows[1].Values)
	})

	t.Run("empty input yields nothing", func(t *testing.T) {
		t.Parallel()
		rows, errs := collect(t, CSV(strings.NewReader("")))
		require.Empty(t, rows)
		require.Empty(t, errs)
	})

	t.Run("header only yields nothing", func(t *testing.T) {
		t.Parallel()
		rows, errs := collect(t, CSV(strings.NewReader("a,b\n")))
		require.Empty(t, rows)
		require.Empty(t, errs)
	})

	t.Run("read error is yielded and ends the sequence", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		r := io.MultiReader(strings.NewReader("a,b\n1,2\n"), &failingReader{err: boom})
		rows, errs := collect(t, CSV(r))
		require.Len(t, rows, 1)
		require.Len(t, errs, 1)
		require.ErrorIs(t, errs[0], boom)
	})

	t.Run("stops when the consumer stops", func(t *testing.T) {
		t.Parallel()
		n := 0
		for range CSV(strings.NewReader("a\n1\n2\n3\n")) {
			n++
			if n == 2 {
				break
			}
		}
		require.Equal(t, 2, n)
	})
}

func TestCube_Source_Row_Map(t *testing.T) {
	t.Parallel()
	row := Row{Columns: []string{"a", "b", "a", "c"}, Values: []string{"1", "2", "3"}}
	require.Equal(t, map[string]string{"a": "1", "b": "2", "c": ""}, row.Map())

	_, ok := row.Get("missing")
	require.False(t, ok)
	v, ok := row.Get("c")
	require.True(t, ok)
	require.Empty(t, v)
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }
