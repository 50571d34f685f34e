package dataset

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openspending/cube/cube/pkg/model"
	cubetesting "github.com/openspending/cube/utils/pkg/testing"
)

func TestCube_Dataset_New(t *testing.T) {
	t.Parallel()
	ds := testDataset(t)

	require.Equal(t, "test", ds.Name())
	require.Equal(t, "test_entry", ds.FactTable())
	require.Equal(t, "entry", ds.Alias())
	require.Len(t, ds.Fields(), 5)
	require.Len(t, ds.Measures(), 1)
	require.Len(t, ds.Dimensions(), 4)

	require.Equal(t, []string{
		"amount:DOUBLE PRECISION",
		"time_id:BIGINT",
		"from_id:BIGINT",
		"to_id:BIGINT",
		"field:TEXT",
	}, ds.fact.Columns())

	// from and to share the entity table; time has its own.
	require.Len(t, ds.tables, 2)
	require.Equal(t, "test_time", ds.tables[0].Name())
	require.Equal(t, "test_entity", ds.tables[1].Name())

	from, err := ds.Field("from")
	require.NoError(t, err)
	to, err := ds.Field("to")
	require.NoError(t, err)
	require.Same(t, from.(*CompoundDimension).Table(), to.(*CompoundDimension).Table())
	require.Equal(t, "dim_from", from.(*CompoundDimension).Alias())
	require.Equal(t, "dim_to", to.(*CompoundDimension).Alias())

	tm, err := ds.Field("time")
	require.NoError(t, err)
	require.IsType(t, &DateDimension{}, tm)
	require.Equal(t, model.TypeDate, tm.Type())
	require.Len(t, tm.Attributes(), len(dateAttributes))

	_, err = ds.Field("nope")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCube_Dataset_New_RejectsLongTableNames(t *testing.T) {
	t.Parallel()
	m := testModel(t)
	m.Dataset.Name = "a_rather_long_dataset_name_for_testing_x"
	m.Mapping[2].Taxonomy = "an_even_longer_taxonomy_name"
	_, err := New(cubetesting.NewLogger(), m)
	require.ErrorContains(t, err, "exceeds")
}

func TestCube_Dataset_AsDict_RoundTrip(t *testing.T) {
	t.Parallel()
	ds := testDataset(t)
	dict := ds.AsDict()
	info := dict["dataset"].(map[string]any)
	require.Equal(t, "test", info["name"])
	require.Equal(t, "Test Dataset", info["label"])
	require.Equal(t, "Spending fixture", info["description"])
	require.Equal(t, "EUR", info["currency"])

	data, err := ds.Model().MarshalJSON()
	require.NoError(t, err)
	again, err := model.Parse(data)
	require.NoError(t, err)
	require.Equal(t, ds.Model(), again)
}

func TestCube_Dataset_Key(t *testing.T) {
	t.Parallel()
	ds := testDataset(t)

	tests := []struct {
		key     string
		dim     string
		attr    string
		expr    string
		wantErr string
	}{
		{key: "amount", dim: "amount", attr: "amount", expr: `"entry"."amount"`},
		{key: "field", dim: "field", attr: "field", expr: `"entry"."field"`},
		{key: "from", dim: "from", attr: "name", expr: `"dim_from"."name"`},
		{key: "to.label", dim: "to", attr: "label", expr: `"dim_to"."label"`},
		{key: "time.year", dim: "time", attr: "year", expr: `"dim_time"."year"`},
		{key: "missing", wantErr: "unknown dimension"},
		{key: "from.missing", wantErr: "unknown attribute"},
		{key: "field.sub", wantErr: "unknown attribute"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			ref, err := ds.Key(tt.key)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrKeyNotFound)
				require.ErrorContains(t, err, tt.wantErr)
				var lookup *LookupError
				require.True(t, errors.As(err, &lookup))
				require.Equal(t, tt.key, lookup.Key)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.dim, ref.Dimension.Name())
			require.Equal(t, tt.attr, ref.Attribute.Name)
			require.Equal(t, tt.expr, ref.expr())
		})
	}
}

func TestCube_Dataset_EntryID(t *testing.T) {
	t.Parallel()
	ds := testDataset(t)

	a := fixtureRow(100, "2010-01-01", "a", "x", "foo")
	b := fixtureRow(100, "2010-01-01", "a", "x", "foo")
	c := fixtureRow(100, "2010-01-02", "a", "x", "foo")
	require.Equal(t, ds.EntryID(a), ds.EntryID(b))
	require.NotEqual(t, ds.EntryID(a), ds.EntryID(c))
	require.Len(t, string(ds.EntryID(a)), 64)

	t.Run("keyed model hashes only key attributes", func(t *testing.T) {
		t.Parallel()
		m := testModel(t)
		f, _ := m.Field("field")
		f.Key = true
		keyed, err := New(cubetesting.NewLogger(), m)
		require.NoError(t, err)

		x := fixtureRow(100, "2010-01-01", "a", "x", "foo")
		y := fixtureRow(999, "2012-01-01", "b", "y", "foo")
		require.Equal(t, keyed.EntryID(x), keyed.EntryID(y))
	})
}

func TestCube_Dataset_NaturalKey_LengthDelimited(t *testing.T) {
	t.Parallel()
	require.NotEqual(t, NewNaturalKey("ab", "c").ID(), NewNaturalKey("a", "bc").ID())
	require.NotEqual(t, NewNaturalKey("1").ID(), NewNaturalKey(1.0).ID())
	require.NotEqual(t, NewNaturalKey(nil).ID(), NewNaturalKey("").ID())
	require.Equal(t, NewNaturalKey("a", 2.5, nil).ID(), NewNaturalKey("a", 2.5, nil).ID())
}

func TestCube_Dataset_DateMembers(t *testing.T) {
	t.Parallel()
	got := dateMembers(time.Date(2010, time.March, 7, 0, 0, 0, 0, time.UTC))
	require.Equal(t, map[string]any{
		"name":      "2010-03-07",
		"label":     "07. March 2010",
		"year":      "2010",
		"quarter":   "0",
		"month":     "03",
		"week":      "09",
		"day":       "07",
		"yearmonth": "201003",
	}, got)

	quarters := make([]string, 0, 12)
	for m := time.January; m <= time.December; m++ {
		quarters = append(quarters, dateMembers(time.Date(2010, m, 15, 0, 0, 0, 0, time.UTC))["quarter"].(string))
	}
	require.Equal(t, []string{"0", "0", "0", "1", "1", "1", "1", "2", "2", "2", "2", "3"}, quarters)

	// ISO week of early January can belong to the previous year.
	require.Equal(t, "53", dateMembers(time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC))["week"])
}

func TestCube_Dataset_Attribute(t *testing.T) {
	t.Parallel()
	a := &Attribute{Name: "amount", Column: "amount", Datatype: model.DatatypeFloat}
	require.Equal(t, "amount:DOUBLE PRECISION", a.ColumnDef())
	require.Equal(t, map[string]any{"amount": 12.5}, a.Load(12.5))

	s := &Attribute{Name: "day", Column: "day", Datatype: model.DatatypeDate}
	require.Equal(t, "day:TEXT", s.ColumnDef())
	require.Equal(t, map[string]any{"day": "2012-04-01"}, s.Load(time.Date(2012, 4, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, map[string]any{"day": nil}, s.Load(nil))

	u := &Attribute{Name: "x", Column: "x", Datatype: "unknown"}
	require.Equal(t, "x:TEXT", u.ColumnDef())
}
