package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/physical"
)

func ints(vs ...int64) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func TestComputeAggregationsWithGroupby_CountAll(t *testing.T) {
	// S1: COUNT(*) GROUP BY k over {k:[1,1,2]}
	view, err := batch.New([]batch.Column{{Name: "k", Type: batch.TypeInt64, Values: ints(1, 1, 2)}})
	require.NoError(t, err)

	h := New()
	out, err := h.ComputeAggregationsWithGroupby(view, []string{"*"}, []physical.AggregationType{physical.COUNT_ALL}, []string{"cnt"}, []int{0})
	require.NoError(t, err)

	got := map[int64]int64{}
	for i := 0; i < out.NumRows(); i++ {
		got[out.Columns[0].Values[i].(int64)] = out.Columns[1].Values[i].(int64)
	}
	assert.Equal(t, map[int64]int64{1: 2, 2: 1}, got)
}

func TestHashPartitionThenSplit_RoundTrips(t *testing.T) {
	view, err := batch.New([]batch.Column{{Name: "k", Type: batch.TypeInt64, Values: ints(1, 2, 3, 4, 5)}})
	require.NoError(t, err)

	h := New()
	table, offsets, err := h.HashPartition(view, []int{0}, 3)
	require.NoError(t, err)
	require.Equal(t, 5, table.NumRows())

	parts, err := h.Split(table, offsets[1:]) // leading 0 dropped per spec §4.5
	require.NoError(t, err)
	require.Len(t, parts, 3)

	total := 0
	for _, p := range parts {
		total += p.NumRows()
	}
	assert.Equal(t, 5, total)
}

func TestCountDistinct(t *testing.T) {
	view, err := batch.New([]batch.Column{{Name: "v", Type: batch.TypeInt64, Values: ints(1, 1, 2, 3, 3, 3)}})
	require.NoError(t, err)
	h := New()
	out, err := h.ComputeAggregationsWithoutGroupby(view, []string{"v"}, []physical.AggregationType{physical.COUNT_DISTINCT}, []string{"dv"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out.Columns[0].Values[0])
}

func TestMean(t *testing.T) {
	view, err := batch.New([]batch.Column{
		{Name: "k", Type: batch.TypeInt64, Values: ints(1, 1, 1)},
		{Name: "v", Type: batch.TypeInt64, Values: ints(2, 4, 6)},
	})
	require.NoError(t, err)
	h := New()
	out, err := h.ComputeAggregationsWithGroupby(view, []string{"v"}, []physical.AggregationType{physical.MEAN}, []string{"mv"}, []int{0})
	require.NoError(t, err)
	// sum=12, count=3
	sumAlias, countAlias := physical.MeanAliases("mv")
	var sumVal, countVal float64
	for _, c := range out.Columns {
		if c.Name == sumAlias {
			sumVal = c.Values[0].(float64)
		}
		if c.Name == countAlias {
			countVal = c.Values[0].(float64)
		}
	}
	assert.Equal(t, 12.0, sumVal)
	assert.Equal(t, 3.0, countVal)
}
