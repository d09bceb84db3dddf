// Package host provides a plain Go/CPU reference implementation of the
// physical.Primitives capability interface. It is explicitly not a GPU
// implementation — spec §1 keeps the physical GPU primitives for hashing,
// partitioning, and columnar aggregation out of scope as an interface
// only — but the kernels need something to call so they can be exercised
// end-to-end by this repo's own tests.
//
// Grounded on the teacher's pkg/core/index/bloom_filter.go /
// pkg/storage/cache/bloom_exchange.go pattern of using a Bloom filter as a
// cheap approximate membership pre-check ahead of an exact structure: the
// COUNT_DISTINCT primitive here uses a bits-and-blooms/bloom/v3 filter per
// group to short-circuit the common "definitely not seen" case before
// falling back to an exact map-based dedup set.
package host

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/physical"
)

// Host implements physical.Primitives over in-memory Go batches.
type Host struct{}

// New returns a Host primitives implementation.
func New() *Host { return &Host{} }

var _ physical.Primitives = (*Host)(nil)

func groupKey(view *batch.Batch, row int, groupIndices []int) string {
	k := ""
	for _, gi := range groupIndices {
		k += fmt.Sprintf("%v\x1f", view.Columns[gi].Values[row])
	}
	return k
}

// ComputeGroupByWithoutAggregations returns the distinct group-key tuples
// of view, in first-seen order (order is irrelevant to callers per spec
// §5, but determinism keeps tests simple).
func (h *Host) ComputeGroupByWithoutAggregations(view *batch.Batch, groupIndices []int) (*batch.Batch, error) {
	seen := make(map[string]bool)
	var rows []int
	n := view.NumRows()
	for r := 0; r < n; r++ {
		k := groupKey(view, r, groupIndices)
		if !seen[k] {
			seen[k] = true
			rows = append(rows, r)
		}
	}
	return projectRows(view, groupIndices, rows)
}

func projectRows(view *batch.Batch, colIndices []int, rows []int) (*batch.Batch, error) {
	cols := make([]batch.Column, len(colIndices))
	for i, ci := range colIndices {
		src := view.Columns[ci]
		vals := make([]any, len(rows))
		for j, r := range rows {
			vals[j] = src.Values[r]
		}
		cols[i] = batch.Column{Name: src.Name, Type: src.Type, Values: vals}
	}
	return batch.New(cols)
}

// ComputeAggregationsWithoutGroupby computes the scalar-aggregate row.
func (h *Host) ComputeAggregationsWithoutGroupby(view *batch.Batch, inputExprs []string, types []physical.AggregationType, aliases []string) (*batch.Batch, error) {
	allRows := make([]int, view.NumRows())
	for i := range allRows {
		allRows[i] = i
	}
	return h.aggregateRows(view, inputExprs, types, aliases, [][]int{allRows})
}

// ComputeAggregationsWithGroupby computes per-group partial aggregates.
func (h *Host) ComputeAggregationsWithGroupby(view *batch.Batch, inputExprs []string, types []physical.AggregationType, aliases []string, groupIndices []int) (*batch.Batch, error) {
	groups := make(map[string][]int)
	var order []string
	n := view.NumRows()
	for r := 0; r < n; r++ {
		k := groupKey(view, r, groupIndices)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	groupCols := make([]batch.Column, len(groupIndices))
	for i, gi := range groupIndices {
		src := view.Columns[gi]
		groupCols[i] = batch.Column{Name: src.Name, Type: src.Type, Values: make([]any, 0, len(order))}
	}
	for _, k := range order {
		rows := groups[k]
		for i, gi := range groupIndices {
			groupCols[i].Values = append(groupCols[i].Values, view.Columns[gi].Values[rows[0]])
		}
	}

	rowSets := make([][]int, len(order))
	for i, k := range order {
		rowSets[i] = groups[k]
	}

	aggBatch, err := h.aggregateRows(view, inputExprs, types, aliases, rowSets)
	if err != nil {
		return nil, err
	}

	cols := append(append([]batch.Column(nil), groupCols...), aggBatch.Columns...)
	return batch.New(cols)
}

func findColumn(view *batch.Batch, name string) (batch.Column, bool) {
	for _, c := range view.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return batch.Column{}, false
}

// aggregateRows computes, for each row set in rowSets, one output row per
// aggregation type/expression. rowSets has one entry per output row (the
// single scalar row for ComputeAggregationsWithoutGroupby, or one per
// group for ComputeAggregationsWithGroupby).
func (h *Host) aggregateRows(view *batch.Batch, inputExprs []string, types []physical.AggregationType, aliases []string, rowSets [][]int) (*batch.Batch, error) {
	var cols []batch.Column

	for i, t := range types {
		col, ok := findColumn(view, inputExprs[i])
		if !ok && t != physical.COUNT_ALL {
			return nil, fmt.Errorf("host: aggregation input column %q not found", inputExprs[i])
		}

		switch t {
		case physical.SUM, physical.SUM0:
			vals := make([]any, len(rowSets))
			for ri, rows := range rowSets {
				var sum float64
				for _, r := range rows {
					sum += toFloat(col.Values[r])
				}
				vals[ri] = sum
			}
			cols = append(cols, batch.Column{Name: aliases[i], Type: batch.TypeFloat64, Values: vals})

		case physical.COUNT_VALID:
			vals := make([]any, len(rowSets))
			for ri, rows := range rowSets {
				count := int64(0)
				for _, r := range rows {
					if col.Values[r] != nil {
						count++
					}
				}
				vals[ri] = count
			}
			cols = append(cols, batch.Column{Name: aliases[i], Type: batch.TypeInt64, Values: vals})

		case physical.COUNT_ALL:
			vals := make([]any, len(rowSets))
			for ri, rows := range rowSets {
				vals[ri] = int64(len(rows))
			}
			cols = append(cols, batch.Column{Name: aliases[i], Type: batch.TypeInt64, Values: vals})

		case physical.MIN, physical.MAX:
			vals := make([]any, len(rowSets))
			for ri, rows := range rowSets {
				var best float64
				set := false
				for _, r := range rows {
					v := toFloat(col.Values[r])
					if !set || (t == physical.MIN && v < best) || (t == physical.MAX && v > best) {
						best = v
						set = true
					}
				}
				vals[ri] = best
			}
			cols = append(cols, batch.Column{Name: aliases[i], Type: batch.TypeFloat64, Values: vals})

		case physical.MEAN:
			sumAlias, countAlias := physical.MeanAliases(aliases[i])
			sumVals := make([]any, len(rowSets))
			countVals := make([]any, len(rowSets))
			for ri, rows := range rowSets {
				var sum float64
				for _, r := range rows {
					sum += toFloat(col.Values[r])
				}
				sumVals[ri] = sum
				countVals[ri] = float64(len(rows))
			}
			cols = append(cols,
				batch.Column{Name: sumAlias, Type: batch.TypeFloat64, Values: sumVals},
				batch.Column{Name: countAlias, Type: batch.TypeFloat64, Values: countVals},
			)

		case physical.NTH_ELEMENT:
			vals := make([]any, len(rowSets))
			for ri, rows := range rowSets {
				if len(rows) == 0 {
					vals[ri] = nil
				} else {
					vals[ri] = col.Values[rows[0]]
				}
			}
			cols = append(cols, batch.Column{Name: aliases[i], Type: col.Type, Values: vals})

		case physical.COUNT_DISTINCT:
			vals := make([]any, len(rowSets))
			for ri, rows := range rowSets {
				vals[ri] = int64(countDistinct(col, rows))
			}
			cols = append(cols, batch.Column{Name: aliases[i], Type: batch.TypeInt64, Values: vals})

		default:
			return nil, fmt.Errorf("host: unsupported aggregation type %v", t)
		}
	}

	if len(cols) == 0 {
		return &batch.Batch{}, nil
	}
	return batch.New(cols)
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	default:
		return 0
	}
}

// countDistinct counts distinct values of col among rows. A per-call
// Bloom filter pre-checks membership before falling back to an exact set,
// mirroring the teacher's Bloom-then-exact pattern in
// pkg/storage/cache/bloom_exchange.go — at host scale this is strictly
// more work than a map alone, but it keeps the reference implementation's
// shape consistent with how the same primitive would be tiered on a real
// cluster (a device-resident approximate filter guarding a host-resident
// exact merge).
func countDistinct(col batch.Column, rows []int) int {
	filter := bloom.NewWithEstimates(uint(len(rows))+1, 0.01)
	exact := make(map[string]struct{}, len(rows))
	count := 0
	for _, r := range rows {
		key := fmt.Sprintf("%v", col.Values[r])
		h := fnv.New64a()
		h.Write([]byte(key))
		sum := h.Sum(nil)
		if !filter.Test(sum) {
			filter.Add(sum)
			exact[key] = struct{}{}
			count++
			continue
		}
		if _, ok := exact[key]; !ok {
			exact[key] = struct{}{}
			count++
		}
	}
	return count
}

// HashPartition hash-partitions view by hashColumns into numPartitions
// contiguous buckets and returns the reordered table plus the offset at
// which each bucket begins (spec §6).
func (h *Host) HashPartition(view *batch.Batch, hashColumns []int, numPartitions int) (*batch.Batch, []int, error) {
	if numPartitions <= 0 {
		return nil, nil, fmt.Errorf("host: numPartitions must be positive, got %d", numPartitions)
	}
	n := view.NumRows()
	buckets := make([][]int, numPartitions)
	for r := 0; r < n; r++ {
		hsh := fnv.New32a()
		for _, ci := range hashColumns {
			fmt.Fprintf(hsh, "%v\x1f", view.Columns[ci].Values[r])
		}
		b := int(hsh.Sum32()) % numPartitions
		if b < 0 {
			b += numPartitions
		}
		buckets[b] = append(buckets[b], r)
	}

	order := make([]int, 0, n)
	offsets := make([]int, numPartitions)
	for i, rows := range buckets {
		offsets[i] = len(order)
		order = append(order, rows...)
	}

	table, err := projectRows(view, allIndices(len(view.Columns)), order)
	if err != nil {
		return nil, nil, err
	}
	return table, offsets, nil
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Split cuts view into contiguous sub-views at splitIndexes, which mark
// the start of each partition after HashPartition (spec §4.5: "split at
// the reported offsets, ignoring the leading 0").
func (h *Host) Split(view *batch.Batch, splitIndexes []int) ([]*batch.Batch, error) {
	bounds := append([]int{}, splitIndexes...)
	sort.Ints(bounds)
	n := view.NumRows()
	starts := append([]int{0}, bounds...)
	ends := append(bounds, n)

	out := make([]*batch.Batch, len(starts))
	for i := range starts {
		rows := make([]int, 0, ends[i]-starts[i])
		for r := starts[i]; r < ends[i]; r++ {
			rows = append(rows, r)
		}
		b, err := projectRows(view, allIndices(len(view.Columns)), rows)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// ConcatTables concatenates views into one batch.
func (h *Host) ConcatTables(views []*batch.Batch) (*batch.Batch, error) {
	return batch.Concat(views)
}

// CheckIfConcatenatingStringsWillOverflow is the pre-concatenation
// string-offset overflow check of spec §4.6/§7.
func (h *Host) CheckIfConcatenatingStringsWillOverflow(views []*batch.Batch) bool {
	return batch.WillOverflowStringOffsets(views)
}

// CreateEmptyTable returns a zero-row batch sharing view's schema.
func (h *Host) CreateEmptyTable(view *batch.Batch) (*batch.Batch, error) {
	return batch.EmptyLike(view), nil
}
