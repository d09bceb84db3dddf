// Package physical declares the capability interface the aggregation
// kernels depend on (spec §6) — the physical GPU primitives for hashing,
// partitioning, and columnar aggregation are out of scope per spec §1 and
// appear here only as an interface. pkg/physical/host provides the one
// concrete (non-GPU) implementation this repo exercises the kernels
// against.
package physical

import "github.com/blazingdb/ral/pkg/batch"

// AggregationType is the closed set of aggregate operator variants a
// GROUP BY expression can request (spec §3). Modeled as a tagged variant
// rather than an open interface per spec §9 ("Dynamic operator dispatch…
// no open extensibility at this layer").
type AggregationType int

const (
	SUM AggregationType = iota
	COUNT_VALID
	COUNT_ALL
	MIN
	MAX
	MEAN
	SUM0
	NTH_ELEMENT
	COUNT_DISTINCT
)

func (t AggregationType) String() string {
	switch t {
	case SUM:
		return "SUM"
	case COUNT_VALID:
		return "COUNT_VALID"
	case COUNT_ALL:
		return "COUNT_ALL"
	case MIN:
		return "MIN"
	case MAX:
		return "MAX"
	case MEAN:
		return "MEAN"
	case SUM0:
		return "SUM0"
	case NTH_ELEMENT:
		return "NTH_ELEMENT"
	case COUNT_DISTINCT:
		return "COUNT_DISTINCT"
	default:
		return "UNKNOWN"
	}
}

// OperatorDescriptor is the parsed GROUP BY expression (spec §3): ordered
// group-column positions, per-aggregate input expressions, the ordered
// aggregation types, and the output column aliases.
type OperatorDescriptor struct {
	GroupColumnIndices          []int
	AggregationInputExpressions []string
	AggregationTypes            []AggregationType
	AggregationColumnAliases    []string
}

// IsScalar reports whether this is a scalar aggregate — aggregations with
// no GROUP BY (spec §4.4/§4.5 "scalar-aggregate path").
func (d OperatorDescriptor) IsScalar() bool {
	return len(d.GroupColumnIndices) == 0 && len(d.AggregationTypes) > 0
}

// IsDistinctOnly reports the "group-only" shape: group columns present,
// no aggregations — output is the distinct group-key tuples of a batch
// (spec §4.4).
func (d OperatorDescriptor) IsDistinctOnly() bool {
	return len(d.GroupColumnIndices) > 0 && len(d.AggregationTypes) == 0
}

// IsGrouped reports the standard group-by shape: both group columns and
// aggregations present.
func (d OperatorDescriptor) IsGrouped() bool {
	return len(d.GroupColumnIndices) > 0 && len(d.AggregationTypes) > 0
}

// IsUnreachable reports the shape spec §9 flags as unreachable by current
// planner output: no group columns and no aggregations at all.
func (d OperatorDescriptor) IsUnreachable() bool {
	return len(d.GroupColumnIndices) == 0 && len(d.AggregationTypes) == 0
}

// ExpressionParser parses a textual GROUP BY expression into an
// OperatorDescriptor (spec §6, "Upstream contract"). The SQL
// parser/planner that emits the expression text is out of scope (spec
// §1); this interface is the boundary the aggregation kernels call across.
type ExpressionParser interface {
	Parse(expression string, inputSchema []string) (OperatorDescriptor, error)
}

// Primitives is the physical capability interface of spec §6: the
// operator library the aggregation kernels invoke to actually compute
// group-bys, aggregations, hash partitions, splits, and concatenations.
// A GPU-backed implementation would satisfy this with CUDA columnar
// kernels; pkg/physical/host satisfies it with plain Go slices/maps for
// this repo's own tests.
type Primitives interface {
	// ComputeGroupByWithoutAggregations returns the distinct group-key
	// tuples of view, projected to groupIndices (spec §6).
	ComputeGroupByWithoutAggregations(view *batch.Batch, groupIndices []int) (*batch.Batch, error)

	// ComputeAggregationsWithoutGroupby computes the scalar-aggregate
	// row: one row of partial aggregates over the whole view.
	ComputeAggregationsWithoutGroupby(view *batch.Batch, inputExprs []string, types []AggregationType, aliases []string) (*batch.Batch, error)

	// ComputeAggregationsWithGroupby computes per-group partial
	// aggregates: one row per distinct group-key tuple.
	ComputeAggregationsWithGroupby(view *batch.Batch, inputExprs []string, types []AggregationType, aliases []string, groupIndices []int) (*batch.Batch, error)

	// HashPartition hash-partitions view by hashColumns into
	// numPartitions buckets, returning the reordered table and the
	// split offsets at which each partition begins.
	HashPartition(view *batch.Batch, hashColumns []int, numPartitions int) (table *batch.Batch, offsets []int, err error)

	// Split cuts view into contiguous sub-views at splitIndexes.
	Split(view *batch.Batch, splitIndexes []int) ([]*batch.Batch, error)

	// ConcatTables concatenates views into one batch, in argument order.
	ConcatTables(views []*batch.Batch) (*batch.Batch, error)

	// CheckIfConcatenatingStringsWillOverflow is the pre-concatenation
	// string-offset overflow check of spec §4.6/§7 (OverflowWarning).
	CheckIfConcatenatingStringsWillOverflow(views []*batch.Batch) bool

	// CreateEmptyTable returns a zero-row batch sharing view's schema.
	CreateEmptyTable(view *batch.Batch) (*batch.Batch, error)
}
