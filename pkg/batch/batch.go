// Package batch defines the columnar table type that flows between kernels
// in the aggregation pipeline, along with the lightweight handle
// (CacheData) that lets a CacheMachine hold a batch without forcing it to
// stay materialized.
package batch

import "fmt"

// Column is a single named, typed vector of values. Values are stored as
// `any` here because the concrete element type depends on the column's
// declared Type; the physical capability layer (pkg/physical) is the only
// place that interprets them numerically.
type Column struct {
	Name   string
	Type   ColumnType
	Values []any
}

// ColumnType enumerates the scalar types a Column can carry. This mirrors
// the narrow set the aggregation pipeline actually needs to reason about
// (group keys and numeric aggregate inputs), not a general SQL type system.
type ColumnType int

const (
	TypeInt64 ColumnType = iota
	TypeFloat64
	TypeString
	TypeBool
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Batch is an immutable columnar table: an ordered sequence of named,
// typed columns of equal length. A Batch is owned exclusively by whoever
// holds it and moves by transfer of ownership — nothing in this module
// mutates a Batch's Columns slice or a Column's Values slice in place once
// constructed.
type Batch struct {
	Columns []Column
}

// NumRows returns the row count, derived from the first column (all
// columns are required to share one length; New validates this).
func (b *Batch) NumRows() int {
	if len(b.Columns) == 0 {
		return 0
	}
	return len(b.Columns[0].Values)
}

// NumBytes gives a coarse size estimate used for the task-event record in
// pkg/telemetry; it counts one machine word per value regardless of type,
// which is adequate for logging and avoids a real columnar memory layout.
func (b *Batch) NumBytes() int64 {
	total := int64(0)
	for _, c := range b.Columns {
		total += int64(len(c.Values)) * 8
	}
	return total
}

// IsEmpty reports whether the batch has zero rows. A batch with columns
// but no rows is still "empty" for CacheMachine.addToCache purposes.
func (b *Batch) IsEmpty() bool {
	return b.NumRows() == 0
}

// ColumnNames returns the ordered column names, used by the merge rewrite
// (modGroupByParametersForMerge) to locate rewritten aggregate inputs by
// name after concatenation.
func (b *Batch) ColumnNames() []string {
	names := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		names[i] = c.Name
	}
	return names
}

// New validates that all columns share one row count and returns the
// assembled Batch. Returns an error (SchemaMismatch in the kernel layer's
// vocabulary) rather than panicking, since batches are built from
// partition/concat results that may legitimately disagree.
func New(columns []Column) (*Batch, error) {
	if len(columns) == 0 {
		return &Batch{}, nil
	}
	n := len(columns[0].Values)
	for _, c := range columns {
		if len(c.Values) != n {
			return nil, fmt.Errorf("batch: column %q has %d rows, want %d", c.Name, len(c.Values), n)
		}
	}
	return &Batch{Columns: columns}, nil
}

// EmptyLike returns a zero-row batch with the same schema (names and
// types) as b. Used by DistributeAggregateKernel to synthesize the
// schema-only placeholder batch that non-master nodes deposit on a scalar
// aggregate query, and by the grouped path when an input batch is empty.
func EmptyLike(b *Batch) *Batch {
	cols := make([]Column, len(b.Columns))
	for i, c := range b.Columns {
		cols[i] = Column{Name: c.Name, Type: c.Type, Values: nil}
	}
	return &Batch{Columns: cols}
}

// Concat appends the rows of all batches, in argument order, into one new
// Batch. Order-insensitive at the aggregation layer (spec §5): aggregates
// are commutative and group-key dedup does not depend on row order, so
// callers (MergeAggregateKernel) may pass partials gathered in any order.
// Returns SchemaMismatch if batches disagree on column names/types/count.
func Concat(batches []*Batch) (*Batch, error) {
	nonEmpty := make([]*Batch, 0, len(batches))
	for _, b := range batches {
		if b != nil && len(b.Columns) > 0 {
			nonEmpty = append(nonEmpty, b)
		}
	}
	if len(nonEmpty) == 0 {
		if len(batches) > 0 && batches[0] != nil {
			return EmptyLike(batches[0]), nil
		}
		return &Batch{}, nil
	}

	schema := nonEmpty[0].Columns
	out := make([]Column, len(schema))
	for i, c := range schema {
		out[i] = Column{Name: c.Name, Type: c.Type}
	}

	for _, b := range nonEmpty {
		if len(b.Columns) != len(schema) {
			return nil, fmt.Errorf("batch: concat schema mismatch: %d columns vs %d", len(b.Columns), len(schema))
		}
		for i, c := range b.Columns {
			if c.Name != schema[i].Name || c.Type != schema[i].Type {
				return nil, fmt.Errorf("batch: concat schema mismatch at column %d: %q/%s vs %q/%s",
					i, c.Name, c.Type, schema[i].Name, schema[i].Type)
			}
			out[i].Values = append(out[i].Values, c.Values...)
		}
	}
	return &Batch{Columns: out}, nil
}

// WillOverflowStringOffsets reports whether concatenating the string
// columns of the given batches would overflow a 32-bit offset accumulator
// — the GPU columnar layout's string column uses int32 byte offsets, so a
// concatenated string column whose total byte length exceeds that range
// cannot be represented. Exposed so callers can emit the spec §7
// OverflowWarning before attempting a concatenation that would later fail
// with a ComputeError.
func WillOverflowStringOffsets(batches []*Batch) bool {
	const maxInt32Offset = int64(1) << 31
	var total int64
	for _, b := range batches {
		for _, c := range b.Columns {
			if c.Type != TypeString {
				continue
			}
			for _, v := range c.Values {
				if s, ok := v.(string); ok {
					total += int64(len(s))
				}
			}
		}
	}
	return total >= maxInt32Offset
}
