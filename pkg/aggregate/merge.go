package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/executor"
	"github.com/blazingdb/ral/pkg/kernel"
	"github.com/blazingdb/ral/pkg/physical"
	"github.com/blazingdb/ral/pkg/telemetry"
)

// MergeAggregateKernel is the third pipeline stage (spec §4.6): a
// barrier-style stage that cannot emit until all upstream input is known
// to have arrived, then concatenates the partials and re-aggregates them
// with the merge-rewritten operator.
type MergeAggregateKernel struct {
	*kernel.Base
	Primitives physical.Primitives
	Operator   physical.OperatorDescriptor
}

// NewMergeAggregateKernel constructs a MergeAggregateKernel over base.
func NewMergeAggregateKernel(base *kernel.Base, prim physical.Primitives, op physical.OperatorDescriptor) *MergeAggregateKernel {
	return &MergeAggregateKernel{Base: base, Primitives: prim, Operator: op}
}

var _ executor.Kernel = (*MergeAggregateKernel)(nil)

// Run implements spec §4.6's finalization sequence directly, rather than
// the shared RunPullLoop: wait for the input cache to be finished, drain
// everything it has, submit one task over the entire collected set, then
// finish. An empty drain (spec §8 S5, empty input) finishes the output
// cache without submitting any task.
func (k *MergeAggregateKernel) Run(exec *executor.Executor) error {
	k.Input.WaitUntilFinished()

	var collected []*batch.CacheData
	for k.Input.WaitForNext() {
		cd, err := k.Input.PullCacheData()
		if err != nil {
			k.Output.Finish()
			return err
		}
		if cd == nil {
			break
		}
		collected = append(collected, cd)
	}

	if len(collected) == 0 {
		k.Output.Finish()
		return nil
	}

	if err := k.SubmitTask(exec, collected, k); err != nil {
		k.Output.Finish()
		return err
	}
	err := k.WaitForCompletion()
	k.Output.Finish()
	return err
}

// DoProcess implements executor.Kernel. For a scalar-aggregate query on a
// non-master node, spec §4.6 says Merge does not re-aggregate: it emits
// the single empty-schema batch Distribute already placed in this node's
// cache, unchanged. Every other shape concatenates all collected partials,
// applies the merge rewrite, and re-runs the aggregation.
func (k *MergeAggregateKernel) DoProcess(ctx context.Context, inputs []*batch.Batch, output executor.TaskOutput, stream executor.Stream) error {
	begin := time.Now()
	if k.Operator.IsScalar() && !k.Context.IsMaster() {
		result := inputs[0]
		k.RecordEvent(ctx, telemetry.EventMerge, result, result, begin, time.Now())
		return output.DepositAllowEmpty(result)
	}

	if k.Primitives.CheckIfConcatenatingStringsWillOverflow(inputs) {
		k.Logger.Warn("concatenating partials may overflow string offsets")
	}

	concatenated, err := k.Primitives.ConcatTables(inputs)
	if err != nil {
		return err
	}

	mergeGroupIndices := sequentialRange(len(k.Operator.GroupColumnIndices))
	rewritten, err := physical.ModGroupByParametersForMerge(mergeGroupIndices, k.Operator.AggregationTypes, k.Operator.AggregationColumnAliases, concatenated.ColumnNames())
	if err != nil {
		return err
	}

	result, err := k.applyRewritten(concatenated, rewritten)
	if err != nil {
		return err
	}
	k.RecordEvent(ctx, telemetry.EventMerge, concatenated, result, begin, time.Now())
	return output.DepositAllowEmpty(result)
}

// applyRewritten re-runs aggregation over the concatenated partials using
// the rewritten operator, via the same capability methods
// ComputeAggregateKernel uses — the merge stage re-aggregates with the
// identical primitive machinery, only the operator and the input batch
// differ (spec §4.6: "applied to the concatenated batch exactly as
// ComputeAggregate applies them").
func (k *MergeAggregateKernel) applyRewritten(concatenated *batch.Batch, rewritten physical.RewrittenOperator) (*batch.Batch, error) {
	var agg *batch.Batch
	var err error
	switch {
	case len(rewritten.GroupColumnIndices) > 0 && len(rewritten.AggregationTypes) == 0:
		agg, err = k.Primitives.ComputeGroupByWithoutAggregations(concatenated, rewritten.GroupColumnIndices)
	case len(rewritten.GroupColumnIndices) == 0 && len(rewritten.AggregationTypes) > 0:
		agg, err = k.Primitives.ComputeAggregationsWithoutGroupby(concatenated, rewritten.AggregationInputExpressions, rewritten.AggregationTypes, rewritten.AggregationColumnAliases)
	case len(rewritten.GroupColumnIndices) > 0 && len(rewritten.AggregationTypes) > 0:
		agg, err = k.Primitives.ComputeAggregationsWithGroupby(concatenated, rewritten.AggregationInputExpressions, rewritten.AggregationTypes, rewritten.AggregationColumnAliases, rewritten.GroupColumnIndices)
	default:
		return nil, fmt.Errorf("aggregate: merge: unreachable operator shape (no group columns, no aggregations)")
	}
	if err != nil {
		return nil, err
	}
	return k.resolveMeans(agg)
}

// meanPair records, for one original MEAN aggregate, the output alias and
// the partial-count column name its partial-sum column must be divided by.
type meanPair struct {
	alias      string
	countAlias string
}

// resolveMeans divides each MEAN aggregate's rewritten (sum, count) column
// pair back into a single averaged column, in the sum column's original
// position, dropping the count column. A query with no MEAN aggregates
// returns agg unchanged.
func (k *MergeAggregateKernel) resolveMeans(agg *batch.Batch) (*batch.Batch, error) {
	meanBySum := make(map[string]meanPair)
	countAliases := make(map[string]bool)
	for i, t := range k.Operator.AggregationTypes {
		if t != physical.MEAN {
			continue
		}
		alias := k.Operator.AggregationColumnAliases[i]
		sumAlias, countAlias := physical.MeanAliases(alias)
		meanBySum[sumAlias] = meanPair{alias: alias, countAlias: countAlias}
		countAliases[countAlias] = true
	}
	if len(meanBySum) == 0 {
		return agg, nil
	}

	colByName := make(map[string]batch.Column, len(agg.Columns))
	for _, c := range agg.Columns {
		colByName[c.Name] = c
	}

	out := make([]batch.Column, 0, len(agg.Columns))
	for _, c := range agg.Columns {
		if countAliases[c.Name] {
			continue
		}
		pair, isSum := meanBySum[c.Name]
		if !isSum {
			out = append(out, c)
			continue
		}
		countCol, ok := colByName[pair.countAlias]
		if !ok {
			return nil, fmt.Errorf("aggregate: merge: mean count column %q missing", pair.countAlias)
		}
		vals := make([]any, len(c.Values))
		for r := range vals {
			count := toFloat(countCol.Values[r])
			if count == 0 {
				vals[r] = 0.0
				continue
			}
			vals[r] = toFloat(c.Values[r]) / count
		}
		out = append(out, batch.Column{Name: pair.alias, Type: batch.TypeFloat64, Values: vals})
	}
	return batch.New(out)
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

func sequentialRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
