// Package aggregate implements the three aggregation pipeline stages of
// spec §4.4-4.6: ComputeAggregateKernel, DistributeAggregateKernel, and
// MergeAggregateKernel, wired together by pkg/kernel's shared lifecycle and
// pkg/physical's capability interface.
package aggregate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/executor"
	"github.com/blazingdb/ral/pkg/kernel"
	"github.com/blazingdb/ral/pkg/physical"
	"github.com/blazingdb/ral/pkg/telemetry"
)

// ComputeAggregateKernel is the first pipeline stage (spec §4.4): for each
// input batch it emits exactly one output batch containing that batch's
// partial aggregate, selected by the operator's shape.
type ComputeAggregateKernel struct {
	*kernel.Base
	Primitives physical.Primitives
	Operator   physical.OperatorDescriptor

	rowsConsumed int64
	rowsEmitted  int64
}

// NewComputeAggregateKernel constructs a ComputeAggregateKernel over base.
func NewComputeAggregateKernel(base *kernel.Base, prim physical.Primitives, op physical.OperatorDescriptor) *ComputeAggregateKernel {
	return &ComputeAggregateKernel{Base: base, Primitives: prim, Operator: op}
}

var _ executor.Kernel = (*ComputeAggregateKernel)(nil)

// DoProcess implements executor.Kernel per spec §4.4's shape table: a
// distinct/group-only query emits unique group-key tuples; a scalar
// aggregate emits one partial-aggregate row; a standard group-by emits one
// partial-aggregate row per distinct group key. The no-group/no-aggregation
// shape is unreachable by planner output (spec §9) and reported as an
// error rather than silently emitting nothing.
func (k *ComputeAggregateKernel) DoProcess(ctx context.Context, inputs []*batch.Batch, output executor.TaskOutput, stream executor.Stream) error {
	begin := time.Now()
	in := inputs[0]
	atomic.AddInt64(&k.rowsConsumed, int64(in.NumRows()))

	var out *batch.Batch
	var err error
	switch {
	case k.Operator.IsDistinctOnly():
		out, err = k.Primitives.ComputeGroupByWithoutAggregations(in, k.Operator.GroupColumnIndices)
	case k.Operator.IsScalar():
		out, err = k.Primitives.ComputeAggregationsWithoutGroupby(in, k.Operator.AggregationInputExpressions, k.Operator.AggregationTypes, k.Operator.AggregationColumnAliases)
	case k.Operator.IsGrouped():
		out, err = k.Primitives.ComputeAggregationsWithGroupby(in, k.Operator.AggregationInputExpressions, k.Operator.AggregationTypes, k.Operator.AggregationColumnAliases, k.Operator.GroupColumnIndices)
	default:
		return fmt.Errorf("aggregate: compute: unreachable operator shape (no group columns, no aggregations)")
	}
	if err != nil {
		return err
	}

	atomic.AddInt64(&k.rowsEmitted, int64(out.NumRows()))
	k.RecordEvent(ctx, telemetry.EventCompute, in, out, begin, time.Now())
	return output.DepositAllowEmpty(out)
}

// EstimateOutputRows implements the row-count estimate of spec §4.4: 1 for
// a scalar aggregate; otherwise upstreamEstimate scaled by the observed
// emitted/consumed ratio so far. ok is false when nothing has been
// consumed yet (denominator zero).
func (k *ComputeAggregateKernel) EstimateOutputRows(upstreamEstimate int64) (estimate int64, ok bool) {
	if k.Operator.IsScalar() {
		return 1, true
	}
	consumed := atomic.LoadInt64(&k.rowsConsumed)
	if consumed == 0 {
		return 0, false
	}
	emitted := atomic.LoadInt64(&k.rowsEmitted)
	return upstreamEstimate * emitted / consumed, true
}

// Run drives the shared pull-submit-wait loop of spec §4.3. The output
// cache is finished whether or not an error occurred, so a downstream
// kernel's Merge stage can drain and observe the failure (spec §7).
func (k *ComputeAggregateKernel) Run(exec *executor.Executor) error {
	err := k.RunPullLoop(exec, k)
	k.Output.Finish()
	return err
}
