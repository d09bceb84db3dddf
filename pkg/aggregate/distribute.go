package aggregate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/executor"
	"github.com/blazingdb/ral/pkg/kernel"
	"github.com/blazingdb/ral/pkg/physical"
	"github.com/blazingdb/ral/pkg/telemetry"
	"github.com/blazingdb/ral/pkg/transport"
)

// DistributeAggregateKernel is the second pipeline stage (spec §4.5): it
// partitions or funnels each input batch across the cluster, then runs the
// end-of-stream partition-count reconciliation protocol before finishing.
type DistributeAggregateKernel struct {
	*kernel.DistributingKernel
	Primitives physical.Primitives
	Operator   physical.OperatorDescriptor

	placeholderSent int32 // atomic flag: non-master scalar path has deposited its schema-only placeholder
}

// NewDistributeAggregateKernel constructs a DistributeAggregateKernel,
// registering it on tp under cacheIDPrefix via the embedded
// DistributingKernel.
func NewDistributeAggregateKernel(base *kernel.Base, tp transport.Transport, cacheIDPrefix string, prim physical.Primitives, op physical.OperatorDescriptor) *DistributeAggregateKernel {
	return &DistributeAggregateKernel{
		DistributingKernel: kernel.NewDistributingKernel(base, tp, cacheIDPrefix),
		Primitives:         prim,
		Operator:           op,
	}
}

var _ executor.Kernel = (*DistributeAggregateKernel)(nil)

// DoProcess implements executor.Kernel, dispatching to the scalar funnel
// path or the grouped hash-partition path per spec §4.5.
func (k *DistributeAggregateKernel) DoProcess(ctx context.Context, inputs []*batch.Batch, output executor.TaskOutput, stream executor.Stream) error {
	begin := time.Now()
	in := inputs[0]
	var err error
	if k.Operator.IsScalar() {
		err = k.distributeScalar(ctx, in)
	} else {
		err = k.distributeGrouped(ctx, in)
	}
	// Scatter fans this batch out across every peer rather than producing
	// one output batch, so only the input side of the event is meaningful.
	k.RecordEvent(ctx, telemetry.EventDistribute, in, nil, begin, time.Now())
	return err
}

// distributeScalar implements spec §4.5's scalar-aggregate path: the
// master node deposits the batch directly into its own output cache and
// counts it as sent-to-self; every non-master node deposits one
// schema-only empty placeholder into its own output cache (only on its
// first batch, so downstream sees at least one batch) and forwards the
// actual batch to the master.
func (k *DistributeAggregateKernel) distributeScalar(ctx context.Context, in *batch.Batch) error {
	self := k.Context.Self()
	master := k.Context.Master()

	if self == master {
		k.IncrementSent(self)
		return k.Output.DepositAllowEmpty(in)
	}

	if atomic.CompareAndSwapInt32(&k.placeholderSent, 0, 1) {
		k.IncrementSent(self)
		placeholder, err := k.Primitives.CreateEmptyTable(in)
		if err != nil {
			return err
		}
		if err := k.Output.DepositAllowEmpty(placeholder); err != nil {
			return err
		}
	}

	k.IncrementSent(master)
	return k.Transport.SendDataPartition(ctx, transport.DataPartitionMessage{
		Source:        self,
		Destination:   master,
		CacheIDPrefix: k.CacheIDPrefix,
		Payload:       in,
		IsEmpty:       in.IsEmpty(),
	})
}

// distributeGrouped implements spec §4.5's grouped path: hash-partition
// the batch by its group columns into one segment per cluster node, then
// scatter each segment to its owning peer (locally for the segment owned
// by this node). An empty input batch still produces N empty
// schema-sharing segments, so every peer observes at least one partition
// per batch round.
func (k *DistributeAggregateKernel) distributeGrouped(ctx context.Context, in *batch.Batch) error {
	n := k.Context.TotalNodes()

	if in.IsEmpty() {
		empty, err := k.Primitives.CreateEmptyTable(in)
		if err != nil {
			return err
		}
		partitions := make([]*batch.Batch, n)
		for i := range partitions {
			partitions[i] = empty
		}
		return k.Scatter(ctx, partitions)
	}

	table, offsets, err := k.Primitives.HashPartition(in, k.Operator.GroupColumnIndices, n)
	if err != nil {
		return err
	}
	partitions, err := k.Primitives.Split(table, offsets[1:])
	if err != nil {
		return err
	}
	return k.Scatter(ctx, partitions)
}

// Run drives the shared pull-submit-wait loop, then the partition-count
// reconciliation of spec §4.5, before finishing the output cache.
func (k *DistributeAggregateKernel) Run(exec *executor.Executor) error {
	if err := k.RunPullLoop(exec, k); err != nil {
		k.Output.Finish()
		return err
	}
	return k.ReconcileAndFinish(context.Background())
}
