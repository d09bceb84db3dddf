package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/cache"
	"github.com/blazingdb/ral/pkg/clustercontext"
	"github.com/blazingdb/ral/pkg/executor"
	"github.com/blazingdb/ral/pkg/kernel"
	"github.com/blazingdb/ral/pkg/physical"
	"github.com/blazingdb/ral/pkg/physical/host"
	"github.com/blazingdb/ral/pkg/transport"
)

// node wires one participant's full Compute->Distribute->Merge pipeline
// over a shared transport hub, mirroring what cmd/ralworker assembles per
// process.
type node struct {
	cctx    *clustercontext.Context
	scan    *cache.CacheMachine
	compute *ComputeAggregateKernel
	dist    *DistributeAggregateKernel
	merge   *MergeAggregateKernel
}

func newNode(t *testing.T, tp transport.Transport, self, master clustercontext.NodeID, nodes []clustercontext.NodeID, op physical.OperatorDescriptor) *node {
	t.Helper()
	cctx, err := clustercontext.New(clustercontext.Config{QueryID: "q-1", Self: self, Master: master, Nodes: nodes})
	require.NoError(t, err)

	scan := cache.New("scan")
	computeOut := cache.New("compute-out")
	distOut := cache.New("dist-out")
	mergeOut := cache.New("merge-out")

	prim := host.New()
	computeBase := kernel.NewBase(1, "compute", "", cctx, scan, computeOut, nil)
	distBase := kernel.NewBase(2, "distribute", "", cctx, computeOut, distOut, nil)
	mergeBase := kernel.NewBase(3, "merge", "", cctx, distOut, mergeOut, nil)

	return &node{
		cctx:    cctx,
		scan:    scan,
		compute: NewComputeAggregateKernel(computeBase, prim, op),
		dist:    NewDistributeAggregateKernel(distBase, tp, "partition", prim, op),
		merge:   NewMergeAggregateKernel(mergeBase, prim, op),
	}
}

func runNode(t *testing.T, n *node, exec *executor.Executor) error {
	t.Helper()
	errs := make(chan error, 3)
	go func() { errs <- n.compute.Run(exec) }()
	go func() { errs <- n.dist.Run(exec) }()
	go func() { errs <- n.merge.Run(exec) }()
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			return err
		}
	}
	return nil
}

func inputBatch(t *testing.T, regions []string, amounts []float64) *batch.Batch {
	t.Helper()
	regionVals := make([]any, len(regions))
	amountVals := make([]any, len(amounts))
	for i := range regions {
		regionVals[i] = regions[i]
		amountVals[i] = amounts[i]
	}
	b, err := batch.New([]batch.Column{
		{Name: "region", Type: batch.TypeString, Values: regionVals},
		{Name: "amount", Type: batch.TypeFloat64, Values: amountVals},
	})
	require.NoError(t, err)
	return b
}

func drainAll(t *testing.T, cm *cache.CacheMachine) []*batch.Batch {
	t.Helper()
	cm.WaitUntilFinished()
	var out []*batch.Batch
	for cm.WaitForNext() {
		cd, err := cm.PullCacheData()
		require.NoError(t, err)
		if cd == nil {
			break
		}
		b, err := cd.Materialize()
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestPipeline_SingleNodeGroupedSum(t *testing.T) {
	op := physical.OperatorDescriptor{
		GroupColumnIndices:          []int{0},
		AggregationInputExpressions: []string{"amount"},
		AggregationTypes:            []physical.AggregationType{physical.SUM},
		AggregationColumnAliases:    []string{"total"},
	}
	nodes := []clustercontext.NodeID{"node-a"}
	hub := transport.NewLocalHub()
	tp := transport.NewLocalTransport(hub, "node-a")
	n := newNode(t, tp, "node-a", "node-a", nodes, op)

	require.NoError(t, n.scan.Deposit(inputBatch(t, []string{"east", "west", "east"}, []float64{1, 2, 3})))
	n.scan.Finish()

	exec := executor.New(executor.Config{Workers: 4})
	defer exec.Shutdown()
	require.NoError(t, runNode(t, n, exec))

	results := drainAll(t, n.merge.Output)
	require.Len(t, results, 1)
	totals := make(map[string]float64)
	for i := 0; i < results[0].NumRows(); i++ {
		totals[results[0].Columns[0].Values[i].(string)] = results[0].Columns[1].Values[i].(float64)
	}
	assert.Equal(t, 4.0, totals["east"])
	assert.Equal(t, 2.0, totals["west"])
}

func TestPipeline_TwoNodeGroupedSumAcrossPartitions(t *testing.T) {
	op := physical.OperatorDescriptor{
		GroupColumnIndices:          []int{0},
		AggregationInputExpressions: []string{"amount"},
		AggregationTypes:            []physical.AggregationType{physical.SUM},
		AggregationColumnAliases:    []string{"total"},
	}
	nodes := []clustercontext.NodeID{"node-a", "node-b"}
	hub := transport.NewLocalHub()
	tpA := transport.NewLocalTransport(hub, "node-a")
	tpB := transport.NewLocalTransport(hub, "node-b")

	nA := newNode(t, tpA, "node-a", "node-a", nodes, op)
	nB := newNode(t, tpB, "node-b", "node-a", nodes, op)

	require.NoError(t, nA.scan.Deposit(inputBatch(t, []string{"east", "west", "east", "south"}, []float64{1, 2, 3, 4})))
	nA.scan.Finish()
	require.NoError(t, nB.scan.Deposit(inputBatch(t, []string{"west", "east", "south"}, []float64{5, 6, 7})))
	nB.scan.Finish()

	exec := executor.New(executor.Config{Workers: 4})
	defer exec.Shutdown()

	errs := make(chan error, 2)
	go func() { errs <- runNode(t, nA, exec) }()
	go func() { errs <- runNode(t, nB, exec) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	resultsA := drainAll(t, nA.merge.Output)
	resultsB := drainAll(t, nB.merge.Output)

	totals := make(map[string]float64)
	for _, results := range [][]*batch.Batch{resultsA, resultsB} {
		for _, b := range results {
			for i := 0; i < b.NumRows(); i++ {
				totals[b.Columns[0].Values[i].(string)] += b.Columns[1].Values[i].(float64)
			}
		}
	}
	assert.Equal(t, 10.0, totals["east"])
	assert.Equal(t, 7.0, totals["west"])
	assert.Equal(t, 11.0, totals["south"])
}

func TestPipeline_ScalarFunnelsToMaster(t *testing.T) {
	op := physical.OperatorDescriptor{
		AggregationInputExpressions: []string{"amount"},
		AggregationTypes:            []physical.AggregationType{physical.SUM},
		AggregationColumnAliases:    []string{"total"},
	}
	nodes := []clustercontext.NodeID{"node-a", "node-b"}
	hub := transport.NewLocalHub()
	tpA := transport.NewLocalTransport(hub, "node-a")
	tpB := transport.NewLocalTransport(hub, "node-b")

	nA := newNode(t, tpA, "node-a", "node-a", nodes, op)
	nB := newNode(t, tpB, "node-b", "node-a", nodes, op)

	require.NoError(t, nA.scan.Deposit(inputBatch(t, []string{"east"}, []float64{10})))
	nA.scan.Finish()
	require.NoError(t, nB.scan.Deposit(inputBatch(t, []string{"west"}, []float64{5})))
	nB.scan.Finish()

	exec := executor.New(executor.Config{Workers: 4})
	defer exec.Shutdown()

	errs := make(chan error, 2)
	go func() { errs <- runNode(t, nA, exec) }()
	go func() { errs <- runNode(t, nB, exec) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	masterResults := drainAll(t, nA.merge.Output)
	require.Len(t, masterResults, 1)
	assert.Equal(t, 1, masterResults[0].NumRows())
	assert.Equal(t, 15.0, masterResults[0].Columns[0].Values[0])

	peerResults := drainAll(t, nB.merge.Output)
	require.Len(t, peerResults, 1)
	assert.Equal(t, 0, peerResults[0].NumRows())
}

func TestPipeline_EmptyInputProducesNoRows(t *testing.T) {
	op := physical.OperatorDescriptor{
		GroupColumnIndices:          []int{0},
		AggregationInputExpressions: []string{"amount"},
		AggregationTypes:            []physical.AggregationType{physical.SUM},
		AggregationColumnAliases:    []string{"total"},
	}
	nodes := []clustercontext.NodeID{"node-a"}
	hub := transport.NewLocalHub()
	tp := transport.NewLocalTransport(hub, "node-a")
	n := newNode(t, tp, "node-a", "node-a", nodes, op)
	n.scan.Finish()

	exec := executor.New(executor.Config{Workers: 2})
	defer exec.Shutdown()
	require.NoError(t, runNode(t, n, exec))

	results := drainAll(t, n.merge.Output)
	assert.Empty(t, results)
}
