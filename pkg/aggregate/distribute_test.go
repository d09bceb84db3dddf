package aggregate

import (
	"context"
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

func twoNodeContextFor(t *testing.T, self clustercontext.NodeID) *clustercontext.Context {
	t.Helper()
	cctx, err := clustercontext.New(clustercontext.Config{
		QueryID: "q-1",
		Self:    self,
		Master:  "node-a",
		Nodes:   []clustercontext.NodeID{"node-a", "node-b"},
	})
	require.NoError(t, err)
	return cctx
}

func TestDistributeAggregateKernel_ScalarMasterDepositsDirectly(t *testing.T) {
	base := kernel.NewBase(1, "distribute", "SUM(amount)", twoNodeContextFor(t, "node-a"), cache.New("in"), cache.New("out"), nil)
	op := physical.OperatorDescriptor{
		AggregationInputExpressions: []string{"amount"},
		AggregationTypes:            []physical.AggregationType{physical.SUM},
		AggregationColumnAliases:    []string{"total"},
	}
	tp := transport.NewLocalTransport(transport.NewLocalHub(), "node-a")
	k := NewDistributeAggregateKernel(base, tp, "p", host.New(), op)

	in := partialSumBatch(t, "east", 10)
	out := &fakeOutput{}
	err := k.DoProcess(context.Background(), []*batch.Batch{in}, out, executor.Stream{})
	require.NoError(t, err)
	require.Equal(t, 1, base.Output.Len())
	cd, err := base.Output.PullCacheData()
	require.NoError(t, err)
	require.NotNil(t, cd)
	deposited, err := cd.Materialize()
	require.NoError(t, err)
	assert.Same(t, in, deposited)
}

func TestDistributeAggregateKernel_ScalarNonMasterForwards(t *testing.T) {
	hub := transport.NewLocalHub()
	tpA := transport.NewLocalTransport(hub, "node-a")
	tpB := transport.NewLocalTransport(hub, "node-b")

	op := physical.OperatorDescriptor{
		AggregationInputExpressions: []string{"amount"},
		AggregationTypes:            []physical.AggregationType{physical.SUM},
		AggregationColumnAliases:    []string{"total"},
	}

	baseA := kernel.NewBase(1, "distribute-a", "SUM(amount)", twoNodeContextFor(t, "node-a"), cache.New("in-a"), cache.New("out-a"), nil)
	kA := NewDistributeAggregateKernel(baseA, tpA, "p", host.New(), op)

	baseB := kernel.NewBase(2, "distribute-b", "SUM(amount)", twoNodeContextFor(t, "node-b"), cache.New("in-b"), cache.New("out-b"), nil)
	kB := NewDistributeAggregateKernel(baseB, tpB, "p", host.New(), op)

	in := partialSumBatch(t, "east", 10)
	out := &fakeOutput{}
	err := kB.DoProcess(context.Background(), []*batch.Batch{in}, out, executor.Stream{})
	require.NoError(t, err)

	// node-b deposits one schema-only placeholder into its own output cache.
	cd, err := baseB.Output.PullCacheData()
	require.NoError(t, err)
	require.NotNil(t, cd)
	placeholder, err := cd.Materialize()
	require.NoError(t, err)
	assert.Equal(t, 0, placeholder.NumRows())

	// ...and the master observes the forwarded batch on its own output cache.
	cdMaster, err := kA.Output.PullCacheData()
	require.NoError(t, err)
	require.NotNil(t, cdMaster)
	forwarded, err := cdMaster.Materialize()
	require.NoError(t, err)
	assert.Equal(t, 1, forwarded.NumRows())
}

func TestDistributeAggregateKernel_GroupedScatterAcrossPeers(t *testing.T) {
	hub := transport.NewLocalHub()
	tpA := transport.NewLocalTransport(hub, "node-a")
	tpB := transport.NewLocalTransport(hub, "node-b")

	op := physical.OperatorDescriptor{
		GroupColumnIndices:          []int{0},
		AggregationInputExpressions: []string{"amount"},
		AggregationTypes:            []physical.AggregationType{physical.SUM},
		AggregationColumnAliases:    []string{"total"},
	}

	baseA := kernel.NewBase(1, "distribute-a", "GROUP BY region SUM(amount)", twoNodeContextFor(t, "node-a"), cache.New("in-a"), cache.New("out-a"), nil)
	kA := NewDistributeAggregateKernel(baseA, tpA, "p", host.New(), op)

	baseB := kernel.NewBase(2, "distribute-b", "GROUP BY region SUM(amount)", twoNodeContextFor(t, "node-b"), cache.New("in-b"), cache.New("out-b"), nil)
	NewDistributeAggregateKernel(baseB, tpB, "p", host.New(), op)

	in, err := batch.New([]batch.Column{
		{Name: "region", Type: batch.TypeString, Values: []any{"east", "west", "east", "west"}},
		{Name: "amount", Type: batch.TypeFloat64, Values: []any{1.0, 2.0, 3.0, 4.0}},
	})
	require.NoError(t, err)

	out := &fakeOutput{}
	err = kA.DoProcess(context.Background(), []*batch.Batch{in}, out, executor.Stream{})
	require.NoError(t, err)

	totalRows := baseA.Output.TotalRowsAdded() + baseB.Output.TotalRowsAdded()
	assert.Equal(t, uint64(2), totalRows)
}

func TestDistributeAggregateKernel_GroupedEmptyInputProducesEmptySegments(t *testing.T) {
	hub := transport.NewLocalHub()
	tpA := transport.NewLocalTransport(hub, "node-a")
	tpB := transport.NewLocalTransport(hub, "node-b")

	op := physical.OperatorDescriptor{
		GroupColumnIndices:          []int{0},
		AggregationInputExpressions: []string{"amount"},
		AggregationTypes:            []physical.AggregationType{physical.SUM},
		AggregationColumnAliases:    []string{"total"},
	}

	baseA := kernel.NewBase(1, "distribute-a", "GROUP BY region SUM(amount)", twoNodeContextFor(t, "node-a"), cache.New("in-a"), cache.New("out-a"), nil)
	kA := NewDistributeAggregateKernel(baseA, tpA, "p", host.New(), op)
	baseB := kernel.NewBase(2, "distribute-b", "GROUP BY region SUM(amount)", twoNodeContextFor(t, "node-b"), cache.New("in-b"), cache.New("out-b"), nil)
	NewDistributeAggregateKernel(baseB, tpB, "p", host.New(), op)

	empty, err := batch.New([]batch.Column{
		{Name: "region", Type: batch.TypeString, Values: []any{}},
		{Name: "amount", Type: batch.TypeFloat64, Values: []any{}},
	})
	require.NoError(t, err)

	out := &fakeOutput{}
	err = kA.DoProcess(context.Background(), []*batch.Batch{empty}, out, executor.Stream{})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), baseA.Output.TotalRowsAdded())
	assert.Equal(t, uint64(1), baseB.Output.TotalRowsAdded())
}
