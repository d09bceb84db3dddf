package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/cache"
	"github.com/blazingdb/ral/pkg/clustercontext"
	"github.com/blazingdb/ral/pkg/transport"
)

func twoNodeContext(t *testing.T, self clustercontext.NodeID) *clustercontext.Context {
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

func TestDistributingKernel_ScatterLocalAndRemote(t *testing.T) {
	hub := transport.NewLocalHub()

	tpA := transport.NewLocalTransport(hub, "node-a")
	tpB := transport.NewLocalTransport(hub, "node-b")

	baseA := NewBase(1, "dist-a", "", twoNodeContext(t, "node-a"), cache.New("in-a"), cache.New("out-a"), nil)
	baseB := NewBase(2, "dist-b", "", twoNodeContext(t, "node-b"), cache.New("in-b"), cache.New("out-b"), nil)

	dkA := NewDistributingKernel(baseA, tpA, "partition")
	dkB := NewDistributingKernel(baseB, tpB, "partition")

	partA := mustBatch(t, 1)
	partB := mustBatch(t, 2)

	require.NoError(t, dkA.Scatter(context.Background(), []*batch.Batch{partA, partB}))

	cdLocal, err := dkA.Output.PullCacheData()
	require.NoError(t, err)
	require.NotNil(t, cdLocal)
	local, err := cdLocal.Materialize()
	require.NoError(t, err)
	assert.Equal(t, 1, local.NumRows())

	cdRemote, err := dkB.Output.PullCacheData()
	require.NoError(t, err)
	require.NotNil(t, cdRemote)
	remote, err := cdRemote.Materialize()
	require.NoError(t, err)
	assert.Equal(t, 2, remote.NumRows())
}

func TestDistributingKernel_ReconcileAndFinishWaitsForCounts(t *testing.T) {
	hub := transport.NewLocalHub()

	tpA := transport.NewLocalTransport(hub, "node-a")
	tpB := transport.NewLocalTransport(hub, "node-b")

	baseA := NewBase(1, "dist-a", "", twoNodeContext(t, "node-a"), cache.New("in-a"), cache.New("out-a"), nil)
	baseB := NewBase(2, "dist-b", "", twoNodeContext(t, "node-b"), cache.New("in-b"), cache.New("out-b"), nil)

	dkA := NewDistributingKernel(baseA, tpA, "partition")
	dkB := NewDistributingKernel(baseB, tpB, "partition")

	require.NoError(t, dkA.Scatter(context.Background(), []*batch.Batch{mustBatch(t, 1), mustBatch(t, 1)}))
	require.NoError(t, dkB.Scatter(context.Background(), []*batch.Batch{mustBatch(t, 1), mustBatch(t, 1)}))

	done := make(chan error, 2)
	go func() { done <- dkA.ReconcileAndFinish(context.Background()) }()
	go func() { done <- dkB.ReconcileAndFinish(context.Background()) }()

	require.NoError(t, <-done)
	require.NoError(t, <-done)

	assert.True(t, dkA.Output.IsFinished())
	assert.True(t, dkB.Output.IsFinished())
	assert.Equal(t, uint64(2), dkA.Output.TotalRowsAdded())
	assert.Equal(t, uint64(2), dkB.Output.TotalRowsAdded())
}

func TestDistributingKernel_ScatterRejectsWrongPartitionCount(t *testing.T) {
	hub := transport.NewLocalHub()
	tpA := transport.NewLocalTransport(hub, "node-a")
	baseA := NewBase(1, "dist-a", "", twoNodeContext(t, "node-a"), cache.New("in-a"), cache.New("out-a"), nil)
	dkA := NewDistributingKernel(baseA, tpA, "partition")

	err := dkA.Scatter(context.Background(), []*batch.Batch{mustBatch(t, 1)})
	assert.Error(t, err)
}
