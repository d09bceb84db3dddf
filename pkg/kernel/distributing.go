package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/clustercontext"
	"github.com/blazingdb/ral/pkg/transport"
)

// DistributingKernel extends Base with the scatter/gather messaging
// contract of spec §4.5/§6: per-peer partition routing, a PartitionCounter
// of partitions sent to each peer, and the end-of-stream partition-count
// reconciliation protocol that tells every peer's Merge stage when it has
// received everything.
//
// Grounded on the teacher's pkg/announce/dht/publisher.go: a small struct
// holding send state guarded by one mutex, generalized here from
// single-topic DHT announcement publishing to per-peer partition routing
// plus a count-reconciliation report, and on signature.go's peer-identity
// handling for addressing by clustercontext.NodeID.
type DistributingKernel struct {
	*Base

	Transport     transport.Transport
	CacheIDPrefix string

	mu             sync.Mutex
	cond           *sync.Cond
	sentCounts     map[clustercontext.NodeID]uint64
	receivedCounts map[clustercontext.NodeID]uint64
}

// NewDistributingKernel wraps base with scatter/gather state and registers
// self as the Transport's Handler for cacheIDPrefix, so inbound
// data-partition and partition-count messages addressed to this kernel's
// output reach it.
func NewDistributingKernel(base *Base, tp transport.Transport, cacheIDPrefix string) *DistributingKernel {
	dk := &DistributingKernel{
		Base:           base,
		Transport:      tp,
		CacheIDPrefix:  cacheIDPrefix,
		sentCounts:     make(map[clustercontext.NodeID]uint64),
		receivedCounts: make(map[clustercontext.NodeID]uint64),
	}
	dk.cond = sync.NewCond(&dk.mu)
	tp.Register(cacheIDPrefix, dk)
	return dk
}

// OnDataPartition implements transport.Handler: a peer routed a partition
// to this node. It is deposited directly into the kernel's output cache —
// the same cache a locally-scattered partition lands in — so
// wait_for_count sees remote and local arrivals identically.
func (dk *DistributingKernel) OnDataPartition(msg transport.DataPartitionMessage) {
	cd := batch.NewCacheData(fmt.Sprintf("%s-remote-%p", dk.CacheIDPrefix, msg.Payload), msg.Payload)
	_, _ = dk.Output.AddToCache(cd, msg.IsEmpty, true)
}

// OnPartitionCount implements transport.Handler: a peer reported the total
// number of partitions it sent this node over the query's life.
func (dk *DistributingKernel) OnPartitionCount(msg transport.PartitionCountMessage) {
	dk.mu.Lock()
	dk.receivedCounts[msg.Source] = msg.Count
	dk.cond.Broadcast()
	dk.mu.Unlock()
}

// Scatter routes partitions[i] to the i-th node in the cluster's ordinal
// list, delivering locally when that node is this one and sending over
// Transport otherwise. Every route — local or remote — increments that
// peer's sent-count (spec §4.5: "Each send increments the corresponding
// peer's partition counter").
func (dk *DistributingKernel) Scatter(ctx context.Context, partitions []*batch.Batch) error {
	self := dk.Context.Self()
	peers := dk.Context.Nodes()
	if len(partitions) != len(peers) {
		return fmt.Errorf("kernel: scatter: %d partitions for %d peers", len(partitions), len(peers))
	}

	for i, part := range partitions {
		peer := peers[i]

		dk.mu.Lock()
		dk.sentCounts[peer]++
		dk.mu.Unlock()

		if peer == self {
			cd := batch.NewCacheData(fmt.Sprintf("%s-local-%p", dk.CacheIDPrefix, part), part)
			if _, err := dk.Output.AddToCache(cd, part.IsEmpty(), true); err != nil {
				return err
			}
			continue
		}

		msg := transport.DataPartitionMessage{
			Source:        self,
			Destination:   peer,
			CacheIDPrefix: dk.CacheIDPrefix,
			Payload:       part,
			IsEmpty:       part.IsEmpty(),
		}
		if err := dk.Transport.SendDataPartition(ctx, msg); err != nil {
			return fmt.Errorf("kernel: scatter to %q: %w", peer, err)
		}
	}
	return nil
}

// IncrementSent records that one partition or payload has been routed to
// peer without itself performing any delivery. Used by callers whose
// routing isn't a plain by-index Scatter — the scalar-aggregate funneling
// path deposits or sends outside Scatter's partition-to-peer mapping but
// must still keep the partition counter consistent for reconciliation.
func (dk *DistributingKernel) IncrementSent(peer clustercontext.NodeID) {
	dk.mu.Lock()
	dk.sentCounts[peer]++
	dk.mu.Unlock()
}

// sendTotalPartitionCounts transmits, to each peer, the total number of
// partitions sent to it over the query's life (spec §4.5). The self count
// is recorded directly into receivedCounts rather than round-tripped
// through Transport — this node already knows how many partitions it
// routed to itself.
func (dk *DistributingKernel) sendTotalPartitionCounts(ctx context.Context) error {
	self := dk.Context.Self()
	peers := dk.Context.Nodes()

	dk.mu.Lock()
	counts := make(map[clustercontext.NodeID]uint64, len(peers))
	for _, p := range peers {
		counts[p] = dk.sentCounts[p]
	}
	dk.mu.Unlock()

	for _, peer := range peers {
		count := counts[peer]
		if peer == self {
			dk.mu.Lock()
			dk.receivedCounts[self] = count
			dk.cond.Broadcast()
			dk.mu.Unlock()
			continue
		}
		msg := transport.PartitionCountMessage{
			Source:        self,
			Destination:   peer,
			CacheIDPrefix: dk.CacheIDPrefix,
			Count:         count,
		}
		if err := dk.Transport.SendPartitionCount(ctx, msg); err != nil {
			return fmt.Errorf("kernel: send partition count to %q: %w", peer, err)
		}
	}
	return nil
}

// getTotalPartitionCounts blocks until every peer (including this node's
// own self-report) has reported its sent-count, then returns the sum —
// the total number of partition payloads this node should expect on its
// output cache (spec §4.5).
func (dk *DistributingKernel) getTotalPartitionCounts() uint64 {
	peers := dk.Context.Nodes()

	dk.mu.Lock()
	defer dk.mu.Unlock()
	for !dk.haveAllCountsLocked(peers) {
		dk.cond.Wait()
	}
	var total uint64
	for _, p := range peers {
		total += dk.receivedCounts[p]
	}
	return total
}

func (dk *DistributingKernel) haveAllCountsLocked(peers []clustercontext.NodeID) bool {
	for _, p := range peers {
		if _, ok := dk.receivedCounts[p]; !ok {
			return false
		}
	}
	return true
}

// ReconcileAndFinish runs the end-of-stream partition-count exchange of
// spec §4.5 — report, wait for every peer's report, then block on the
// output cache itself having accepted that many partitions — before
// finishing it. Called once, after the per-batch scatter loop and its
// task barrier have both completed.
func (dk *DistributingKernel) ReconcileAndFinish(ctx context.Context) error {
	if err := dk.sendTotalPartitionCounts(ctx); err != nil {
		dk.Output.Finish()
		return err
	}
	total := dk.getTotalPartitionCounts()
	dk.Output.WaitForCount(total)
	dk.Output.Finish()
	return nil
}
