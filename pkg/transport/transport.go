// Package transport implements the inter-node messaging contract of spec
// §6: two message kinds (data partition, partition-count report) carried
// between DistributingKernel instances on different nodes. The wire
// encoding of the payload itself is out of scope per spec §1 — the
// payload here is always an already-built *batch.Batch; only envelope
// delivery (addressing, framing) is this package's concern. Sends are not
// rate limited.
//
// Grounded on the teacher's pkg/announce/dht/publisher.go: a small
// struct holding connection state, JSON-marshaling a message before
// handing it to a concrete carrier.
package transport

import (
	"context"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/clustercontext"
)

// DataPartitionMessage is message kind 1 of spec §6: a hash-partitioned
// slice of a batch, routed from Source to Destination.
type DataPartitionMessage struct {
	Source          clustercontext.NodeID
	Destination     clustercontext.NodeID
	CacheIDPrefix   string
	Payload         *batch.Batch
	IsEmpty         bool
}

// PartitionCountMessage is message kind 2 of spec §6: the end-of-stream
// reconciliation report — "I sent you Count partitions, total."
// CacheIDPrefix routes it to the same Handler as the data-partition
// messages it reconciles, mirroring DataPartitionMessage's routing field
// even though spec §6 only requires (source, destination, count) for this
// kind semantically.
type PartitionCountMessage struct {
	Source        clustercontext.NodeID
	Destination   clustercontext.NodeID
	CacheIDPrefix string
	Count         uint64
}

// Handler receives inbound messages addressed to one node. A
// DistributingKernel implements Handler for its own output cache /
// received-count tracker; Transport implementations call back into it as
// messages arrive.
type Handler interface {
	OnDataPartition(msg DataPartitionMessage)
	OnPartitionCount(msg PartitionCountMessage)
}

// Transport is the capability interface kernels depend on for inter-node
// messaging (spec §6). A node registers one Handler per active kernel
// (keyed by cache_id prefix) and the Transport delivers inbound messages
// to it; outbound messages are sent with SendDataPartition /
// SendPartitionCount.
//
// A TransportError (spec §7) must cause Merge to unblock with the error
// rather than hang forever on an unmet wait_for_count — implementations
// report send failures synchronously from the Send* methods so the
// calling kernel can fail the query immediately instead of relying on a
// timeout that spec §9 says does not exist.
type Transport interface {
	// Register associates a cache_id prefix with the Handler that should
	// receive messages addressed to it. Registration is local-only; it
	// does not itself announce anything to peers.
	Register(cacheIDPrefix string, h Handler)

	// Unregister removes a prior Register call's entry, once a kernel's
	// output cache has finished and no more messages are expected.
	Unregister(cacheIDPrefix string)

	SendDataPartition(ctx context.Context, msg DataPartitionMessage) error
	SendPartitionCount(ctx context.Context, msg PartitionCountMessage) error

	Close() error
}
