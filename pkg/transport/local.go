package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/blazingdb/ral/pkg/clustercontext"
)

// LocalTransport wires multiple Transport.Register callers together
// in-process, keyed by node id. It is the harness used to exercise a full
// multi-node query (spec §8 scenarios S2, S3, S6) within one test binary,
// and is also a reasonable single-process deployment for colocated
// workers. Each node gets its own LocalTransport handle sharing the same
// underlying *hub.
type LocalTransport struct {
	self clustercontext.NodeID
	hub  *hub
}

type hub struct {
	mu       sync.Mutex
	byNode   map[clustercontext.NodeID]map[string]Handler
}

// NewLocalHub creates a shared routing hub for a simulated cluster.
func NewLocalHub() *hub {
	return &hub{byNode: make(map[clustercontext.NodeID]map[string]Handler)}
}

// NewLocalTransport returns the Transport handle for one node within a
// shared hub created by NewLocalHub.
func NewLocalTransport(h *hub, self clustercontext.NodeID) *LocalTransport {
	return &LocalTransport{self: self, hub: h}
}

func (t *LocalTransport) Register(cacheIDPrefix string, handler Handler) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	m, ok := t.hub.byNode[t.self]
	if !ok {
		m = make(map[string]Handler)
		t.hub.byNode[t.self] = m
	}
	m[cacheIDPrefix] = handler
}

func (t *LocalTransport) Unregister(cacheIDPrefix string) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if m, ok := t.hub.byNode[t.self]; ok {
		delete(m, cacheIDPrefix)
	}
}

func (t *LocalTransport) handlerFor(node clustercontext.NodeID, cacheIDPrefix string) (Handler, error) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	m, ok := t.hub.byNode[node]
	if !ok {
		return nil, fmt.Errorf("transport: no registered handler for node %q", node)
	}
	h, ok := m[cacheIDPrefix]
	if !ok {
		return nil, fmt.Errorf("transport: no registered handler for node %q cache %q", node, cacheIDPrefix)
	}
	return h, nil
}

// SendDataPartition delivers msg synchronously to the destination node's
// registered Handler. A real network transport would serialize and block
// on an ack; this in-process variant's only failure mode is "no such
// destination registered", surfaced as a TransportError per spec §7.
func (t *LocalTransport) SendDataPartition(ctx context.Context, msg DataPartitionMessage) error {
	h, err := t.handlerFor(msg.Destination, msg.CacheIDPrefix)
	if err != nil {
		return fmt.Errorf("transport: send data partition: %w", err)
	}
	h.OnDataPartition(msg)
	return nil
}

func (t *LocalTransport) SendPartitionCount(ctx context.Context, msg PartitionCountMessage) error {
	h, err := t.handlerFor(msg.Destination, msg.CacheIDPrefix)
	if err != nil {
		return fmt.Errorf("transport: send partition count: %w", err)
	}
	h.OnPartitionCount(msg)
	return nil
}

func (t *LocalTransport) Close() error { return nil }
