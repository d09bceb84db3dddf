// Package clustercontext defines the query-scoped Context described in
// spec §3: total node count, designated master-node identity, this
// node's identity, query/step/substep tokens for logging, and a lookup
// from node to ordinal index.
//
// Grounded on the teacher's pkg/core/client/config.go factory-function
// style (validate-then-construct, doc-comment-heavy public surface) but
// the type itself is immutable and read-only once built — spec §5:
// "Catalog/context objects are read-only during query execution."
package clustercontext

import "fmt"

// NodeID identifies a participant in the cluster. The wire representation
// of a node identity (hostname, IP, libp2p peer id, ...) is the
// transport layer's concern (pkg/transport); Context only needs an
// opaque, comparable token.
type NodeID string

// Context is the query-scoped metadata shared read-only by every kernel
// running on one node for one query. Construct with New; once built, a
// Context must not be mutated — kernels on different goroutines read it
// concurrently without locking.
type Context struct {
	queryID string
	step    int
	substep int

	self   NodeID
	master NodeID
	nodes  []NodeID
	index  map[NodeID]int
}

// Config carries the construction parameters for New.
type Config struct {
	QueryID string
	Step    int
	Substep int
	Self    NodeID
	Master  NodeID
	Nodes   []NodeID // full, ordinal cluster membership for this query
}

// New validates and builds a Context. Returns an error if Self or Master
// do not appear in Nodes, or if Nodes contains a duplicate — both would
// make TotalNodes()/NodeIndex() inconsistent with the messaging layer's
// expectations.
func New(cfg Config) (*Context, error) {
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("clustercontext: node list must not be empty")
	}
	index := make(map[NodeID]int, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		if _, dup := index[n]; dup {
			return nil, fmt.Errorf("clustercontext: duplicate node id %q", n)
		}
		index[n] = i
	}
	if _, ok := index[cfg.Self]; !ok {
		return nil, fmt.Errorf("clustercontext: self node %q not present in node list", cfg.Self)
	}
	if _, ok := index[cfg.Master]; !ok {
		return nil, fmt.Errorf("clustercontext: master node %q not present in node list", cfg.Master)
	}

	return &Context{
		queryID: cfg.QueryID,
		step:    cfg.Step,
		substep: cfg.Substep,
		self:    cfg.Self,
		master:  cfg.Master,
		nodes:   append([]NodeID(nil), cfg.Nodes...),
		index:   index,
	}, nil
}

// QueryID returns the query/step/substep tokens used in the spec §6 log
// record.
func (c *Context) QueryID() string { return c.queryID }
func (c *Context) Step() int       { return c.step }
func (c *Context) Substep() int    { return c.substep }

// Self returns this node's identity.
func (c *Context) Self() NodeID { return c.self }

// Master returns the designated master node for scalar-aggregate funneling
// (spec §4.5).
func (c *Context) Master() NodeID { return c.master }

// IsMaster reports whether this node is the designated master.
func (c *Context) IsMaster() bool { return c.self == c.master }

// TotalNodes returns N, the cluster size used by DistributeAggregateKernel
// to decide the number of hash-partition buckets (spec §4.5).
func (c *Context) TotalNodes() int { return len(c.nodes) }

// Nodes returns the full ordinal node list. The returned slice must not be
// mutated by callers.
func (c *Context) Nodes() []NodeID { return c.nodes }

// NodeIndex returns n's ordinal position, used to map a hash-partition
// index to a destination peer. ok is false if n is not a cluster member.
func (c *Context) NodeIndex(n NodeID) (int, bool) {
	i, ok := c.index[n]
	return i, ok
}

// SelfIndex returns this node's own ordinal position.
func (c *Context) SelfIndex() int {
	i, _ := c.index[c.self]
	return i
}

// WithSubstep returns a copy of c with a different substep token, used
// when one kernel logs multiple phases of its own work (e.g. Distribute's
// per-batch scatter vs its final partition-count exchange).
func (c *Context) WithSubstep(substep int) *Context {
	cp := *c
	cp.substep = substep
	return &cp
}
