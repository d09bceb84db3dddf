// Package telemetry records the per-task event stream that spec §6 lists
// among the pipeline's observable side effects:
// {ral_id, query_id, kernel_id, input_num_rows, input_num_bytes,
// output_num_rows, output_num_bytes, event_type, timestamp_begin,
// timestamp_end}. Kernels never depend on a concrete sink — they hold a
// Sink interface, so a query can run against an in-memory RecorderSink in
// tests and a PostgresSink in production without any kernel code changing.
package telemetry

import (
	"context"
	"sync"
	"time"
)

// EventType names which pipeline stage produced a TaskEvent.
type EventType string

const (
	EventCompute    EventType = "compute"
	EventDistribute EventType = "distribute"
	EventMerge      EventType = "merge"
)

// TaskEvent is the per-task record of spec §6. RalID identifies the
// cluster-wide run a query belongs to; QueryID scopes it to one query
// within that run; KernelID is the originating kernel's executor.Kernel.ID.
type TaskEvent struct {
	RalID          string
	QueryID        string
	KernelID       int64
	InputNumRows   int64
	InputNumBytes  int64
	OutputNumRows  int64
	OutputNumBytes int64
	EventType      EventType
	TimestampBegin time.Time
	TimestampEnd   time.Time
}

// Sink receives TaskEvent records. Implementations must not let Record
// block the kernel task that produced ev for longer than handing the
// record off — a slow telemetry backend must never become a bottleneck in
// the aggregation pipeline itself.
type Sink interface {
	Record(ctx context.Context, ev TaskEvent) error
	Close() error
}

// RecorderSink is an in-memory Sink. It is the default when no persistent
// sink is configured, and the sink used by this repo's own tests.
type RecorderSink struct {
	mu     sync.Mutex
	events []TaskEvent
}

// NewRecorderSink constructs an empty RecorderSink.
func NewRecorderSink() *RecorderSink {
	return &RecorderSink{}
}

// Record appends ev. It never fails and never blocks on anything but its
// own mutex.
func (s *RecorderSink) Record(_ context.Context, ev TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Close is a no-op; RecorderSink owns no external resource.
func (s *RecorderSink) Close() error { return nil }

// Events returns a copy of every event recorded so far, in recording
// order.
func (s *RecorderSink) Events() []TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskEvent, len(s.events))
	copy(out, s.events)
	return out
}
