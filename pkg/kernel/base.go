// Package kernel implements the shared kernel lifecycle of spec §3/§4.3: a
// stable numeric id, a query-scoped expression, a shared context, an input
// and output CacheMachine, and a completion barrier over the kernel's
// outstanding tasks.
//
// Spec §9 notes the barrier may be realized "as a counted latch, a futures
// fan-in, or the original condition-variable pattern" — this
// implementation uses sync.WaitGroup as the counted latch: every task is
// registered (wg.Add(1)) strictly before submission and released
// (wg.Done()) from TaskDone, so Run's wait never races a submission that
// hasn't happened yet. That mirrors the teacher's own use of
// sync.WaitGroup for worker-pool shutdown in
// pkg/core/blocks/worker_pool.go, generalized from "wait for workers to
// exit" to "wait for this kernel's tasks to complete".
package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/cache"
	"github.com/blazingdb/ral/pkg/clustercontext"
	"github.com/blazingdb/ral/pkg/executor"
	"github.com/blazingdb/ral/pkg/logging"
	"github.com/blazingdb/ral/pkg/telemetry"
)

// Base is embedded by every concrete kernel (ComputeAggregateKernel,
// DistributeAggregateKernel, MergeAggregateKernel) to provide the shared
// lifecycle bookkeeping described in spec §3.
type Base struct {
	id         int64
	name       string
	expression string
	Context    *clustercontext.Context
	Input      *cache.CacheMachine
	Output     *cache.CacheMachine
	Logger     *logging.Logger

	wg        sync.WaitGroup
	errMu     sync.Mutex
	firstErr  error
	submitted int64

	telemetry telemetry.Sink
	ralID     string
}

// NewBase constructs the shared kernel state. id is the kernel's stable
// numeric identity (spec §3); name is used only for logging.
func NewBase(id int64, name, expression string, cctx *clustercontext.Context, input, output *cache.CacheMachine, logger *logging.Logger) *Base {
	if logger == nil {
		logger = logging.New(nil)
	}
	return &Base{
		id:         id,
		name:       name,
		expression: expression,
		Context:    cctx,
		Input:      input,
		Output:     output,
		Logger: logger.WithFields(map[string]interface{}{
			"query_id":  cctx.QueryID(),
			"kernel_id": id,
			"kernel":    name,
		}),
	}
}

// SetTelemetry attaches a task-event sink (spec §6/§10.2). ralID
// identifies the cluster-wide run this kernel's events belong to. A
// kernel with no attached sink records nothing — RecordEvent is a no-op —
// so telemetry remains strictly optional for kernels used in tests.
func (b *Base) SetTelemetry(sink telemetry.Sink, ralID string) {
	b.telemetry = sink
	b.ralID = ralID
}

// RecordEvent emits one TaskEvent bracketing a single DoProcess call. It
// never returns an error to the caller — a telemetry sink's Record must
// not be allowed to fail the aggregation task that produced the event
// (spec §10.2: "fire-and-forget from a kernel's point of view").
func (b *Base) RecordEvent(ctx context.Context, eventType telemetry.EventType, in, out *batch.Batch, begin, end time.Time) {
	if b.telemetry == nil {
		return
	}
	ev := telemetry.TaskEvent{
		RalID:          b.ralID,
		QueryID:        b.Context.QueryID(),
		KernelID:       b.id,
		EventType:      eventType,
		TimestampBegin: begin,
		TimestampEnd:   end,
	}
	if in != nil {
		ev.InputNumRows = int64(in.NumRows())
		ev.InputNumBytes = in.NumBytes()
	}
	if out != nil {
		ev.OutputNumRows = int64(out.NumRows())
		ev.OutputNumBytes = out.NumBytes()
	}
	if err := b.telemetry.Record(ctx, ev); err != nil {
		b.Logger.Warn("failed to record task event", map[string]interface{}{"error": err.Error()})
	}
}

// ID returns the kernel's stable numeric id (spec §3; also
// executor.Kernel's required method).
func (b *Base) ID() int64 { return b.id }

// Name returns the kernel's logging name.
func (b *Base) Name() string { return b.name }

// Expression returns the query-scoped textual GROUP BY expression this
// kernel was constructed with.
func (b *Base) Expression() string { return b.expression }

// SubmitTask registers one outstanding task and enqueues it on exec.
// Registration happens before enqueue so the completion barrier in
// WaitForCompletion can never observe a false "all done" for a task that
// hasn't been counted yet.
func (b *Base) SubmitTask(exec *executor.Executor, inputs []*batch.CacheData, self executor.Kernel) error {
	b.wg.Add(1)
	atomic.AddInt64(&b.submitted, 1)
	if _, err := exec.AddTask(inputs, b.Output, self); err != nil {
		b.wg.Done()
		return err
	}
	return nil
}

// TaskDone implements executor.Kernel: called exactly once per submitted
// task, successful or not. A failing task's error is captured (the first
// one wins; spec §7 treats the query as fatal on first ComputeError, so
// later errors add no information) and the task is still released from
// the outstanding set — spec §4.2: "If do_process throws, the task is
// still removed and the error is attached to the kernel."
func (b *Base) TaskDone(taskID uint64, err error) {
	if err != nil {
		b.errMu.Lock()
		if b.firstErr == nil {
			b.firstErr = err
		}
		b.errMu.Unlock()
	}
	b.wg.Done()
}

// WaitForCompletion blocks until every task submitted so far has been
// observed complete (spec §4.3's barrier) and returns the first task
// failure observed, if any.
func (b *Base) WaitForCompletion() error {
	b.wg.Wait()
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.firstErr
}

// RunPullLoop implements the shared kernel run-loop of spec §4.3: pull
// batches from the input cache one at a time, submitting one task per
// batch, until the input cache is drained and finished; then wait on the
// completion barrier. ComputeAggregateKernel and DistributeAggregateKernel
// both drive their per-batch work this way, differing only in what
// DoProcess does with each batch — MergeAggregateKernel does not use this
// loop at all, since spec §4.6 has it wait for all input up front and
// submit a single task over everything collected.
func (b *Base) RunPullLoop(exec *executor.Executor, self executor.Kernel) error {
	for {
		cd, err := b.Input.PullCacheData()
		if err != nil {
			return err
		}
		if cd == nil {
			break
		}
		if err := b.SubmitTask(exec, []*batch.CacheData{cd}, self); err != nil {
			return err
		}
	}
	return b.WaitForCompletion()
}

