// Package executor implements the process-wide TaskExecutor (spec §4.2): a
// bounded worker pool that runs do_process invocations submitted by
// kernels. It materializes each task's input CacheData into Batches,
// invokes the kernel's DoProcess, and removes the task from the kernel's
// outstanding set regardless of outcome.
//
// This is the teacher's pkg/core/blocks/worker_pool.go WorkerPoolOptimizer
// adapted from generic WorkItem/WorkResult callbacks to the kernel-task
// contract of spec §4.2-4.3: a task carries its owning Kernel directly
// instead of an opaque callback, and task completion is reported to that
// kernel through Kernel.TaskDone rather than to the pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/blazingdb/ral/pkg/batch"
	"github.com/blazingdb/ral/pkg/logging"
)

// Stream stands in for the GPU stream the spec's do_process receives
// (spec §4.2: "The executor supplies the GPU stream"). The physical
// primitives are out of scope (spec §1), so this is an opaque per-task
// token the executor hands each invocation; the reference host
// implementation in pkg/physical/host ignores it.
type Stream struct{ ID int }

// Kernel is the subset of the kernel contract the executor needs: a way
// to run one task's compute step and a way to be notified that the task
// has finished (successfully or not) so the kernel's completion barrier
// (spec §4.3) can release.
type Kernel interface {
	// DoProcess executes the kernel-specific compute step for one task
	// over the given input batches, depositing results into output.
	DoProcess(ctx context.Context, inputs []*batch.Batch, output TaskOutput, stream Stream) error
	// TaskDone is invoked by the executor exactly once per submitted
	// task, after DoProcess returns (err is nil on success). Kernel
	// implementations use this to remove the task from their
	// outstanding set and wake their completion barrier.
	TaskDone(taskID uint64, err error)
	// ID returns the kernel's stable numeric id, used only for logging.
	ID() int64
}

// TaskOutput is the narrow view of a CacheMachine a kernel's DoProcess
// needs: the ability to deposit a result batch. Defined here (rather than
// importing pkg/cache's full type) so pkg/executor has no dependency on
// pkg/cache, matching the dependency order in spec §2 ("CacheMachine →
// TaskExecutor").
type TaskOutput interface {
	Deposit(b *batch.Batch) error
	DepositAllowEmpty(b *batch.Batch) error
}

// Task is the tuple (input batches, output cache, owning kernel)
// described in spec §3.
type Task struct {
	ID     uint64
	Inputs []*batch.CacheData
	Output TaskOutput
	Kernel Kernel
}

// Executor is the process-wide TaskExecutor singleton contract. Unlike
// the teacher's adaptive pool, it does not scale workers at runtime —
// spec §5 treats the executor's worker count as a fixed bound that
// naturally throttles do_process concurrency; adaptive scaling is left to
// deployment-time sizing (matching the spec's explicit non-goal of
// prescribing a concurrency policy).
type Executor struct {
	queue   chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	nextID  uint64
	logger  *logging.Logger
	streams int32 // round-robins Stream.ID over runtime.NumCPU() values
}

// Config configures a new Executor.
type Config struct {
	Workers   int // default: runtime.NumCPU()
	QueueSize int // default: 1024
	Logger    *logging.Logger
}

// New starts a TaskExecutor with the given number of worker goroutines.
// Workers run until Shutdown is called.
func New(cfg Config) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(nil).WithComponent("executor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		queue:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

// AddTask enqueues a task for execution and returns its assigned task id.
// Matches spec §4.2's add_task(inputs, output_cache, kernel).
func (e *Executor) AddTask(inputs []*batch.CacheData, output TaskOutput, k Kernel) (uint64, error) {
	id := atomic.AddUint64(&e.nextID, 1)
	t := Task{ID: id, Inputs: inputs, Output: output, Kernel: k}
	select {
	case e.queue <- t:
		return id, nil
	case <-e.ctx.Done():
		return 0, errors.New("executor: shut down")
	}
}

func (e *Executor) worker(workerID int) {
	defer e.wg.Done()
	for {
		select {
		case t := <-e.queue:
			e.run(t, workerID)
		case <-e.ctx.Done():
			return
		}
	}
}

// run materializes a task's inputs and invokes its kernel's DoProcess. If
// do_process fails, spec §4.2 requires the task still be removed from the
// kernel's outstanding set and the error attached to the kernel — TaskDone
// is called with the error in that case rather than being skipped, so the
// kernel's run() can surface it once the barrier releases (spec §7).
func (e *Executor) run(t Task, workerID int) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: task %d panicked: %v", t.ID, r)
		}
		t.Kernel.TaskDone(t.ID, err)
	}()

	batches := make([]*batch.Batch, len(t.Inputs))
	for i, cd := range t.Inputs {
		b, merr := cd.Materialize()
		if merr != nil {
			err = fmt.Errorf("executor: materialize task %d input %d: %w", t.ID, i, merr)
			return
		}
		batches[i] = b
	}

	stream := Stream{ID: int(atomic.AddInt32(&e.streams, 1)) % runtime.NumCPU()}
	err = t.Kernel.DoProcess(e.ctx, batches, t.Output, stream)
	if err != nil {
		e.logger.Error("task failed", map[string]interface{}{
			"kernel_id": t.Kernel.ID(),
			"task_id":   t.ID,
			"worker":    workerID,
			"error":     err.Error(),
		})
	}
}

// Shutdown stops accepting new work and waits for in-flight tasks to
// drain. Per spec §9, the executor is a process-wide singleton that must
// be torn down only after all kernels have finished.
func (e *Executor) Shutdown() {
	e.cancel()
	e.wg.Wait()
}
