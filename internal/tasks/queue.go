// Package tasks runs the background worker pool over the persistent
// task queue. Handlers register per task type; workers poll the store
// for pending tasks and execute them. Tasks that call the generation
// model are serialized through a single slot so the model host is never
// asked to hold more than one request at a time, while IO-bound tasks
// run on every worker in parallel.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"webintel/internal/config"
	"webintel/internal/events"
	"webintel/internal/logging"
	"webintel/internal/store"
	"webintel/internal/types"
)

// Category tells the queue how a handler uses shared resources.
type Category int

const (
	// CategoryIO marks handlers bound on network or disk. They run
	// concurrently across workers.
	CategoryIO Category = iota
	// CategoryLLM marks handlers that call the generation model. At most
	// one runs at a time across the whole pool.
	CategoryLLM
)

// Handler executes one claimed task. Progress and cancellation flow
// through the TaskContext. A returned error fails the task; returning
// ErrCancelled marks it cancelled instead.
type Handler func(ctx context.Context, tc *TaskContext) (map[string]any, error)

// ErrCancelled is returned by handlers that observed a cancel request.
var ErrCancelled = fmt.Errorf("task cancelled")

// TaskContext is the handler's view of its claimed task.
type TaskContext struct {
	Task  *types.Task
	store *store.Store
}

// Progress records fractional progress with a status line.
func (tc *TaskContext) Progress(fraction float64, msg string) {
	if err := tc.store.UpdateTaskProgress(tc.Task.ID, fraction, msg); err != nil {
		logging.TasksDebug("progress update for %s failed: %v", tc.Task.ID, err)
	}
}

// Cancelled reports whether a cancel was requested for this task.
func (tc *TaskContext) Cancelled() bool {
	flag, err := tc.store.IsCancelRequested(tc.Task.ID)
	if err != nil {
		logging.TasksDebug("cancel check for %s failed: %v", tc.Task.ID, err)
		return false
	}
	return flag
}

type registration struct {
	handler  Handler
	category Category
}

// Queue is the worker pool over the store-backed task table.
type Queue struct {
	store *store.Store
	cfg   config.TasksConfig
	bus   *events.Bus

	mu       sync.RWMutex
	handlers map[string]registration

	llmSlot *semaphore.Weighted

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewQueue creates a queue. Call Register for each task type, then
// Start. bus may be nil.
func NewQueue(st *store.Store, cfg config.TasksConfig, bus *events.Bus) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Queue{
		store:    st,
		cfg:      cfg,
		bus:      bus,
		handlers: make(map[string]registration),
		llmSlot:  semaphore.NewWeighted(1),
	}
}

// Register binds a handler to a task type. Registering twice for the
// same type replaces the earlier handler.
func (q *Queue) Register(taskType string, category Category, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = registration{handler: h, category: category}
}

// Submit enqueues a task for the pool.
func (q *Queue) Submit(task *types.Task) error {
	return q.store.SubmitTask(task)
}

// Cancel requests cooperative cancellation of a task.
func (q *Queue) Cancel(taskID string) error {
	return q.store.RequestCancel(taskID)
}

// Start recovers orphaned tasks and launches the worker pool. Workers
// run until Stop is called or ctx is done.
func (q *Queue) Start(ctx context.Context) error {
	if _, err := q.store.RecoverRunningTasks(); err != nil {
		return fmt.Errorf("failed to recover orphaned tasks: %w", err)
	}

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	logging.Tasks("queue started with %d workers, poll interval %s", q.cfg.Workers, q.cfg.PollInterval)
	return nil
}

// Stop shuts the pool down and waits for in-flight tasks to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	logging.Tasks("queue stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain the queue before going back to sleep.
		for {
			if ctx.Err() != nil {
				return
			}
			claimed, err := q.runNext(ctx)
			if err != nil {
				logging.TasksDebug("worker %d: %v", id, err)
				break
			}
			if !claimed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) registeredTypes() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		out = append(out, t)
	}
	return out
}

// runNext claims and executes one pending task. Returns false when the
// queue had nothing to claim.
func (q *Queue) runNext(ctx context.Context) (bool, error) {
	known := q.registeredTypes()
	if len(known) == 0 {
		return false, nil
	}
	task, err := q.store.ClaimNextTask(known...)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	q.mu.RLock()
	reg := q.handlers[task.Type]
	q.mu.RUnlock()

	if reg.category == CategoryLLM {
		if err := q.llmSlot.Acquire(ctx, 1); err != nil {
			// Shutdown raced the claim. Put the task back in a recoverable
			// state rather than leaving it running forever.
			q.store.FailTask(task.ID, "queue shut down before execution")
			return true, err
		}
		defer q.llmSlot.Release(1)
	}

	tc := &TaskContext{Task: task, store: q.store}
	q.publishProgress(task.ID, task.Type, "running")

	result, err := reg.handler(ctx, tc)
	switch {
	case err == ErrCancelled:
		q.store.MarkCancelled(task.ID)
		q.publishProgress(task.ID, task.Type, "cancelled")
	case err != nil:
		q.store.FailTask(task.ID, err.Error())
		q.publishProgress(task.ID, task.Type, "failed")
	default:
		q.store.CompleteTask(task.ID, result)
		q.publishProgress(task.ID, task.Type, "completed")
	}
	return true, nil
}

func (q *Queue) publishProgress(taskID, taskType, status string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.TypeTaskProgress, taskID, map[string]any{"type": taskType, "status": status})
}
