// Package distributed tracks a pool of build workers and hands queued build
// tasks to them, one task per worker at a time.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wmonorepo/internal/logging"
)

var (
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrUnknownTask     = errors.New("unknown task")
	ErrDuplicateTask   = errors.New("duplicate task")
	ErrTaskNotQueued   = errors.New("task not queued")
	ErrDuplicateWorker = errors.New("duplicate worker")
)

// Worker is an execution agent. Platform is free-form, e.g. "linux/amd64".
// Busy is filled in by the coordinator on the copies it hands out and is
// ignored on registration.
type Worker struct {
	ID           string
	Address      string
	Platform     string
	Capabilities []string
	Busy         bool
}

// BuildTask is one cache-missed node offered for remote execution.
type BuildTask struct {
	ID        string
	Workspace string
	Dir       string
	Task      string
	Hash      string
	Platform  string
}

// NewBuildTask returns a task with a fresh random id.
func NewBuildTask(workspace, dir, task, hash, platform string) BuildTask {
	return BuildTask{
		ID:        uuid.NewString(),
		Workspace: workspace,
		Dir:       dir,
		Task:      task,
		Hash:      hash,
		Platform:  platform,
	}
}

// TaskResult is what a worker reports back.
type TaskResult struct {
	WorkerID string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      string
}

// Transport carries an assigned task to a worker and waits for its result.
type Transport interface {
	Execute(ctx context.Context, worker Worker, task BuildTask) (TaskResult, error)
}

type workerSlot struct {
	worker Worker
	busy   bool
}

func (s *workerSlot) view() Worker {
	w := s.worker
	w.Capabilities = append([]string(nil), s.worker.Capabilities...)
	w.Busy = s.busy
	return w
}

// Coordinator owns the worker registry, the FIFO queue of pending tasks and
// the completed results. Each of the three sits behind its own lock; the
// registry lock also covers the worker-to-task assignments.
type Coordinator struct {
	registryMu sync.RWMutex
	workers    []*workerSlot
	assigned   map[string]string // task id -> worker id
	running    map[string]BuildTask

	queueMu sync.RWMutex
	queue   []BuildTask

	resultsMu sync.RWMutex
	results   map[string]TaskResult

	logger *zap.Logger
}

func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		assigned: make(map[string]string),
		running:  make(map[string]BuildTask),
		results:  make(map[string]TaskResult),
		logger:   logging.OrNop(logger),
	}
}

// RegisterWorker adds w to the pool as available.
func (c *Coordinator) RegisterWorker(w Worker) error {
	if w.ID == "" {
		return fmt.Errorf("register worker: empty id")
	}
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	for _, s := range c.workers {
		if s.worker.ID == w.ID {
			return fmt.Errorf("register worker %q: %w", w.ID, ErrDuplicateWorker)
		}
	}
	w.Busy = false
	w.Capabilities = append([]string(nil), w.Capabilities...)
	c.workers = append(c.workers, &workerSlot{worker: w})
	c.logger.Debug("worker registered",
		zap.String("worker", w.ID),
		zap.String("address", w.Address),
		zap.String("platform", w.Platform),
		zap.Strings("capabilities", w.Capabilities),
	)
	return nil
}

// UnregisterWorker removes a worker. A task it was running goes back to the
// front of the queue.
func (c *Coordinator) UnregisterWorker(id string) error {
	c.registryMu.Lock()
	idx := -1
	for i, s := range c.workers {
		if s.worker.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.registryMu.Unlock()
		return fmt.Errorf("unregister worker %q: %w", id, ErrUnknownWorker)
	}
	c.workers = append(c.workers[:idx], c.workers[idx+1:]...)

	var orphans []BuildTask
	for taskID, workerID := range c.assigned {
		if workerID != id {
			continue
		}
		orphans = append(orphans, c.running[taskID])
		delete(c.assigned, taskID)
		delete(c.running, taskID)
	}
	c.registryMu.Unlock()

	if len(orphans) > 0 {
		c.queueMu.Lock()
		c.queue = append(orphans, c.queue...)
		c.queueMu.Unlock()
		c.logger.Warn("requeued tasks of departed worker", zap.String("worker", id), zap.Int("tasks", len(orphans)))
	}
	return nil
}

// SubmitTask appends t to the queue.
func (c *Coordinator) SubmitTask(t BuildTask) error {
	if t.ID == "" {
		return fmt.Errorf("submit task: empty id")
	}
	c.registryMu.RLock()
	_, running := c.running[t.ID]
	c.registryMu.RUnlock()

	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if running || c.indexLocked(t.ID) >= 0 {
		return fmt.Errorf("submit task %q: %w", t.ID, ErrDuplicateTask)
	}
	c.queue = append(c.queue, t)
	return nil
}

// GetAvailableWorker returns the first idle worker, in registration order,
// whose platform contains filter. An empty filter matches every worker.
func (c *Coordinator) GetAvailableWorker(filter string) (Worker, bool) {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()
	if s := c.availableLocked(filter); s != nil {
		return s.view(), true
	}
	return Worker{}, false
}

// Workers returns every registered worker in registration order, with Busy
// set for those holding a task.
func (c *Coordinator) Workers() []Worker {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()
	out := make([]Worker, len(c.workers))
	for i, s := range c.workers {
		out[i] = s.view()
	}
	return out
}

// AssignTask takes the queued task with the given id, binds it to an
// available worker matching the task's platform and marks that worker busy.
// When no worker is free the task stays queued and ok is false.
func (c *Coordinator) AssignTask(taskID string) (Worker, BuildTask, bool, error) {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	i := c.indexLocked(taskID)
	if i < 0 {
		return Worker{}, BuildTask{}, false, fmt.Errorf("assign task %q: %w", taskID, ErrTaskNotQueued)
	}
	t := c.queue[i]
	s := c.availableLocked(t.Platform)
	if s == nil {
		return Worker{}, BuildTask{}, false, nil
	}
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	c.bindLocked(s, t)
	return s.view(), t, true, nil
}

// AssignNext hands the oldest queued task that some idle worker can run.
func (c *Coordinator) AssignNext() (Worker, BuildTask, bool) {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	for i, t := range c.queue {
		s := c.availableLocked(t.Platform)
		if s == nil {
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.bindLocked(s, t)
		return s.view(), t, true
	}
	return Worker{}, BuildTask{}, false
}

// CompleteTask records the result of an assigned task and frees the worker
// that ran it. Other workers are untouched.
func (c *Coordinator) CompleteTask(taskID string, res TaskResult) error {
	c.registryMu.Lock()
	workerID, ok := c.assigned[taskID]
	if !ok {
		c.registryMu.Unlock()
		return fmt.Errorf("complete task %q: %w", taskID, ErrUnknownTask)
	}
	delete(c.assigned, taskID)
	delete(c.running, taskID)
	for _, s := range c.workers {
		if s.worker.ID == workerID {
			s.busy = false
			break
		}
	}
	c.registryMu.Unlock()

	res.WorkerID = workerID
	c.resultsMu.Lock()
	c.results[taskID] = res
	c.resultsMu.Unlock()
	return nil
}

// Withdraw drops a task that is still waiting in the queue.
func (c *Coordinator) Withdraw(taskID string) bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	i := c.indexLocked(taskID)
	if i < 0 {
		return false
	}
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	return true
}

func (c *Coordinator) GetTaskResult(taskID string) (TaskResult, bool) {
	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()
	r, ok := c.results[taskID]
	return r, ok
}

func (c *Coordinator) GetWorkerCount() int {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()
	return len(c.workers)
}

func (c *Coordinator) GetQueueSize() int {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	return len(c.queue)
}

// AssignedWorker reports which worker currently holds taskID.
func (c *Coordinator) AssignedWorker(taskID string) (string, bool) {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()
	id, ok := c.assigned[taskID]
	return id, ok
}

func (c *Coordinator) availableLocked(filter string) *workerSlot {
	for _, s := range c.workers {
		if !s.busy && strings.Contains(s.worker.Platform, filter) {
			return s
		}
	}
	return nil
}

func (c *Coordinator) bindLocked(s *workerSlot, t BuildTask) {
	s.busy = true
	c.assigned[t.ID] = s.worker.ID
	c.running[t.ID] = t
	c.logger.Debug("task assigned",
		zap.String("task", t.ID),
		zap.String("node", t.Workspace+"#"+t.Task),
		zap.String("worker", s.worker.ID),
	)
}

func (c *Coordinator) indexLocked(taskID string) int {
	for i, t := range c.queue {
		if t.ID == taskID {
			return i
		}
	}
	return -1
}
