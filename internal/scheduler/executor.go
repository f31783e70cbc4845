package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wmonorepo/internal/cache"
	"wmonorepo/internal/distributed"
	"wmonorepo/internal/events"
	"wmonorepo/internal/fingerprint"
	"wmonorepo/internal/graph"
	"wmonorepo/internal/logging"
	"wmonorepo/internal/metrics"
	"wmonorepo/internal/pipeline"
	"wmonorepo/internal/remotecache"
	"wmonorepo/internal/runner"
	"wmonorepo/internal/runstate"
	"wmonorepo/internal/workspace"
)

// Fingerprinter computes the cache key of one node.
type Fingerprinter interface {
	Compute(ctx context.Context, ws workspace.Workspace, task string, cfg pipeline.TaskConfig) (fingerprint.Fingerprint, error)
}

// Options wires an Executor. Fingerprints, Cache and Runner are required;
// everything else may be left zero.
type Options struct {
	Fingerprints Fingerprinter
	Cache        *cache.Cache
	Runner       runner.TaskRunner

	Remote      remotecache.RemoteCache
	Coordinator *distributed.Coordinator
	Transport   distributed.Transport
	Platform    string

	Sink    events.Sink
	Runs    *runstate.Store
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *zap.Logger

	Concurrency     int
	ContinueOnError bool
}

// Executor plans and runs a task across workspaces. One Executor may serve
// many runs; each Run owns its graph and state.
type Executor struct {
	fingerprints Fingerprinter
	cache        *cache.Cache
	runner       runner.TaskRunner
	remote       remotecache.RemoteCache
	coordinator  *distributed.Coordinator
	transport    distributed.Transport
	platform     string
	sink         events.Sink
	runs         *runstate.Store
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	logger       *zap.Logger

	concurrency     int
	continueOnError bool
}

func New(opts Options) (*Executor, error) {
	if opts.Fingerprints == nil {
		return nil, errors.New("executor: nil fingerprinter")
	}
	if opts.Cache == nil {
		return nil, errors.New("executor: nil cache")
	}
	if opts.Runner == nil {
		return nil, errors.New("executor: nil runner")
	}
	if opts.Concurrency < 0 {
		return nil, fmt.Errorf("executor: concurrency must be >= 0, got %d", opts.Concurrency)
	}
	e := &Executor{
		fingerprints:    opts.Fingerprints,
		cache:           opts.Cache,
		runner:          opts.Runner,
		remote:          opts.Remote,
		coordinator:     opts.Coordinator,
		transport:       opts.Transport,
		platform:        opts.Platform,
		sink:            opts.Sink,
		runs:            opts.Runs,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		logger:          logging.OrNop(opts.Logger),
		concurrency:     opts.Concurrency,
		continueOnError: opts.ContinueOnError,
	}
	if e.sink == nil {
		e.sink = events.NopSink{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("wmonorepo/scheduler")
	}
	if e.concurrency == 0 {
		e.concurrency = 1
	}
	return e, nil
}

// Request selects what a run builds.
type Request struct {
	Task       string
	Set        *workspace.Set
	Workspaces []workspace.Workspace // nil means every workspace in Set
	Pipeline   pipeline.Pipeline
}

// NodeResult is the outcome of one node.
type NodeResult struct {
	ID          graph.NodeID
	State       TaskState
	Hash        string
	CacheSource string
	ExitCode    int
	Stdout      []byte
	Stderr      []byte
	Err         error
	Duration    time.Duration

	class runstate.FailureClass
	code  string
}

// RunResult summarizes a run.
type RunResult struct {
	RunID      string
	Task       string
	Phase      RunPhase
	GraphHash  string
	Order      []graph.NodeID // topological order of the planned graph
	Started    []graph.NodeID // nodes in the order they were picked up
	Nodes      map[graph.NodeID]*NodeResult
	FinalState ExecutionState
}

// CacheHits counts nodes satisfied from a cache.
func (r *RunResult) CacheHits() int { return r.FinalState.Count(TaskCached) }

// FailedError reports the first node that failed in a run.
type FailedError struct {
	Node     graph.NodeID
	ExitCode int
	Err      error
}

func (e *FailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s failed: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("task %s failed with exit code %d", e.Node, e.ExitCode)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Plan builds the graph for req without running anything.
func Plan(req Request) (*graph.Graph, error) {
	if req.Set == nil {
		return nil, errors.New("plan: nil workspace set")
	}
	selected := req.Workspaces
	if selected == nil {
		selected = req.Set.All()
	}
	return graph.Plan(req.Set, selected, req.Pipeline, req.Task)
}

// Run plans req and executes the resulting graph. A planning error, such as
// a cycle, returns before any node is touched. When a node fails the result
// is still returned alongside a *FailedError for the first failure.
func (e *Executor) Run(ctx context.Context, req Request) (*RunResult, error) {
	ctx, span := e.tracer.Start(ctx, "run", trace.WithAttributes(attribute.String("wmonorepo.task", req.Task)))
	defer span.End()

	res := &RunResult{
		RunID: runstate.NewRunID(),
		Task:  req.Task,
		Phase: PhasePlanning,
		Nodes: make(map[graph.NodeID]*NodeResult),
	}
	record := runstate.Run{
		RunID:     res.RunID,
		Task:      req.Task,
		StartTime: time.Now().UTC(),
		Phase:     string(PhasePlanning),
	}
	for _, ws := range req.Workspaces {
		record.Workspaces = append(record.Workspaces, ws.Name)
	}

	g, err := Plan(req)
	if err != nil {
		res.Phase = PhaseFailed
		span.SetStatus(codes.Error, err.Error())
		e.finish(res, record, &runstate.Failure{
			FailureClass: runstate.FailureClassGraph,
			ErrorCode:    graphErrorCode(err),
			ErrorMessage: err.Error(),
		})
		return res, err
	}
	res.GraphHash = g.Hash()
	res.Order = g.TopologicalOrder()
	record.GraphHash = g.Hash()
	record.Nodes = g.Len()

	res.Phase = PhaseScheduling
	record.Phase = string(PhaseScheduling)
	e.saveRun(record)

	e.logger.Info("run started",
		zap.String("run_id", res.RunID),
		zap.String("task", req.Task),
		zap.Int("nodes", g.Len()),
		zap.Int("concurrency", e.concurrency))

	res.Phase = PhaseRunning
	state, firstFailure, err := e.execute(ctx, g, res)
	res.FinalState = state

	var failure *runstate.Failure
	switch {
	case err != nil:
		res.Phase = PhaseFailed
		failure = &runstate.Failure{
			FailureClass: runstate.FailureClassSystem,
			ErrorCode:    "ExecutorError",
			ErrorMessage: err.Error(),
		}
	case ctx.Err() != nil:
		res.Phase = PhaseFailed
		err = fmt.Errorf("run cancelled: %w", ctx.Err())
		failure = &runstate.Failure{
			FailureClass: runstate.FailureClassSystem,
			ErrorCode:    "Cancelled",
			ErrorMessage: err.Error(),
		}
	case firstFailure != nil:
		res.Phase = PhaseFailed
		id := string(firstFailure.ID)
		failure = &runstate.Failure{
			FailureClass: firstFailure.class,
			NodeID:       &id,
			ErrorCode:    firstFailure.code,
			ErrorMessage: firstFailure.message(),
		}
		err = &FailedError{Node: firstFailure.ID, ExitCode: firstFailure.ExitCode, Err: firstFailure.Err}
	default:
		res.Phase = PhaseCompleted
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	record.Completed = state.Count(TaskCompleted)
	record.Failed = state.Count(TaskFailed)
	record.Skipped = state.Count(TaskSkipped)
	record.CacheHits = state.Count(TaskCached)
	e.finish(res, record, failure)

	e.logger.Info("run finished",
		zap.String("run_id", res.RunID),
		zap.String("phase", string(res.Phase)),
		zap.Int("completed", record.Completed),
		zap.Int("cached", record.CacheHits),
		zap.Int("failed", record.Failed),
		zap.Int("skipped", record.Skipped))
	return res, err
}

func (n *NodeResult) message() string {
	if n.Err != nil {
		return n.Err.Error()
	}
	return fmt.Sprintf("exit code %d", n.ExitCode)
}

// execute drives the graph to completion. Nodes start as soon as their
// dependencies succeed, up to the concurrency limit. Only this goroutine
// touches state; node goroutines report back over done.
func (e *Executor) execute(ctx context.Context, g *graph.Graph, res *RunResult) (ExecutionState, *NodeResult, error) {
	state := newExecutionState(g)
	done := make(chan *NodeResult, g.Len())

	var workers errgroup.Group
	workers.SetLimit(e.concurrency)

	var firstFailure *NodeResult
	stopStarting := false
	inFlight := 0

	for {
		if !stopStarting && ctx.Err() == nil {
			for _, id := range ReadyNodes(g, state) {
				if inFlight >= e.concurrency {
					break
				}
				if err := Transition(state, id, TaskPending, TaskRunning); err != nil {
					workers.Wait()
					return state, firstFailure, err
				}
				node, _ := g.Node(id)
				workers.Go(func() error {
					done <- e.runNode(ctx, node)
					return nil
				})
				res.Started = append(res.Started, id)
				inFlight++
			}
		}
		if inFlight == 0 {
			break
		}

		r := <-done
		inFlight--
		res.Nodes[r.ID] = r

		if r.State != TaskFailed {
			if err := Transition(state, r.ID, TaskRunning, r.State); err != nil {
				workers.Wait()
				return state, firstFailure, err
			}
			continue
		}

		skipped, err := FailAndPropagate(g, state, r.ID)
		if err != nil {
			workers.Wait()
			return state, firstFailure, err
		}
		e.recordSkipped(res, skipped)
		if firstFailure == nil {
			firstFailure = r
		}
		// A fingerprint failure only takes out the node and its dependents.
		if !e.continueOnError && r.class != runstate.FailureClassFingerprint {
			stopStarting = true
		}
	}
	if err := workers.Wait(); err != nil {
		return state, firstFailure, err
	}
	e.recordSkipped(res, SkipPending(state))
	return state, firstFailure, nil
}

func (e *Executor) recordSkipped(res *RunResult, ids []graph.NodeID) {
	for _, id := range ids {
		res.Nodes[id] = &NodeResult{ID: id, State: TaskSkipped}
		e.metrics.ObserveTask(metrics.OutcomeSkipped, 0)
		e.logger.Debug("task skipped", zap.String("node", string(id)))
	}
}

// runNode takes one node from fingerprint to a terminal state. Events are
// emitted in lifecycle order: before_task, then cache_hit or cache_miss,
// then after_task.
func (e *Executor) runNode(ctx context.Context, node *graph.Node) *NodeResult {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "task", trace.WithAttributes(
		attribute.String("wmonorepo.node", string(node.ID)),
		attribute.String("wmonorepo.workspace", node.Workspace.Name),
		attribute.String("wmonorepo.task", node.Task),
	))
	defer span.End()

	r := e.resolveNode(ctx, node)
	r.Duration = time.Since(start)

	span.SetAttributes(attribute.String("wmonorepo.state", string(r.State)))
	if r.State == TaskFailed {
		span.SetStatus(codes.Error, r.message())
	}
	e.metrics.ObserveTask(outcomeOf(r), r.Duration)
	return r
}

func (e *Executor) resolveNode(ctx context.Context, node *graph.Node) *NodeResult {
	ws, task := node.Workspace, node.Task
	log := e.logger.With(zap.String("node", string(node.ID)))
	r := &NodeResult{ID: node.ID}

	fp, err := e.fingerprints.Compute(ctx, ws, task, node.Config)
	if err != nil {
		log.Error("fingerprint failed", zap.Error(err))
		e.emit(ctx, e.event(events.BeforeTask, node, ""))
		e.emitAfter(ctx, node, "", false)
		r.State, r.Err = TaskFailed, err
		r.class, r.code = runstate.FailureClassFingerprint, "FingerprintFailed"
		return r
	}
	r.Hash = fp.String()
	e.emit(ctx, e.event(events.BeforeTask, node, r.Hash))

	if b, source, ok := e.lookup(ctx, node, r.Hash); ok {
		log.Debug("cache hit", zap.String("source", source), zap.String("fingerprint", fp.Short()))
		r.State, r.CacheSource = TaskCached, source
		r.ExitCode, r.Stdout, r.Stderr = b.ExitCode, b.Stdout, b.Stderr
		hit := e.event(events.CacheHit, node, r.Hash)
		hit.Source = source
		e.emit(ctx, hit)
		e.emitAfter(ctx, node, r.Hash, true)
		return r
	}

	e.emit(ctx, e.event(events.CacheMiss, node, r.Hash))
	log.Debug("cache miss", zap.String("fingerprint", fp.Short()))

	out, err := e.invoke(ctx, node, r.Hash)
	if err != nil {
		log.Error("task could not run", zap.Error(err))
		r.State, r.Err = TaskFailed, err
		r.class, r.code = runstate.FailureClassSystem, "RunnerError"
		e.emitAfter(ctx, node, r.Hash, false)
		return r
	}
	r.ExitCode, r.Stdout, r.Stderr = out.ExitCode, out.Stdout, out.Stderr
	if !out.Succeeded() {
		log.Warn("task failed", zap.Int("exit_code", out.ExitCode))
		r.State = TaskFailed
		r.class, r.code = runstate.FailureClassExecution, "TaskFailed"
		e.emitAfter(ctx, node, r.Hash, false)
		return r
	}

	e.store(ctx, node, r.Hash, out)
	r.State = TaskCompleted
	e.emitAfter(ctx, node, r.Hash, true)
	return r
}

// lookup consults the local cache, then the remote one. A hit has already
// been restored into the workspace when it is returned.
func (e *Executor) lookup(ctx context.Context, node *graph.Node, hash string) (*cache.Bundle, string, bool) {
	log := e.logger.With(zap.String("node", string(node.ID)))
	if b, ok := e.cache.Lookup(hash); ok {
		_, err := e.cache.Restore(node.Workspace.Path, b)
		if err == nil {
			return b, events.SourceLocal, true
		}
		log.Warn("restoring cached outputs failed", zap.Error(err))
	}
	if e.remote == nil {
		return nil, "", false
	}
	data, ok, err := e.remote.Fetch(ctx, hash)
	if err != nil {
		log.Warn("remote cache fetch failed", zap.Error(err))
		return nil, "", false
	}
	if !ok {
		return nil, "", false
	}
	b, err := e.cache.Import(hash, data)
	if err != nil {
		log.Warn("remote cache archive rejected", zap.Error(err))
		return nil, "", false
	}
	if _, err := e.cache.Restore(node.Workspace.Path, b); err != nil {
		log.Warn("restoring remote outputs failed", zap.Error(err))
		return nil, "", false
	}
	return b, events.SourceRemote, true
}

// invoke runs the node, on a distributed worker when one is free and locally
// otherwise.
func (e *Executor) invoke(ctx context.Context, node *graph.Node, hash string) (*runner.Result, error) {
	if e.coordinator != nil && e.transport != nil {
		if res, ok := e.offload(ctx, node, hash); ok {
			return res, nil
		}
	}
	return e.runner.Run(ctx, node.Workspace, node.Task)
}

func (e *Executor) offload(ctx context.Context, node *graph.Node, hash string) (*runner.Result, bool) {
	log := e.logger.With(zap.String("node", string(node.ID)))
	bt := distributed.NewBuildTask(node.Workspace.Name, node.Workspace.Path, node.Task, hash, e.platform)
	if err := e.coordinator.SubmitTask(bt); err != nil {
		log.Warn("offload submit failed", zap.Error(err))
		return nil, false
	}
	worker, assigned, ok, err := e.coordinator.AssignTask(bt.ID)
	if err != nil || !ok {
		e.coordinator.Withdraw(bt.ID)
		log.Debug("no worker available, running locally", zap.Error(err))
		return nil, false
	}

	out, err := e.transport.Execute(ctx, worker, assigned)
	if err != nil {
		out.Err = err.Error()
	}
	if cerr := e.coordinator.CompleteTask(assigned.ID, out); cerr != nil {
		// The worker left mid-task and the coordinator queued the task again.
		if errors.Is(cerr, distributed.ErrUnknownTask) {
			e.coordinator.Withdraw(assigned.ID)
		}
		log.Warn("offload completion not recorded", zap.Error(cerr))
	}
	if err != nil {
		log.Warn("offloaded task failed in transport, running locally",
			zap.String("worker", worker.ID), zap.Error(err))
		return nil, false
	}
	log.Debug("task ran on worker", zap.String("worker", worker.ID))
	return &runner.Result{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, true
}

// store caches a successful result locally and, when configured, remotely.
// Failing to cache never fails the task.
func (e *Executor) store(ctx context.Context, node *graph.Node, hash string, out *runner.Result) {
	log := e.logger.With(zap.String("node", string(node.ID)))
	files, err := cache.Harvest(node.Workspace.Path, node.Config.Outputs)
	if err != nil {
		log.Warn("collecting outputs failed", zap.Error(err))
		return
	}
	if _, err := e.cache.Save(hash, out.ExitCode, out.Stdout, out.Stderr, files); err != nil {
		log.Warn("caching result failed", zap.Error(err))
		return
	}
	if e.remote == nil {
		return
	}
	data, ok, err := e.cache.Export(hash)
	if err != nil || !ok {
		log.Warn("packing remote archive failed", zap.Error(err))
		return
	}
	if err := e.remote.Put(ctx, hash, data); err != nil {
		log.Warn("remote cache upload failed", zap.Error(err))
	}
}

func (e *Executor) event(t events.Type, node *graph.Node, hash string) events.Event {
	return events.Event{Type: t, Workspace: node.Workspace.Name, Task: node.Task, Hash: hash}
}

func (e *Executor) emitAfter(ctx context.Context, node *graph.Node, hash string, success bool) {
	ev := e.event(events.AfterTask, node, hash)
	ev.Success = success
	e.emit(ctx, ev)
}

func (e *Executor) emit(ctx context.Context, ev events.Event) {
	events.SafeEmit(ctx, e.sink, ev)
}

func (e *Executor) saveRun(record runstate.Run) {
	if e.runs == nil {
		return
	}
	if err := e.runs.SaveRun(record); err != nil {
		e.logger.Warn("saving run record failed", zap.String("run_id", record.RunID), zap.Error(err))
	}
}

func (e *Executor) finish(res *RunResult, record runstate.Run, failure *runstate.Failure) {
	end := time.Now().UTC()
	record.EndTime = &end
	record.Phase = string(res.Phase)
	e.saveRun(record)
	if failure == nil || e.runs == nil {
		return
	}
	if err := e.runs.SaveFailure(res.RunID, *failure); err != nil {
		e.logger.Warn("saving failure record failed", zap.String("run_id", res.RunID), zap.Error(err))
	}
}

func outcomeOf(r *NodeResult) string {
	switch {
	case r.State == TaskCached && r.CacheSource == events.SourceRemote:
		return metrics.OutcomeCachedRemote
	case r.State == TaskCached:
		return metrics.OutcomeCachedLocal
	case r.State == TaskFailed:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeSuccess
	}
}

func graphErrorCode(err error) string {
	if errors.Is(err, graph.ErrCycleFound) {
		return "CycleDetected"
	}
	return "InvalidGraph"
}
