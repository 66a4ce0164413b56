// Package engine executes workflow graphs against trigger payloads.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/otelhelper"
	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Config tunes the engine.
type Config struct {
	// MaxConcurrentExecutions bounds the executions running at once.
	MaxConcurrentExecutions int
	// MaxParallelBranches bounds the branches one parallel node runs at once.
	MaxParallelBranches int
	// DefaultNodeTimeout applies to record and notification nodes without timeout_ms.
	DefaultNodeTimeout time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	// MaxSteps caps the node runs of one execution, loop iterations included.
	MaxSteps int
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 16,
		MaxParallelBranches:     8,
		DefaultNodeTimeout:      30 * time.Second,
		RetryBaseDelay:          200 * time.Millisecond,
		RetryMaxDelay:           10 * time.Second,
		MaxSteps:                10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = d.MaxConcurrentExecutions
	}

	if c.MaxParallelBranches <= 0 {
		c.MaxParallelBranches = d.MaxParallelBranches
	}

	if c.DefaultNodeTimeout <= 0 {
		c.DefaultNodeTimeout = d.DefaultNodeTimeout
	}

	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}

	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}

	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}

	return c
}

// Publisher is told about every execution that reached a terminal status.
type Publisher interface {
	ExecutionFinished(ctx context.Context, execution *models.Execution) error
}

// Relay forwards cancellations and approval decisions to the process that
// runs an execution.
type Relay interface {
	RelayCancel(ctx context.Context, execution *models.Execution) error
	RelayApproval(ctx context.Context, execution *models.Execution, decision Decision) error
}

// Option customizes an Engine.
type Option func(*Engine)

func WithPublisher(publisher Publisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

// WithRelay lets Cancel and Approve reach executions owned by other processes.
func WithRelay(relay Relay) Option {
	return func(e *Engine) { e.relay = relay }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs executions on a bounded pool of workers.
type Engine struct {
	store     persistence.Persistence
	records   protocol.RecordStore
	sender    protocol.Sender
	publisher Publisher
	relay     Relay
	logger    *slog.Logger
	tracer    trace.Tracer
	config    Config
	handlers  map[models.NodeType]handler
	now       func() time.Time

	slots *semaphore.Weighted
	wg    sync.WaitGroup

	base context.Context
	stop context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	active map[string]*run
}

func New(
	store persistence.Persistence,
	records protocol.RecordStore,
	sender protocol.Sender,
	logger *slog.Logger,
	config Config,
	opts ...Option,
) *Engine {
	config = config.withDefaults()
	base, stop := context.WithCancelCause(context.Background())

	e := &Engine{
		store:    store,
		records:  records,
		sender:   sender,
		logger:   logger.With("module", "engine"),
		tracer:   otelhelper.Tracer("flowgraph/engine"),
		config:   config,
		handlers: defaultHandlers(),
		now:      func() time.Time { return time.Now().UTC() },
		slots:    semaphore.NewWeighted(int64(config.MaxConcurrentExecutions)),
		base:     base,
		stop:     stop,
		active:   make(map[string]*run),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Dispatch starts one execution for every active workflow of the payload's
// organization that has a trigger node matching the payload. A workflow that
// fails to start does not stop the others: the executions that did start are
// returned along with the joined per-workflow errors.
func (e *Engine) Dispatch(ctx context.Context, payload models.TriggerPayload) ([]*models.Execution, error) {
	workflows, err := e.store.Workflows().ListActive(ctx, payload.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	var (
		started []*models.Execution
		errs    []error
	)

	for _, workflow := range workflows {
		nodes, err := e.store.Graph().FindNodes(ctx, workflow.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load nodes of workflow %s: %w", workflow.ID, err))

			continue
		}

		candidate := &models.Execution{WorkflowID: workflow.ID, Trigger: payload}

		_, err = newGraph(nodes, nil).startNodes(payload, newRootScope(candidate, workflow))
		if err != nil {
			if !errors.Is(err, ErrNoMatchingTrigger) {
				e.logger.WarnContext(ctx, "trigger match failed", "workflow_id", workflow.ID, "error", err)
			}

			continue
		}

		execution, err := e.Submit(ctx, workflow.ID, payload)
		if err != nil {
			if errors.Is(err, ErrNoMatchingTrigger) || errors.Is(err, ErrWorkflowNotActive) {
				continue
			}

			errs = append(errs, fmt.Errorf("failed to start workflow %s: %w", workflow.ID, err))

			continue
		}

		started = append(started, execution)
	}

	e.logger.InfoContext(ctx, "dispatched trigger payload",
		"organization_id", payload.OrganizationID, "event", payload.Event, "model", payload.Model,
		"executions", len(started), "failures", len(errs))

	return started, errors.Join(errs...)
}

// Execute runs one execution of the workflow synchronously and returns it in
// its final state. Node failures are reported through the execution status,
// not the error.
func (e *Engine) Execute(ctx context.Context, workflowID string, payload models.TriggerPayload) (*models.Execution, error) {
	r, err := e.prepare(ctx, ctx, workflowID, payload)
	if err != nil {
		return nil, err
	}

	e.execute(r)

	return e.snapshot(r), nil
}

// Submit creates a pending execution and runs it on the worker pool.
func (e *Engine) Submit(ctx context.Context, workflowID string, payload models.TriggerPayload) (*models.Execution, error) {
	r, err := e.prepare(ctx, e.base, workflowID, payload)
	if err != nil {
		return nil, err
	}

	pending := e.snapshot(r)

	go e.execute(r)

	return pending, nil
}

// Cancel stops an execution at its next checkpoint. An execution not running
// in this process is cancelled in storage and the cancellation is relayed to
// its owner, which also notices the stored status at its next node.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	if e.Interrupt(ctx, executionID) {
		return nil
	}

	execution, err := e.load(ctx, executionID)
	if err != nil {
		return err
	}

	err = execution.Fire(models.ExecutionEventCancel, e.now())
	if err != nil {
		return err
	}

	err = e.finalize(ctx, execution)
	if err != nil {
		return err
	}

	if e.relay != nil {
		err = e.relay.RelayCancel(ctx, execution)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to relay cancellation", "execution_id", executionID, "error", err)
		}
	}

	return nil
}

// Interrupt cancels the execution when it runs in this process and reports
// whether it did.
func (e *Engine) Interrupt(ctx context.Context, executionID string) bool {
	r, ok := e.lookup(executionID)
	if !ok {
		return false
	}

	r.cancel(ErrCancelled)
	e.logger.InfoContext(ctx, "execution cancellation requested", "execution_id", executionID)

	return true
}

// Approve delivers a decision to an execution waiting on an approval node.
// A paused execution owned by another process gets the decision through the
// relay; its owner checks it against the waiting node.
func (e *Engine) Approve(ctx context.Context, executionID string, decision Decision) error {
	delivered, err := e.Deliver(ctx, executionID, decision)
	if delivered || err != nil {
		return err
	}

	execution, err := e.load(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status != models.ExecutionStatusPaused || e.relay == nil {
		return fmt.Errorf("%w: execution %s is %s", ErrNotPaused, executionID, execution.Status)
	}

	err = e.checkApprover(ctx, execution, decision)
	if err != nil {
		return err
	}

	err = e.relay.RelayApproval(ctx, execution, decision)
	if err != nil {
		return fmt.Errorf("failed to relay approval: %w", err)
	}

	e.logger.InfoContext(ctx, "approval decision relayed",
		"execution_id", executionID, "node_id", decision.NodeID, "approved", decision.Approved, "actor", decision.Actor)

	return nil
}

// Deliver hands decision to the execution when it runs in this process. It
// reports false, with no error, for executions running elsewhere.
func (e *Engine) Deliver(ctx context.Context, executionID string, decision Decision) (bool, error) {
	r, ok := e.lookup(executionID)
	if !ok {
		return false, nil
	}

	err := r.deliver(decision)
	if err != nil {
		return true, err
	}

	e.logger.InfoContext(ctx, "approval decision delivered",
		"execution_id", executionID, "node_id", decision.NodeID, "approved", decision.Approved, "actor", decision.Actor)

	return true, nil
}

// Wait blocks until the execution finishes or ctx is done, then returns its stored state.
func (e *Engine) Wait(ctx context.Context, executionID string) (*models.Execution, error) {
	r, ok := e.lookup(executionID)
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	execution, err := e.store.Executions().GetByID(ctx, executionID)
	if persistence.IsExecutionNotFound(err) {
		return nil, ErrExecutionNotFound
	}

	return execution, err
}

// Shutdown stops accepting executions and waits for running ones. When ctx
// ends first the remaining executions are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.stop(ErrShuttingDown)
		<-done

		return ctx.Err()
	}
}

// prepare creates the pending execution under the workflow lock, so it
// cannot race a delete of the workflow. The run context derives from parent.
func (e *Engine) prepare(ctx, parent context.Context, workflowID string, payload models.TriggerPayload) (*run, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()

		return nil, ErrShuttingDown
	}

	e.wg.Add(1)
	e.mu.Unlock()

	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = e.now()
	}

	r := &run{engine: e, done: make(chan struct{}), approvals: make(map[string]*approvalWaiter)}

	err := persistence.RunInTx(ctx, e.store, func(uow persistence.UnitOfWork) error {
		workflow, err := uow.Workflows().Lock(ctx, workflowID)
		if err != nil {
			return err
		}

		if workflow.Status != models.WorkflowStatusActive {
			return fmt.Errorf("%w: %s is %s", ErrWorkflowNotActive, workflowID, workflow.Status)
		}

		if payload.OrganizationID == "" {
			payload.OrganizationID = workflow.OrganizationID
		}

		if payload.OrganizationID != workflow.OrganizationID {
			return fmt.Errorf("%w: payload organization %s", ErrNoMatchingTrigger, payload.OrganizationID)
		}

		nodes, err := uow.Graph().FindNodes(ctx, workflowID)
		if err != nil {
			return err
		}

		conns, err := uow.Graph().FindConnections(ctx, workflowID)
		if err != nil {
			return err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate execution id: %w", err)
		}

		execution := models.NewExecution(id.String(), workflow, payload, e.now())

		r.graph = newGraph(nodes, conns)

		r.starts, err = r.graph.startNodes(payload, newRootScope(execution, workflow))
		if err != nil {
			return err
		}

		err = uow.Executions().Create(ctx, execution)
		if err != nil {
			return fmt.Errorf("failed to create execution: %w", err)
		}

		r.workflow = workflow
		r.execution = execution

		return nil
	})
	if err != nil {
		e.wg.Done()

		return nil, err
	}

	r.logger = e.logger.With("workflow_id", workflowID, "execution_id", r.execution.ID)
	r.ctx, r.cancel = context.WithCancelCause(parent)

	e.mu.Lock()
	e.active[r.execution.ID] = r
	e.mu.Unlock()

	return r, nil
}

// execute takes a pool slot, runs the graph and stores the outcome.
func (e *Engine) execute(r *run) {
	defer e.wg.Done()
	defer close(r.done)
	defer e.forget(r.execution.ID)
	defer r.cancel(nil)

	ctx, span := otelhelper.StartSpan(r.ctx, e.tracer, "engine.execution",
		attribute.String(otelhelper.ExecutionIDKey, r.execution.ID),
		attribute.String(otelhelper.WorkflowIDKey, r.workflow.ID),
		attribute.String(otelhelper.TriggerEventKey, string(r.execution.Trigger.Event)),
	)
	defer span.End()

	err := e.slots.Acquire(ctx, 1)
	if err != nil {
		e.finish(ctx, r, nil, context.Cause(ctx))

		return
	}
	defer e.slots.Release(1)

	err = r.transition(ctx, models.ExecutionEventStart)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			r.logger.InfoContext(ctx, "execution cancelled before it started")

			return
		}

		r.logger.ErrorContext(ctx, "failed to start execution", "error", err)

		return
	}

	r.logger.InfoContext(ctx, "execution started", "start_nodes", len(r.starts))

	root := newFrame(newRootScope(r.execution, r.workflow), nil)

	err = r.traverse(ctx, root)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	e.finish(ctx, r, root.scope, err)
}

// finish moves the execution to its terminal status and stores the outcome.
func (e *Engine) finish(ctx context.Context, r *run, scope *Scope, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.execution.Status.IsTerminal() {
		r.logger.InfoContext(ctx, "execution was finished elsewhere", "status", r.execution.Status)

		return
	}

	event := models.ExecutionEventSucceed

	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrShuttingDown), errors.Is(err, context.Canceled):
		event = models.ExecutionEventCancel
	case r.execution.Status == models.ExecutionStatusPending:
		event = models.ExecutionEventCancel
		r.execution.Error = err.Error()
	default:
		event = models.ExecutionEventFail
		r.execution.Error = err.Error()
	}

	if scope != nil {
		r.execution.Context = scope.Values()
	}

	fireErr := r.execution.Fire(event, e.now())
	if fireErr != nil {
		r.logger.ErrorContext(ctx, "failed to finish execution", "event", event, "status", r.execution.Status, "error", fireErr)

		return
	}

	persistErr := e.finalize(ctx, r.execution)

	switch {
	case errors.Is(persistErr, ErrIllegalTransition):
		r.logger.InfoContext(ctx, "execution was finished elsewhere, outcome discarded", "status", r.execution.Status)

		return
	case persistErr != nil:
		r.logger.ErrorContext(ctx, "failed to store execution outcome", "error", persistErr)
	}

	r.logger.InfoContext(ctx, "execution finished", "status", r.execution.Status, "error", r.execution.Error)
}

// finalize stores a terminal execution, bumps the workflow counters and
// publishes the outcome. It fails with ErrIllegalTransition, leaving the
// stored row and the counters alone, when the execution was already finalized
// by another process; execution then holds the stored row.
func (e *Engine) finalize(ctx context.Context, execution *models.Execution) error {
	ctx = context.WithoutCancel(ctx)

	written, err := e.commit(ctx, execution, true)
	if err != nil {
		return err
	}

	if !written {
		return fmt.Errorf("%w: execution %s is already %s", ErrIllegalTransition, execution.ID, execution.Status)
	}

	if e.publisher != nil {
		err = e.publisher.ExecutionFinished(ctx, execution)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to publish execution outcome", "execution_id", execution.ID, "error", err)
		}
	}

	return nil
}

// commit writes execution under the workflow lock unless the stored row is
// already terminal, in which case execution is replaced by the stored row.
// Final writes also record the outcome on the workflow counters.
func (e *Engine) commit(ctx context.Context, execution *models.Execution, final bool) (bool, error) {
	written := false

	err := persistence.RunInTx(ctx, e.store, func(uow persistence.UnitOfWork) error {
		workflow, err := uow.Workflows().Lock(ctx, execution.WorkflowID)
		if err != nil {
			return err
		}

		stored, err := uow.Executions().GetByID(ctx, execution.ID)
		if err != nil {
			return err
		}

		if stored.Status.IsTerminal() {
			*execution = *stored

			return nil
		}

		err = uow.Executions().Update(ctx, execution)
		if err != nil {
			return err
		}

		written = true

		if !final {
			return nil
		}

		workflow.RecordOutcome(execution.Status)

		return uow.Workflows().Update(ctx, workflow)
	})

	return written, err
}

// checkApprover rejects a decision for a named approval node the actor may
// not decide on.
func (e *Engine) checkApprover(ctx context.Context, execution *models.Execution, decision Decision) error {
	if decision.NodeID == "" {
		return nil
	}

	nodes, err := e.store.Graph().FindNodes(ctx, execution.WorkflowID)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if node.NodeID != decision.NodeID {
			continue
		}

		if node.Type != models.NodeTypeApproval {
			return fmt.Errorf("%w: node %s is not an approval", ErrNotPaused, decision.NodeID)
		}

		cfg := configOrZero[models.ApprovalConfig](node)

		if len(cfg.Approvers) > 0 && !slices.Contains(cfg.Approvers, decision.Actor) {
			return fmt.Errorf("%w: %s may not decide on node %s", protocol.ErrForbidden, decision.Actor, decision.NodeID)
		}

		return nil
	}

	return fmt.Errorf("%w: node %s", ErrNotPaused, decision.NodeID)
}

func (e *Engine) load(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := e.store.Executions().GetByID(ctx, executionID)
	if persistence.IsExecutionNotFound(err) {
		return nil, ErrExecutionNotFound
	}

	return execution, err
}

func (e *Engine) lookup(executionID string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.active[executionID]

	return r, ok
}

func (e *Engine) forget(executionID string) {
	e.mu.Lock()
	delete(e.active, executionID)
	e.mu.Unlock()
}

func (e *Engine) snapshot(r *run) *models.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *r.execution

	return &clone
}
