package workflow

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/orbitmesh/orbitmesh/internal/common/config"
	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/events"
	"github.com/orbitmesh/orbitmesh/internal/events/bus"
	"github.com/orbitmesh/orbitmesh/internal/store"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// JobRunner is the dispatcher surface the engine executes job steps with.
type JobRunner interface {
	Submit(ctx context.Context, req *v1.JobRequest) (*v1.Job, error)
	Cancel(ctx context.Context, jobID, reason string) error
	Get(ctx context.Context, jobID string) (*v1.Job, error)
}

// jobOutcome is the terminal state of a job a step waited on.
type jobOutcome struct {
	status v1.JobStatus
	result []byte
	err    *v1.JobError
}

// waiter is a step parked on an external event.
type waiter struct {
	stepKey        string
	eventType      string
	correlationKey string
	ch             chan map[string]interface{}
}

// run is the in-memory execution state of one instance.
type run struct {
	def    *v1.WorkflowDefinition
	inst   *v1.WorkflowInstance
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	waiting    []*waiter
	activeJobs map[string]bool
	running    int // steps currently executing (not waiting)
}

// Engine drives workflow instances over their DAGs. Jobs execute through
// the dispatcher; completion flows back through the event bus, never by a
// direct callback.
type Engine struct {
	store store.Store
	jobs  JobRunner
	bus   bus.EventBus
	pub   *events.Publisher
	cfg   config.WorkflowConfig
	log   *logger.Logger
	http  *http.Client

	mu        sync.Mutex
	runs      map[string]*run
	jobWait   map[string]chan *jobOutcome
	childWait map[string]chan v1.InstanceStatus

	slots   *semaphore.Weighted
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	subs    []bus.Subscription
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, jobs JobRunner, eventBus bus.EventBus, cfg config.WorkflowConfig, log *logger.Logger) *Engine {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		store:     st,
		jobs:      jobs,
		bus:       eventBus,
		pub:       events.NewPublisher(eventBus, "workflow"),
		cfg:       cfg,
		log:       log,
		http:      &http.Client{Timeout: 30 * time.Second},
		runs:      make(map[string]*run),
		jobWait:   make(map[string]chan *jobOutcome),
		childWait: make(map[string]chan v1.InstanceStatus),
		slots:     semaphore.NewWeighted(int64(workers)),
		stopped:   make(chan struct{}),
	}
}

// Start subscribes to job lifecycle events and resumes persisted
// non-terminal instances.
func (e *Engine) Start(ctx context.Context) error {
	for _, subject := range []string{
		events.SubjectJobCompleted,
		events.SubjectJobFailed,
		events.SubjectJobTimedOut,
		events.SubjectJobCancelled,
	} {
		sub, err := e.bus.Subscribe(subject, e.onJobTerminal)
		if err != nil {
			return apperrors.Wrap(err, "failed to subscribe workflow engine")
		}
		e.subs = append(e.subs, sub)
	}
	sub, err := e.bus.Subscribe(events.SubjectSignal, e.onSignalEvent)
	if err != nil {
		return apperrors.Wrap(err, "failed to subscribe workflow engine")
	}
	e.subs = append(e.subs, sub)

	for _, subject := range []string{
		events.SubjectInstanceCompleted,
		events.SubjectInstanceFailed,
		events.SubjectInstanceCancelled,
	} {
		sub, err := e.bus.Subscribe(subject, e.onInstanceTerminal)
		if err != nil {
			return apperrors.Wrap(err, "failed to subscribe workflow engine")
		}
		e.subs = append(e.subs, sub)
	}

	resumed := 0
	for _, status := range []v1.InstanceStatus{v1.InstanceStatusPending, v1.InstanceStatusRunning, v1.InstanceStatusPaused} {
		instances, err := e.store.ListWorkflowInstances(ctx, store.InstanceFilter{Status: status})
		if err != nil {
			return apperrors.Wrap(err, "failed to recover workflow instances")
		}
		for _, inst := range instances {
			def, err := e.store.GetWorkflowDefinition(ctx, inst.WorkflowID)
			if err != nil {
				e.log.WithInstanceID(inst.ID).Error("Cannot resume instance, definition missing",
					zap.String("workflow_id", inst.WorkflowID),
					zap.Error(err))
				continue
			}
			e.launch(def, inst)
			resumed++
		}
	}

	e.log.Info("Workflow engine started", zap.Int("resumed_instances", resumed))
	return nil
}

// Stop cancels all running instances and waits for them to settle.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stopped) })
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.mu.Lock()
	for _, r := range e.runs {
		r.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.log.Info("Workflow engine stopped")
}

// Define validates and persists a workflow definition.
func (e *Engine) Define(ctx context.Context, def *v1.WorkflowDefinition) error {
	if def.Version == 0 {
		def.Version = 1
	}
	if def.ErrorHandling == "" {
		def.ErrorHandling = v1.ErrorHandlingStopOnFirst
	}
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	return e.store.SaveWorkflowDefinition(ctx, def)
}

// GetDefinition returns a workflow definition by id.
func (e *Engine) GetDefinition(ctx context.Context, id string) (*v1.WorkflowDefinition, error) {
	return e.store.GetWorkflowDefinition(ctx, id)
}

// ListDefinitions returns all workflow definitions.
func (e *Engine) ListDefinitions(ctx context.Context) ([]*v1.WorkflowDefinition, error) {
	return e.store.ListWorkflowDefinitions(ctx)
}

// DeleteDefinition removes a workflow definition.
func (e *Engine) DeleteDefinition(ctx context.Context, id string) error {
	return e.store.DeleteWorkflowDefinition(ctx, id)
}

// StartInstance creates and launches a new instance of the workflow.
func (e *Engine) StartInstance(ctx context.Context, workflowID string, input map[string]interface{}) (*v1.WorkflowInstance, error) {
	return e.startInstance(ctx, workflowID, input, "")
}

func (e *Engine) startInstance(ctx context.Context, workflowID string, input map[string]interface{}, parent string) (*v1.WorkflowInstance, error) {
	select {
	case <-e.stopped:
		return nil, apperrors.Unavailable("workflow engine is shutting down", nil)
	default:
	}

	def, err := e.store.GetWorkflowDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]interface{}, len(def.Variables)+len(input))
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range input {
		vars[k] = v
	}

	now := time.Now().UTC()
	inst := &v1.WorkflowInstance{
		ID:              uuid.New().String(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          v1.InstanceStatusPending,
		Variables:       vars,
		Steps:           make(map[string]*v1.StepInstance),
		ParentInstance:  parent,
		StartedAt:       now,
	}
	for i := range def.Steps {
		walkSteps(&def.Steps[i], func(s *v1.Step) {
			inst.Steps[s.ID] = &v1.StepInstance{StepID: s.ID, Status: v1.StepStatusPending}
		})
	}

	if err := e.store.SaveWorkflowInstance(ctx, cloneInstance(inst)); err != nil {
		return nil, apperrors.Wrap(err, "failed to persist workflow instance")
	}
	e.publish(events.SubjectInstanceStarted, map[string]interface{}{
		"instance_id": inst.ID,
		"workflow_id": def.ID,
	})

	e.launch(def, inst)
	return cloneInstance(inst), nil
}

// launch registers the run and starts its driver goroutine, bounded by the
// worker pool.
func (e *Engine) launch(def *v1.WorkflowDefinition, inst *v1.WorkflowInstance) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		remaining := timeout - time.Since(inst.StartedAt)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		ctx, cancel = context.WithTimeout(context.Background(), remaining)
	}

	r := &run{
		def:        def,
		inst:       inst,
		ctx:        ctx,
		cancel:     cancel,
		activeJobs: make(map[string]bool),
	}
	e.mu.Lock()
	e.runs[inst.ID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		if err := e.slots.Acquire(ctx, 1); err != nil {
			e.finishInstance(r, err)
			return
		}
		defer e.slots.Release(1)
		e.drive(r)
	}()
}

// drive runs the instance to a terminal status.
func (e *Engine) drive(r *run) {
	log := e.log.WithInstanceID(r.inst.ID)

	e.setInstanceStatus(r, v1.InstanceStatusRunning, "")
	execErr := e.execList(r.ctx, r, r.def.Steps, nil)

	if execErr != nil && r.def.ErrorHandling == v1.ErrorHandlingCompensate && r.ctx.Err() == nil {
		log.Info("Running compensation", zap.Error(execErr))
		e.compensate(r)
	}

	e.finishInstance(r, execErr)
}

func (e *Engine) finishInstance(r *run, execErr error) {
	e.mu.Lock()
	delete(e.runs, r.inst.ID)
	e.mu.Unlock()

	now := time.Now().UTC()
	var status v1.InstanceStatus
	var subject string
	errMsg := ""
	switch {
	case r.ctx.Err() == context.Canceled:
		status = v1.InstanceStatusCancelled
		subject = events.SubjectInstanceCancelled
		errMsg = "cancelled"
	case r.ctx.Err() == context.DeadlineExceeded:
		status = v1.InstanceStatusFailed
		subject = events.SubjectInstanceFailed
		errMsg = "workflow timeout"
	case execErr != nil:
		status = v1.InstanceStatusFailed
		subject = events.SubjectInstanceFailed
		errMsg = execErr.Error()
	default:
		status = v1.InstanceStatusCompleted
		subject = events.SubjectInstanceCompleted
	}

	r.mu.Lock()
	r.inst.Status = status
	r.inst.Error = errMsg
	r.inst.CompletedAt = &now
	// Instance terminal implies every step terminal: anything left behind
	// (blocked on a failed dependency, or parked waiting) is cancelled.
	for _, si := range r.inst.Steps {
		if !si.Status.Terminal() {
			si.Status = v1.StepStatusCancelled
		}
	}
	snapshot := cloneInstance(r.inst)
	r.mu.Unlock()

	if err := e.store.SaveWorkflowInstance(context.Background(), snapshot); err != nil {
		e.log.WithInstanceID(r.inst.ID).Error("Failed to persist terminal instance", zap.Error(err))
	}
	e.publish(subject, map[string]interface{}{
		"instance_id": r.inst.ID,
		"workflow_id": r.inst.WorkflowID,
		"status":      string(status),
		"error":       errMsg,
	})
	e.log.WithInstanceID(r.inst.ID).Info("Workflow instance finished",
		zap.String("status", string(status)))
}

// GetInstance returns a persisted instance.
func (e *Engine) GetInstance(ctx context.Context, id string) (*v1.WorkflowInstance, error) {
	return e.store.GetWorkflowInstance(ctx, id)
}

// ListInstances returns instances matching the filter.
func (e *Engine) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*v1.WorkflowInstance, error) {
	return e.store.ListWorkflowInstances(ctx, filter)
}

// CancelInstance cancels a running instance: each of its running jobs is
// cancelled, then the instance terminates as Cancelled.
func (e *Engine) CancelInstance(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		inst, err := e.store.GetWorkflowInstance(ctx, id)
		if err != nil {
			return err
		}
		return apperrors.Conflictf("cannot cancel instance in status %s", inst.Status)
	}

	r.mu.Lock()
	jobs := make([]string, 0, len(r.activeJobs))
	for id := range r.activeJobs {
		jobs = append(jobs, id)
	}
	r.mu.Unlock()

	for _, jobID := range jobs {
		if err := e.jobs.Cancel(ctx, jobID, "workflow cancelled"); err != nil {
			e.log.WithInstanceID(id).WithJobID(jobID).Warn("Failed to cancel workflow job",
				zap.Error(err))
		}
	}
	r.cancel()
	return nil
}

// Signal wakes steps waiting for the event. The payload is bound into the
// step's output variable when it declares one.
func (e *Engine) Signal(ctx context.Context, instanceID, eventType, correlationKey string, payload map[string]interface{}) error {
	e.mu.Lock()
	r, ok := e.runs[instanceID]
	e.mu.Unlock()
	if !ok {
		if _, err := e.store.GetWorkflowInstance(ctx, instanceID); err != nil {
			return err
		}
		return apperrors.Conflict("instance is not waiting for events")
	}

	r.mu.Lock()
	var matched []*waiter
	remaining := r.waiting[:0]
	for _, w := range r.waiting {
		if w.eventType == eventType && (w.correlationKey == "" || w.correlationKey == correlationKey) {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	r.waiting = remaining
	r.mu.Unlock()

	if len(matched) == 0 {
		return apperrors.Conflictf("no step is waiting for event %q", eventType)
	}
	for _, w := range matched {
		w.ch <- payload
	}
	return nil
}

// onSignalEvent feeds bus-delivered signals into Signal.
func (e *Engine) onSignalEvent(ctx context.Context, event *bus.Event) error {
	instanceID, _ := event.Data["instance_id"].(string)
	eventType, _ := event.Data["event_type"].(string)
	correlationKey, _ := event.Data["correlation_key"].(string)
	payload, _ := event.Data["payload"].(map[string]interface{})
	if instanceID == "" || eventType == "" {
		return nil
	}
	err := e.Signal(ctx, instanceID, eventType, correlationKey, payload)
	if err != nil && apperrors.CodeOf(err) != apperrors.ErrCodeConflict && apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		return err
	}
	return nil
}

// onJobTerminal routes a terminal job event to the step waiting on it.
func (e *Engine) onJobTerminal(ctx context.Context, event *bus.Event) error {
	jobID, _ := event.Data["job_id"].(string)
	if jobID == "" {
		return nil
	}
	e.mu.Lock()
	ch, ok := e.jobWait[jobID]
	if ok {
		delete(e.jobWait, jobID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	ch <- &jobOutcome{status: job.Status, result: job.Result, err: job.Error}
	return nil
}

// onInstanceTerminal wakes sub-workflow steps waiting on a child instance.
func (e *Engine) onInstanceTerminal(_ context.Context, event *bus.Event) error {
	instanceID, _ := event.Data["instance_id"].(string)
	status, _ := event.Data["status"].(string)
	if instanceID == "" {
		return nil
	}
	e.mu.Lock()
	ch, ok := e.childWait[instanceID]
	if ok {
		delete(e.childWait, instanceID)
	}
	e.mu.Unlock()
	if ok {
		ch <- v1.InstanceStatus(status)
	}
	return nil
}

// awaitJob blocks until the job reaches a terminal status. The durable
// write precedes the event, so checking the store after registering the
// waiter closes the race with an already-finished job.
func (e *Engine) awaitJob(ctx context.Context, jobID string) (*jobOutcome, error) {
	ch := make(chan *jobOutcome, 1)
	e.mu.Lock()
	e.jobWait[jobID] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.jobWait, jobID)
		e.mu.Unlock()
	}()

	job, err := e.jobs.Get(ctx, jobID)
	if err == nil && job.Status.Terminal() {
		return &jobOutcome{status: job.Status, result: job.Result, err: job.Error}, nil
	}

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) setInstanceStatus(r *run, status v1.InstanceStatus, subject string) {
	r.mu.Lock()
	if r.inst.Status == status {
		r.mu.Unlock()
		return
	}
	r.inst.Status = status
	snapshot := cloneInstance(r.inst)
	r.mu.Unlock()

	if err := e.store.SaveWorkflowInstance(context.Background(), snapshot); err != nil {
		e.log.WithInstanceID(r.inst.ID).Error("Failed to persist instance status", zap.Error(err))
	}
	if subject != "" {
		e.publish(subject, map[string]interface{}{
			"instance_id": r.inst.ID,
			"workflow_id": r.inst.WorkflowID,
			"status":      string(status),
		})
	}
}

func (e *Engine) publish(subject string, data map[string]interface{}) {
	if err := e.pub.Publish(context.Background(), subject, data); err != nil {
		e.log.Error("Failed to publish workflow event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// cloneInstance deep-copies the mutable parts of an instance so persistence
// never races the driver.
func cloneInstance(inst *v1.WorkflowInstance) *v1.WorkflowInstance {
	cp := *inst
	cp.Variables = make(map[string]interface{}, len(inst.Variables))
	for k, v := range inst.Variables {
		cp.Variables[k] = v
	}
	cp.Steps = make(map[string]*v1.StepInstance, len(inst.Steps))
	for k, v := range inst.Steps {
		si := *v
		cp.Steps[k] = &si
	}
	return &cp
}

// stepError carries a failed step's identity for aggregation.
type stepError struct {
	stepID string
	err    error
}

func (s *stepError) Error() string {
	return fmt.Sprintf("step %s: %v", s.stepID, s.err)
}

func (s *stepError) Unwrap() error { return s.err }
