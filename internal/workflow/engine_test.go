package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/common/config"
	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/events"
	"github.com/orbitmesh/orbitmesh/internal/events/bus"
	"github.com/orbitmesh/orbitmesh/internal/store"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// fakeRunner stands in for the dispatcher. Job completion flows through
// the bus the same way the real dispatcher reports it: state first, event
// after.
type fakeRunner struct {
	mu        sync.Mutex
	bus       bus.EventBus
	seq       int
	jobs      map[string]*v1.Job
	cancelled map[string]string
	onSubmit  func(job *v1.Job)
}

func newFakeRunner(b bus.EventBus) *fakeRunner {
	return &fakeRunner{
		bus:       b,
		jobs:      make(map[string]*v1.Job),
		cancelled: make(map[string]string),
	}
}

func (f *fakeRunner) Submit(_ context.Context, req *v1.JobRequest) (*v1.Job, error) {
	f.mu.Lock()
	f.seq++
	job := &v1.Job{
		ID:        fmt.Sprintf("job-%d", f.seq),
		Command:   req.Command,
		Payload:   req.Payload,
		Status:    v1.JobStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	f.jobs[job.ID] = job
	onSubmit := f.onSubmit
	f.mu.Unlock()
	if onSubmit != nil {
		go onSubmit(job)
	}
	return job, nil
}

func (f *fakeRunner) Cancel(ctx context.Context, jobID, reason string) error {
	f.mu.Lock()
	f.cancelled[jobID] = reason
	f.mu.Unlock()
	f.finish(ctx, jobID, v1.JobStatusCancelled, nil, &v1.JobError{Code: "cancelled", Message: reason})
	return nil
}

func (f *fakeRunner) Get(_ context.Context, jobID string) (*v1.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	cp := *job
	return &cp, nil
}

func (f *fakeRunner) finish(ctx context.Context, jobID string, status v1.JobStatus, result []byte, jobErr *v1.JobError) {
	f.mu.Lock()
	if job, ok := f.jobs[jobID]; ok {
		job.Status = status
		job.Result = result
		job.Error = jobErr
	}
	f.mu.Unlock()

	subject := events.SubjectJobCompleted
	switch status {
	case v1.JobStatusFailed:
		subject = events.SubjectJobFailed
	case v1.JobStatusTimedOut:
		subject = events.SubjectJobTimedOut
	case v1.JobStatusCancelled:
		subject = events.SubjectJobCancelled
	}
	event := bus.NewEvent(subject, "test", map[string]interface{}{"job_id": jobID})
	_ = f.bus.Publish(ctx, subject, event)
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, f.seq)
	for i := 1; i <= f.seq; i++ {
		out = append(out, f.jobs[fmt.Sprintf("job-%d", i)].Command)
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeRunner, store.Store) {
	t.Helper()
	log := testLogger(t)
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	runner := newFakeRunner(eventBus)
	e := NewEngine(st, runner, eventBus, config.WorkflowConfig{WorkerCount: 4}, log)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e, runner, st
}

func waitInstance(t *testing.T, st store.Store, id string, want v1.InstanceStatus) *v1.WorkflowInstance {
	t.Helper()
	var inst *v1.WorkflowInstance
	require.Eventually(t, func() bool {
		var err error
		inst, err = st.GetWorkflowInstance(context.Background(), id)
		return err == nil && inst.Status == want
	}, 2*time.Second, 5*time.Millisecond, "instance %s never reached %s", id, want)
	return inst
}

func autoComplete(runner *fakeRunner, result string) {
	runner.onSubmit = func(job *v1.Job) {
		runner.finish(context.Background(), job.ID, v1.JobStatusCompleted, []byte(result), nil)
	}
}

func TestEngineDefineAppliesDefaults(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()

	def := &v1.WorkflowDefinition{
		ID:    "deploy",
		Steps: []v1.Step{jobStep("build")},
	}
	require.NoError(t, e.Define(ctx, def))

	got, err := st.GetWorkflowDefinition(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, v1.ErrorHandlingStopOnFirst, got.ErrorHandling)

	err = e.Define(ctx, &v1.WorkflowDefinition{ID: "bad"})
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.CodeOf(err))
}

func TestEngineRunsJobDAG(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	autoComplete(runner, `"done"`)

	build := jobStep("build")
	build.OutputVariable = "build_result"
	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID: "pipeline",
		Steps: []v1.Step{
			build,
			{ID: "release", Type: v1.StepTypeJob, DependsOn: []string{"build"},
				Job: &v1.JobStepConfig{Command: "release"}},
		},
	}))

	inst, err := e.StartInstance(ctx, "pipeline", map[string]interface{}{"env": "prod"})
	require.NoError(t, err)

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusCompleted)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["build"].Status)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["release"].Status)
	assert.Equal(t, "done", done.Variables["build_result"])
	assert.Equal(t, "prod", done.Variables["env"])
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, []string{"echo", "release"}, runner.commands())
}

func TestEngineStepConditionSkips(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	autoComplete(runner, `"ok"`)

	gated := jobStep("canary")
	gated.Condition = "env == 'prod'"
	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID:    "rollout",
		Steps: []v1.Step{gated, jobStep("full", "canary")},
	}))

	inst, err := e.StartInstance(ctx, "rollout", map[string]interface{}{"env": "staging"})
	require.NoError(t, err)

	// Skipped satisfies the dependency; the downstream step still runs.
	done := waitInstance(t, st, inst.ID, v1.InstanceStatusCompleted)
	assert.Equal(t, v1.StepStatusSkipped, done.Steps["canary"].Status)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["full"].Status)
	assert.Equal(t, []string{"echo"}, runner.commands())
}

func TestEngineConditionalBranches(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	autoComplete(runner, `"ok"`)

	thenStep := jobStep("promote")
	thenStep.Job.Command = "promote"
	elseStep := jobStep("rollback")
	elseStep.Job.Command = "rollback"
	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID: "gate",
		Steps: []v1.Step{{
			ID:         "decide",
			Type:       v1.StepTypeConditional,
			Expression: "checks_passed",
			Then:       []v1.Step{thenStep},
			Else:       []v1.Step{elseStep},
		}},
	}))

	inst, err := e.StartInstance(ctx, "gate", map[string]interface{}{"checks_passed": false})
	require.NoError(t, err)

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusCompleted)
	assert.Equal(t, v1.StepStatusSkipped, done.Steps["promote"].Status)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["rollback"].Status)
	assert.Equal(t, []string{"rollback"}, runner.commands())
}

func TestEngineStopOnFirstError(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	runner.onSubmit = func(job *v1.Job) {
		runner.finish(context.Background(), job.ID, v1.JobStatusFailed, nil,
			&v1.JobError{Code: "boom", Message: "exploded"})
	}

	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID:    "fragile",
		Steps: []v1.Step{jobStep("first"), jobStep("second", "first")},
	}))

	inst, err := e.StartInstance(ctx, "fragile", nil)
	require.NoError(t, err)

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusFailed)
	assert.Equal(t, v1.StepStatusFailed, done.Steps["first"].Status)
	assert.Equal(t, v1.StepStatusCancelled, done.Steps["second"].Status)
	assert.Contains(t, done.Error, "exploded")
}

func TestEngineContinueAndAggregate(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	runner.onSubmit = func(job *v1.Job) {
		if job.Command == "flaky" {
			runner.finish(context.Background(), job.ID, v1.JobStatusFailed, nil,
				&v1.JobError{Code: "boom", Message: "flaky failed"})
			return
		}
		runner.finish(context.Background(), job.ID, v1.JobStatusCompleted, []byte(`"ok"`), nil)
	}

	flaky := jobStep("a")
	flaky.Job.Command = "flaky"
	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID:            "sweep",
		ErrorHandling: v1.ErrorHandlingContinue,
		Steps:         []v1.Step{flaky, jobStep("b")},
	}))

	inst, err := e.StartInstance(ctx, "sweep", nil)
	require.NoError(t, err)

	// Independent steps keep running; the instance still fails at the end.
	done := waitInstance(t, st, inst.ID, v1.InstanceStatusFailed)
	assert.Equal(t, v1.StepStatusFailed, done.Steps["a"].Status)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["b"].Status)
	assert.Contains(t, done.Error, "flaky failed")
}

func TestEngineContinueOnErrorStep(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	runner.onSubmit = func(job *v1.Job) {
		if job.Command == "flaky" {
			runner.finish(context.Background(), job.ID, v1.JobStatusFailed, nil,
				&v1.JobError{Code: "boom", Message: "ignored"})
			return
		}
		runner.finish(context.Background(), job.ID, v1.JobStatusCompleted, []byte(`"ok"`), nil)
	}

	tolerated := jobStep("optional")
	tolerated.Job.Command = "flaky"
	tolerated.ContinueOnError = true
	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID:    "tolerant",
		Steps: []v1.Step{tolerated, jobStep("main", "optional")},
	}))

	inst, err := e.StartInstance(ctx, "tolerant", nil)
	require.NoError(t, err)

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusCompleted)
	assert.Equal(t, v1.StepStatusSkipped, done.Steps["optional"].Status)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["main"].Status)
}

func TestEngineWaitEventPausesAndResumes(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	autoComplete(runner, `"ok"`)

	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID: "approval-flow",
		Steps: []v1.Step{
			{
				ID:             "approval",
				Type:           v1.StepTypeApproval,
				OutputVariable: "decision",
				WaitEvent:      &v1.WaitEventConfig{EventType: "approved", CorrelationKey: "req-1"},
			},
			jobStep("apply", "approval"),
		},
	}))

	inst, err := e.StartInstance(ctx, "approval-flow", nil)
	require.NoError(t, err)

	// The only runnable step is parked, so the instance pauses.
	paused := waitInstance(t, st, inst.ID, v1.InstanceStatusPaused)
	assert.Equal(t, v1.StepStatusWaiting, paused.Steps["approval"].Status)

	err = e.Signal(ctx, inst.ID, "rejected", "", nil)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
	err = e.Signal(ctx, inst.ID, "approved", "req-2", nil)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))

	payload := map[string]interface{}{"approver": "ops"}
	require.NoError(t, e.Signal(ctx, inst.ID, "approved", "req-1", payload))

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusCompleted)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["approval"].Status)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["apply"].Status)
	assert.Equal(t, payload, done.Variables["decision"])
}

func TestEngineWaitEventTimeout(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID: "impatient",
		Steps: []v1.Step{{
			ID:        "wait",
			Type:      v1.StepTypeWaitEvent,
			WaitEvent: &v1.WaitEventConfig{EventType: "never", Timeout: 20 * time.Millisecond},
		}},
	}))

	inst, err := e.StartInstance(ctx, "impatient", nil)
	require.NoError(t, err)

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusFailed)
	assert.Equal(t, v1.StepStatusFailed, done.Steps["wait"].Status)
}

func TestEngineForEach(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	autoComplete(runner, `"ok"`)

	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID: "fanout",
		Steps: []v1.Step{{
			ID:             "each",
			Type:           v1.StepTypeForEach,
			OutputVariable: "count",
			ForEach:        &v1.ForEachConfig{Items: "targets", ItemVariable: "target", MaxConcurrency: 2},
			Body: []v1.Step{{
				ID:   "ping",
				Type: v1.StepTypeJob,
				Job:  &v1.JobStepConfig{Command: "ping-${target}"},
			}},
		}},
	}))

	inst, err := e.StartInstance(ctx, "fanout", map[string]interface{}{
		"targets": []interface{}{"a", "b", "c"},
	})
	require.NoError(t, err)

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusCompleted)
	assert.Equal(t, 3, done.Variables["count"])
	assert.ElementsMatch(t, []string{"ping-a", "ping-b", "ping-c"}, runner.commands())
	// Iterations get distinct step keys.
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["ping#0"].Status)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["ping#2"].Status)
}

func TestEngineParallelBranches(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	autoComplete(runner, `"ok"`)

	left := jobStep("left")
	left.Job.Command = "left"
	right := jobStep("right")
	right.Job.Command = "right"
	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID: "split",
		Steps: []v1.Step{{
			ID:       "par",
			Type:     v1.StepTypeParallel,
			Branches: [][]v1.Step{{left}, {right}},
		}},
	}))

	inst, err := e.StartInstance(ctx, "split", nil)
	require.NoError(t, err)

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusCompleted)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["par"].Status)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["left"].Status)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["right"].Status)
	assert.ElementsMatch(t, []string{"left", "right"}, runner.commands())
}

func TestEngineCancelInstance(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	// Jobs never finish on their own.

	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID:    "stuck",
		Steps: []v1.Step{jobStep("hang")},
	}))

	inst, err := e.StartInstance(ctx, "stuck", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.jobs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.CancelInstance(ctx, inst.ID))

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusCancelled)
	assert.Equal(t, v1.StepStatusCancelled, done.Steps["hang"].Status)
	runner.mu.Lock()
	assert.Len(t, runner.cancelled, 1)
	runner.mu.Unlock()

	err = e.CancelInstance(ctx, inst.ID)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
}

func TestEngineSubWorkflow(t *testing.T) {
	e, runner, st := newTestEngine(t)
	ctx := context.Background()
	autoComplete(runner, `"ok"`)

	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID:    "child",
		Steps: []v1.Step{jobStep("work")},
	}))
	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID: "parent",
		Steps: []v1.Step{{
			ID:          "delegate",
			Type:        v1.StepTypeSubWorkflow,
			SubWorkflow: &v1.SubWorkflowConfig{WorkflowID: "child", WaitForCompletion: true},
		}},
	}))

	inst, err := e.StartInstance(ctx, "parent", nil)
	require.NoError(t, err)

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusCompleted)
	assert.Equal(t, v1.StepStatusCompleted, done.Steps["delegate"].Status)

	children, err := st.ListWorkflowInstances(ctx, store.InstanceFilter{WorkflowID: "child"})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, inst.ID, children[0].ParentInstance)
	assert.Equal(t, v1.InstanceStatusCompleted, children[0].Status)
}

func TestEngineWorkflowTimeout(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Define(ctx, &v1.WorkflowDefinition{
		ID:      "slow",
		Timeout: 20 * time.Millisecond,
		Steps:   []v1.Step{{ID: "nap", Type: v1.StepTypeDelay, Delay: time.Minute}},
	}))

	inst, err := e.StartInstance(ctx, "slow", nil)
	require.NoError(t, err)

	done := waitInstance(t, st, inst.ID, v1.InstanceStatusFailed)
	assert.Contains(t, done.Error, "timeout")
}
