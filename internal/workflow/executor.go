package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/events"
	"github.com/orbitmesh/orbitmesh/internal/workflow/expr"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// execList drives one step list to completion: steps start as soon as every
// dependency is Completed or Skipped and their condition holds. scope is an
// optional variable overlay (foreach iterations).
func (e *Engine) execList(ctx context.Context, r *run, steps []v1.Step, scope map[string]interface{}) error {
	type outcome struct {
		stepID string
		err    error
	}

	satisfied := make(map[string]bool, len(steps))
	failed := make(map[string]bool)
	launched := make(map[string]bool)
	results := make(chan outcome)
	running := 0
	stopLaunching := false
	var errs []error

	mode := r.def.ErrorHandling
	if mode == "" {
		mode = v1.ErrorHandlingStopOnFirst
	}

	for {
		if ctx.Err() != nil {
			break
		}
		if !stopLaunching {
			for i := range steps {
				s := &steps[i]
				if launched[s.ID] {
					continue
				}

				// Recovery: a step already finished in a previous run of
				// this instance is not re-executed.
				if st := e.stepStatus(r, s.ID); st.Terminal() {
					launched[s.ID] = true
					if st.Satisfied() {
						satisfied[s.ID] = true
					} else {
						failed[s.ID] = true
					}
					continue
				}

				ready := true
				for _, dep := range s.DependsOn {
					if !satisfied[dep] {
						ready = false
						break
					}
				}
				if !ready {
					continue
				}
				launched[s.ID] = true

				if s.Condition != "" {
					ok, err := expr.EvalBool(s.Condition, r.vars(scope))
					if err != nil {
						failed[s.ID] = true
						errs = append(errs, &stepError{stepID: s.ID, err: err})
						e.markStep(r, s.ID, v1.StepStatusFailed, nil, err)
						continue
					}
					if !ok {
						satisfied[s.ID] = true
						e.markStep(r, s.ID, v1.StepStatusSkipped, nil, nil)
						continue
					}
				}

				running++
				step := s
				go func() {
					results <- outcome{stepID: step.ID, err: e.execStep(ctx, r, step, scope)}
				}()
			}
		}

		if running == 0 {
			break
		}

		res := <-results
		running--
		if res.err == nil {
			satisfied[res.stepID] = true
			continue
		}
		var skipped *skippedError
		if errors.As(res.err, &skipped) {
			// continueOnError: the failure counts as Skipped downstream.
			satisfied[res.stepID] = true
			continue
		}
		failed[res.stepID] = true
		errs = append(errs, res.err)
		if mode != v1.ErrorHandlingContinue {
			stopLaunching = true
		}
	}

	// Drain anything still running after a cancellation.
	for running > 0 {
		<-results
		running--
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(errs...)
}

// skippedError marks a continueOnError failure.
type skippedError struct{ err error }

func (s *skippedError) Error() string { return s.err.Error() }
func (s *skippedError) Unwrap() error { return s.err }

// execStep runs one step, honoring its retry budget and continueOnError.
func (e *Engine) execStep(ctx context.Context, r *run, s *v1.Step, scope map[string]interface{}) error {
	now := time.Now().UTC()
	r.mu.Lock()
	r.running++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	e.setStep(r, s.ID, func(si *v1.StepInstance) {
		si.Status = v1.StepStatusRunning
		si.StartedAt = &now
		si.Attempts++
	})
	e.publish(events.SubjectStepStarted, map[string]interface{}{
		"instance_id": r.inst.ID,
		"step_id":     s.ID,
		"type":        string(s.Type),
	})

	var output interface{}
	var err error
	for attempt := 0; ; attempt++ {
		output, err = e.execStepOnce(ctx, r, s, scope)
		if err == nil || ctx.Err() != nil || attempt >= s.MaxRetries {
			break
		}
		e.log.WithInstanceID(r.inst.ID).Info("Retrying workflow step",
			zap.String("step_id", s.ID),
			zap.Int("attempt", attempt+2),
			zap.Error(err))
		e.setStep(r, s.ID, func(si *v1.StepInstance) { si.Attempts++ })
	}

	if ctx.Err() != nil {
		e.markStep(r, s.ID, v1.StepStatusCancelled, nil, ctx.Err())
		return ctx.Err()
	}

	if err != nil {
		if s.ContinueOnError {
			e.markStep(r, s.ID, v1.StepStatusSkipped, nil, err)
			return &skippedError{err: err}
		}
		e.markStep(r, s.ID, v1.StepStatusFailed, nil, err)
		return &stepError{stepID: s.ID, err: err}
	}

	if s.OutputVariable != "" {
		r.mu.Lock()
		r.inst.Variables[s.OutputVariable] = output
		r.mu.Unlock()
	}
	e.markStep(r, s.ID, v1.StepStatusCompleted, output, nil)
	return nil
}

// execStepOnce dispatches on the step type. Each executor returns the
// step's natural output.
func (e *Engine) execStepOnce(ctx context.Context, r *run, s *v1.Step, scope map[string]interface{}) (interface{}, error) {
	switch s.Type {
	case v1.StepTypeJob:
		return e.execJob(ctx, r, s, scope)
	case v1.StepTypeDelay:
		return e.execDelay(ctx, s)
	case v1.StepTypeParallel:
		return nil, e.execParallel(ctx, r, s, scope)
	case v1.StepTypeConditional:
		return nil, e.execConditional(ctx, r, s, scope)
	case v1.StepTypeForEach:
		return e.execForEach(ctx, r, s, scope)
	case v1.StepTypeWaitEvent, v1.StepTypeApproval:
		return e.execWait(ctx, r, s, scope)
	case v1.StepTypeSubWorkflow:
		return e.execSubWorkflow(ctx, r, s)
	case v1.StepTypeNotify:
		return e.execNotify(ctx, r, s, scope)
	default:
		return nil, apperrors.InvalidArgumentf("unknown step type %q", s.Type)
	}
}

func (e *Engine) execJob(ctx context.Context, r *run, s *v1.Step, scope map[string]interface{}) (interface{}, error) {
	vars := r.vars(scope)
	cfg := s.Job
	req := &v1.JobRequest{
		Command:              interpolate(cfg.Command, vars),
		Pattern:              interpolate(cfg.Pattern, vars),
		RequiredCapabilities: cfg.RequiredCapabilities,
		Priority:             cfg.Priority,
		Payload:              []byte(interpolate(cfg.Payload, vars)),
		TargetAgentID:        interpolate(cfg.TargetAgentID, vars),
		Timeout:              cfg.Timeout,
		MaxRetries:           cfg.MaxRetries,
	}
	job, err := e.jobs.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.activeJobs[job.ID] = true
	r.mu.Unlock()
	e.setStep(r, s.ID, func(si *v1.StepInstance) { si.JobID = job.ID })
	defer func() {
		r.mu.Lock()
		delete(r.activeJobs, job.ID)
		r.mu.Unlock()
	}()

	outcome, err := e.awaitJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	switch outcome.status {
	case v1.JobStatusCompleted:
		return decodeJobResult(outcome.result), nil
	case v1.JobStatusCancelled:
		return nil, apperrors.Conflict("job was cancelled")
	default:
		msg := "job failed"
		if outcome.err != nil {
			msg = outcome.err.Message
		}
		return nil, fmt.Errorf("job %s: %s", job.ID, msg)
	}
}

// decodeJobResult interprets result bytes as JSON when possible, falling
// back to the raw string.
func decodeJobResult(result []byte) interface{} {
	if len(result) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(result, &v); err == nil {
		return v
	}
	return string(result)
}

func (e *Engine) execDelay(ctx context.Context, s *v1.Step) (interface{}, error) {
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) execParallel(ctx context.Context, r *run, s *v1.Step, scope map[string]interface{}) error {
	if s.FailFast {
		g, gctx := errgroup.WithContext(ctx)
		for _, branch := range s.Branches {
			branch := branch
			g.Go(func() error {
				return e.execList(gctx, r, branch, scope)
			})
		}
		return g.Wait()
	}

	var wg sync.WaitGroup
	errsCh := make(chan error, len(s.Branches))
	for _, branch := range s.Branches {
		branch := branch
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- e.execList(ctx, r, branch, scope)
		}()
	}
	wg.Wait()
	close(errsCh)
	var errs []error
	for err := range errsCh {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) execConditional(ctx context.Context, r *run, s *v1.Step, scope map[string]interface{}) error {
	ok, err := expr.EvalBool(s.Expression, r.vars(scope))
	if err != nil {
		return err
	}
	taken, untaken := s.Then, s.Else
	if !ok {
		taken, untaken = s.Else, s.Then
	}
	for i := range untaken {
		walkSteps(&untaken[i], func(st *v1.Step) {
			e.markStep(r, st.ID, v1.StepStatusSkipped, nil, nil)
		})
	}
	if len(taken) == 0 {
		return nil
	}
	return e.execList(ctx, r, taken, scope)
}

func (e *Engine) execForEach(ctx context.Context, r *run, s *v1.Step, scope map[string]interface{}) (interface{}, error) {
	itemsVal, err := expr.Eval(s.ForEach.Items, r.vars(scope))
	if err != nil {
		return nil, err
	}
	items, err := asSlice(itemsVal)
	if err != nil {
		return nil, apperrors.InvalidArgumentf("step %q: %v", s.ID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.ForEach.MaxConcurrency > 0 {
		g.SetLimit(s.ForEach.MaxConcurrency)
	}
	for idx, item := range items {
		idx, item := idx, item
		body := cloneStepsWithSuffix(s.Body, fmt.Sprintf("#%d", idx))
		g.Go(func() error {
			iterScope := make(map[string]interface{}, len(scope)+2)
			for k, v := range scope {
				iterScope[k] = v
			}
			iterScope[s.ForEach.ItemVariable] = item
			iterScope["item_index"] = idx
			return e.execList(gctx, r, body, iterScope)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return len(items), nil
}

func asSlice(v interface{}) ([]interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return x, nil
	case []string:
		out := make([]interface{}, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("items expression must yield a collection, got %T", v)
	}
}

func (e *Engine) execWait(ctx context.Context, r *run, s *v1.Step, scope map[string]interface{}) (interface{}, error) {
	vars := r.vars(scope)
	w := &waiter{
		stepKey:        s.ID,
		eventType:      s.WaitEvent.EventType,
		correlationKey: interpolate(s.WaitEvent.CorrelationKey, vars),
		ch:             make(chan map[string]interface{}, 1),
	}

	e.setStep(r, s.ID, func(si *v1.StepInstance) { si.Status = v1.StepStatusWaiting })

	r.mu.Lock()
	r.waiting = append(r.waiting, w)
	r.running--
	pause := r.running == 0 && r.inst.Status == v1.InstanceStatusRunning
	r.mu.Unlock()

	if pause {
		e.setInstanceStatus(r, v1.InstanceStatusPaused, events.SubjectInstancePaused)
	}

	var timeoutCh <-chan time.Time
	if s.WaitEvent.Timeout > 0 {
		t := time.NewTimer(s.WaitEvent.Timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	var payload map[string]interface{}
	var waitErr error
	select {
	case payload = <-w.ch:
	case <-timeoutCh:
		waitErr = apperrors.Timeout(fmt.Sprintf("no %s event within %s", w.eventType, s.WaitEvent.Timeout))
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	r.mu.Lock()
	r.running++
	for i, reg := range r.waiting {
		if reg == w {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			break
		}
	}
	resume := r.inst.Status == v1.InstanceStatusPaused
	r.mu.Unlock()

	if resume && ctx.Err() == nil {
		e.setInstanceStatus(r, v1.InstanceStatusRunning, events.SubjectInstanceResumed)
	}
	if waitErr != nil {
		return nil, waitErr
	}
	var out interface{}
	if payload != nil {
		out = payload
	}
	return out, nil
}

func (e *Engine) execSubWorkflow(ctx context.Context, r *run, s *v1.Step) (interface{}, error) {
	r.mu.Lock()
	input := make(map[string]interface{}, len(r.inst.Variables))
	for k, v := range r.inst.Variables {
		input[k] = v
	}
	r.mu.Unlock()

	child, err := e.startInstance(ctx, s.SubWorkflow.WorkflowID, input, r.inst.ID)
	if err != nil {
		return nil, err
	}
	if !s.SubWorkflow.WaitForCompletion {
		return map[string]interface{}{"instance_id": child.ID}, nil
	}

	status, err := e.awaitInstance(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	if status != v1.InstanceStatusCompleted {
		return nil, fmt.Errorf("sub-workflow %s finished %s", child.ID, status)
	}
	return map[string]interface{}{"instance_id": child.ID, "status": string(status)}, nil
}

// awaitInstance blocks until the child instance terminates.
func (e *Engine) awaitInstance(ctx context.Context, instanceID string) (v1.InstanceStatus, error) {
	ch := make(chan v1.InstanceStatus, 1)
	e.mu.Lock()
	e.childWait[instanceID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.childWait, instanceID)
		e.mu.Unlock()
	}()

	inst, err := e.store.GetWorkflowInstance(ctx, instanceID)
	if err == nil && inst.Status.Terminal() {
		return inst.Status, nil
	}

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Engine) execNotify(ctx context.Context, r *run, s *v1.Step, scope map[string]interface{}) (interface{}, error) {
	vars := r.vars(scope)
	body := interpolate(s.Notify.Payload, vars)
	if body == "" {
		b, _ := json.Marshal(map[string]interface{}{
			"instance_id": r.inst.ID,
			"workflow_id": r.inst.WorkflowID,
			"step_id":     s.ID,
		})
		body = string(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Notify.URL, strings.NewReader(body))
	if err != nil {
		return nil, apperrors.InvalidArgumentf("step %q: bad notify url: %v", s.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("notify request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.Unavailable(fmt.Sprintf("notify endpoint returned %d", resp.StatusCode), nil)
	}
	return map[string]interface{}{"status_code": resp.StatusCode}, nil
}

// compensate runs each completed step's compensation job in reverse
// topological order. Compensation failures are logged, not fatal; the
// instance fails regardless.
func (e *Engine) compensate(r *run) {
	order := topoOrder(r.def.Steps)
	for i := len(order) - 1; i >= 0; i-- {
		s := order[i]
		if s.Compensation == nil {
			continue
		}
		if e.stepStatus(r, s.ID) != v1.StepStatusCompleted {
			continue
		}
		vars := r.vars(nil)
		req := &v1.JobRequest{
			Command: interpolate(s.Compensation.Command, vars),
			Pattern: interpolate(s.Compensation.Pattern, vars),
			Payload: []byte(interpolate(s.Compensation.Payload, vars)),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		job, err := e.jobs.Submit(ctx, req)
		if err != nil {
			e.log.WithInstanceID(r.inst.ID).Error("Failed to submit compensation job",
				zap.String("step_id", s.ID),
				zap.Error(err))
			cancel()
			continue
		}
		outcome, err := e.awaitJob(ctx, job.ID)
		cancel()
		if err != nil || outcome.status != v1.JobStatusCompleted {
			e.log.WithInstanceID(r.inst.ID).WithJobID(job.ID).Error("Compensation job did not complete",
				zap.String("step_id", s.ID),
				zap.Error(err))
		}
	}
}

// topoOrder returns the top-level steps in dependency order.
func topoOrder(steps []v1.Step) []*v1.Step {
	byID := make(map[string]*v1.Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}
	visited := make(map[string]bool, len(steps))
	var out []*v1.Step
	var visit func(s *v1.Step)
	visit = func(s *v1.Step) {
		if visited[s.ID] {
			return
		}
		visited[s.ID] = true
		for _, dep := range s.DependsOn {
			if d, ok := byID[dep]; ok {
				visit(d)
			}
		}
		out = append(out, s)
	}
	for i := range steps {
		visit(&steps[i])
	}
	return out
}

// cloneStepsWithSuffix deep-copies steps, appending suffix to every step id
// and dependsOn reference so foreach iterations get distinct step keys.
func cloneStepsWithSuffix(steps []v1.Step, suffix string) []v1.Step {
	out := make([]v1.Step, len(steps))
	for i := range steps {
		s := steps[i]
		s.ID = s.ID + suffix
		if len(s.DependsOn) > 0 {
			deps := make([]string, len(s.DependsOn))
			for j, d := range s.DependsOn {
				deps[j] = d + suffix
			}
			s.DependsOn = deps
		}
		if len(s.Branches) > 0 {
			branches := make([][]v1.Step, len(s.Branches))
			for j, b := range s.Branches {
				branches[j] = cloneStepsWithSuffix(b, suffix)
			}
			s.Branches = branches
		}
		s.Then = cloneStepsWithSuffix(s.Then, suffix)
		s.Else = cloneStepsWithSuffix(s.Else, suffix)
		s.Body = cloneStepsWithSuffix(s.Body, suffix)
		out[i] = s
	}
	return out
}

// --- run helpers ---

// vars returns a merged view of the instance variables and the scope
// overlay; the overlay wins.
func (r *run) vars(scope map[string]interface{}) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]interface{}, len(r.inst.Variables)+len(scope))
	for k, v := range r.inst.Variables {
		out[k] = v
	}
	for k, v := range scope {
		out[k] = v
	}
	return out
}

func (e *Engine) stepStatus(r *run, key string) v1.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if si, ok := r.inst.Steps[key]; ok {
		return si.Status
	}
	return v1.StepStatusPending
}

// setStep mutates a step instance under the run lock and persists the
// snapshot. Unknown keys are created (foreach iterations).
func (e *Engine) setStep(r *run, key string, mutate func(si *v1.StepInstance)) {
	r.mu.Lock()
	si, ok := r.inst.Steps[key]
	if !ok {
		si = &v1.StepInstance{StepID: key, Status: v1.StepStatusPending}
		r.inst.Steps[key] = si
	}
	mutate(si)
	snapshot := cloneInstance(r.inst)
	r.mu.Unlock()

	if err := e.store.SaveWorkflowInstance(context.Background(), snapshot); err != nil {
		e.log.WithInstanceID(r.inst.ID).Error("Failed to persist step transition",
			zap.String("step_id", key),
			zap.Error(err))
	}
}

// markStep applies a terminal step status and publishes the corresponding
// event after the durable write.
func (e *Engine) markStep(r *run, key string, status v1.StepStatus, output interface{}, stepErr error) {
	now := time.Now().UTC()
	e.setStep(r, key, func(si *v1.StepInstance) {
		si.Status = status
		si.CompletedAt = &now
		if output != nil {
			si.Output = output
		}
		if stepErr != nil {
			si.Error = stepErr.Error()
		}
	})

	var subject string
	switch status {
	case v1.StepStatusCompleted:
		subject = events.SubjectStepCompleted
	case v1.StepStatusFailed:
		subject = events.SubjectStepFailed
	case v1.StepStatusSkipped:
		subject = events.SubjectStepSkipped
	default:
		return
	}
	data := map[string]interface{}{
		"instance_id": r.inst.ID,
		"step_id":     key,
	}
	if stepErr != nil {
		data["error"] = stepErr.Error()
	}
	e.publish(subject, data)
}
