package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/common/config"
	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/events"
	"github.com/orbitmesh/orbitmesh/internal/events/bus"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/session"
	"github.com/orbitmesh/orbitmesh/internal/store"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// AgentPool is the view of the registry the dispatcher needs: selection
// candidates, frame delivery, and assignment accounting.
type AgentPool interface {
	Candidates() []*registry.AgentView
	Send(agentID string, frame *session.Frame) error
	NoteAssigned(ctx context.Context, agentID string)
	NoteCompleted(ctx context.Context, agentID string)
}

// Dispatcher owns the job lifecycle. All transitions for one job are
// serialized through a per-job mailbox; the scheduler wakes on submissions,
// agent availability events and backoff gates rather than polling.
type Dispatcher struct {
	store store.Store
	pool  AgentPool
	pub   *events.Publisher
	bus   bus.EventBus
	cfg   config.DispatcherConfig
	log   *logger.Logger

	mb *mailboxes

	mu         sync.Mutex
	queue      *readyQueue
	blacklist  map[string]map[string]bool // jobID -> agentID, cleared after one selection round
	ackTimers  map[string]*time.Timer
	jobTimers  map[string]*time.Timer // per-job execution timeout
	cancelling map[string]string      // jobID -> reason, cancel in flight

	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	subs    []bus.Subscription
}

// New creates a Dispatcher.
func New(st store.Store, pool AgentPool, eventBus bus.EventBus, cfg config.DispatcherConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:      st,
		pool:       pool,
		pub:        events.NewPublisher(eventBus, "dispatcher"),
		bus:        eventBus,
		cfg:        cfg,
		log:        log,
		mb:         newMailboxes(),
		queue:      newReadyQueue(cfg.QueueMaxSize),
		blacklist:  make(map[string]map[string]bool),
		ackTimers:  make(map[string]*time.Timer),
		jobTimers:  make(map[string]*time.Timer),
		cancelling: make(map[string]string),
		wake:       make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
}

// Start recovers queued work from the store and begins scheduling. Jobs
// found Assigned or Acknowledged with no live session are returned to
// Pending; Running jobs keep running until their timeout.
func (d *Dispatcher) Start(ctx context.Context) error {
	jobs, err := d.store.ListJobsByStatus(ctx, v1.JobStatusPending, v1.JobStatusAssigned, v1.JobStatusAcknowledged, v1.JobStatusRunning)
	if err != nil {
		return apperrors.Wrap(err, "failed to recover jobs")
	}
	for _, job := range jobs {
		switch job.Status {
		case v1.JobStatusPending:
			d.enqueue(job)
		case v1.JobStatusAssigned, v1.JobStatusAcknowledged:
			// No session survives a restart.
			job.Status = v1.JobStatusPending
			job.AssignedAgentID = ""
			job.AssignedAt = nil
			if err := d.store.UpdateJob(ctx, job); err != nil {
				return apperrors.Wrap(err, "failed to requeue recovered job")
			}
			d.enqueue(job)
		case v1.JobStatusRunning:
			d.armJobTimeout(job)
		}
	}

	for _, subject := range []string{
		events.SubjectAgentReady,
		events.SubjectAgentCapabilities,
		events.SubjectJobCompleted,
		events.SubjectJobFailed,
		events.SubjectJobCancelled,
		events.SubjectJobTimedOut,
	} {
		sub, err := d.bus.Subscribe(subject, func(context.Context, *bus.Event) error {
			d.kick()
			return nil
		})
		if err != nil {
			return apperrors.Wrap(err, "failed to subscribe dispatcher")
		}
		d.subs = append(d.subs, sub)
	}

	d.wg.Add(1)
	go d.run()

	d.log.Info("Dispatcher started", zap.Int("recovered_jobs", len(jobs)))
	return nil
}

// Stop refuses new work and stops the scheduler. Inflight jobs stay in the
// store and are recovered on the next start.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stopped) })
	for _, sub := range d.subs {
		_ = sub.Unsubscribe()
	}
	d.mu.Lock()
	for _, t := range d.ackTimers {
		t.Stop()
	}
	for _, t := range d.jobTimers {
		t.Stop()
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.log.Info("Dispatcher stopped")
}

// Submit validates and durably records a new job, then queues it.
func (d *Dispatcher) Submit(ctx context.Context, req *v1.JobRequest) (*v1.Job, error) {
	select {
	case <-d.stopped:
		return nil, apperrors.Unavailable("dispatcher is shutting down", nil)
	default:
	}

	if req.Command == "" {
		return nil, apperrors.InvalidArgument("command is required")
	}
	priority := req.Priority
	if priority == 0 {
		priority = v1.DefaultPriority
	}
	if priority < v1.MinPriority || priority > v1.MaxPriority {
		return nil, apperrors.InvalidArgumentf("priority must be between %d and %d", v1.MinPriority, v1.MaxPriority)
	}
	if err := validatePattern(req.Pattern); err != nil {
		return nil, err
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = d.cfg.DefaultMaxRetries
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}

	job := &v1.Job{
		ID:                   uuid.New().String(),
		IdempotencyKey:       key,
		Command:              req.Command,
		Pattern:              req.Pattern,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             priority,
		Payload:              req.Payload,
		TargetAgentID:        req.TargetAgentID,
		Status:               v1.JobStatusPending,
		MaxRetries:           maxRetries,
		Timeout:              req.Timeout,
		CreatedAt:            time.Now().UTC(),
	}

	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, apperrors.Wrap(err, "failed to persist job")
	}

	d.publish(events.SubjectJobSubmitted, map[string]interface{}{
		"job_id":   job.ID,
		"command":  job.Command,
		"priority": job.Priority,
	})

	if !d.enqueue(job) {
		return nil, apperrors.ResourceExhausted("ready queue is full")
	}
	d.log.WithJobID(job.ID).Info("Job submitted",
		zap.String("command", job.Command),
		zap.Int("priority", job.Priority))
	return job, nil
}

// Get returns the job by id.
func (d *Dispatcher) Get(ctx context.Context, jobID string) (*v1.Job, error) {
	return d.store.GetJob(ctx, jobID)
}

// List returns jobs matching the filter.
func (d *Dispatcher) List(ctx context.Context, filter v1.JobFilter) ([]*v1.Job, error) {
	return d.store.ListJobs(ctx, filter)
}

// Cancel requests cancellation. Pending jobs cancel immediately; active
// jobs get a Cancel frame and transition once the agent confirms or the
// cancel timeout elapses.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, reason string) error {
	result := make(chan error, 1)
	d.mb.Do(jobID, func() {
		result <- d.cancelLocked(jobID, reason)
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) cancelLocked(jobID, reason string) error {
	ctx := context.Background()
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case v1.JobStatusPending:
		d.dequeue(jobID)
		d.finalize(ctx, job, v1.JobStatusCancelled, nil, &v1.JobError{
			Code:    "cancelled",
			Message: nonEmpty(reason, "cancelled by operator"),
		}, events.SubjectJobCancelled, false)
		return nil
	case v1.JobStatusAssigned, v1.JobStatusAcknowledged, v1.JobStatusRunning:
		d.mu.Lock()
		d.cancelling[jobID] = reason
		d.mu.Unlock()

		frame, ferr := session.NewFrame(session.KindCancel, &session.CancelPayload{JobID: jobID, Reason: reason})
		if ferr == nil {
			// Best effort; the timeout below is the backstop.
			_ = d.pool.Send(job.AssignedAgentID, frame)
		}
		timer := time.AfterFunc(d.cfg.CancelTimeout, func() {
			d.mb.Do(jobID, func() { d.forceCancel(jobID) })
		})
		d.mu.Lock()
		d.jobTimers["cancel:"+jobID] = timer
		d.mu.Unlock()
		return nil
	default:
		return apperrors.Conflictf("cannot cancel job in status %s", job.Status)
	}
}

func (d *Dispatcher) forceCancel(jobID string) {
	ctx := context.Background()
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return
	}
	d.mu.Lock()
	reason := d.cancelling[jobID]
	d.mu.Unlock()
	if job.AssignedAgentID != "" {
		d.pool.NoteCompleted(ctx, job.AssignedAgentID)
	}
	d.finalize(ctx, job, v1.JobStatusCancelled, nil, &v1.JobError{
		Code:    "cancelled",
		Message: nonEmpty(reason, "cancelled by operator"),
	}, events.SubjectJobCancelled, false)
}

// Retry re-queues a terminal failed job. Counters are preserved so the
// attempt history stays visible; the retry limit no longer applies to an
// operator-driven retry.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) error {
	result := make(chan error, 1)
	d.mb.Do(jobID, func() {
		job, err := d.store.GetJob(context.Background(), jobID)
		if err != nil {
			result <- err
			return
		}
		switch job.Status {
		case v1.JobStatusFailed, v1.JobStatusTimedOut, v1.JobStatusCancelled:
		default:
			result <- apperrors.Conflictf("cannot retry job in status %s", job.Status)
			return
		}
		job.Status = v1.JobStatusPending
		job.AssignedAgentID = ""
		job.AssignedAt = nil
		job.StartedAt = nil
		job.CompletedAt = nil
		job.Result = nil
		job.Error = nil
		job.NotBefore = nil
		if err := d.persist(context.Background(), job); err != nil {
			result <- err
			return
		}
		d.publish(events.SubjectJobRetried, map[string]interface{}{
			"job_id":   job.ID,
			"operator": true,
		})
		d.enqueue(job)
		result <- nil
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- registry.JobSink ---

// HandleAck processes the agent's Ack/Reject response to a Deliver.
func (d *Dispatcher) HandleAck(agentID string, p *session.AckRejectPayload) {
	d.mb.Do(p.JobID, func() {
		ctx := context.Background()
		job, err := d.store.GetJob(ctx, p.JobID)
		if err != nil || job.Status != v1.JobStatusAssigned || job.AssignedAgentID != agentID {
			return
		}
		d.stopAckTimer(p.JobID)

		if p.Accepted {
			job.Status = v1.JobStatusAcknowledged
			if err := d.persist(ctx, job); err != nil {
				return
			}
			d.publish(events.SubjectJobAcknowledged, map[string]interface{}{
				"job_id":   job.ID,
				"agent_id": agentID,
			})
			return
		}

		// Reject: back to Pending, count the attempt, and skip this agent
		// for one selection round.
		d.log.WithJobID(job.ID).WithAgentID(agentID).Info("Job rejected",
			zap.String("reason", p.Reason))
		d.pool.NoteCompleted(ctx, agentID)
		d.stopJobTimer(job.ID)
		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			d.finalize(ctx, job, v1.JobStatusFailed, nil, &v1.JobError{
				Code:    "rejected",
				Message: nonEmpty(p.Reason, "rejected by agent"),
			}, events.SubjectJobFailed, false)
			return
		}
		job.Status = v1.JobStatusPending
		job.AssignedAgentID = ""
		job.AssignedAt = nil
		if err := d.persist(ctx, job); err != nil {
			return
		}
		d.blacklistAgent(job.ID, agentID)
		d.publish(events.SubjectJobRetried, map[string]interface{}{
			"job_id":      job.ID,
			"agent_id":    agentID,
			"reason":      nonEmpty(p.Reason, "rejected"),
			"retry_count": job.RetryCount,
		})
		d.enqueue(job)
	})
}

// HandleStart records the running transition.
func (d *Dispatcher) HandleStart(agentID string, p *session.StartPayload) {
	d.mb.Do(p.JobID, func() {
		ctx := context.Background()
		job, err := d.store.GetJob(ctx, p.JobID)
		if err != nil || job.Status != v1.JobStatusAcknowledged || job.AssignedAgentID != agentID {
			return
		}
		started := p.StartedAt
		if started.IsZero() {
			started = time.Now().UTC()
		}
		job.Status = v1.JobStatusRunning
		job.StartedAt = &started
		if err := d.persist(ctx, job); err != nil {
			return
		}
		d.publish(events.SubjectJobStarted, map[string]interface{}{
			"job_id":   job.ID,
			"agent_id": agentID,
		})
	})
}

// HandleProgress updates the job's last progress report.
func (d *Dispatcher) HandleProgress(agentID string, p *session.ProgressPayload) {
	d.mb.Do(p.JobID, func() {
		ctx := context.Background()
		job, err := d.store.GetJob(ctx, p.JobID)
		if err != nil || !job.Status.Active() || job.AssignedAgentID != agentID {
			return
		}
		job.LastProgress = &v1.JobProgress{
			Percent:    p.Percent,
			Message:    p.Message,
			Step:       p.Step,
			ReportedAt: time.Now().UTC(),
		}
		if err := d.store.UpdateJob(ctx, job); err != nil {
			d.log.WithJobID(job.ID).Warn("Failed to persist progress", zap.Error(err))
			return
		}
		d.publish(events.SubjectJobProgress, map[string]interface{}{
			"job_id":   job.ID,
			"agent_id": agentID,
			"percent":  p.Percent,
			"message":  p.Message,
			"step":     p.Step,
		})
	})
}

// HandleResult records successful completion.
func (d *Dispatcher) HandleResult(agentID string, p *session.ResultPayload) {
	d.mb.Do(p.JobID, func() {
		ctx := context.Background()
		job, err := d.store.GetJob(ctx, p.JobID)
		if err != nil || !job.Status.Active() || job.AssignedAgentID != agentID {
			return
		}
		d.pool.NoteCompleted(ctx, agentID)
		d.finalize(ctx, job, v1.JobStatusCompleted, p.Result, nil, events.SubjectJobCompleted, false)
	})
}

// HandleError records a failure, re-queueing retryable failures below the
// retry limit with exponential backoff.
func (d *Dispatcher) HandleError(agentID string, p *session.ErrorPayload) {
	d.mb.Do(p.JobID, func() {
		ctx := context.Background()
		job, err := d.store.GetJob(ctx, p.JobID)
		if err != nil || !job.Status.Active() || job.AssignedAgentID != agentID {
			return
		}
		d.pool.NoteCompleted(ctx, agentID)

		d.mu.Lock()
		_, cancelRequested := d.cancelling[job.ID]
		d.mu.Unlock()
		if cancelRequested && p.Code == "cancelled" {
			d.finalize(ctx, job, v1.JobStatusCancelled, nil, &v1.JobError{
				Code:    "cancelled",
				Message: nonEmpty(p.Message, "cancelled"),
			}, events.SubjectJobCancelled, false)
			return
		}

		jobErr := &v1.JobError{Code: p.Code, Message: p.Message, Retryable: p.Retryable}
		if p.Retryable && job.RetryCount < job.MaxRetries {
			d.requeueWithBackoff(ctx, job, agentID, jobErr)
			return
		}
		d.finalize(ctx, job, v1.JobStatusFailed, nil, jobErr, events.SubjectJobFailed, false)
	})
}

// HandleStream logs streamed output chunks. Stream storage is the
// consumer's concern; the dispatcher only forwards them onto the bus.
func (d *Dispatcher) HandleStream(agentID string, p *session.StreamItemPayload) {
	d.publish(events.SubjectJobProgress, map[string]interface{}{
		"job_id":       p.JobID,
		"agent_id":     agentID,
		"stream_seq":   p.Seq,
		"stream_last":  p.IsLast,
		"content_type": p.ContentType,
	})
}

// AgentLost returns the dead agent's undelivered work to the queue.
// Running jobs are left alone; their execution timeout is the arbiter.
func (d *Dispatcher) AgentLost(agentID string) {
	ctx := context.Background()
	jobs, err := d.store.ListInflightJobs(ctx, agentID)
	if err != nil {
		d.log.WithAgentID(agentID).Error("Failed to list inflight jobs", zap.Error(err))
		return
	}
	for _, job := range jobs {
		job := job
		d.mb.Do(job.ID, func() {
			ctx := context.Background()
			current, err := d.store.GetJob(ctx, job.ID)
			if err != nil {
				return
			}
			switch current.Status {
			case v1.JobStatusAssigned, v1.JobStatusAcknowledged:
			default:
				return
			}
			d.stopAckTimer(current.ID)
			d.stopJobTimer(current.ID)
			d.pool.NoteCompleted(ctx, agentID)
			current.RetryCount++
			if current.RetryCount > current.MaxRetries {
				d.finalize(ctx, current, v1.JobStatusFailed, nil, &v1.JobError{
					Code:    "agent_lost",
					Message: "agent lost",
				}, events.SubjectJobFailed, false)
				return
			}
			current.Status = v1.JobStatusPending
			current.AssignedAgentID = ""
			current.AssignedAt = nil
			if err := d.persist(ctx, current); err != nil {
				return
			}
			d.publish(events.SubjectJobRetried, map[string]interface{}{
				"job_id":      current.ID,
				"agent_id":    agentID,
				"reason":      "agent lost",
				"retry_count": current.RetryCount,
			})
			d.enqueue(current)
		})
	}
}

// AgentResumed re-delivers the agent's inflight jobs after a reconnect,
// with the same attempt counter and idempotency key. No assignment events
// are re-published.
func (d *Dispatcher) AgentResumed(agentID string) {
	ctx := context.Background()
	jobs, err := d.store.ListInflightJobs(ctx, agentID)
	if err != nil {
		d.log.WithAgentID(agentID).Error("Failed to list inflight jobs", zap.Error(err))
		return
	}
	for _, job := range jobs {
		job := job
		d.mb.Do(job.ID, func() {
			current, err := d.store.GetJob(context.Background(), job.ID)
			if err != nil {
				return
			}
			switch current.Status {
			case v1.JobStatusAssigned, v1.JobStatusAcknowledged:
			default:
				return
			}
			if err := d.deliver(current); err != nil {
				d.log.WithJobID(current.ID).WithAgentID(agentID).Warn("Inflight replay failed",
					zap.Error(err))
			} else {
				d.log.WithJobID(current.ID).WithAgentID(agentID).Info("Replayed inflight job",
					zap.Int("attempt", current.Attempt()))
			}
		})
	}
}

// --- scheduler ---

func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.schedule()

		d.mu.Lock()
		gate := d.queue.NextGate(time.Now())
		d.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if gate.IsZero() {
			timer.Reset(time.Hour)
		} else {
			timer.Reset(time.Until(gate))
		}

		select {
		case <-d.stopped:
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// schedule assigns every ready job it can place in priority order. Each
// blacklist lives for exactly one selection round.
func (d *Dispatcher) schedule() {
	now := time.Now()
	d.mu.Lock()
	ready := d.queue.Ready(now)
	d.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	for _, jobID := range ready {
		jobID := jobID
		done := make(chan struct{})
		d.mb.Do(jobID, func() {
			defer close(done)
			d.tryAssign(jobID)
		})
		// Serialize assignment so per-agent load counts stay accurate
		// between consecutive picks.
		<-done
	}
}

func (d *Dispatcher) tryAssign(jobID string) {
	ctx := context.Background()
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		d.mu.Lock()
		d.queue.Remove(jobID)
		d.mu.Unlock()
		return
	}
	if job.Status != v1.JobStatusPending {
		d.mu.Lock()
		d.queue.Remove(jobID)
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	bl := d.blacklist[jobID]
	d.mu.Unlock()

	view := selectAgent(job, d.pool.Candidates(), d.cfg.AgentCapacity, bl)
	if view == nil {
		// No candidate: clear the one-round blacklist and stay Pending.
		d.mu.Lock()
		delete(d.blacklist, jobID)
		d.mu.Unlock()
		return
	}
	agentID := view.Agent.ID

	now := time.Now().UTC()
	job.Status = v1.JobStatusAssigned
	job.AssignedAgentID = agentID
	job.AssignedAt = &now
	job.NotBefore = nil
	if err := d.persist(ctx, job); err != nil {
		return
	}

	d.mu.Lock()
	d.queue.Remove(jobID)
	delete(d.blacklist, jobID)
	d.mu.Unlock()

	d.pool.NoteAssigned(ctx, agentID)
	d.publish(events.SubjectJobAssigned, map[string]interface{}{
		"job_id":   job.ID,
		"agent_id": agentID,
		"attempt":  job.Attempt(),
	})

	if err := d.deliver(job); err != nil {
		// Send failure while Assigned is agent loss in miniature: the job
		// goes straight back to Pending.
		d.log.WithJobID(job.ID).WithAgentID(agentID).Warn("Deliver failed, requeueing",
			zap.Error(err))
		d.pool.NoteCompleted(ctx, agentID)
		job.Status = v1.JobStatusPending
		job.AssignedAgentID = ""
		job.AssignedAt = nil
		if err := d.persist(ctx, job); err != nil {
			return
		}
		d.blacklistAgent(job.ID, agentID)
		d.enqueue(job)
		return
	}

	d.armAckTimer(job.ID, agentID)
	d.armJobTimeout(job)

	d.log.WithJobID(job.ID).WithAgentID(agentID).Info("Job assigned",
		zap.Int("attempt", job.Attempt()))
}

func (d *Dispatcher) deliver(job *v1.Job) error {
	frame, err := session.NewFrame(session.KindDeliver, &session.DeliverPayload{
		JobID:          job.ID,
		IdempotencyKey: job.IdempotencyKey,
		Command:        job.Command,
		Payload:        job.Payload,
		Priority:       job.Priority,
		Timeout:        job.Timeout,
		Attempt:        job.Attempt(),
	})
	if err != nil {
		return err
	}
	return d.pool.Send(job.AssignedAgentID, frame)
}

func (d *Dispatcher) armAckTimer(jobID, agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.ackTimers[jobID]; ok {
		t.Stop()
	}
	d.ackTimers[jobID] = time.AfterFunc(d.cfg.AckTimeout, func() {
		d.mb.Do(jobID, func() { d.ackTimedOut(jobID, agentID) })
	})
}

// ackTimedOut requeues a job whose Deliver was never acknowledged. The
// attempt is not counted against the retry limit; the agent never took the
// work.
func (d *Dispatcher) ackTimedOut(jobID, agentID string) {
	ctx := context.Background()
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil || job.Status != v1.JobStatusAssigned || job.AssignedAgentID != agentID {
		return
	}
	d.log.WithJobID(jobID).WithAgentID(agentID).Warn("Ack timeout, requeueing")
	d.stopJobTimer(jobID)
	d.pool.NoteCompleted(ctx, agentID)
	job.Status = v1.JobStatusPending
	job.AssignedAgentID = ""
	job.AssignedAt = nil
	if err := d.persist(ctx, job); err != nil {
		return
	}
	d.blacklistAgent(jobID, agentID)
	d.enqueue(job)
}

// armJobTimeout starts the execution timeout. It runs from assignment, so
// an agent that accepts work and then goes silent still times out.
func (d *Dispatcher) armJobTimeout(job *v1.Job) {
	if job.Timeout <= 0 {
		return
	}
	deadline := job.Timeout
	if job.StartedAt != nil {
		deadline = time.Until(job.StartedAt.Add(job.Timeout))
		if deadline <= 0 {
			deadline = time.Millisecond
		}
	}
	jobID := job.ID
	d.mu.Lock()
	if t, ok := d.jobTimers[jobID]; ok {
		t.Stop()
	}
	d.jobTimers[jobID] = time.AfterFunc(deadline, func() {
		d.mb.Do(jobID, func() { d.jobTimedOut(jobID) })
	})
	d.mu.Unlock()
}

func (d *Dispatcher) jobTimedOut(jobID string) {
	ctx := context.Background()
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil || !job.Status.Active() {
		return
	}
	agentID := job.AssignedAgentID

	// Best-effort cancel toward the agent.
	if frame, ferr := session.NewFrame(session.KindCancel, &session.CancelPayload{
		JobID: jobID, Reason: "timeout",
	}); ferr == nil {
		_ = d.pool.Send(agentID, frame)
	}

	d.stopAckTimer(jobID)
	d.pool.NoteCompleted(ctx, agentID)
	job.TimeoutCount++

	if job.TimeoutCount <= job.MaxRetries {
		d.log.WithJobID(jobID).WithAgentID(agentID).Warn("Job timed out, requeueing",
			zap.Int("timeout_count", job.TimeoutCount))
		job.Status = v1.JobStatusPending
		job.AssignedAgentID = ""
		job.AssignedAt = nil
		job.StartedAt = nil
		if err := d.persist(ctx, job); err != nil {
			return
		}
		d.publish(events.SubjectJobRetried, map[string]interface{}{
			"job_id":        jobID,
			"agent_id":      agentID,
			"reason":        "timeout",
			"timeout_count": job.TimeoutCount,
		})
		d.enqueue(job)
		return
	}

	d.finalize(ctx, job, v1.JobStatusTimedOut, nil, &v1.JobError{
		Code:    "timeout",
		Message: "job execution timed out",
	}, events.SubjectJobTimedOut, false)
}

// requeueWithBackoff counts a retryable failure and gates the job behind an
// exponential backoff: base * 2^(retryCount-1) capped, jittered +/-20%.
func (d *Dispatcher) requeueWithBackoff(ctx context.Context, job *v1.Job, agentID string, jobErr *v1.JobError) {
	d.stopAckTimer(job.ID)
	d.stopJobTimer(job.ID)

	job.RetryCount++
	delay := retryDelay(d.cfg.BackoffBase, d.cfg.BackoffMax, job.RetryCount)
	gate := time.Now().UTC().Add(delay)

	job.Status = v1.JobStatusPending
	job.AssignedAgentID = ""
	job.AssignedAt = nil
	job.StartedAt = nil
	job.NotBefore = &gate
	job.Error = nil
	if err := d.persist(ctx, job); err != nil {
		return
	}
	d.publish(events.SubjectJobRetried, map[string]interface{}{
		"job_id":      job.ID,
		"agent_id":    agentID,
		"error":       jobErr.Message,
		"error_code":  jobErr.Code,
		"retry_count": job.RetryCount,
		"backoff":     delay.String(),
	})
	d.log.WithJobID(job.ID).Info("Job requeued after retryable error",
		zap.Int("retry_count", job.RetryCount),
		zap.Duration("backoff", delay))
	d.enqueue(job)
}

// retryDelay computes the backoff for the given retry count.
func retryDelay(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	// +/-20% jitter
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}

// finalize applies a terminal transition: durable write first (retried with
// backoff until it lands), event after. Exactly one of result/error is set.
func (d *Dispatcher) finalize(ctx context.Context, job *v1.Job, status v1.JobStatus, result []byte, jobErr *v1.JobError, subject string, replayed bool) {
	d.stopAckTimer(job.ID)
	d.stopJobTimer(job.ID)
	d.mu.Lock()
	delete(d.cancelling, job.ID)
	delete(d.blacklist, job.ID)
	if t, ok := d.jobTimers["cancel:"+job.ID]; ok {
		t.Stop()
		delete(d.jobTimers, "cancel:"+job.ID)
	}
	d.mu.Unlock()

	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.Result = result
	job.Error = jobErr
	job.NotBefore = nil

	if err := d.persist(ctx, job); err != nil {
		d.log.WithJobID(job.ID).Error("Terminal transition lost", zap.Error(err))
		return
	}

	switch subject {
	case events.SubjectJobFailed, events.SubjectJobTimedOut:
		d.publish(subject, events.JobFailedData(
			job.ID, job.AssignedAgentID, jobErr.Message, jobErr.Code, job.RetryCount, false))
	default:
		d.publish(subject, map[string]interface{}{
			"job_id":   job.ID,
			"agent_id": job.AssignedAgentID,
		})
	}
	d.log.WithJobID(job.ID).Info("Job reached terminal status",
		zap.String("status", string(status)))
}

// persist writes the job durably, retrying transient store failures with
// exponential backoff. The job's in-memory mutation is only observable to
// callers after the write lands.
func (d *Dispatcher) persist(ctx context.Context, job *v1.Job) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := d.store.UpdateJob(ctx, job); err != nil {
			if apperrors.IsRetryable(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(0))
	if err != nil {
		d.log.WithJobID(job.ID).Error("Failed to persist job", zap.Error(err))
	}
	return err
}

func (d *Dispatcher) enqueue(job *v1.Job) bool {
	d.mu.Lock()
	ok := d.queue.Push(job)
	d.mu.Unlock()
	if ok {
		d.kick()
	}
	return ok
}

func (d *Dispatcher) dequeue(jobID string) {
	d.mu.Lock()
	d.queue.Remove(jobID)
	d.mu.Unlock()
}

func (d *Dispatcher) blacklistAgent(jobID, agentID string) {
	d.mu.Lock()
	if d.blacklist[jobID] == nil {
		d.blacklist[jobID] = make(map[string]bool)
	}
	d.blacklist[jobID][agentID] = true
	d.mu.Unlock()
}

func (d *Dispatcher) stopAckTimer(jobID string) {
	d.mu.Lock()
	if t, ok := d.ackTimers[jobID]; ok {
		t.Stop()
		delete(d.ackTimers, jobID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) stopJobTimer(jobID string) {
	d.mu.Lock()
	if t, ok := d.jobTimers[jobID]; ok {
		t.Stop()
		delete(d.jobTimers, jobID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) publish(subject string, data map[string]interface{}) {
	if err := d.pub.Publish(context.Background(), subject, data); err != nil {
		d.log.Error("Failed to publish dispatcher event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func validatePattern(pattern string) error {
	pattern = trimGroupPrefix(pattern)
	if pattern == "" {
		return nil
	}
	if _, err := matchPattern(pattern); err != nil {
		return apperrors.InvalidArgumentf("malformed pattern %q", pattern)
	}
	return nil
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
