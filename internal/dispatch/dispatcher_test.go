package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/common/config"
	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/events/bus"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/session"
	"github.com/orbitmesh/orbitmesh/internal/store"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type sentFrame struct {
	agentID string
	frame   *session.Frame
}

// fakePool is an in-memory AgentPool. Sent frames land on a channel so
// tests can drive the agent side of the protocol.
type fakePool struct {
	mu        sync.Mutex
	views     []*registry.AgentView
	sendErr   error
	delivered chan sentFrame
}

func newFakePool(views ...*registry.AgentView) *fakePool {
	return &fakePool{views: views, delivered: make(chan sentFrame, 64)}
}

func (p *fakePool) Candidates() []*registry.AgentView {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*registry.AgentView, len(p.views))
	copy(out, p.views)
	return out
}

func (p *fakePool) Send(agentID string, frame *session.Frame) error {
	p.mu.Lock()
	err := p.sendErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.delivered <- sentFrame{agentID: agentID, frame: frame}
	return nil
}

func (p *fakePool) NoteAssigned(_ context.Context, agentID string) {
	p.adjust(agentID, 1)
}

func (p *fakePool) NoteCompleted(_ context.Context, agentID string) {
	p.adjust(agentID, -1)
}

func (p *fakePool) adjust(agentID string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.views {
		if v.Agent.ID == agentID {
			v.ActiveAssignments += delta
			if v.ActiveAssignments < 0 {
				v.ActiveAssignments = 0
			}
		}
	}
}

// next waits for the next frame of the given kind, skipping others.
func (p *fakePool) next(t *testing.T, kind session.FrameKind) sentFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sf := <-p.delivered:
			if sf.frame.Kind == kind {
				return sf
			}
		case <-deadline:
			t.Fatalf("no %s frame delivered", kind)
		}
	}
}

func testDispatcherConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		AckTimeout:        time.Minute,
		CancelTimeout:     50 * time.Millisecond,
		DefaultMaxRetries: 3,
		BackoffBase:       5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
		QueueMaxSize:      100,
		AgentCapacity:     4,
	}
}

func newTestDispatcher(t *testing.T, pool *fakePool, cfg config.DispatcherConfig) (*Dispatcher, store.Store) {
	t.Helper()
	log := testLogger(t)
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	d := New(st, pool, eventBus, cfg, log)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d, st
}

func waitStatus(t *testing.T, st store.Store, jobID string, want v1.JobStatus) *v1.Job {
	t.Helper()
	var job *v1.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = st.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func TestSubmitValidation(t *testing.T) {
	d, _ := newTestDispatcher(t, newFakePool(), testDispatcherConfig())
	ctx := context.Background()

	_, err := d.Submit(ctx, &v1.JobRequest{})
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.CodeOf(err))

	_, err = d.Submit(ctx, &v1.JobRequest{Command: "deploy", Priority: 99})
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.CodeOf(err))

	_, err = d.Submit(ctx, &v1.JobRequest{Command: "deploy", Pattern: "[bad"})
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.CodeOf(err))
}

func TestSubmitDefaults(t *testing.T) {
	d, _ := newTestDispatcher(t, newFakePool(), testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, v1.DefaultPriority, job.Priority)
	assert.Equal(t, 3, job.MaxRetries)
	assert.NotEmpty(t, job.IdempotencyKey)
	assert.Equal(t, v1.JobStatusPending, job.Status)
}

func TestDispatchHappyPath(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	d, st := newTestDispatcher(t, pool, testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy", Payload: []byte(`{"v":1}`)})
	require.NoError(t, err)

	sf := pool.next(t, session.KindDeliver)
	assert.Equal(t, "a1", sf.agentID)
	var deliver session.DeliverPayload
	require.NoError(t, sf.frame.Decode(&deliver))
	assert.Equal(t, job.ID, deliver.JobID)
	assert.Equal(t, "deploy", deliver.Command)
	assert.Equal(t, 1, deliver.Attempt)
	waitStatus(t, st, job.ID, v1.JobStatusAssigned)

	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: true})
	waitStatus(t, st, job.ID, v1.JobStatusAcknowledged)

	d.HandleStart("a1", &session.StartPayload{JobID: job.ID})
	waitStatus(t, st, job.ID, v1.JobStatusRunning)

	d.HandleProgress("a1", &session.ProgressPayload{JobID: job.ID, Percent: 50, Message: "halfway"})
	require.Eventually(t, func() bool {
		got, err := st.GetJob(context.Background(), job.ID)
		return err == nil && got.LastProgress != nil && got.LastProgress.Percent == 50
	}, time.Second, 5*time.Millisecond)

	d.HandleResult("a1", &session.ResultPayload{JobID: job.ID, Result: []byte(`"ok"`)})
	done := waitStatus(t, st, job.ID, v1.JobStatusCompleted)
	assert.Equal(t, []byte(`"ok"`), done.Result)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.Error)
}

func TestDispatchSelectsByPattern(t *testing.T) {
	pool := newFakePool(
		view("a1", "builder-1", "ci", v1.AgentStatusReady, 0, time.Time{}),
		view("a2", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}),
	)
	d, _ := newTestDispatcher(t, pool, testDispatcherConfig())

	_, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy", Pattern: "group:prod worker-*"})
	require.NoError(t, err)

	sf := pool.next(t, session.KindDeliver)
	assert.Equal(t, "a2", sf.agentID)
}

func TestDispatchPrefersLeastLoaded(t *testing.T) {
	pool := newFakePool(
		view("a1", "worker-1", "prod", v1.AgentStatusRunning, 2, time.Time{}),
		view("a2", "worker-2", "prod", v1.AgentStatusReady, 0, time.Time{}),
	)
	d, _ := newTestDispatcher(t, pool, testDispatcherConfig())

	_, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)

	sf := pool.next(t, session.KindDeliver)
	assert.Equal(t, "a2", sf.agentID)
}

func TestRejectRequeuesAndRedelivers(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	d, st := newTestDispatcher(t, pool, testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)
	pool.next(t, session.KindDeliver)

	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: false, Reason: "busy"})

	// The rejection counts an attempt and the only agent is skipped for
	// one round, then picked again.
	sf := pool.next(t, session.KindDeliver)
	assert.Equal(t, "a1", sf.agentID)
	var deliver session.DeliverPayload
	require.NoError(t, sf.frame.Decode(&deliver))
	assert.Equal(t, 2, deliver.Attempt)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRejectBeyondRetryLimitFails(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	cfg := testDispatcherConfig()
	cfg.DefaultMaxRetries = 0
	d, st := newTestDispatcher(t, pool, cfg)

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)
	pool.next(t, session.KindDeliver)

	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: false, Reason: "busy"})

	got := waitStatus(t, st, job.ID, v1.JobStatusFailed)
	require.NotNil(t, got.Error)
	assert.Equal(t, "rejected", got.Error.Code)
}

func TestRetryableErrorBacksOffThenSucceeds(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	d, st := newTestDispatcher(t, pool, testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)

	runAttempt := func(fail bool) {
		sf := pool.next(t, session.KindDeliver)
		d.HandleAck(sf.agentID, &session.AckRejectPayload{JobID: job.ID, Accepted: true})
		waitStatus(t, st, job.ID, v1.JobStatusAcknowledged)
		d.HandleStart(sf.agentID, &session.StartPayload{JobID: job.ID})
		waitStatus(t, st, job.ID, v1.JobStatusRunning)
		if fail {
			d.HandleError(sf.agentID, &session.ErrorPayload{JobID: job.ID, Code: "flaky", Message: "transient", Retryable: true})
		} else {
			d.HandleResult(sf.agentID, &session.ResultPayload{JobID: job.ID, Result: []byte(`"ok"`)})
		}
	}

	runAttempt(true)
	runAttempt(true)
	runAttempt(false)

	done := waitStatus(t, st, job.ID, v1.JobStatusCompleted)
	assert.Equal(t, 2, done.RetryCount)
	assert.Nil(t, done.NotBefore)
}

func TestNonRetryableErrorFails(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	d, st := newTestDispatcher(t, pool, testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)

	pool.next(t, session.KindDeliver)
	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: true})
	d.HandleStart("a1", &session.StartPayload{JobID: job.ID})
	waitStatus(t, st, job.ID, v1.JobStatusRunning)
	d.HandleError("a1", &session.ErrorPayload{JobID: job.ID, Code: "boom", Message: "bad input", Retryable: false})

	got := waitStatus(t, st, job.ID, v1.JobStatusFailed)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", got.Error.Code)
	assert.Equal(t, 0, got.RetryCount)
}

func TestTimeoutRequeuesThenExpires(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	cfg := testDispatcherConfig()
	cfg.DefaultMaxRetries = 1
	d, st := newTestDispatcher(t, pool, cfg)

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy", Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	// First attempt: accept, start, then go silent until the timeout.
	pool.next(t, session.KindDeliver)
	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: true})
	d.HandleStart("a1", &session.StartPayload{JobID: job.ID})
	pool.next(t, session.KindCancel)

	// Second attempt times out too and exhausts the limit.
	sf := pool.next(t, session.KindDeliver)
	var deliver session.DeliverPayload
	require.NoError(t, sf.frame.Decode(&deliver))
	assert.Equal(t, 2, deliver.Attempt)
	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: true})
	d.HandleStart("a1", &session.StartPayload{JobID: job.ID})

	got := waitStatus(t, st, job.ID, v1.JobStatusTimedOut)
	assert.Equal(t, 2, got.TimeoutCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, "timeout", got.Error.Code)
}

func TestAckTimeoutRequeuesWithoutCountingRetry(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	cfg := testDispatcherConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	d, st := newTestDispatcher(t, pool, cfg)

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)

	// Never ack: the job comes back around with the same attempt counter.
	pool.next(t, session.KindDeliver)
	pool.next(t, session.KindDeliver)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 0, got.TimeoutCount)
}

func TestCancelPendingJob(t *testing.T) {
	d, st := newTestDispatcher(t, newFakePool(), testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(context.Background(), job.ID, "not needed"))
	got := waitStatus(t, st, job.ID, v1.JobStatusCancelled)
	require.NotNil(t, got.Error)
	assert.Equal(t, "not needed", got.Error.Message)
}

func TestCancelRunningJob(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	d, st := newTestDispatcher(t, pool, testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)
	pool.next(t, session.KindDeliver)
	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: true})
	d.HandleStart("a1", &session.StartPayload{JobID: job.ID})
	waitStatus(t, st, job.ID, v1.JobStatusRunning)

	require.NoError(t, d.Cancel(context.Background(), job.ID, "operator"))

	sf := pool.next(t, session.KindCancel)
	var cancel session.CancelPayload
	require.NoError(t, sf.frame.Decode(&cancel))
	assert.Equal(t, job.ID, cancel.JobID)

	d.HandleError("a1", &session.ErrorPayload{JobID: job.ID, Code: "cancelled", Message: "stopped"})
	waitStatus(t, st, job.ID, v1.JobStatusCancelled)
}

func TestCancelUnresponsiveAgentForcesCancel(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	d, st := newTestDispatcher(t, pool, testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)
	pool.next(t, session.KindDeliver)
	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: true})
	waitStatus(t, st, job.ID, v1.JobStatusAcknowledged)

	// The agent never confirms; the cancel timeout finishes the job.
	require.NoError(t, d.Cancel(context.Background(), job.ID, ""))
	waitStatus(t, st, job.ID, v1.JobStatusCancelled)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	d, st := newTestDispatcher(t, newFakePool(), testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)
	require.NoError(t, d.Cancel(context.Background(), job.ID, ""))
	waitStatus(t, st, job.ID, v1.JobStatusCancelled)

	err = d.Cancel(context.Background(), job.ID, "")
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
}

func TestRetryRequiresTerminalStatus(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	d, st := newTestDispatcher(t, pool, testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)

	err = d.Retry(context.Background(), job.ID)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))

	pool.next(t, session.KindDeliver)
	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: true})
	d.HandleStart("a1", &session.StartPayload{JobID: job.ID})
	waitStatus(t, st, job.ID, v1.JobStatusRunning)
	d.HandleError("a1", &session.ErrorPayload{JobID: job.ID, Code: "boom", Retryable: false})
	waitStatus(t, st, job.ID, v1.JobStatusFailed)

	require.NoError(t, d.Retry(context.Background(), job.ID))
	sf := pool.next(t, session.KindDeliver)
	assert.Equal(t, "a1", sf.agentID)
}

func TestAgentLostRequeuesAssignedWork(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	d, st := newTestDispatcher(t, pool, testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)
	pool.next(t, session.KindDeliver)
	waitStatus(t, st, job.ID, v1.JobStatusAssigned)

	d.AgentLost("a1")

	// The lost agent counts an attempt and the job is redelivered.
	sf := pool.next(t, session.KindDeliver)
	var deliver session.DeliverPayload
	require.NoError(t, sf.frame.Decode(&deliver))
	assert.Equal(t, 2, deliver.Attempt)
}

func TestAgentResumedReplaysInflight(t *testing.T) {
	pool := newFakePool(view("a1", "worker-1", "prod", v1.AgentStatusReady, 0, time.Time{}))
	d, st := newTestDispatcher(t, pool, testDispatcherConfig())

	job, err := d.Submit(context.Background(), &v1.JobRequest{Command: "deploy"})
	require.NoError(t, err)
	first := pool.next(t, session.KindDeliver)
	d.HandleAck("a1", &session.AckRejectPayload{JobID: job.ID, Accepted: true})
	waitStatus(t, st, job.ID, v1.JobStatusAcknowledged)

	d.AgentResumed("a1")

	replay := pool.next(t, session.KindDeliver)
	var a, b session.DeliverPayload
	require.NoError(t, first.frame.Decode(&a))
	require.NoError(t, replay.frame.Decode(&b))
	assert.Equal(t, a.JobID, b.JobID)
	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.Equal(t, a.Attempt, b.Attempt)
}
