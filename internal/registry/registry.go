// Package registry maintains the authoritative live set of agents: who is
// reachable right now, over which session, and in what lifecycle status.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/common/config"
	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/events"
	"github.com/orbitmesh/orbitmesh/internal/events/bus"
	"github.com/orbitmesh/orbitmesh/internal/session"
	"github.com/orbitmesh/orbitmesh/internal/store"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// JobSink receives job-related frames and agent availability changes. The
// dispatcher implements it; the registry holds no reference to dispatcher
// internals beyond this interface.
type JobSink interface {
	HandleAck(agentID string, p *session.AckRejectPayload)
	HandleStart(agentID string, p *session.StartPayload)
	HandleProgress(agentID string, p *session.ProgressPayload)
	HandleResult(agentID string, p *session.ResultPayload)
	HandleError(agentID string, p *session.ErrorPayload)
	HandleStream(agentID string, p *session.StreamItemPayload)

	// AgentLost requeues the agent's inflight jobs after its session died.
	AgentLost(agentID string)

	// AgentResumed re-delivers inflight jobs after a reconnect, keyed by
	// (agentId, jobId, attempt). No new assignment events are published.
	AgentResumed(agentID string)
}

// AgentView is a read-only snapshot used by the scheduler for selection.
type AgentView struct {
	Agent                     *v1.Agent
	ActiveAssignments         int
	LastAssignmentCompletedAt time.Time
}

type entry struct {
	agent         *v1.Agent
	sess          *session.Session
	resumeToken   string
	active        int
	lastCompleted time.Time
}

// Registry is the live agent table. It exclusively owns mutations to
// Agent.status, lastHeartbeat and activeConnectionId; every transition is
// persisted before its event is published.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	store   store.Store
	pub     *events.Publisher
	sink    JobSink
	cfg     config.SessionConfig
	log     *logger.Logger
	stopped chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	serverI string
}

// New creates a Registry. SetSink must be called before the first agent
// connects.
func New(st store.Store, eventBus bus.EventBus, cfg config.SessionConfig, serverID string, log *logger.Logger) *Registry {
	return &Registry{
		agents:  make(map[string]*entry),
		store:   st,
		pub:     events.NewPublisher(eventBus, "registry"),
		cfg:     cfg,
		log:     log,
		stopped: make(chan struct{}),
		serverI: serverID,
	}
}

// SetSink wires the dispatcher in. Separate from New because registry and
// dispatcher reference each other through interfaces.
func (r *Registry) SetSink(sink JobSink) {
	r.sink = sink
}

// Start loads persisted agents (all marked Disconnected; no session survives
// a restart) and begins the heartbeat monitor.
func (r *Registry) Start(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return apperrors.Wrap(err, "failed to load persisted agents")
	}
	r.mu.Lock()
	for _, a := range agents {
		if a.Status.Reachable() {
			a.Status = v1.AgentStatusDisconnected
			a.ActiveConnectionID = ""
		}
		r.agents[a.ID] = &entry{agent: a}
	}
	r.mu.Unlock()

	for _, a := range agents {
		if a.Status == v1.AgentStatusDisconnected {
			if err := r.store.SaveAgent(ctx, a); err != nil {
				return apperrors.Wrap(err, "failed to persist agent snapshot")
			}
		}
	}

	r.wg.Add(1)
	go r.monitorHeartbeats()

	r.log.Info("Agent registry started", zap.Int("known_agents", len(agents)))
	return nil
}

// Stop closes all live sessions and stops the monitor.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stopped) })

	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.agents))
	for _, e := range r.agents {
		if e.sess != nil {
			sessions = append(sessions, e.sess)
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(nil)
	}
	r.wg.Wait()
	r.log.Info("Agent registry stopped")
}

// Connect admits an authenticated session. Implements session.Connector.
func (r *Registry) Connect(identity *v1.AgentIdentity, hello *session.HelloPayload, sess *session.Session) (*session.WelcomePayload, error) {
	ctx := context.Background()
	now := time.Now().UTC()

	r.mu.Lock()
	e, known := r.agents[identity.AgentID]
	if !known {
		e = &entry{agent: &v1.Agent{
			ID:        identity.AgentID,
			CreatedAt: now,
		}}
		r.agents[identity.AgentID] = e
	}

	resumed := known && hello.ResumeToken != "" && hello.ResumeToken == e.resumeToken

	// Atomically replace a superseded session; the old one gets a drain
	// grace window before it is forced closed.
	if old := e.sess; old != nil && old != sess {
		go func(old *session.Session) {
			t := time.NewTimer(r.cfg.DrainTimeout)
			defer t.Stop()
			select {
			case <-old.Done():
			case <-t.C:
			}
			old.Close(nil)
		}(old)
	}

	e.sess = sess
	if !resumed {
		e.resumeToken = uuid.New().String()
	}
	e.agent.Name = identity.Name
	e.agent.Group = identity.Group
	e.agent.Capabilities = identity.Capabilities
	e.agent.Status = v1.AgentStatusInitializing
	e.agent.ActiveConnectionID = sess.ID
	e.agent.RemoteAddr = sess.RemoteAddr
	e.agent.LastHeartbeat = now
	agentCopy := *e.agent
	resumeToken := e.resumeToken
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, &agentCopy); err != nil {
		r.mu.Lock()
		if e.sess == sess {
			e.sess = nil
			e.agent.Status = v1.AgentStatusDisconnected
			e.agent.ActiveConnectionID = ""
		}
		r.mu.Unlock()
		return nil, apperrors.Unavailable("failed to persist agent", err)
	}

	r.publish(ctx, events.SubjectAgentConnected, map[string]interface{}{
		"agent_id":      identity.AgentID,
		"connection_id": sess.ID,
		"resumed":       resumed,
	})

	r.transition(ctx, identity.AgentID, v1.AgentStatusReady, events.SubjectAgentReady, nil)

	if r.sink != nil {
		if resumed {
			r.sink.AgentResumed(identity.AgentID)
		} else if known {
			// A fresh session from a known agent: anything still marked
			// inflight from the previous session must be re-delivered too.
			r.sink.AgentResumed(identity.AgentID)
		}
	}

	r.log.WithAgentID(identity.AgentID).Info("Agent connected",
		zap.String("connection_id", sess.ID),
		zap.Bool("resumed", resumed))

	return &session.WelcomePayload{
		ConnectionID:      sess.ID,
		ServerID:          r.serverI,
		HeartbeatInterval: r.cfg.HeartbeatInterval,
		ResumeToken:       resumeToken,
		ServerTime:        now,
	}, nil
}

// HandleFrame routes an inbound frame. Implements session.FrameHandler.
func (r *Registry) HandleFrame(sess *session.Session, frame *session.Frame) error {
	switch frame.Kind {
	case session.KindHeartbeat:
		var p session.HeartbeatPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		r.recordHeartbeat(sess.AgentID, &p)
		return nil
	case session.KindAckReject:
		var p session.AckRejectPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		r.sink.HandleAck(sess.AgentID, &p)
		return nil
	case session.KindStart:
		var p session.StartPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		r.sink.HandleStart(sess.AgentID, &p)
		return nil
	case session.KindProgress:
		var p session.ProgressPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		r.sink.HandleProgress(sess.AgentID, &p)
		return nil
	case session.KindResult:
		var p session.ResultPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		r.sink.HandleResult(sess.AgentID, &p)
		return nil
	case session.KindError:
		var p session.ErrorPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		r.sink.HandleError(sess.AgentID, &p)
		return nil
	case session.KindStreamItem:
		var p session.StreamItemPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		r.sink.HandleStream(sess.AgentID, &p)
		return nil
	default:
		return apperrors.InvalidArgumentf("unexpected frame kind %s", frame.Kind)
	}
}

// SessionClosed handles session death. Implements session.FrameHandler.
func (r *Registry) SessionClosed(sess *session.Session, err error) {
	ctx := context.Background()

	r.mu.Lock()
	e, ok := r.agents[sess.AgentID]
	if !ok || e.sess != sess {
		// A superseded session closing; the replacement owns the agent now.
		r.mu.Unlock()
		return
	}
	e.sess = nil
	r.mu.Unlock()

	r.log.WithAgentID(sess.AgentID).Info("Agent session closed",
		zap.String("connection_id", sess.ID),
		zap.Error(err))

	r.transition(ctx, sess.AgentID, v1.AgentStatusDisconnected, events.SubjectAgentDisconnected, nil)

	if r.sink != nil {
		r.sink.AgentLost(sess.AgentID)
	}
}

func (r *Registry) recordHeartbeat(agentID string, p *session.HeartbeatPayload) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if ok {
		e.agent.LastHeartbeat = time.Now().UTC()
		e.agent.CPUPercent = p.CPUPercent
		e.agent.MemPercent = p.MemPercent
	}
	r.mu.Unlock()
}

// monitorHeartbeats declares sessions dead when no frame has arrived within
// the heartbeat timeout. The session read deadline normally fires first;
// this sweep is the backstop.
func (r *Registry) monitorHeartbeats() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopped:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout)
			r.mu.RLock()
			var dead []*session.Session
			for _, e := range r.agents {
				if e.sess != nil && e.sess.LastSeen().Before(cutoff) {
					dead = append(dead, e.sess)
				}
			}
			r.mu.RUnlock()
			for _, s := range dead {
				r.log.WithAgentID(s.AgentID).Warn("Heartbeat timeout, closing session",
					zap.String("connection_id", s.ID))
				s.Close(apperrors.Timeout("heartbeat timeout"))
			}
		}
	}
}

// Send delivers a frame to the agent's live session.
func (r *Registry) Send(agentID string, frame *session.Frame) error {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	var sess *session.Session
	if ok {
		sess = e.sess
	}
	r.mu.RUnlock()

	if sess == nil {
		return apperrors.Unavailable("agent has no live session", nil)
	}
	return sess.Send(frame)
}

// Get returns a snapshot of the agent.
func (r *Registry) Get(agentID string) (*v1.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	a := *e.agent
	a.ActiveJobs = e.active
	return &a, nil
}

// List returns snapshots of all known agents.
func (r *Registry) List() []*v1.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*v1.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		a := *e.agent
		a.ActiveJobs = e.active
		out = append(out, &a)
	}
	return out
}

// Candidates returns selection views of agents that currently hold a live
// session. The scheduler applies its own status and capacity filters.
func (r *Registry) Candidates() []*AgentView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentView, 0, len(r.agents))
	for _, e := range r.agents {
		if e.sess == nil {
			continue
		}
		a := *e.agent
		a.ActiveJobs = e.active
		out = append(out, &AgentView{
			Agent:                     &a,
			ActiveAssignments:         e.active,
			LastAssignmentCompletedAt: e.lastCompleted,
		})
	}
	return out
}

// NoteAssigned records a new active assignment; a Ready agent with work
// becomes Running.
func (r *Registry) NoteAssigned(ctx context.Context, agentID string) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.active++
	promote := e.agent.Status == v1.AgentStatusReady
	r.mu.Unlock()

	if promote {
		r.transition(ctx, agentID, v1.AgentStatusRunning, "", nil)
	}
}

// NoteCompleted records that an assignment reached a terminal status. A
// drained Running agent returns to Ready; a drained Stopping agent becomes
// Stopped.
func (r *Registry) NoteCompleted(ctx context.Context, agentID string) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.active > 0 {
		e.active--
	}
	e.lastCompleted = time.Now().UTC()
	drained := e.active == 0
	status := e.agent.Status
	r.mu.Unlock()

	if !drained {
		return
	}
	switch status {
	case v1.AgentStatusRunning:
		r.transition(ctx, agentID, v1.AgentStatusReady, events.SubjectAgentReady, nil)
	case v1.AgentStatusStopping:
		r.transition(ctx, agentID, v1.AgentStatusStopped, events.SubjectAgentStopped, nil)
	}
}

// Pause excludes the agent from selection; inflight work continues.
func (r *Registry) Pause(ctx context.Context, agentID string) error {
	return r.commandTransition(ctx, agentID, v1.AgentStatusPaused, events.SubjectAgentPaused,
		v1.AgentStatusReady, v1.AgentStatusRunning)
}

// Resume returns a paused or stopped agent to selection.
func (r *Registry) Resume(ctx context.Context, agentID string) error {
	return r.commandTransition(ctx, agentID, v1.AgentStatusReady, events.SubjectAgentResumed,
		v1.AgentStatusPaused, v1.AgentStatusStopped)
}

// Drain stops the agent gracefully: no new work, inflight continues; the
// agent becomes Stopped once its last inflight job terminates.
func (r *Registry) Drain(ctx context.Context, agentID string) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	status := e.agent.Status
	drained := e.active == 0
	r.mu.Unlock()

	switch status {
	case v1.AgentStatusReady, v1.AgentStatusRunning:
	default:
		return apperrors.Conflictf("cannot stop agent in status %s", status)
	}

	r.transition(ctx, agentID, v1.AgentStatusStopping, events.SubjectAgentStopping, nil)
	if drained {
		r.transition(ctx, agentID, v1.AgentStatusStopped, events.SubjectAgentStopped, nil)
	}
	return nil
}

// Remove deletes the agent entirely, closing any live session first.
func (r *Registry) Remove(ctx context.Context, agentID string) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	if e.active > 0 {
		r.mu.Unlock()
		return apperrors.Conflictf("agent %s has %d inflight jobs", agentID, e.active)
	}
	sess := e.sess
	delete(r.agents, agentID)
	r.mu.Unlock()

	if sess != nil {
		sess.Close(nil)
	}
	if err := r.store.DeleteAgent(ctx, agentID); err != nil && apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		return err
	}
	r.publish(ctx, events.SubjectAgentRemoved, map[string]interface{}{"agent_id": agentID})
	r.log.WithAgentID(agentID).Info("Agent removed")
	return nil
}

// UpdateCapabilities replaces the agent's advertised capability set.
func (r *Registry) UpdateCapabilities(ctx context.Context, agentID string, caps []v1.Capability) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	e.agent.Capabilities = caps
	agentCopy := *e.agent
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, &agentCopy); err != nil {
		return apperrors.Unavailable("failed to persist agent", err)
	}
	r.publish(ctx, events.SubjectAgentCapabilities, map[string]interface{}{"agent_id": agentID})
	return nil
}

// commandTransition applies an operator-driven transition guarded by the
// allowed source statuses.
func (r *Registry) commandTransition(ctx context.Context, agentID string, to v1.AgentStatus, subject string, from ...v1.AgentStatus) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	allowed := false
	for _, f := range from {
		if e.agent.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		status := e.agent.Status
		r.mu.Unlock()
		return apperrors.Conflictf("cannot transition agent from %s to %s", status, to)
	}
	r.mu.Unlock()

	r.transition(ctx, agentID, to, subject, nil)
	return nil
}

// transition applies a status change, persists the snapshot and publishes
// the event. Persist failures are logged; the in-memory status remains the
// source of truth for liveness.
func (r *Registry) transition(ctx context.Context, agentID string, to v1.AgentStatus, subject string, extra map[string]interface{}) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	from := e.agent.Status
	e.agent.Status = to
	if !to.Reachable() {
		e.agent.ActiveConnectionID = ""
	}
	agentCopy := *e.agent
	r.mu.Unlock()

	if from == to {
		return
	}

	if err := r.store.SaveAgent(ctx, &agentCopy); err != nil {
		r.log.WithAgentID(agentID).Error("Failed to persist agent transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
	}

	if subject == "" {
		return
	}
	data := map[string]interface{}{
		"agent_id": agentID,
		"from":     string(from),
		"to":       string(to),
	}
	for k, v := range extra {
		data[k] = v
	}
	r.publish(ctx, subject, data)
}

func (r *Registry) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if err := r.pub.Publish(ctx, subject, data); err != nil {
		r.log.Error("Failed to publish registry event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
