package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/common/config"
	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/events/bus"
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

// nopSink satisfies JobSink and records availability callbacks.
type nopSink struct {
	mu      sync.Mutex
	lost    []string
	resumed []string
}

func (s *nopSink) HandleAck(string, *session.AckRejectPayload)     {}
func (s *nopSink) HandleStart(string, *session.StartPayload)       {}
func (s *nopSink) HandleProgress(string, *session.ProgressPayload) {}
func (s *nopSink) HandleResult(string, *session.ResultPayload)     {}
func (s *nopSink) HandleError(string, *session.ErrorPayload)       {}
func (s *nopSink) HandleStream(string, *session.StreamItemPayload) {}

func (s *nopSink) AgentLost(agentID string) {
	s.mu.Lock()
	s.lost = append(s.lost, agentID)
	s.mu.Unlock()
}

func (s *nopSink) AgentResumed(agentID string) {
	s.mu.Lock()
	s.resumed = append(s.resumed, agentID)
	s.mu.Unlock()
}

func (s *nopSink) lostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lost)
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Second,
		DrainTimeout:      100 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T, st store.Store) (*Registry, *nopSink) {
	t.Helper()
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	r := New(st, eventBus, testSessionConfig(), "server-test", log)
	sink := &nopSink{}
	r.SetSink(sink)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r, sink
}

func TestStartMarksPersistedAgentsDisconnected(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveAgent(ctx, &v1.Agent{ID: "a1", Name: "worker-1", Status: v1.AgentStatusRunning, ActiveConnectionID: "stale"}))
	require.NoError(t, st.SaveAgent(ctx, &v1.Agent{ID: "a2", Name: "worker-2", Status: v1.AgentStatusStopped}))

	r, _ := newTestRegistry(t, st)

	// No session survives a restart.
	a1, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusDisconnected, a1.Status)
	assert.Empty(t, a1.ActiveConnectionID)

	a2, err := r.Get("a2")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusStopped, a2.Status)

	persisted, err := st.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusDisconnected, persisted.Status)

	assert.Len(t, r.List(), 2)
	assert.Empty(t, r.Candidates(), "agents without a live session are not candidates")
}

func TestOperatorLifecycle(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveAgent(ctx, &v1.Agent{ID: "a1", Name: "worker-1", Status: v1.AgentStatusStopped}))

	r, _ := newTestRegistry(t, st)

	require.NoError(t, r.Resume(ctx, "a1"))
	a, _ := r.Get("a1")
	assert.Equal(t, v1.AgentStatusReady, a.Status)

	// An assignment promotes Ready to Running; draining demotes it back.
	r.NoteAssigned(ctx, "a1")
	a, _ = r.Get("a1")
	assert.Equal(t, v1.AgentStatusRunning, a.Status)
	assert.Equal(t, 1, a.ActiveJobs)

	r.NoteCompleted(ctx, "a1")
	a, _ = r.Get("a1")
	assert.Equal(t, v1.AgentStatusReady, a.Status)
	assert.Zero(t, a.ActiveJobs)

	require.NoError(t, r.Pause(ctx, "a1"))
	a, _ = r.Get("a1")
	assert.Equal(t, v1.AgentStatusPaused, a.Status)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(r.Pause(ctx, "a1")))

	require.NoError(t, r.Resume(ctx, "a1"))

	// Drain with no inflight work stops immediately.
	require.NoError(t, r.Drain(ctx, "a1"))
	a, _ = r.Get("a1")
	assert.Equal(t, v1.AgentStatusStopped, a.Status)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(r.Drain(ctx, "a1")))
}

func TestDrainWaitsForInflightWork(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveAgent(ctx, &v1.Agent{ID: "a1", Name: "worker-1", Status: v1.AgentStatusStopped}))

	r, _ := newTestRegistry(t, st)
	require.NoError(t, r.Resume(ctx, "a1"))
	r.NoteAssigned(ctx, "a1")

	require.NoError(t, r.Drain(ctx, "a1"))
	a, _ := r.Get("a1")
	assert.Equal(t, v1.AgentStatusStopping, a.Status)

	r.NoteCompleted(ctx, "a1")
	a, _ = r.Get("a1")
	assert.Equal(t, v1.AgentStatusStopped, a.Status)
}

func TestRemoveAgent(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveAgent(ctx, &v1.Agent{ID: "a1", Name: "worker-1", Status: v1.AgentStatusStopped}))

	r, _ := newTestRegistry(t, st)

	require.NoError(t, r.Resume(ctx, "a1"))
	r.NoteAssigned(ctx, "a1")
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(r.Remove(ctx, "a1")), "inflight work blocks removal")

	r.NoteCompleted(ctx, "a1")
	require.NoError(t, r.Remove(ctx, "a1"))

	_, err := r.Get("a1")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
	_, err = st.GetAgent(ctx, "a1")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))

	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(r.Remove(ctx, "a1")))
}

func TestUpdateCapabilities(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveAgent(ctx, &v1.Agent{ID: "a1", Name: "worker-1", Status: v1.AgentStatusStopped}))

	r, _ := newTestRegistry(t, st)

	caps := []v1.Capability{{Name: "docker", Version: "24"}}
	require.NoError(t, r.UpdateCapabilities(ctx, "a1", caps))

	a, err := r.Get("a1")
	require.NoError(t, err)
	require.Len(t, a.Capabilities, 1)
	assert.Equal(t, "docker", a.Capabilities[0].Name)

	persisted, err := st.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, caps, persisted.Capabilities)

	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(r.UpdateCapabilities(ctx, "ghost", caps)))
}

func TestSendWithoutSession(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveAgent(context.Background(), &v1.Agent{ID: "a1", Status: v1.AgentStatusStopped}))
	r, _ := newTestRegistry(t, st)

	frame, err := session.NewFrame(session.KindDeliver, &session.DeliverPayload{JobID: "j1"})
	require.NoError(t, err)
	assert.Error(t, r.Send("a1", frame))
	assert.Error(t, r.Send("ghost", frame))
}

// dialSession builds a real websocket pair and wraps the server side in a
// Session handled by the registry.
func dialSession(t *testing.T, r *Registry, connID, agentID string) (*session.Session, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	sessions := make(chan *session.Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		require.NoError(t, err)
		sess := session.New(connID, agentID, conn, r, session.Options{}, testLogger(t))
		sess.Run()
		sessions <- sess
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return <-sessions, client
}

func TestConnectAndSessionLoss(t *testing.T) {
	st := store.NewMemoryStore()
	r, sink := newTestRegistry(t, st)

	sess, client := dialSession(t, r, "conn-1", "a1")

	identity := &v1.AgentIdentity{
		AgentID:      "a1",
		Name:         "worker-1",
		Group:        "prod",
		Capabilities: []v1.Capability{{Name: "docker"}},
	}
	welcome, err := r.Connect(identity, &session.HelloPayload{}, sess)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", welcome.ConnectionID)
	assert.Equal(t, "server-test", welcome.ServerID)
	assert.NotEmpty(t, welcome.ResumeToken)

	a, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusReady, a.Status)
	assert.Equal(t, "conn-1", a.ActiveConnectionID)
	require.Len(t, r.Candidates(), 1)

	persisted, err := st.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", persisted.Name)
	assert.Equal(t, "prod", persisted.Group)

	// Frames sent through the registry arrive on the agent's connection.
	frame, err := session.NewFrame(session.KindDeliver, &session.DeliverPayload{JobID: "j1", Command: "deploy"})
	require.NoError(t, err)
	require.NoError(t, r.Send("a1", frame))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	decoded, err := session.DecodeFrame(data, 0)
	require.NoError(t, err)
	assert.Equal(t, session.KindDeliver, decoded.Kind)

	// Dropping the connection marks the agent Disconnected and notifies the
	// sink so inflight work gets requeued.
	client.Close()
	require.Eventually(t, func() bool {
		a, err := r.Get("a1")
		return err == nil && a.Status == v1.AgentStatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sink.lostCount())
}

func TestReconnectWithResumeToken(t *testing.T) {
	st := store.NewMemoryStore()
	r, sink := newTestRegistry(t, st)

	identity := &v1.AgentIdentity{AgentID: "a1", Name: "worker-1"}

	sess1, client1 := dialSession(t, r, "conn-1", "a1")
	welcome1, err := r.Connect(identity, &session.HelloPayload{}, sess1)
	require.NoError(t, err)
	client1.Close()
	require.Eventually(t, func() bool {
		a, err := r.Get("a1")
		return err == nil && a.Status == v1.AgentStatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	sess2, _ := dialSession(t, r, "conn-2", "a1")
	welcome2, err := r.Connect(identity, &session.HelloPayload{ResumeToken: welcome1.ResumeToken}, sess2)
	require.NoError(t, err)

	// A valid resume token keeps the token stable and replays inflight work.
	assert.Equal(t, welcome1.ResumeToken, welcome2.ResumeToken)
	assert.Equal(t, "conn-2", welcome2.ConnectionID)
	sink.mu.Lock()
	resumed := len(sink.resumed)
	sink.mu.Unlock()
	assert.Equal(t, 1, resumed)

	a, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusReady, a.Status)
}
