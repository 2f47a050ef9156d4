package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/registry"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

func view(id, name, group string, status v1.AgentStatus, active int, lastCompleted time.Time, caps ...string) *registry.AgentView {
	agent := &v1.Agent{ID: id, Name: name, Group: group, Status: status}
	for _, c := range caps {
		agent.Capabilities = append(agent.Capabilities, v1.Capability{Name: c})
	}
	return &registry.AgentView{
		Agent:                     agent,
		ActiveAssignments:         active,
		LastAssignmentCompletedAt: lastCompleted,
	}
}

func TestMatchesPattern(t *testing.T) {
	worker := &v1.Agent{Name: "Worker-3", Group: "prod"}

	assert.True(t, matchesPattern("", worker))
	assert.True(t, matchesPattern("worker-*", worker))
	assert.True(t, matchesPattern("WORKER-?", worker))
	assert.False(t, matchesPattern("builder-*", worker))

	assert.True(t, matchesPattern("group:prod", worker))
	assert.True(t, matchesPattern("group:PROD worker-*", worker))
	assert.False(t, matchesPattern("group:staging worker-*", worker))
	assert.False(t, matchesPattern("group:prod builder-*", worker))
}

func TestEligibility(t *testing.T) {
	job := &v1.Job{Pattern: "worker-*", RequiredCapabilities: []string{"shell"}}
	now := time.Now()

	ready := view("a1", "worker-1", "", v1.AgentStatusReady, 0, now, "shell")
	assert.True(t, eligible(job, ready, 4, nil))

	// Paused and disconnected agents never take work.
	paused := view("a2", "worker-2", "", v1.AgentStatusPaused, 0, now, "shell")
	assert.False(t, eligible(job, paused, 4, nil))
	gone := view("a3", "worker-3", "", v1.AgentStatusDisconnected, 0, now, "shell")
	assert.False(t, eligible(job, gone, 4, nil))

	// Running agents stay selectable below capacity.
	busy := view("a4", "worker-4", "", v1.AgentStatusRunning, 3, now, "shell")
	assert.True(t, eligible(job, busy, 4, nil))
	full := view("a5", "worker-5", "", v1.AgentStatusRunning, 4, now, "shell")
	assert.False(t, eligible(job, full, 4, nil))

	// Missing capability excludes.
	noCap := view("a6", "worker-6", "", v1.AgentStatusReady, 0, now)
	assert.False(t, eligible(job, noCap, 4, nil))

	// One-round blacklist excludes.
	assert.False(t, eligible(job, ready, 4, map[string]bool{"a1": true}))

	// Target pinning wins over everything else that matches.
	pinned := &v1.Job{TargetAgentID: "a9"}
	other := view("a1", "worker-1", "", v1.AgentStatusReady, 0, now)
	assert.False(t, eligible(pinned, other, 4, nil))
}

func TestSelectAgentPrefersLeastLoaded(t *testing.T) {
	job := &v1.Job{}
	now := time.Now()

	a1 := view("a1", "worker-1", "", v1.AgentStatusRunning, 2, now)
	a2 := view("a2", "worker-2", "", v1.AgentStatusReady, 0, now)
	a3 := view("a3", "worker-3", "", v1.AgentStatusRunning, 1, now)

	picked := selectAgent(job, []*registry.AgentView{a1, a2, a3}, 4, nil)
	require.NotNil(t, picked)
	assert.Equal(t, "a2", picked.Agent.ID)
}

func TestSelectAgentTieBreaks(t *testing.T) {
	job := &v1.Job{}
	now := time.Now()

	// Equal load: earliest last completed assignment wins.
	a1 := view("a1", "worker-1", "", v1.AgentStatusReady, 1, now.Add(-time.Hour))
	a2 := view("a2", "worker-2", "", v1.AgentStatusReady, 1, now)
	picked := selectAgent(job, []*registry.AgentView{a2, a1}, 4, nil)
	require.NotNil(t, picked)
	assert.Equal(t, "a1", picked.Agent.ID)

	// Full tie: lowest agent id wins, deterministically.
	b1 := view("b1", "worker-1", "", v1.AgentStatusReady, 0, now)
	b2 := view("b2", "worker-2", "", v1.AgentStatusReady, 0, now)
	picked = selectAgent(job, []*registry.AgentView{b2, b1}, 4, nil)
	require.NotNil(t, picked)
	assert.Equal(t, "b1", picked.Agent.ID)
}

func TestSelectAgentNoCandidate(t *testing.T) {
	job := &v1.Job{Pattern: "builder-*"}
	a1 := view("a1", "worker-1", "", v1.AgentStatusReady, 0, time.Now())
	assert.Nil(t, selectAgent(job, []*registry.AgentView{a1}, 4, nil))
	assert.Nil(t, selectAgent(job, nil, 4, nil))
}
