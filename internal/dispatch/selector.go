package dispatch

import (
	"path"
	"sort"
	"strings"

	"github.com/orbitmesh/orbitmesh/internal/registry"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

const groupPrefix = "group:"

// matchesPattern reports whether an agent matches a job pattern. Patterns
// glob over the agent name with * and ?, case-insensitively. An optional
// "group:<name>" prefix additionally filters on the agent's group:
// "group:prod worker-*" requires group prod AND a name matching worker-*;
// bare "group:prod" matches every agent in the group.
func matchesPattern(pattern string, agent *v1.Agent) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return true
	}
	if strings.HasPrefix(pattern, groupPrefix) {
		rest := pattern[len(groupPrefix):]
		group := rest
		namePattern := ""
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			group = rest[:i]
			namePattern = strings.TrimSpace(rest[i+1:])
		}
		if !strings.EqualFold(group, agent.Group) {
			return false
		}
		if namePattern == "" {
			return true
		}
		pattern = namePattern
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(agent.Name))
	return err == nil && ok
}

// trimGroupPrefix strips a leading "group:<name>" term, returning the name
// glob that remains (possibly empty).
func trimGroupPrefix(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if !strings.HasPrefix(pattern, groupPrefix) {
		return pattern
	}
	rest := pattern[len(groupPrefix):]
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		return strings.TrimSpace(rest[i+1:])
	}
	return ""
}

// matchPattern probes a glob for syntax errors.
func matchPattern(pattern string) (bool, error) {
	return path.Match(strings.ToLower(pattern), "probe")
}

// eligible reports whether the agent can take the job at all: reachable and
// accepting work, matching target, pattern and capabilities.
func eligible(job *v1.Job, view *registry.AgentView, capacity int, blacklist map[string]bool) bool {
	agent := view.Agent
	switch agent.Status {
	case v1.AgentStatusReady:
	case v1.AgentStatusRunning:
		// A Running agent stays selectable below its concurrency capacity.
		if capacity > 0 && view.ActiveAssignments >= capacity {
			return false
		}
	default:
		return false
	}
	if blacklist[agent.ID] {
		return false
	}
	if job.TargetAgentID != "" && job.TargetAgentID != agent.ID {
		return false
	}
	if !matchesPattern(job.Pattern, agent) {
		return false
	}
	for _, cap := range job.RequiredCapabilities {
		if !agent.HasCapability(cap) {
			return false
		}
	}
	return true
}

// selectAgent picks the best candidate for a ready job: fewest active
// assignments, ties broken by earliest last completed assignment, then by
// agent id. Returns nil when no agent is eligible.
func selectAgent(job *v1.Job, views []*registry.AgentView, capacity int, blacklist map[string]bool) *registry.AgentView {
	var candidates []*registry.AgentView
	for _, v := range views {
		if eligible(job, v, capacity, blacklist) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ActiveAssignments != b.ActiveAssignments {
			return a.ActiveAssignments < b.ActiveAssignments
		}
		if !a.LastAssignmentCompletedAt.Equal(b.LastAssignmentCompletedAt) {
			return a.LastAssignmentCompletedAt.Before(b.LastAssignmentCompletedAt)
		}
		return a.Agent.ID < b.Agent.ID
	})
	return candidates[0]
}
