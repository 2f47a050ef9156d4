package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// MemoryStore is an in-memory Store used for tests and dev mode.
type MemoryStore struct {
	mu        sync.RWMutex
	agents    map[string]*v1.Agent
	jobs      map[string]*v1.Job
	defs      map[string]*v1.WorkflowDefinition
	instances map[string]*v1.WorkflowInstance
	tokens    map[string]*BootstrapToken
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[string]*v1.Agent),
		jobs:      make(map[string]*v1.Job),
		defs:      make(map[string]*v1.WorkflowDefinition),
		instances: make(map[string]*v1.WorkflowInstance),
		tokens:    make(map[string]*BootstrapToken),
	}
}

func cloneAgent(a *v1.Agent) *v1.Agent {
	c := *a
	c.Tags = append([]string(nil), a.Tags...)
	c.Capabilities = append([]v1.Capability(nil), a.Capabilities...)
	return &c
}

func cloneJob(j *v1.Job) *v1.Job {
	c := *j
	c.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	c.Payload = append([]byte(nil), j.Payload...)
	c.Result = append([]byte(nil), j.Result...)
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		c.AssignedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.NotBefore != nil {
		t := *j.NotBefore
		c.NotBefore = &t
	}
	if j.LastProgress != nil {
		p := *j.LastProgress
		c.LastProgress = &p
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

func cloneInstance(in *v1.WorkflowInstance) *v1.WorkflowInstance {
	c := *in
	c.Variables = make(map[string]interface{}, len(in.Variables))
	for k, v := range in.Variables {
		c.Variables[k] = v
	}
	c.Steps = make(map[string]*v1.StepInstance, len(in.Steps))
	for k, s := range in.Steps {
		sc := *s
		if s.StartedAt != nil {
			t := *s.StartedAt
			sc.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			sc.CompletedAt = &t
		}
		c.Steps[k] = &sc
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SaveAgent inserts or replaces an agent record.
func (s *MemoryStore) SaveAgent(ctx context.Context, agent *v1.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent.UpdatedAt = time.Now().UTC()
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

// GetAgent returns the agent with the given id.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return cloneAgent(a), nil
}

// ListAgents returns all known agents sorted by id.
func (s *MemoryStore) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteAgent removes an agent record.
func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return apperrors.NotFound("agent", id)
	}
	delete(s.agents, id)
	return nil
}

// CreateJob inserts a new job record.
func (s *MemoryStore) CreateJob(ctx context.Context, job *v1.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return apperrors.Conflictf("job '%s' already exists", job.ID)
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces an existing job record.
func (s *MemoryStore) UpdateJob(ctx context.Context, job *v1.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return apperrors.NotFound("job", job.ID)
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob returns the job with the given id.
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*v1.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return cloneJob(j), nil
}

func sortJobs(jobs []*v1.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ListJobs returns jobs matching the filter, newest first, paged.
func (s *MemoryStore) ListJobs(ctx context.Context, filter v1.JobFilter) ([]*v1.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.Job, 0)
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && j.AssignedAgentID != filter.AgentID {
			continue
		}
		if filter.Command != "" && !strings.EqualFold(j.Command, filter.Command) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return pageJobs(out, filter.PageSize, filter.Page), nil
}

func pageJobs(jobs []*v1.Job, pageSize, page int) []*v1.Job {
	if pageSize <= 0 {
		return jobs
	}
	start := page * pageSize
	if start >= len(jobs) {
		return []*v1.Job{}
	}
	end := start + pageSize
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobs[start:end]
}

// ListJobsByStatus returns jobs in any of the given statuses in ready order.
func (s *MemoryStore) ListJobsByStatus(ctx context.Context, statuses ...v1.JobStatus) ([]*v1.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[v1.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]*v1.Job, 0)
	for _, j := range s.jobs {
		if want[j.Status] {
			out = append(out, cloneJob(j))
		}
	}
	sortJobs(out)
	return out, nil
}

// ListInflightJobs returns the agent's non-terminal assigned jobs.
func (s *MemoryStore) ListInflightJobs(ctx context.Context, agentID string) ([]*v1.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.Job, 0)
	for _, j := range s.jobs {
		if j.AssignedAgentID == agentID && j.Status.Active() {
			out = append(out, cloneJob(j))
		}
	}
	sortJobs(out)
	return out, nil
}

// SaveWorkflowDefinition inserts or replaces a workflow definition.
func (s *MemoryStore) SaveWorkflowDefinition(ctx context.Context, def *v1.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def.UpdatedAt = time.Now().UTC()
	c := *def
	s.defs[def.ID] = &c
	return nil
}

// GetWorkflowDefinition returns the definition with the given id.
func (s *MemoryStore) GetWorkflowDefinition(ctx context.Context, id string) (*v1.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[id]
	if !ok {
		return nil, apperrors.NotFound("workflow", id)
	}
	c := *d
	return &c, nil
}

// ListWorkflowDefinitions returns all definitions sorted by id.
func (s *MemoryStore) ListWorkflowDefinitions(ctx context.Context) ([]*v1.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.WorkflowDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteWorkflowDefinition removes a workflow definition.
func (s *MemoryStore) DeleteWorkflowDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[id]; !ok {
		return apperrors.NotFound("workflow", id)
	}
	delete(s.defs, id)
	return nil
}

// SaveWorkflowInstance inserts or replaces an instance record.
func (s *MemoryStore) SaveWorkflowInstance(ctx context.Context, inst *v1.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// GetWorkflowInstance returns the instance with the given id.
func (s *MemoryStore) GetWorkflowInstance(ctx context.Context, id string) (*v1.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, apperrors.NotFound("workflow instance", id)
	}
	return cloneInstance(in), nil
}

// ListWorkflowInstances returns instances matching the filter, newest first.
func (s *MemoryStore) ListWorkflowInstances(ctx context.Context, filter InstanceFilter) ([]*v1.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1.WorkflowInstance, 0)
	for _, in := range s.instances {
		if filter.WorkflowID != "" && in.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && in.Status != filter.Status {
			continue
		}
		out = append(out, cloneInstance(in))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveBootstrapToken inserts or replaces a bootstrap token.
func (s *MemoryStore) SaveBootstrapToken(ctx context.Context, token *BootstrapToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *token
	c.Capabilities = append([]v1.Capability(nil), token.Capabilities...)
	s.tokens[token.Token] = &c
	return nil
}

// GetBootstrapToken returns the bootstrap token record.
func (s *MemoryStore) GetBootstrapToken(ctx context.Context, token string) (*BootstrapToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, apperrors.NotFound("bootstrap token", token)
	}
	c := *t
	c.Capabilities = append([]v1.Capability(nil), t.Capabilities...)
	return &c, nil
}

// DeleteBootstrapToken removes a bootstrap token.
func (s *MemoryStore) DeleteBootstrapToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token]; !ok {
		return apperrors.NotFound("bootstrap token", token)
	}
	delete(s.tokens, token)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
