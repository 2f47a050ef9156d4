// Package store defines persistent storage for agents, jobs and workflows.
package store

import (
	"context"
	"time"

	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// BootstrapToken is a pre-shared credential an agent presents on connect.
type BootstrapToken struct {
	Token        string          `json:"token" db:"token"`
	AgentID      string          `json:"agent_id" db:"agent_id"`
	Name         string          `json:"name" db:"name"`
	Group        string          `json:"group,omitempty" db:"agent_group"`
	Capabilities []v1.Capability `json:"capabilities,omitempty" db:"-"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
}

// InstanceFilter narrows workflow instance listings.
type InstanceFilter struct {
	WorkflowID string
	Status     v1.InstanceStatus
}

// Store is the persistence boundary of the core. Implementations must make
// every write durable before returning; the callers publish domain events
// only after a successful write.
type Store interface {
	// Agents
	SaveAgent(ctx context.Context, agent *v1.Agent) error
	GetAgent(ctx context.Context, id string) (*v1.Agent, error)
	ListAgents(ctx context.Context) ([]*v1.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Jobs
	CreateJob(ctx context.Context, job *v1.Job) error
	UpdateJob(ctx context.Context, job *v1.Job) error
	GetJob(ctx context.Context, id string) (*v1.Job, error)
	ListJobs(ctx context.Context, filter v1.JobFilter) ([]*v1.Job, error)
	// ListJobsByStatus returns jobs in any of the given statuses, ordered by
	// (priority desc, created_at asc, id asc).
	ListJobsByStatus(ctx context.Context, statuses ...v1.JobStatus) ([]*v1.Job, error)
	// ListInflightJobs returns jobs assigned to the agent that have not
	// reached a terminal status.
	ListInflightJobs(ctx context.Context, agentID string) ([]*v1.Job, error)

	// Workflow definitions
	SaveWorkflowDefinition(ctx context.Context, def *v1.WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, id string) (*v1.WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context) ([]*v1.WorkflowDefinition, error)
	DeleteWorkflowDefinition(ctx context.Context, id string) error

	// Workflow instances
	SaveWorkflowInstance(ctx context.Context, inst *v1.WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, id string) (*v1.WorkflowInstance, error)
	ListWorkflowInstances(ctx context.Context, filter InstanceFilter) ([]*v1.WorkflowInstance, error)

	// Bootstrap tokens
	SaveBootstrapToken(ctx context.Context, token *BootstrapToken) error
	GetBootstrapToken(ctx context.Context, token string) (*BootstrapToken, error)
	DeleteBootstrapToken(ctx context.Context, token string) error

	Close() error
}
