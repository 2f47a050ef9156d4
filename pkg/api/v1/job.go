package v1

import "time"

// JobStatus represents the lifecycle status of a job.
type JobStatus string

const (
	JobStatusPending      JobStatus = "PENDING"
	JobStatusAssigned     JobStatus = "ASSIGNED"
	JobStatusAcknowledged JobStatus = "ACKNOWLEDGED"
	JobStatusRunning      JobStatus = "RUNNING"
	JobStatusCompleted    JobStatus = "COMPLETED"
	JobStatusFailed       JobStatus = "FAILED"
	JobStatusTimedOut     JobStatus = "TIMED_OUT"
	JobStatusCancelled    JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job currently occupies an agent slot.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusAssigned, JobStatusAcknowledged, JobStatusRunning:
		return true
	}
	return false
}

// Job priority bounds. Higher is more urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// JobProgress is the most recent progress report from the executing agent.
type JobProgress struct {
	Percent    float64   `json:"percent"`
	Message    string    `json:"message,omitempty"`
	Step       string    `json:"step,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

// JobError describes a terminal or retryable job failure.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Job is one unit of work dispatched to a single agent per attempt.
type Job struct {
	ID                   string        `json:"id"`
	IdempotencyKey       string        `json:"idempotency_key"`
	Command              string        `json:"command"`
	Pattern              string        `json:"pattern,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	Priority             int           `json:"priority"`
	Payload              []byte        `json:"payload,omitempty"`
	TargetAgentID        string        `json:"target_agent_id,omitempty"`
	Status               JobStatus     `json:"status"`
	AssignedAgentID      string        `json:"assigned_agent_id,omitempty"`
	AssignedAt           *time.Time    `json:"assigned_at,omitempty"`
	StartedAt            *time.Time    `json:"started_at,omitempty"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
	RetryCount           int           `json:"retry_count"`
	TimeoutCount         int           `json:"timeout_count"`
	MaxRetries           int           `json:"max_retries"`
	Timeout              time.Duration `json:"timeout,omitempty"`
	LastProgress         *JobProgress  `json:"last_progress,omitempty"`
	Result               []byte        `json:"result,omitempty"`
	Error                *JobError     `json:"error,omitempty"`
	NotBefore            *time.Time    `json:"not_before,omitempty"` // retry backoff gate
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Attempt returns the current attempt number (1-based).
func (j *Job) Attempt() int {
	return j.RetryCount + j.TimeoutCount + 1
}

// JobRequest is a client submission of a new job.
type JobRequest struct {
	Command              string        `json:"command"`
	Pattern              string        `json:"pattern,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	Priority             int           `json:"priority,omitempty"`
	Payload              []byte        `json:"payload,omitempty"`
	TargetAgentID        string        `json:"target_agent_id,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty"`
	MaxRetries           int           `json:"max_retries,omitempty"`
	IdempotencyKey       string        `json:"idempotency_key,omitempty"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status   JobStatus `json:"status,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	Command  string    `json:"command,omitempty"`
	PageSize int       `json:"page_size,omitempty"`
	Page     int       `json:"page,omitempty"`
}
