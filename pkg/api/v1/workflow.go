package v1

import "time"

// StepType identifies the kind of a workflow step. Step kinds are a closed
// set; adding one means adding a tag here and an executor in the engine.
type StepType string

const (
	StepTypeJob         StepType = "job"
	StepTypeDelay       StepType = "delay"
	StepTypeParallel    StepType = "parallel"
	StepTypeConditional StepType = "conditional"
	StepTypeForEach     StepType = "foreach"
	StepTypeWaitEvent   StepType = "wait_for_event"
	StepTypeSubWorkflow StepType = "sub_workflow"
	StepTypeNotify      StepType = "notify"
	StepTypeApproval    StepType = "approval"
)

// ErrorHandlingMode controls how a workflow reacts to step failures.
type ErrorHandlingMode string

const (
	ErrorHandlingStopOnFirst ErrorHandlingMode = "stop_on_first_error"
	ErrorHandlingContinue    ErrorHandlingMode = "continue_and_aggregate"
	ErrorHandlingCompensate  ErrorHandlingMode = "compensate"
)

// JobStepConfig configures a job step. String fields are interpolated
// against the instance variable map before submission.
type JobStepConfig struct {
	Command              string        `json:"command" yaml:"command"`
	Pattern              string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	Priority             int           `json:"priority,omitempty" yaml:"priority,omitempty"`
	Payload              string        `json:"payload,omitempty" yaml:"payload,omitempty"`
	TargetAgentID        string        `json:"target_agent_id,omitempty" yaml:"target_agent_id,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries           int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// WaitEventConfig configures a wait_for_event or approval step.
type WaitEventConfig struct {
	EventType      string        `json:"event_type" yaml:"event_type"`
	CorrelationKey string        `json:"correlation_key,omitempty" yaml:"correlation_key,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ForEachConfig configures a foreach step.
type ForEachConfig struct {
	Items          string `json:"items" yaml:"items"` // expression yielding a collection
	ItemVariable   string `json:"item_variable" yaml:"item_variable"`
	MaxConcurrency int    `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
}

// SubWorkflowConfig configures a sub_workflow step.
type SubWorkflowConfig struct {
	WorkflowID        string `json:"workflow_id" yaml:"workflow_id"`
	WaitForCompletion bool   `json:"wait_for_completion" yaml:"wait_for_completion"`
}

// NotifyConfig configures a notify step.
type NotifyConfig struct {
	URL     string `json:"url" yaml:"url"`
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"` // interpolated
}

// CompensationConfig names the job run to undo a completed step.
type CompensationConfig struct {
	Command string `json:"command" yaml:"command"`
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Step is one node of a workflow DAG. Exactly one of the typed config
// fields is set, according to Type.
type Step struct {
	ID              string              `json:"id" yaml:"id"`
	Name            string              `json:"name,omitempty" yaml:"name,omitempty"`
	Type            StepType            `json:"type" yaml:"type"`
	DependsOn       []string            `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Condition       string              `json:"condition,omitempty" yaml:"condition,omitempty"`
	OutputVariable  string              `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
	ContinueOnError bool                `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	MaxRetries      int                 `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Job             *JobStepConfig      `json:"job,omitempty" yaml:"job,omitempty"`
	Delay           time.Duration       `json:"delay,omitempty" yaml:"delay,omitempty"`
	Branches        [][]Step            `json:"branches,omitempty" yaml:"branches,omitempty"` // parallel
	FailFast        bool                `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	Then            []Step              `json:"then,omitempty" yaml:"then,omitempty"` // conditional
	Else            []Step              `json:"else,omitempty" yaml:"else,omitempty"`
	Expression      string              `json:"expression,omitempty" yaml:"expression,omitempty"`
	ForEach         *ForEachConfig      `json:"foreach,omitempty" yaml:"foreach,omitempty"`
	Body            []Step              `json:"body,omitempty" yaml:"body,omitempty"` // foreach body
	WaitEvent       *WaitEventConfig    `json:"wait_event,omitempty" yaml:"wait_event,omitempty"`
	SubWorkflow     *SubWorkflowConfig  `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty"`
	Notify          *NotifyConfig       `json:"notify,omitempty" yaml:"notify,omitempty"`
	Compensation    *CompensationConfig `json:"compensation,omitempty" yaml:"compensation,omitempty"`
}

// WorkflowDefinition is a versioned DAG of steps.
type WorkflowDefinition struct {
	ID            string                 `json:"id" yaml:"id"`
	Name          string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Version       int                    `json:"version" yaml:"version"`
	Steps         []Step                 `json:"steps" yaml:"steps"`
	Variables     map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
	Timeout       time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ErrorHandling ErrorHandlingMode      `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	CreatedAt     time.Time              `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt     time.Time              `json:"updated_at,omitempty" yaml:"-"`
}

// InstanceStatus represents a workflow instance lifecycle status.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "PENDING"
	InstanceStatusRunning   InstanceStatus = "RUNNING"
	InstanceStatusPaused    InstanceStatus = "PAUSED"
	InstanceStatusCompleted InstanceStatus = "COMPLETED"
	InstanceStatusFailed    InstanceStatus = "FAILED"
	InstanceStatusCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports whether the instance status is final.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents a step instance lifecycle status.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusWaiting   StepStatus = "WAITING_FOR_EVENT"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
	StepStatusCancelled StepStatus = "CANCELLED"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// Satisfied reports whether the step status satisfies a downstream dependency.
func (s StepStatus) Satisfied() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// StepInstance is the runtime state of one step within an instance.
type StepInstance struct {
	StepID      string      `json:"step_id"`
	Status      StepStatus  `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Attempts    int         `json:"attempts"`
	Output      interface{} `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	JobID       string      `json:"job_id,omitempty"` // for job steps
}

// WorkflowInstance is one concrete execution of a workflow definition.
type WorkflowInstance struct {
	ID              string                   `json:"id"`
	WorkflowID      string                   `json:"workflow_id"`
	WorkflowVersion int                      `json:"workflow_version"`
	Status          InstanceStatus           `json:"status"`
	Variables       map[string]interface{}   `json:"variables,omitempty"`
	Steps           map[string]*StepInstance `json:"steps"`
	ParentInstance  string                   `json:"parent_instance,omitempty"`
	Error           string                   `json:"error,omitempty"`
	StartedAt       time.Time                `json:"started_at"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
	UpdatedAt       time.Time                `json:"updated_at"`
}
