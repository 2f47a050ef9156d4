// Package sqlite provides the SQLite-backed Store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/store"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// Store provides SQLite-based persistence for the core.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// New opens (creating if necessary) the database at dbPath and initializes
// the schema.
func New(dbPath string) (*Store, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing connection (used by tests).
func NewWithDB(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		agent_group TEXT DEFAULT '',
		tags TEXT DEFAULT '[]',
		capabilities TEXT DEFAULT '[]',
		status TEXT NOT NULL,
		last_heartbeat TIMESTAMP,
		active_connection_id TEXT DEFAULT '',
		remote_addr TEXT DEFAULT '',
		cpu_percent REAL DEFAULT 0,
		mem_percent REAL DEFAULT 0,
		active_jobs INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		command TEXT NOT NULL,
		pattern TEXT DEFAULT '',
		required_capabilities TEXT DEFAULT '[]',
		priority INTEGER NOT NULL DEFAULT 5,
		payload BLOB,
		target_agent_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		assigned_agent_id TEXT DEFAULT '',
		assigned_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		retry_count INTEGER NOT NULL DEFAULT 0,
		timeout_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		timeout_ns INTEGER NOT NULL DEFAULT 0,
		last_progress TEXT DEFAULT '',
		result BLOB,
		error TEXT DEFAULT '',
		not_before TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_assigned_agent_id ON jobs(assigned_agent_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_priority_created ON jobs(priority DESC, created_at ASC, id ASC);
	CREATE INDEX IF NOT EXISTS idx_jobs_idempotency_key ON jobs(idempotency_key);

	CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		definition TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_instances (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_version INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		parent_instance TEXT DEFAULT '',
		error TEXT DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_instances_status ON workflow_instances(status);
	CREATE INDEX IF NOT EXISTS idx_instances_workflow_id ON workflow_instances(workflow_id);

	CREATE TABLE IF NOT EXISTS bootstrap_tokens (
		token TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		name TEXT NOT NULL,
		agent_group TEXT DEFAULT '',
		capabilities TEXT DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP
	);
	`)
	return err
}

type agentRow struct {
	ID                 string       `db:"id"`
	Name               string       `db:"name"`
	Group              string       `db:"agent_group"`
	Tags               string       `db:"tags"`
	Capabilities       string       `db:"capabilities"`
	Status             string       `db:"status"`
	LastHeartbeat      sql.NullTime `db:"last_heartbeat"`
	ActiveConnectionID string       `db:"active_connection_id"`
	RemoteAddr         string       `db:"remote_addr"`
	CPUPercent         float64      `db:"cpu_percent"`
	MemPercent         float64      `db:"mem_percent"`
	ActiveJobs         int          `db:"active_jobs"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (r *agentRow) toAgent() (*v1.Agent, error) {
	a := &v1.Agent{
		ID:                 r.ID,
		Name:               r.Name,
		Group:              r.Group,
		Status:             v1.AgentStatus(r.Status),
		ActiveConnectionID: r.ActiveConnectionID,
		RemoteAddr:         r.RemoteAddr,
		CPUPercent:         r.CPUPercent,
		MemPercent:         r.MemPercent,
		ActiveJobs:         r.ActiveJobs,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.LastHeartbeat.Valid {
		a.LastHeartbeat = r.LastHeartbeat.Time
	}
	if err := json.Unmarshal([]byte(r.Tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode agent tags: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Capabilities), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode agent capabilities: %w", err)
	}
	return a, nil
}

// SaveAgent inserts or replaces an agent record.
func (s *Store) SaveAgent(ctx context.Context, agent *v1.Agent) error {
	tags, err := json.Marshal(agent.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode agent tags: %w", err)
	}
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode agent capabilities: %w", err)
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, agent_group, tags, capabilities, status,
			last_heartbeat, active_connection_id, remote_addr, cpu_percent,
			mem_percent, active_jobs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			agent_group = excluded.agent_group,
			tags = excluded.tags,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			active_connection_id = excluded.active_connection_id,
			remote_addr = excluded.remote_addr,
			cpu_percent = excluded.cpu_percent,
			mem_percent = excluded.mem_percent,
			active_jobs = excluded.active_jobs,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, agent.Group, string(tags), string(caps),
		string(agent.Status), nullTime(agent.LastHeartbeat), agent.ActiveConnectionID,
		agent.RemoteAddr, agent.CPUPercent, agent.MemPercent, agent.ActiveJobs,
		agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return apperrors.Unavailable("failed to save agent", err)
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// GetAgent returns the agent with the given id.
func (s *Store) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, apperrors.Unavailable("failed to load agent", err)
	}
	return row.toAgent()
}

// ListAgents returns all known agents sorted by id.
func (s *Store) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY id ASC`); err != nil {
		return nil, apperrors.Unavailable("failed to list agents", err)
	}
	out := make([]*v1.Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteAgent removes an agent record.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return apperrors.Unavailable("failed to delete agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

type jobRow struct {
	ID                   string       `db:"id"`
	IdempotencyKey       string       `db:"idempotency_key"`
	Command              string       `db:"command"`
	Pattern              string       `db:"pattern"`
	RequiredCapabilities string       `db:"required_capabilities"`
	Priority             int          `db:"priority"`
	Payload              []byte       `db:"payload"`
	TargetAgentID        string       `db:"target_agent_id"`
	Status               string       `db:"status"`
	AssignedAgentID      string       `db:"assigned_agent_id"`
	AssignedAt           sql.NullTime `db:"assigned_at"`
	StartedAt            sql.NullTime `db:"started_at"`
	CompletedAt          sql.NullTime `db:"completed_at"`
	RetryCount           int          `db:"retry_count"`
	TimeoutCount         int          `db:"timeout_count"`
	MaxRetries           int          `db:"max_retries"`
	TimeoutNS            int64        `db:"timeout_ns"`
	LastProgress         string       `db:"last_progress"`
	Result               []byte       `db:"result"`
	Error                string       `db:"error"`
	NotBefore            sql.NullTime `db:"not_before"`
	CreatedAt            time.Time    `db:"created_at"`
	UpdatedAt            time.Time    `db:"updated_at"`
}

func (r *jobRow) toJob() (*v1.Job, error) {
	j := &v1.Job{
		ID:              r.ID,
		IdempotencyKey:  r.IdempotencyKey,
		Command:         r.Command,
		Pattern:         r.Pattern,
		Priority:        r.Priority,
		Payload:         r.Payload,
		TargetAgentID:   r.TargetAgentID,
		Status:          v1.JobStatus(r.Status),
		AssignedAgentID: r.AssignedAgentID,
		RetryCount:      r.RetryCount,
		TimeoutCount:    r.TimeoutCount,
		MaxRetries:      r.MaxRetries,
		Timeout:         time.Duration(r.TimeoutNS),
		Result:          r.Result,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.RequiredCapabilities), &j.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("failed to decode required capabilities: %w", err)
	}
	if r.AssignedAt.Valid {
		t := r.AssignedAt.Time
		j.AssignedAt = &t
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		j.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		j.CompletedAt = &t
	}
	if r.NotBefore.Valid {
		t := r.NotBefore.Time
		j.NotBefore = &t
	}
	if r.LastProgress != "" {
		var p v1.JobProgress
		if err := json.Unmarshal([]byte(r.LastProgress), &p); err != nil {
			return nil, fmt.Errorf("failed to decode job progress: %w", err)
		}
		j.LastProgress = &p
	}
	if r.Error != "" {
		var e v1.JobError
		if err := json.Unmarshal([]byte(r.Error), &e); err != nil {
			return nil, fmt.Errorf("failed to decode job error: %w", err)
		}
		j.Error = &e
	}
	return j, nil
}

func jobArgs(j *v1.Job) ([]interface{}, error) {
	caps, err := json.Marshal(j.RequiredCapabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to encode required capabilities: %w", err)
	}
	progress := ""
	if j.LastProgress != nil {
		b, err := json.Marshal(j.LastProgress)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job progress: %w", err)
		}
		progress = string(b)
	}
	jobErr := ""
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job error: %w", err)
		}
		jobErr = string(b)
	}
	return []interface{}{
		j.ID, j.IdempotencyKey, j.Command, j.Pattern, string(caps), j.Priority,
		j.Payload, j.TargetAgentID, string(j.Status), j.AssignedAgentID,
		nullTimePtr(j.AssignedAt), nullTimePtr(j.StartedAt), nullTimePtr(j.CompletedAt),
		j.RetryCount, j.TimeoutCount, j.MaxRetries, int64(j.Timeout),
		progress, j.Result, jobErr, nullTimePtr(j.NotBefore),
		j.CreatedAt, j.UpdatedAt,
	}, nil
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, job *v1.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, idempotency_key, command, pattern, required_capabilities,
			priority, payload, target_agent_id, status, assigned_agent_id,
			assigned_at, started_at, completed_at, retry_count, timeout_count,
			max_retries, timeout_ns, last_progress, result, error, not_before,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		return apperrors.Unavailable("failed to create job", err)
	}
	return nil
}

// UpdateJob replaces an existing job record.
func (s *Store) UpdateJob(ctx context.Context, job *v1.Job) error {
	job.UpdatedAt = time.Now().UTC()
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	// Shift id to the WHERE clause position
	args = append(args[1:], job.ID)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET idempotency_key = ?, command = ?, pattern = ?,
			required_capabilities = ?, priority = ?, payload = ?,
			target_agent_id = ?, status = ?, assigned_agent_id = ?,
			assigned_at = ?, started_at = ?, completed_at = ?, retry_count = ?,
			timeout_count = ?, max_retries = ?, timeout_ns = ?, last_progress = ?,
			result = ?, error = ?, not_before = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		args...)
	if err != nil {
		return apperrors.Unavailable("failed to update job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("job", job.ID)
	}
	return nil
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, id string) (*v1.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Unavailable("failed to load job", err)
	}
	return row.toJob()
}

// ListJobs returns jobs matching the filter, newest first, paged.
func (s *Store) ListJobs(ctx context.Context, filter v1.JobFilter) ([]*v1.Job, error) {
	query := `SELECT * FROM jobs WHERE 1=1`
	args := []interface{}{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		query += ` AND assigned_agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Command != "" {
		query += ` AND command = ? COLLATE NOCASE`
		args = append(args, filter.Command)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.PageSize > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.PageSize, filter.Page*filter.PageSize)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.Unavailable("failed to list jobs", err)
	}
	return rowsToJobs(rows)
}

func rowsToJobs(rows []jobRow) ([]*v1.Job, error) {
	out := make([]*v1.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// ListJobsByStatus returns jobs in any of the given statuses in ready order.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...v1.JobStatus) ([]*v1.Job, error) {
	if len(statuses) == 0 {
		return []*v1.Job{}, nil
	}
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	query, args, err := sqlx.In(
		`SELECT * FROM jobs WHERE status IN (?) ORDER BY priority DESC, created_at ASC, id ASC`, vals)
	if err != nil {
		return nil, apperrors.Internal("failed to build job query", err)
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, apperrors.Unavailable("failed to list jobs by status", err)
	}
	return rowsToJobs(rows)
}

// ListInflightJobs returns the agent's non-terminal assigned jobs.
func (s *Store) ListInflightJobs(ctx context.Context, agentID string) ([]*v1.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM jobs
		WHERE assigned_agent_id = ? AND status IN ('ASSIGNED', 'ACKNOWLEDGED', 'RUNNING')
		ORDER BY priority DESC, created_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, apperrors.Unavailable("failed to list inflight jobs", err)
	}
	return rowsToJobs(rows)
}

// SaveWorkflowDefinition inserts or replaces a workflow definition.
// The definition body is stored as a JSON document.
func (s *Store) SaveWorkflowDefinition(ctx context.Context, def *v1.WorkflowDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode workflow definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, name, version, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		def.ID, def.Name, def.Version, string(body), def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return apperrors.Unavailable("failed to save workflow definition", err)
	}
	return nil
}

// GetWorkflowDefinition returns the definition with the given id.
func (s *Store) GetWorkflowDefinition(ctx context.Context, id string) (*v1.WorkflowDefinition, error) {
	var body string
	err := s.db.GetContext(ctx, &body, `SELECT definition FROM workflow_definitions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, apperrors.Unavailable("failed to load workflow definition", err)
	}
	var def v1.WorkflowDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}
	return &def, nil
}

// ListWorkflowDefinitions returns all definitions sorted by id.
func (s *Store) ListWorkflowDefinitions(ctx context.Context) ([]*v1.WorkflowDefinition, error) {
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies,
		`SELECT definition FROM workflow_definitions ORDER BY id ASC`); err != nil {
		return nil, apperrors.Unavailable("failed to list workflow definitions", err)
	}
	out := make([]*v1.WorkflowDefinition, 0, len(bodies))
	for _, body := range bodies {
		var def v1.WorkflowDefinition
		if err := json.Unmarshal([]byte(body), &def); err != nil {
			return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
		}
		out = append(out, &def)
	}
	return out, nil
}

// DeleteWorkflowDefinition removes a workflow definition.
func (s *Store) DeleteWorkflowDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = ?`, id)
	if err != nil {
		return apperrors.Unavailable("failed to delete workflow definition", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("workflow", id)
	}
	return nil
}

// SaveWorkflowInstance inserts or replaces an instance record. The full
// instance state (variables, step instances) is stored as a JSON document;
// status and workflow_id are lifted into columns for the indexed queries.
func (s *Store) SaveWorkflowInstance(ctx context.Context, inst *v1.WorkflowInstance) error {
	inst.UpdatedAt = time.Now().UTC()
	state, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode workflow instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, workflow_id, workflow_version, status,
			state, parent_instance, error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			error = excluded.error,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		inst.ID, inst.WorkflowID, inst.WorkflowVersion, string(inst.Status),
		string(state), inst.ParentInstance, inst.Error, inst.StartedAt,
		nullTimePtr(inst.CompletedAt), inst.UpdatedAt)
	if err != nil {
		return apperrors.Unavailable("failed to save workflow instance", err)
	}
	return nil
}

// GetWorkflowInstance returns the instance with the given id.
func (s *Store) GetWorkflowInstance(ctx context.Context, id string) (*v1.WorkflowInstance, error) {
	var state string
	err := s.db.GetContext(ctx, &state, `SELECT state FROM workflow_instances WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("workflow instance", id)
	}
	if err != nil {
		return nil, apperrors.Unavailable("failed to load workflow instance", err)
	}
	var inst v1.WorkflowInstance
	if err := json.Unmarshal([]byte(state), &inst); err != nil {
		return nil, fmt.Errorf("failed to decode workflow instance: %w", err)
	}
	return &inst, nil
}

// ListWorkflowInstances returns instances matching the filter, newest first.
func (s *Store) ListWorkflowInstances(ctx context.Context, filter store.InstanceFilter) ([]*v1.WorkflowInstance, error) {
	query := `SELECT state FROM workflow_instances WHERE 1=1`
	args := []interface{}{}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, id ASC`

	var states []string
	if err := s.db.SelectContext(ctx, &states, query, args...); err != nil {
		return nil, apperrors.Unavailable("failed to list workflow instances", err)
	}
	out := make([]*v1.WorkflowInstance, 0, len(states))
	for _, state := range states {
		var inst v1.WorkflowInstance
		if err := json.Unmarshal([]byte(state), &inst); err != nil {
			return nil, fmt.Errorf("failed to decode workflow instance: %w", err)
		}
		out = append(out, &inst)
	}
	return out, nil
}

// SaveBootstrapToken inserts or replaces a bootstrap token.
func (s *Store) SaveBootstrapToken(ctx context.Context, token *store.BootstrapToken) error {
	caps, err := json.Marshal(token.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode token capabilities: %w", err)
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bootstrap_tokens (token, agent_id, name, agent_group, capabilities, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			agent_id = excluded.agent_id,
			name = excluded.name,
			agent_group = excluded.agent_group,
			capabilities = excluded.capabilities,
			expires_at = excluded.expires_at`,
		token.Token, token.AgentID, token.Name, token.Group, string(caps),
		token.CreatedAt, nullTimePtr(token.ExpiresAt))
	if err != nil {
		return apperrors.Unavailable("failed to save bootstrap token", err)
	}
	return nil
}

// GetBootstrapToken returns the bootstrap token record.
func (s *Store) GetBootstrapToken(ctx context.Context, token string) (*store.BootstrapToken, error) {
	var row struct {
		Token        string       `db:"token"`
		AgentID      string       `db:"agent_id"`
		Name         string       `db:"name"`
		Group        string       `db:"agent_group"`
		Capabilities string       `db:"capabilities"`
		CreatedAt    time.Time    `db:"created_at"`
		ExpiresAt    sql.NullTime `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM bootstrap_tokens WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("bootstrap token", token)
	}
	if err != nil {
		return nil, apperrors.Unavailable("failed to load bootstrap token", err)
	}
	t := &store.BootstrapToken{
		Token:     row.Token,
		AgentID:   row.AgentID,
		Name:      row.Name,
		Group:     row.Group,
		CreatedAt: row.CreatedAt,
	}
	if row.ExpiresAt.Valid {
		exp := row.ExpiresAt.Time
		t.ExpiresAt = &exp
	}
	if err := json.Unmarshal([]byte(row.Capabilities), &t.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode token capabilities: %w", err)
	}
	return t, nil
}

// DeleteBootstrapToken removes a bootstrap token.
func (s *Store) DeleteBootstrapToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bootstrap_tokens WHERE token = ?`, token)
	if err != nil {
		return apperrors.Unavailable("failed to delete bootstrap token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("bootstrap token", token)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
