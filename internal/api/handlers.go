// Package api exposes the control plane: agent administration, job
// submission and workflow management over HTTP, plus the event stream.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/dispatch"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// Handler contains the control plane HTTP handlers.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	engine     *workflow.Engine
	store      store.Store
	logger     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(reg *registry.Registry, disp *dispatch.Dispatcher, engine *workflow.Engine, st store.Store, log *logger.Logger) *Handler {
	return &Handler{
		registry:   reg,
		dispatcher: disp,
		engine:     engine,
		store:      st,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal("internal error", err)
	}
	c.JSON(apperrors.HTTPStatus(appErr), appErr)
}

// ListAgents returns all known agents.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.registry.List()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

// GetAgent returns one agent.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.registry.Get(c.Param("agentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// PauseAgent excludes the agent from selection.
// POST /api/v1/agents/:agentId/pause
func (h *Handler) PauseAgent(c *gin.Context) {
	if err := h.registry.Pause(c.Request.Context(), c.Param("agentId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeAgent returns the agent to selection.
// POST /api/v1/agents/:agentId/resume
func (h *Handler) ResumeAgent(c *gin.Context) {
	if err := h.registry.Resume(c.Request.Context(), c.Param("agentId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// StopAgent drains the agent.
// POST /api/v1/agents/:agentId/stop
func (h *Handler) StopAgent(c *gin.Context) {
	if err := h.registry.Drain(c.Request.Context(), c.Param("agentId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

// RemoveAgent deletes the agent.
// DELETE /api/v1/agents/:agentId
func (h *Handler) RemoveAgent(c *gin.Context) {
	if err := h.registry.Remove(c.Request.Context(), c.Param("agentId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// SubmitJob submits a new job.
// POST /api/v1/jobs
func (h *Handler) SubmitJob(c *gin.Context) {
	var req v1.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidArgumentf("malformed request: %v", err))
		return
	}
	job, err := h.dispatcher.Submit(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to submit job", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// GetJob returns one job.
// GET /api/v1/jobs/:jobId
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.dispatcher.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs returns jobs matching the query filter.
// GET /api/v1/jobs?status=&agentId=&command=&pageSize=&page=
func (h *Handler) ListJobs(c *gin.Context) {
	var query struct {
		Status   string `form:"status"`
		AgentID  string `form:"agentId"`
		Command  string `form:"command"`
		PageSize int    `form:"pageSize,default=50"`
		Page     int    `form:"page"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		respondError(c, apperrors.InvalidArgumentf("malformed query: %v", err))
		return
	}
	jobs, err := h.dispatcher.List(c.Request.Context(), v1.JobFilter{
		Status:   v1.JobStatus(query.Status),
		AgentID:  query.AgentID,
		Command:  query.Command,
		PageSize: query.PageSize,
		Page:     query.Page,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs), "page": query.Page})
}

// CancelJob requests cancellation of a job.
// POST /api/v1/jobs/:jobId/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := h.dispatcher.Cancel(c.Request.Context(), c.Param("jobId"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// RetryJob re-queues a terminal failed job.
// POST /api/v1/jobs/:jobId/retry
func (h *Handler) RetryJob(c *gin.Context) {
	if err := h.dispatcher.Retry(c.Request.Context(), c.Param("jobId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
}

// DefineWorkflow creates or replaces a workflow definition. Accepts JSON
// or, with Content-Type: application/yaml, a YAML document.
// PUT /api/v1/workflows
func (h *Handler) DefineWorkflow(c *gin.Context) {
	var def *v1.WorkflowDefinition
	switch c.ContentType() {
	case "application/yaml", "text/yaml":
		data, err := c.GetRawData()
		if err != nil {
			respondError(c, apperrors.InvalidArgumentf("failed to read body: %v", err))
			return
		}
		def, err = workflow.ParseYAML(data)
		if err != nil {
			respondError(c, err)
			return
		}
	default:
		def = &v1.WorkflowDefinition{}
		if err := c.ShouldBindJSON(def); err != nil {
			respondError(c, apperrors.InvalidArgumentf("malformed request: %v", err))
			return
		}
	}
	if err := h.engine.Define(c.Request.Context(), def); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

// GetWorkflow returns one workflow definition.
// GET /api/v1/workflows/:workflowId
func (h *Handler) GetWorkflow(c *gin.Context) {
	def, err := h.engine.GetDefinition(c.Request.Context(), c.Param("workflowId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// ListWorkflows returns all workflow definitions.
// GET /api/v1/workflows
func (h *Handler) ListWorkflows(c *gin.Context) {
	defs, err := h.engine.ListDefinitions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": defs, "total": len(defs)})
}

// DeleteWorkflow removes a workflow definition.
// DELETE /api/v1/workflows/:workflowId
func (h *Handler) DeleteWorkflow(c *gin.Context) {
	if err := h.engine.DeleteDefinition(c.Request.Context(), c.Param("workflowId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// StartWorkflow starts a new instance.
// POST /api/v1/workflows/:workflowId/start
func (h *Handler) StartWorkflow(c *gin.Context) {
	var req struct {
		Input map[string]interface{} `json:"input"`
	}
	_ = c.ShouldBindJSON(&req)
	inst, err := h.engine.StartInstance(c.Request.Context(), c.Param("workflowId"), req.Input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// GetInstance returns one workflow instance.
// GET /api/v1/instances/:instanceId
func (h *Handler) GetInstance(c *gin.Context) {
	inst, err := h.engine.GetInstance(c.Request.Context(), c.Param("instanceId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ListInstances returns instances matching the query filter.
// GET /api/v1/instances?workflowId=&status=
func (h *Handler) ListInstances(c *gin.Context) {
	instances, err := h.engine.ListInstances(c.Request.Context(), store.InstanceFilter{
		WorkflowID: c.Query("workflowId"),
		Status:     v1.InstanceStatus(c.Query("status")),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "total": len(instances)})
}

// CancelInstance cancels a running instance.
// POST /api/v1/instances/:instanceId/cancel
func (h *Handler) CancelInstance(c *gin.Context) {
	if err := h.engine.CancelInstance(c.Request.Context(), c.Param("instanceId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// SignalInstance delivers an external event to waiting steps.
// POST /api/v1/instances/:instanceId/signal
func (h *Handler) SignalInstance(c *gin.Context) {
	var req struct {
		EventType      string                 `json:"event_type" binding:"required"`
		CorrelationKey string                 `json:"correlation_key"`
		Payload        map[string]interface{} `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidArgumentf("malformed request: %v", err))
		return
	}
	err := h.engine.Signal(c.Request.Context(), c.Param("instanceId"), req.EventType, req.CorrelationKey, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}
