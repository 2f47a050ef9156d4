package api

import (
	"github.com/gin-gonic/gin"

	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/dispatch"
	"github.com/orbitmesh/orbitmesh/internal/events/bus"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// SetupRoutes registers the control plane API routes.
func SetupRoutes(router *gin.RouterGroup, reg *registry.Registry, disp *dispatch.Dispatcher, engine *workflow.Engine, st store.Store, eventBus bus.EventBus, log *logger.Logger) {
	h := NewHandler(reg, disp, engine, st, log)
	stream := NewStreamHandler(eventBus, log)

	agents := router.Group("/agents")
	{
		agents.GET("", h.ListAgents)
		agents.GET("/:agentId", h.GetAgent)
		agents.POST("/:agentId/pause", h.PauseAgent)
		agents.POST("/:agentId/resume", h.ResumeAgent)
		agents.POST("/:agentId/stop", h.StopAgent)
		agents.DELETE("/:agentId", h.RemoveAgent)
	}

	jobs := router.Group("/jobs")
	{
		jobs.POST("", h.SubmitJob)
		jobs.GET("", h.ListJobs)
		jobs.GET("/:jobId", h.GetJob)
		jobs.POST("/:jobId/cancel", h.CancelJob)
		jobs.POST("/:jobId/retry", h.RetryJob)
	}

	workflows := router.Group("/workflows")
	{
		workflows.PUT("", h.DefineWorkflow)
		workflows.GET("", h.ListWorkflows)
		workflows.GET("/:workflowId", h.GetWorkflow)
		workflows.DELETE("/:workflowId", h.DeleteWorkflow)
		workflows.POST("/:workflowId/start", h.StartWorkflow)
	}

	instances := router.Group("/instances")
	{
		instances.GET("", h.ListInstances)
		instances.GET("/:instanceId", h.GetInstance)
		instances.POST("/:instanceId/cancel", h.CancelInstance)
		instances.POST("/:instanceId/signal", h.SignalInstance)
	}

	tokens := router.Group("/tokens")
	{
		tokens.POST("", h.CreateToken)
		tokens.GET("/:token", h.GetToken)
		tokens.DELETE("/:token", h.RevokeToken)
	}

	router.GET("/events", stream.Subscribe)
}
