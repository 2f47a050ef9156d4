package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/orbitmesh/orbitmesh/internal/common/errors"
	"github.com/orbitmesh/orbitmesh/internal/store"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

// CreateToken mints a bootstrap token an agent can present on connect.
// Omitting token generates one; omitting agent_id leaves the identity to
// the connecting agent's hello.
// POST /api/v1/tokens
func (h *Handler) CreateToken(c *gin.Context) {
	var req struct {
		Token        string          `json:"token"`
		AgentID      string          `json:"agent_id"`
		Name         string          `json:"name"`
		Group        string          `json:"group"`
		Capabilities []v1.Capability `json:"capabilities"`
		TTLSeconds   int             `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidArgumentf("malformed request: %v", err))
		return
	}
	rec := &store.BootstrapToken{
		Token:        req.Token,
		AgentID:      req.AgentID,
		Name:         req.Name,
		Group:        req.Group,
		Capabilities: req.Capabilities,
		CreatedAt:    time.Now().UTC(),
	}
	if rec.Token == "" {
		rec.Token = uuid.New().String()
	}
	if req.TTLSeconds > 0 {
		expires := rec.CreatedAt.Add(time.Duration(req.TTLSeconds) * time.Second)
		rec.ExpiresAt = &expires
	}
	if err := h.store.SaveBootstrapToken(c.Request.Context(), rec); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// GetToken returns a bootstrap token record.
// GET /api/v1/tokens/:token
func (h *Handler) GetToken(c *gin.Context) {
	rec, err := h.store.GetBootstrapToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RevokeToken deletes a bootstrap token. Connected agents keep their
// sessions; the token just stops authenticating new connections.
// DELETE /api/v1/tokens/:token
func (h *Handler) RevokeToken(c *gin.Context) {
	if err := h.store.DeleteBootstrapToken(c.Request.Context(), c.Param("token")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
