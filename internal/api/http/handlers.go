// Package http exposes the orchestrator over a REST surface in front of
// the WebSocket event stream.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
)

// Handlers binds the orchestrator's operations to routes.
type Handlers struct {
	orch   *orchestrator.Orchestrator
	logger *logging.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(orch *orchestrator.Orchestrator, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{orch: orch, logger: logger}
}

// Register attaches all session routes to the router group.
func (h *Handlers) Register(r gin.IRouter) {
	r.POST("/sessions", h.StartSession)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.DELETE("/sessions/:id", h.DeleteSession)
	r.POST("/sessions/:id/messages", h.SendMessage)
	r.GET("/sessions/:id/messages", h.GetMessages)
	r.POST("/sessions/:id/abort", h.AbortSession)
	r.POST("/sessions/:id/end", h.EndSession)
	r.GET("/sessions/:id/approvals", h.ListApprovals)
	r.POST("/sessions/:id/approvals/:requestId", h.RespondApproval)
	r.POST("/sessions/:id/queue", h.EnqueueMessage)
	r.GET("/sessions/:id/queue", h.ListQueue)
	r.PUT("/queue/:queueId", h.EditQueued)
	r.DELETE("/queue/:queueId", h.CancelQueued)
}

type startSessionRequest struct {
	SessionID       string  `json:"sessionId"`
	ProjectID       string  `json:"projectId"`
	ProjectPath     string  `json:"projectPath" binding:"required"`
	Prompt          string  `json:"prompt" binding:"required"`
	Model           string  `json:"model"`
	MaxBudgetUSD    float64 `json:"maxBudgetUsd"`
	ResumeSessionID string  `json:"resumeSessionId"`
}

// StartSession creates a session and spawns its worker.
func (h *Handlers) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	sid, err := h.orch.StartSession(orchestrator.StartRequest{
		SessionID:       req.SessionID,
		ProjectID:       req.ProjectID,
		ProjectPath:     req.ProjectPath,
		Prompt:          req.Prompt,
		Model:           req.Model,
		MaxBudgetUSD:    req.MaxBudgetUSD,
		ResumeSessionID: req.ResumeSessionID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "sessionId": sid})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "sessionId": sid})
}

// ListSessions returns every session, newest first.
func (h *Handlers) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": h.orch.ListSessions()})
}

// GetSession returns one session.
func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.orch.GetSession(c.Param("id"))
	if err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sess})
}

// DeleteSession removes a session and everything attached to it.
func (h *Handlers) DeleteSession(c *gin.Context) {
	if err := h.orch.Delete(c.Param("id")); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type sendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// SendMessage delivers operator input to the running conversation.
func (h *Handlers) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := h.orch.SendMessage(c.Param("id"), req.Message); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetMessages returns the session's history, loading from storage on first
// access.
func (h *Handlers) GetMessages(c *gin.Context) {
	msgs, err := h.orch.GetMessages(c.Param("id"))
	if err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": msgs})
}

// AbortSession cancels the session.
func (h *Handlers) AbortSession(c *gin.Context) {
	if err := h.orch.Abort(c.Param("id")); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// EndSession asks the worker to stop after the current turn.
func (h *Handlers) EndSession(c *gin.Context) {
	if err := h.orch.End(c.Param("id")); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListApprovals returns pending tool approvals for the session.
func (h *Handlers) ListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "approvals": h.orch.ListApprovals(c.Param("id"))})
}

type respondApprovalRequest struct {
	Allowed            bool            `json:"allowed"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions"`
}

// RespondApproval resolves one pending tool approval. Unknown request ids
// are accepted and ignored.
func (h *Handlers) RespondApproval(c *gin.Context) {
	var req respondApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := h.orch.RespondApproval(c.Param("id"), c.Param("requestId"), req.Allowed, req.UpdatedPermissions); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type enqueueRequest struct {
	Content string `json:"content" binding:"required"`
}

// EnqueueMessage parks input for delivery after the current turn.
func (h *Handlers) EnqueueMessage(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	entry, err := h.orch.Enqueue(c.Param("id"), req.Content)
	if err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "entry": entry})
}

// ListQueue returns the session's queued follow-ups in send order.
func (h *Handlers) ListQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "queue": h.orch.ListQueued(c.Param("id"))})
}

type editQueuedRequest struct {
	Content string `json:"content" binding:"required"`
}

// EditQueued replaces a queued entry's content before it is sent.
func (h *Handlers) EditQueued(c *gin.Context) {
	var req editQueuedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if !h.orch.EditQueued(c.Param("queueId"), req.Content) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "queue entry not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CancelQueued removes a queued entry.
func (h *Handlers) CancelQueued(c *gin.Context) {
	if !h.orch.CancelQueued(c.Param("queueId")) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "queue entry not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) notFoundOrError(c *gin.Context, err error) {
	if errors.Is(err, orchestrator.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
}
