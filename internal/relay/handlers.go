package relay

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/kya/internal/auth"
	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/logging"
)

// Handler provides HTTP handlers for agent relays.
type Handler struct {
	service *Service
}

// NewHandler creates a new relay handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the relay routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/initialize", h.Initialize)
	r.POST("/tasks", h.LogTask)
	r.POST("/audits", h.RequestAudit)
	r.GET("/:agent/stats", h.GetStats)
	r.GET("/:agent/tasks", h.ListTasks)
}

// InitializeRequest names the registry chain to report to.
type InitializeRequest struct {
	RegistryChain string `json:"registry_chain" binding:"required"`
}

// Initialize handles POST /initialize
func (h *Handler) Initialize(c *gin.Context) {
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.service.Initialize(c.Request.Context(), auth.GetCaller(c), req.RegistryChain); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "Initialized"})
}

// LogTaskRequest reports one task outcome.
type LogTaskRequest struct {
	Description string `json:"description"`
	Success     *bool  `json:"success" binding:"required"`
}

// LogTask handles POST /tasks
func (h *Handler) LogTask(c *gin.Context) {
	var req LogTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	entry, err := h.service.LogTask(c.Request.Context(), auth.GetCaller(c), req.Description, *req.Success)
	if err != nil {
		mapError(c, err)
		return
	}
	status := http.StatusOK
	if !entry.Reported {
		// Logged locally; the activity log is sent by the reporter.
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"type": "TaskLogged", "task_hash": entry.TaskHash, "sequence": entry.Sequence, "forwarded": entry.Reported})
}

// RequestAudit handles POST /audits
func (h *Handler) RequestAudit(c *gin.Context) {
	if err := h.service.RequestAudit(c.Request.Context(), auth.GetCaller(c)); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "AuditRequested"})
}

// GetStats handles GET /:agent/stats
func (h *Handler) GetStats(c *gin.Context) {
	agent, ok := chain.NormalizeAddress(c.Param("agent"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Agent must be a valid address"})
		return
	}
	stats, err := h.service.Stats(c.Request.Context(), agent)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListTasks handles GET /:agent/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	agent, ok := chain.NormalizeAddress(c.Param("agent"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Agent must be a valid address"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	tasks, err := h.service.Tasks(c.Request.Context(), agent, limit)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chain.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, chain.ErrNotInitialized):
		status = http.StatusConflict
	case errors.Is(err, chain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case chain.IsStorageFailure(err):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		logging.L(c.Request.Context()).Error("relay operation failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"type": "Error", "error": chain.CodeOf(err), "kind": chain.KindOf(err), "message": err.Error()})
}
