package oracle

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/kya/internal/auth"
	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/logging"
)

// Handler provides HTTP handlers for the bridge.
type Handler struct {
	builder *Builder
}

// NewHandler creates a new bridge handler
func NewHandler(builder *Builder) *Handler {
	return &Handler{builder: builder}
}

// RegisterRoutes sets up the bridge routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/initialize", h.Initialize)
	r.POST("/commitments/request", h.RequestCommitment)
	r.POST("/commitments", h.RegisterCommitment)
	r.POST("/commitments/verify", h.VerifyCommitment)
	r.GET("/commitments/:agent", h.GetCommitment)
	r.GET("/stats", h.GetStats)
}

// InitializeRequest names the registry chain to query.
type InitializeRequest struct {
	RegistryChain string `json:"registry_chain" binding:"required"`
}

// Initialize handles POST /initialize
func (h *Handler) Initialize(c *gin.Context) {
	var req InitializeRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.builder.Initialize(c.Request.Context(), auth.GetCaller(c), req.RegistryChain); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "Initialized"})
}

// CommitmentRequest names the agent to snapshot.
type CommitmentRequest struct {
	Agent string `json:"agent" binding:"required"`
}

// RequestCommitment handles POST /commitments/request
func (h *Handler) RequestCommitment(c *gin.Context) {
	var req CommitmentRequest
	if !bindJSON(c, &req) {
		return
	}
	id, err := h.builder.RequestCommitment(c.Request.Context(), auth.GetCaller(c), req.Agent)
	if err != nil {
		mapError(c, err)
		return
	}
	agent, _ := chain.NormalizeAddress(req.Agent)
	c.JSON(http.StatusAccepted, gin.H{"type": "CommitmentRequested", "agent": agent, "correlation_id": id})
}

// RegisterCommitment handles POST /commitments
func (h *Handler) RegisterCommitment(c *gin.Context) {
	var req ScoreCommitment
	if !bindJSON(c, &req) {
		return
	}
	hash, err := h.builder.RegisterCommitment(c.Request.Context(), auth.GetCaller(c), req)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"type": "CommitmentRegistered", "commitment_hash": hash})
}

// VerifyCommitment handles POST /commitments/verify
func (h *Handler) VerifyCommitment(c *gin.Context) {
	var req ScoreCommitment
	if !bindJSON(c, &req) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"type":     "CommitmentVerified",
		"valid":    h.builder.VerifyCommitment(req),
		"expected": CommitmentHash(req.Agent, req.Score, req.Timestamp),
	})
}

// GetCommitment handles GET /commitments/:agent
func (h *Handler) GetCommitment(c *gin.Context) {
	agent, ok := chain.NormalizeAddress(c.Param("agent"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Agent must be a valid address"})
		return
	}
	commitment, err := h.builder.Commitment(c.Request.Context(), agent)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commitment": commitment})
}

// GetStats handles GET /stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.builder.Stats(c.Request.Context())
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body: " + err.Error()})
		return false
	}
	return true
}

func mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chain.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, chain.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, chain.ErrNotInitialized):
		status = http.StatusConflict
	case errors.Is(err, ErrCommitmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case chain.IsStorageFailure(err):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		logging.L(c.Request.Context()).Error("bridge operation failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"type": "Error", "error": chain.CodeOf(err), "kind": chain.KindOf(err), "message": err.Error()})
}
