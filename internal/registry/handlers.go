package registry

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/kya/internal/auth"
	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/tokens"
)

// Handler provides HTTP handlers for registry operations and queries.
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the registry routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	// Operations
	r.POST("/agents", h.RegisterAgent)
	r.PUT("/agents/code", h.UpdateAgentCode)
	r.POST("/agents/:agent/score", h.AdjustScore)
	r.POST("/agents/:agent/spam", h.FlagSpam)
	r.POST("/agents/:agent/audits", h.SubmitAudit)
	r.POST("/agents/:agent/verify", h.VerifyCodeHash)
	r.POST("/stake", h.Stake)
	r.POST("/unstake", h.Unstake)
	r.POST("/agents/:agent/slash", h.Slash)
	r.PUT("/subscription", h.SetSubscriptionCost)
	r.POST("/agents/:agent/subscribe", h.Subscribe)

	// Queries
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:agent", h.GetAgent)
	r.GET("/agents/:agent/subscription", h.GetSubscriptionCost)
	r.GET("/stats", h.GetStats)
}

// agentParam validates and normalizes the :agent path parameter.
func agentParam(c *gin.Context) (string, bool) {
	agent, ok := chain.NormalizeAddress(c.Param("agent"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Agent must be a valid address",
		})
		return "", false
	}
	return agent, true
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

// RegisterAgent handles POST /agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	caller := auth.GetCaller(c)
	cid, err := h.service.Register(c.Request.Context(), caller, req)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"type": "AgentRegistered", "agent": caller.Address, "storage_cid": cid})
}

// UpdateAgentCode handles PUT /agents/code
func (h *Handler) UpdateAgentCode(c *gin.Context) {
	var req RegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.service.UpdateCode(c.Request.Context(), auth.GetCaller(c), req)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "AgentUpdated", "agent": res.Agent, "version": res.Version, "update_count": res.UpdateCount})
}

// AdjustScoreRequest is the payload for manual score corrections.
type AdjustScoreRequest struct {
	Delta  *int   `json:"delta" binding:"required"`
	Reason string `json:"reason"`
}

// AdjustScore handles POST /agents/:agent/score
func (h *Handler) AdjustScore(c *gin.Context) {
	agent, ok := agentParam(c)
	if !ok {
		return
	}
	var req AdjustScoreRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.service.AdjustScore(c.Request.Context(), auth.GetCaller(c), agent, *req.Delta, req.Reason)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "ScoreAdjusted", "new_score": res.Score, "new_tier": res.Tier})
}

// FlagSpamRequest carries the reporter's evidence.
type FlagSpamRequest struct {
	Evidence string `json:"evidence"`
}

// FlagSpam handles POST /agents/:agent/spam
func (h *Handler) FlagSpam(c *gin.Context) {
	agent, ok := agentParam(c)
	if !ok {
		return
	}
	var req FlagSpamRequest
	if !bindJSON(c, &req) {
		return
	}
	flags, err := h.service.FlagSpam(c.Request.Context(), auth.GetCaller(c), agent, req.Evidence)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "SpamFlagged", "total_flags": flags})
}

// SubmitAuditRequest carries an audit verdict.
type SubmitAuditRequest struct {
	Passed       *bool  `json:"passed" binding:"required"`
	AuditorNotes string `json:"auditor_notes"`
}

// SubmitAudit handles POST /agents/:agent/audits
func (h *Handler) SubmitAudit(c *gin.Context) {
	agent, ok := agentParam(c)
	if !ok {
		return
	}
	var req SubmitAuditRequest
	if !bindJSON(c, &req) {
		return
	}
	passed, err := h.service.SubmitAudit(c.Request.Context(), auth.GetCaller(c), agent, *req.Passed, req.AuditorNotes)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "AuditSubmitted", "passed": passed})
}

// VerifyCodeHashRequest carries the hash to compare.
type VerifyCodeHashRequest struct {
	ExpectedHash common.Hash `json:"expected_hash"`
}

// VerifyCodeHash handles POST /agents/:agent/verify
func (h *Handler) VerifyCodeHash(c *gin.Context) {
	agent, ok := agentParam(c)
	if !ok {
		return
	}
	var req VerifyCodeHashRequest
	if !bindJSON(c, &req) {
		return
	}
	matches, err := h.service.VerifyCodeHash(c.Request.Context(), agent, req.ExpectedHash)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "HashVerified", "matches": matches})
}

// AmountRequest carries a token amount.
type AmountRequest struct {
	Amount tokens.Amount `json:"amount"`
}

// Stake handles POST /stake
func (h *Handler) Stake(c *gin.Context) {
	var req AmountRequest
	if !bindJSON(c, &req) {
		return
	}
	caller := auth.GetCaller(c)
	balance, err := h.service.Stake(c.Request.Context(), caller, req.Amount)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "Staked", "agent": caller.Address, "amount": req.Amount, "new_balance": balance})
}

// Unstake handles POST /unstake
func (h *Handler) Unstake(c *gin.Context) {
	var req AmountRequest
	if !bindJSON(c, &req) {
		return
	}
	caller := auth.GetCaller(c)
	remaining, err := h.service.Unstake(c.Request.Context(), caller, req.Amount)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "Unstaked", "agent": caller.Address, "amount": req.Amount, "remaining_balance": remaining})
}

// Slash handles POST /agents/:agent/slash
func (h *Handler) Slash(c *gin.Context) {
	agent, ok := agentParam(c)
	if !ok {
		return
	}
	var req AmountRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.service.Slash(c.Request.Context(), auth.GetCaller(c), agent, req.Amount)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "Slashed", "agent": res.Agent, "amount": res.Slashed, "remaining_balance": res.Remaining})
}

// SubscriptionCostRequest sets the caller's price.
type SubscriptionCostRequest struct {
	Cost tokens.Amount `json:"cost"`
}

// SetSubscriptionCost handles PUT /subscription
func (h *Handler) SetSubscriptionCost(c *gin.Context) {
	var req SubscriptionCostRequest
	if !bindJSON(c, &req) {
		return
	}
	caller := auth.GetCaller(c)
	if err := h.service.SetSubscriptionCost(c.Request.Context(), caller, req.Cost); err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "CostUpdated", "agent": caller.Address, "new_cost": req.Cost})
}

// Subscribe handles POST /agents/:agent/subscribe
func (h *Handler) Subscribe(c *gin.Context) {
	agent, ok := agentParam(c)
	if !ok {
		return
	}
	q, err := h.service.Subscribe(c.Request.Context(), auth.GetCaller(c), agent)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "Subscribed", "agent": q.Agent, "subscriber": q.Subscriber, "cost": q.Cost})
}

// GetSubscriptionCost handles GET /agents/:agent/subscription
func (h *Handler) GetSubscriptionCost(c *gin.Context) {
	agent, ok := agentParam(c)
	if !ok {
		return
	}
	cost, err := h.service.GetSubscriptionCost(c.Request.Context(), agent)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "cost": cost})
}

// GetAgent handles GET /agents/:agent
func (h *Handler) GetAgent(c *gin.Context) {
	agent, ok := agentParam(c)
	if !ok {
		return
	}
	b, err := h.service.Badge(c.Request.Context(), agent)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"badge": b})
}

// ListAgents handles GET /agents
func (h *Handler) ListAgents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	badges, err := h.service.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"badges": badges, "count": len(badges)})
}

// GetStats handles GET /stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// mapError maps service errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chain.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, chain.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAlreadyRegistered), errors.Is(err, ErrInsufficientStake):
		status = http.StatusConflict
	case errors.Is(err, chain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case chain.IsStorageFailure(err):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		logging.L(c.Request.Context()).Error("registry operation failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"type": "Error", "error": chain.CodeOf(err), "kind": chain.KindOf(err), "message": err.Error()})
}
