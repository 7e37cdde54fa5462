package transport

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/messages"
)

const maxEnvelopeSize = 1 << 20

// Inbox accepts CBOR envelopes over HTTP and hands them to a local bus.
// It lets chains hosted elsewhere reach this node without a shared broker.
type Inbox struct {
	bus Bus
}

// NewInbox creates an HTTP inbox publishing into bus.
func NewInbox(bus Bus) *Inbox {
	return &Inbox{bus: bus}
}

// RegisterRoutes sets up the inbox route.
func (h *Inbox) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chains/:chain/inbox", h.Receive)
}

// Receive handles POST /chains/:chain/inbox
func (h *Inbox) Receive(c *gin.Context) {
	ctx := c.Request.Context()

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnvelopeSize+1))
	if err != nil || len(data) > maxEnvelopeSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Envelope unreadable or too large"})
		return
	}
	env, err := messages.Unmarshal(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !strings.EqualFold(env.To, c.Param("chain")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Envelope recipient does not match inbox"})
		return
	}
	if err := env.Verify(); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature", "message": err.Error()})
		return
	}

	if err := h.bus.Publish(ctx, env); err != nil {
		logging.L(ctx).Error("failed to enqueue inbound envelope", "id", env.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Failed to enqueue envelope"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": env.ID, "sequence": env.Sequence})
}
