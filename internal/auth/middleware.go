package auth

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/logging"
)

// ContextKeyCaller is the gin context key holding the chain.Caller.
const ContextKeyCaller = "kyaCaller"

const maxBodyForSignature = 1 << 20

// Config controls request verification.
type Config struct {
	// MaxSkew bounds how far a request timestamp may drift from now.
	MaxSkew time.Duration
	// AdminSecret grants Authorized when presented in X-Admin-Secret.
	// Empty disables administrative access.
	AdminSecret string
	Clock       chain.Clock
}

// Middleware verifies request signatures. Requests without signature
// headers pass through as anonymous; requests with a bad signature are
// rejected.
func Middleware(cfg Config) gin.HandlerFunc {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = chain.SystemClock{}
	}

	return func(c *gin.Context) {
		addr := c.GetHeader(HeaderAddress)
		sig := c.GetHeader(HeaderSignature)
		if addr == "" && sig == "" {
			c.Next()
			return
		}

		caller, reason := verify(c, cfg, addr, sig)
		if reason != "" {
			logging.L(c.Request.Context()).Warn("request signature rejected", "address", addr, "reason", reason)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": reason,
			})
			return
		}
		c.Set(ContextKeyCaller, caller)
		c.Next()
	}
}

func verify(c *gin.Context, cfg Config, addr, sig string) (chain.Caller, string) {
	normalized, ok := chain.NormalizeAddress(addr)
	if !ok {
		return chain.Caller{}, "X-KYA-Address must be a valid address"
	}
	ts, err := strconv.ParseInt(c.GetHeader(HeaderTimestamp), 10, 64)
	if err != nil {
		return chain.Caller{}, "X-KYA-Timestamp must be unix seconds"
	}
	skew := cfg.Clock.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > cfg.MaxSkew {
		return chain.Caller{}, "request timestamp outside allowed window"
	}

	var body []byte
	if c.Request.Body != nil {
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxBodyForSignature))
		if err != nil {
			return chain.Caller{}, "unreadable request body"
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	recovered, err := RecoverAddress(CanonicalRequest(c.Request.Method, c.Request.URL.Path, ts, body), sig)
	if err != nil || recovered != normalized {
		return chain.Caller{}, "signature does not match address"
	}

	return chain.Caller{Address: normalized, Authorized: isAdmin(c, cfg.AdminSecret)}, ""
}

func isAdmin(c *gin.Context, secret string) bool {
	if secret == "" {
		return false
	}
	got := c.GetHeader(HeaderAdmin)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// GetCaller returns the caller attached by Middleware, or chain.Anonymous.
func GetCaller(c *gin.Context) chain.Caller {
	v, ok := c.Get(ContextKeyCaller)
	if !ok {
		return chain.Anonymous
	}
	caller, ok := v.(chain.Caller)
	if !ok {
		return chain.Anonymous
	}
	return caller
}

// RequireAuth rejects anonymous requests.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetCaller(c).Authenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "not_authenticated",
				"message": "Signed request required. Include X-KYA-Address, X-KYA-Timestamp and X-KYA-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// IsAuthenticated checks if the request carries a verified signer.
func IsAuthenticated(c *gin.Context) bool {
	return GetCaller(c).Authenticated()
}

// AuthenticatedAddress returns the verified signer, or "".
func AuthenticatedAddress(c *gin.Context) string {
	return strings.ToLower(GetCaller(c).Address)
}
