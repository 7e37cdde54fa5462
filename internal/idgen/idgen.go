// Package idgen mints identifiers for envelopes and score requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ScoreRequestPrefix marks commitment request IDs.
const ScoreRequestPrefix = "scr_"

// Message returns a time-ordered (version 7) UUID, so envelope IDs sort
// roughly by creation across chains.
func Message() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ScoreRequest returns a fresh commitment request ID.
func ScoreRequest() string {
	return WithPrefix(ScoreRequestPrefix)
}

// IsScoreRequest reports whether id was minted by ScoreRequest.
func IsScoreRequest(id string) bool {
	return strings.HasPrefix(id, ScoreRequestPrefix) && len(id) == len(ScoreRequestPrefix)+24
}

// WithPrefix returns prefix followed by 24 random hex characters.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
