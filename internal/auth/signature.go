// Package auth turns signed HTTP requests into chain callers.
//
// A request is authenticated when it carries the signer's address, a
// timestamp and an EIP-191 signature over the canonical request string.
// Administrative authorization is a separate, pre-shared secret that the
// state machine receives as a trusted flag on the caller.
package auth

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/kya/internal/chain"
)

const (
	HeaderAddress   = "X-KYA-Address"
	HeaderTimestamp = "X-KYA-Timestamp"
	HeaderSignature = "X-KYA-Signature"
	HeaderAdmin     = "X-Admin-Secret"
)

// CanonicalRequest builds the string a client signs:
// "KYA|{METHOD}|{PATH}|{unix seconds}|{keccak256(body) hex}".
func CanonicalRequest(method, path string, timestamp int64, body []byte) string {
	return fmt.Sprintf("KYA|%s|%s|%d|%s",
		strings.ToUpper(method),
		path,
		timestamp,
		hex.EncodeToString(crypto.Keccak256(body)),
	)
}

// HashMessage creates an Ethereum signed message hash (EIP-191).
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer of message from a hex signature.
func RecoverAddress(message, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	return chain.Recover(HashMessage(message), sig)
}

// SignRequest sets the authentication headers on req for identity.
func SignRequest(req *http.Request, id *chain.Identity, body []byte, now time.Time) error {
	ts := now.Unix()
	sig, err := id.Sign(HashMessage(CanonicalRequest(req.Method, req.URL.Path, ts, body)))
	if err != nil {
		return err
	}
	sig[64] += 27
	req.Header.Set(HeaderAddress, id.ID())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}
