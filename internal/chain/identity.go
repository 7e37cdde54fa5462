package chain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity is a chain's signing key. Its address is the chain ID.
type Identity struct {
	key *ecdsa.PrivateKey
	id  string
}

// NewIdentity loads a chain identity from a hex-encoded secp256k1 key.
func NewIdentity(hexKey string) (*Identity, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid chain key: %w", err)
	}
	return identityFromKey(key), nil
}

// GenerateIdentity creates a fresh random chain identity.
func GenerateIdentity() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return identityFromKey(key), nil
}

func identityFromKey(key *ecdsa.PrivateKey) *Identity {
	return &Identity{
		key: key,
		id:  strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

// ID returns the chain ID (lower-case hex address).
func (i *Identity) ID() string { return i.id }

// Sign signs a 32-byte digest. The result is 65 bytes [R || S || V] with V in {0,1}.
func (i *Identity) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, i.key)
}

// Recover returns the address that produced sig over digest.
func Recover(digest, sig []byte) (string, error) {
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// NormalizeAddress validates a hex address and returns its lower-case form.
func NormalizeAddress(addr string) (string, bool) {
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}

// GenerateKey creates a fresh chain key, returning its chain ID and the
// hex-encoded private key suitable for the *_CHAIN_KEY settings.
func GenerateKey() (id, hexKey string, err error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", "", err
	}
	return identityFromKey(key).ID(), hex.EncodeToString(crypto.FromECDSA(key)), nil
}
