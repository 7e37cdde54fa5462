package messages

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/idgen"
)

// Envelope is the unit of cross-chain delivery.
//
// The sending chain signs every field except Signature. Because a chain ID
// is the address of the chain's key, a receiver can check the signature
// against From without any key registry. Signer is the identity the sending
// chain vouches for ("authenticated signer"); it is empty when the message
// was not sent on behalf of a user.
type Envelope struct {
	ID        string          `cbor:"1,keyasint"`
	Kind      Kind            `cbor:"2,keyasint"`
	From      string          `cbor:"3,keyasint"`
	To        string          `cbor:"4,keyasint"`
	Sequence  uint64          `cbor:"5,keyasint"`
	Signer    string          `cbor:"6,keyasint,omitempty"`
	Body      cbor.RawMessage `cbor:"7,keyasint"`
	Signature []byte          `cbor:"8,keyasint,omitempty"`
}

// Delivery is a verified, decoded envelope handed to a chain application.
type Delivery struct {
	ID       string
	From     string
	Sequence uint64
	// Signer is set only when the envelope carried a valid sender signature
	// and the sending chain vouched for a signer.
	Signer  string
	Message Message
}

// New builds an unsigned envelope for m.
func New(from, to, signer string, m Message) (*Envelope, error) {
	body, err := marshal(m)
	if err != nil {
		return nil, fmt.Errorf("messages: encode %s: %w", m.Kind(), err)
	}
	return &Envelope{
		ID:     idgen.Message(),
		Kind:   m.Kind(),
		From:   strings.ToLower(from),
		To:     strings.ToLower(to),
		Signer: strings.ToLower(signer),
		Body:   body,
	}, nil
}

// Digest returns the EIP-191 Keccak-256 digest the sender signs.
func (e *Envelope) Digest() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	payload, err := marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(payload))
	return crypto.Keccak256([]byte(prefix), payload), nil
}

// Sign signs the envelope with the sending chain's identity.
func (e *Envelope) Sign(id *chain.Identity) error {
	if !strings.EqualFold(id.ID(), e.From) {
		return fmt.Errorf("messages: identity %s cannot sign for %s", id.ID(), e.From)
	}
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	sig, err := id.Sign(digest)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// Verify checks that the signature was produced by the From chain.
func (e *Envelope) Verify() error {
	if len(e.Signature) == 0 {
		return ErrBadSignature
	}
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	signer, err := chain.Recover(digest, e.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != strings.ToLower(e.From) {
		return ErrBadSignature
	}
	return nil
}

// Open verifies and decodes the envelope. Unsigned envelopes are accepted
// but lose their Signer claim; envelopes with a bad signature are rejected.
func (e *Envelope) Open() (*Delivery, error) {
	d := &Delivery{ID: e.ID, From: e.From, Sequence: e.Sequence}
	if len(e.Signature) > 0 {
		if err := e.Verify(); err != nil {
			return nil, err
		}
		d.Signer = e.Signer
	}
	m, err := Decode(e.Kind, e.Body)
	if err != nil {
		return nil, err
	}
	d.Message = m
	return d, nil
}

// Marshal encodes an envelope for the wire.
func Marshal(e *Envelope) ([]byte, error) {
	return marshal(e)
}

// Unmarshal decodes a wire envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.ID == "" || e.Kind == "" || e.To == "" {
		return nil, ErrMalformed
	}
	return &e, nil
}
