package pruning

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/bftkit/statetransfer/cbor"
)

var ErrBadSignature = errors.New("pruning: bad request signature")

// PruneTicksChangeRequest asks all replicas to prune BatchBlocksNum blocks
// every TickPeriodSeconds
type PruneTicksChangeRequest struct {
	cbor.StructAsArray
	SenderID          uint16
	TickPeriodSeconds uint32
	BatchBlocksNum    uint64
}

// ReconfigurationRequest is the signed envelope sent through the
// consensus client
type ReconfigurationRequest struct {
	cbor.StructAsArray
	Sender    uint16
	Command   PruneTicksChangeRequest
	Signature []byte
}

// Signer signs a request digest with the replica's key
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

type Ed25519Signer struct {
	key ed25519.PrivateKey
}

func NewEd25519Signer(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{key: key}
}

func (s *Ed25519Signer) Sign(digest []byte) ([]byte, error) {
	if len(s.key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("pruning: invalid ed25519 key length %d", len(s.key))
	}
	return ed25519.Sign(s.key, digest), nil
}

func (s *Ed25519Signer) Public() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

func commandDigest(cmd *PruneTicksChangeRequest) ([]byte, error) {
	data, err := cbor.Encode(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	sum := blake2b.Sum256(data)
	return sum[:], nil
}

// NewSignedRequest wraps cmd in an envelope signed by signer
func NewSignedRequest(sender uint16, cmd PruneTicksChangeRequest, signer Signer) (*ReconfigurationRequest, error) {
	digest, err := commandDigest(&cmd)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return &ReconfigurationRequest{
		Sender:    sender,
		Command:   cmd,
		Signature: sig,
	}, nil
}

// Verify checks the envelope signature against pub
func (r *ReconfigurationRequest) Verify(pub ed25519.PublicKey) error {
	digest, err := commandDigest(&r.Command)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest, r.Signature) {
		return ErrBadSignature
	}
	return nil
}

func DecodeRequest(data []byte) (*ReconfigurationRequest, error) {
	r := &ReconfigurationRequest{}
	if _, err := cbor.Decode(data, r); err != nil {
		return nil, fmt.Errorf("pruning: decode request: %w", err)
	}
	return r, nil
}
