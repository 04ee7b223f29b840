// Package security provides the cryptographic collaborator consumed by
// leader selection and registration: VRF and VDF verification, FIDO2
// assertion checking, signed cooldown tickets, and peer behavior
// scoring. Verification never panics on attacker-supplied input; every
// malformed blob resolves to an error.
package security

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	// VRFOutputSize is the size of a verified VRF output.
	VRFOutputSize = 32

	// VDFOutputSize is the size of a delay-function output.
	VDFOutputSize = 32
)

var (
	ErrInvalidPubKey    = errors.New("invalid public key")
	ErrInvalidProof     = errors.New("invalid proof")
	ErrInvalidVDFOutput = errors.New("invalid delay function output")
)

// Verifier is the cryptographic surface the consensus core depends on.
// Implementations must be safe for concurrent use.
type Verifier interface {
	// VerifyVRF checks that proof is a valid evaluation of the seed
	// under the given public key and returns the pseudorandom output.
	VerifyVRF(seed, proof, pubKey []byte) ([]byte, error)

	// VerifyVDF checks that output is the result of running the
	// sequential delay function for the given iteration count over the
	// input.
	VerifyVDF(input, output []byte, iterations uint64) error

	// VerifyFIDO2Assertion validates an authenticator assertion and
	// returns its parsed flags.
	VerifyFIDO2Assertion(a Assertion) (AssertionFlags, error)
}

// Ed25519Verifier implements Verifier over Ed25519 signatures and
// SHA3-256.
type Ed25519Verifier struct{}

// NewVerifier creates the production verifier.
func NewVerifier() *Ed25519Verifier {
	return &Ed25519Verifier{}
}

// VerifyVRF treats proof as an Ed25519 signature over the seed. The
// output is the SHA3-256 digest of the proof, so a participant cannot
// choose its output without forging a signature.
func (v *Ed25519Verifier) VerifyVRF(seed, proof, pubKey []byte) ([]byte, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPubKey, len(pubKey))
	}
	if len(seed) == 0 {
		return nil, fmt.Errorf("%w: empty seed", ErrInvalidProof)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), seed, proof) {
		return nil, ErrInvalidProof
	}

	out := sha3.Sum256(proof)
	return out[:], nil
}

// VerifyVDF recomputes the sequential SHA3-256 chain. Verification
// costs the same as evaluation; the checkpoint oracle amortizes this by
// verifying once per checkpoint, not per message.
func (v *Ed25519Verifier) VerifyVDF(input, output []byte, iterations uint64) error {
	if len(output) != VDFOutputSize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidVDFOutput, len(output))
	}
	if iterations == 0 {
		return fmt.Errorf("%w: zero iterations", ErrInvalidVDFOutput)
	}

	cur := sha3.Sum256(input)
	for i := uint64(1); i < iterations; i++ {
		cur = sha3.Sum256(cur[:])
	}
	if !bytes.Equal(cur[:], output) {
		return ErrInvalidVDFOutput
	}
	return nil
}

// EvalVDF runs the delay function forward. Exposed for the time-oracle
// side and for tests.
func EvalVDF(input []byte, iterations uint64) []byte {
	cur := sha3.Sum256(input)
	for i := uint64(1); i < iterations; i++ {
		cur = sha3.Sum256(cur[:])
	}
	return cur[:]
}

// ProveVRF evaluates the VRF with a private key, producing the proof
// and output that VerifyVRF accepts. Used by the local node when it
// participates in selection.
func ProveVRF(priv ed25519.PrivateKey, seed []byte) (proof, output []byte, err error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("%w: bad private key size", ErrInvalidProof)
	}
	if len(seed) == 0 {
		return nil, nil, fmt.Errorf("%w: empty seed", ErrInvalidProof)
	}
	proof = ed25519.Sign(priv, seed)
	out := sha3.Sum256(proof)
	return proof, out[:], nil
}

// KeyPair represents a participant signing key pair.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Created    time.Time
}

// GenerateKeyPair creates a new Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Created:    time.Now(),
	}, nil
}
