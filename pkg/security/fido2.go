package security

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// WebAuthn authenticator data layout: 32-byte RP ID hash, 1 flags
// byte, 4-byte signature counter.
const (
	minAuthDataLen = 37
	flagsOffset    = 32

	flagUserPresent  = 0x01
	flagUserVerified = 0x04
)

var (
	ErrAuthDataTooShort = errors.New("authenticator data too short")
	ErrBadAssertion     = errors.New("invalid assertion signature")
)

// Assertion is one FIDO2 authenticator assertion as delivered by the
// registration handler.
type Assertion struct {
	AuthData       []byte
	ClientDataHash []byte
	Signature      []byte
	PubKey         []byte
}

// AssertionFlags are the parsed authenticator flags.
type AssertionFlags struct {
	UserPresent  bool
	UserVerified bool
	Counter      uint32
}

// ParseAssertionFlags extracts the flags byte and signature counter
// from raw authenticator data.
func ParseAssertionFlags(authData []byte) (AssertionFlags, error) {
	if len(authData) < minAuthDataLen {
		return AssertionFlags{}, fmt.Errorf("%w: %d bytes", ErrAuthDataTooShort, len(authData))
	}

	flags := authData[flagsOffset]
	counter := uint32(authData[33])<<24 | uint32(authData[34])<<16 |
		uint32(authData[35])<<8 | uint32(authData[36])
	return AssertionFlags{
		UserPresent:  flags&flagUserPresent != 0,
		UserVerified: flags&flagUserVerified != 0,
		Counter:      counter,
	}, nil
}

// VerifyFIDO2Assertion checks the assertion signature over
// authData || clientDataHash and returns the parsed flags. Flag
// interpretation (presence vs verification) is the caller's policy.
func (v *Ed25519Verifier) VerifyFIDO2Assertion(a Assertion) (AssertionFlags, error) {
	flags, err := ParseAssertionFlags(a.AuthData)
	if err != nil {
		return AssertionFlags{}, err
	}
	if len(a.PubKey) != ed25519.PublicKeySize {
		return AssertionFlags{}, fmt.Errorf("%w: got %d bytes", ErrInvalidPubKey, len(a.PubKey))
	}

	signed := make([]byte, 0, len(a.AuthData)+len(a.ClientDataHash))
	signed = append(signed, a.AuthData...)
	signed = append(signed, a.ClientDataHash...)
	if !ed25519.Verify(ed25519.PublicKey(a.PubKey), signed, a.Signature) {
		return AssertionFlags{}, ErrBadAssertion
	}
	return flags, nil
}
