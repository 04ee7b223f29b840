package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	ticketIssuer = "p2p_presence"

	minTicketSecretLen = 32
)

var (
	ErrTicketSecretTooShort = errors.New("ticket secret too short")
	ErrInvalidTicket        = errors.New("invalid cooldown ticket")
)

// CooldownClaims binds a registered identity to the presence window at
// which it becomes eligible. Peers present the ticket instead of
// re-deriving eligibility from the full window history.
type CooldownClaims struct {
	PubKey         string `json:"pubkey"`
	Tier           string `json:"tier"`
	EligibleWindow int64  `json:"eligible_window"`
	jwt.RegisteredClaims
}

// TicketIssuer signs and validates cooldown tickets.
type TicketIssuer struct {
	secret []byte
}

// NewTicketIssuer creates a ticket issuer with an HMAC secret.
func NewTicketIssuer(secret []byte) (*TicketIssuer, error) {
	if len(secret) < minTicketSecretLen {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrTicketSecretTooShort, minTicketSecretLen, len(secret))
	}
	return &TicketIssuer{secret: secret}, nil
}

// Issue creates a signed ticket for a registered identity.
func (ti *TicketIssuer) Issue(pubKey []byte, tier string, eligibleWindow int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &CooldownClaims{
		PubKey:         base64.StdEncoding.EncodeToString(pubKey),
		Tier:           tier,
		EligibleWindow: eligibleWindow,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ticketIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("signing ticket: %w", err)
	}
	return signed, nil
}

// Validate parses a ticket and returns its claims.
func (ti *TicketIssuer) Validate(tokenString string) (*CooldownClaims, error) {
	claims := &CooldownClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if !token.Valid || claims.Issuer != ticketIssuer {
		return nil, ErrInvalidTicket
	}
	return claims, nil
}

// TicketPubKey decodes the public key carried in validated claims.
func (c *CooldownClaims) TicketPubKey() ([]byte, error) {
	pk, err := base64.StdEncoding.DecodeString(c.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad pubkey encoding", ErrInvalidTicket)
	}
	return pk, nil
}
