package data

import (
	"fmt"
	"time"
)

// Address is the durable form of one address book entry.
type Address struct {
	Host        string
	Port        uint16
	SourceHost  string
	SourcePort  uint16
	Tried       bool
	LastSeen    time.Time
	LastSuccess time.Time
	Attempts    int
	UpdatedAt   time.Time
}

// Validate checks address fields before persistence
func (a *Address) Validate() error {
	if a.Host == "" {
		return fmt.Errorf("host is required")
	}
	if a.Port == 0 {
		return fmt.Errorf("port is required")
	}
	return nil
}

// PresenceWindow is one closed registration-count window for a tier.
type PresenceWindow struct {
	Window   int64
	Tier     int
	Count    int
	ClosedAt time.Time
}

// Validate checks window fields before persistence
func (w *PresenceWindow) Validate() error {
	if w.Window < 0 {
		return fmt.Errorf("window index must not be negative")
	}
	if w.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	return nil
}

// IdentityRecord is the durable form of one registered identity.
type IdentityRecord struct {
	PubKey       []byte
	Tier         int
	RegisteredAt time.Time
	Window       int64
	UserPresent  bool
	UserVerified bool
	EligibleAt   time.Time
	CreatedAt    time.Time
}

// Validate checks identity fields before persistence
func (i *IdentityRecord) Validate() error {
	if len(i.PubKey) == 0 {
		return fmt.Errorf("public key is required")
	}
	if i.RegisteredAt.IsZero() {
		return fmt.Errorf("registration time is required")
	}
	return nil
}
