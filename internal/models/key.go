package models

import (
	"time"
)

// Key kind constants
const (
	KindTrial = "trial"
	KindFree  = "free"
	KindPaid  = "paid"
)

// Key lifecycle states derived from the row, not stored
const (
	KeyStateUnprovisioned = "unprovisioned"
	KeyStateActive        = "active"
	KeyStateWarned        = "warned"
	KeyStateExpired       = "expired"
	KeyStateDisabled      = "disabled"
)

// Key is a provisioned (or pending) access credential sold to an owner.
// ServerID == nil means the key grants no live access; the row is kept so
// the purchase can be re-provisioned later.
type Key struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Kind            string     `json:"kind"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ServerID        *string    `json:"server_id,omitempty"`
	Warned          bool       `json:"warned"`
	ExpiredNotified bool       `json:"expired_notified"`
	SwitchAllowance int        `json:"switch_allowance"`
	PaymentRef      *string    `json:"payment_ref,omitempty"`
	Disabled        bool       `json:"disabled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// Provisioned reports whether the key currently references a server.
func (k *Key) Provisioned() bool {
	return k.ServerID != nil && *k.ServerID != ""
}

// Expired reports whether the key's paid period has lapsed at the given instant.
func (k *Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.After(now)
}

// State derives the lifecycle state visible to callers.
func (k *Key) State(now time.Time) string {
	switch {
	case k.Disabled:
		return KeyStateDisabled
	case !k.Provisioned():
		return KeyStateUnprovisioned
	case k.Expired(now):
		return KeyStateExpired
	case k.Warned:
		return KeyStateWarned
	default:
		return KeyStateActive
	}
}

// KeyLog is an operation log entry for a key (provision, disable, switch...).
type KeyLog struct {
	ID        string                 `json:"id"`
	KeyID     string                 `json:"key_id"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
