// Package notify delivers user-facing messages through the bot gateway.
// Delivery is fire-and-forget: a failure is logged by the caller and never
// fails the operation that triggered it.
package notify

import "context"

// MessageKind selects the message template rendered by the gateway.
type MessageKind string

const (
	// MessageKeyExpired tells the owner a key's access has been cut off.
	MessageKeyExpired MessageKind = "key_expired"
	// MessageRenewalPrompt warns the owner the key expires within a day.
	MessageRenewalPrompt MessageKind = "renewal_prompt"
	// MessageKeyProvisioned tells the owner a key is live.
	MessageKeyProvisioned MessageKind = "key_provisioned"
)

// Notifier sends a message to an owner. Implementations must not block
// longer than their transport timeout and must not panic.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, kind MessageKind, msgContext map[string]string) error
}

// Noop discards all notifications. Used by one-shot commands and tests.
type Noop struct{}

func (Noop) Notify(context.Context, string, MessageKind, map[string]string) error { return nil }
