package engine

import (
	"context"

	"pkt.systems/rentd/internal/inventory"
)

// Notifier delivers outbound messages. Both sinks are best-effort: delivery
// failures are logged and never roll back the state transition that
// triggered them.
type Notifier interface {
	// NotifySession sends text into the renter's conversation.
	NotifySession(ctx context.Context, sessionID, text string) error
	// NotifyOperator sends text to the operator channel.
	NotifyOperator(ctx context.Context, text string) error
}

// Rotator invalidates the current secret of a credential. How the secret is
// rotated is external; the engine only reacts to the error signal.
type Rotator interface {
	Rotate(ctx context.Context, login string) error
}

// BonusSource answers whether the qualifying bonus event (a review, by
// convention) has occurred for an order. Polled by the bonus scan.
type BonusSource interface {
	Qualifies(ctx context.Context, orderRef string) (bool, error)
}

// GuardCodes mints login guard codes for a credential on renter request.
type GuardCodes interface {
	Code(ctx context.Context, cred inventory.Credential) (string, error)
}
