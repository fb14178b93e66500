package rentd

import (
	"context"
	"time"
)

// NewOrder is a paid order arriving from the sales channel.
type NewOrder struct {
	// SessionID identifies the buyer conversation the resulting lease is
	// bound to.
	SessionID string
	// OrderRef is the channel's order identifier, used for bonus checks.
	OrderRef string
	// BuyerRef names the buyer for operator notices.
	BuyerRef string
	// Description is the purchased item's description.
	Description string
}

// Message is an inbound chat message from a (possibly former) renter.
type Message struct {
	SessionID string
	SenderRef string
	Text      string
}

// Account is a pool credential as seen by integrations.
type Account struct {
	Login       string
	Secret      string
	GuardHandle string
	Games       []string
}

// Lease is a point-in-time view of an active rental.
type Lease struct {
	SessionID    string
	Login        string
	OrderRef     string
	Start        time.Time
	End          time.Time
	BonusGranted bool
}

// Notifier delivers outbound messages. NotifySession reaches the renter's
// conversation; NotifyOperator reaches the human running the pool.
type Notifier interface {
	NotifySession(ctx context.Context, sessionID, text string) error
	NotifyOperator(ctx context.Context, text string) error
}

// Rotator invalidates a credential's secret after a lease ends so the old
// renter loses access.
type Rotator interface {
	Rotate(ctx context.Context, login string) error
}

// BonusSource reports whether an order has earned the one-time extension.
type BonusSource interface {
	Qualifies(ctx context.Context, orderRef string) (bool, error)
}

// GuardCodes produces the current two-factor login code for an account.
type GuardCodes interface {
	Code(ctx context.Context, acct Account) (string, error)
}
