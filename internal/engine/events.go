package engine

// NewOrder is the upstream "order opened" event. SessionID identifies the
// buyer conversation; OrderRef is the marketplace order id.
type NewOrder struct {
	SessionID   string
	OrderRef    string
	BuyerRef    string
	Description string
}

// Message is the upstream "message received" event for a session.
type Message struct {
	SessionID string
	SenderRef string
	Text      string
}
