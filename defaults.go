package rentd

import (
	"context"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/rentd/internal/engine"
	"pkt.systems/rentd/internal/inventory"
)

// logNotifier is the fallback Notifier: it writes both sinks to the log so
// a server without a wired transport still surfaces every outbound message.
type logNotifier struct {
	logger pslog.Logger
}

func (n logNotifier) NotifySession(ctx context.Context, sessionID, text string) error {
	n.logger.Info("session message", "session", sessionID, "text", text)
	return nil
}

func (n logNotifier) NotifyOperator(ctx context.Context, text string) error {
	n.logger.Info("operator message", "text", text)
	return nil
}

// logRotator is the fallback Rotator. It succeeds so reclamation proceeds,
// but shouts: without a real rotator the renter keeps a working secret.
type logRotator struct {
	logger pslog.Logger
}

func (r logRotator) Rotate(ctx context.Context, login string) error {
	r.logger.Warn("no rotator configured; secret NOT rotated", "login", login)
	return nil
}

// neverBonus is the fallback BonusSource: no order ever qualifies. The
// qualifying event is deployment-specific and must be wired explicitly.
type neverBonus struct{}

func (neverBonus) Qualifies(ctx context.Context, orderRef string) (bool, error) {
	return false, nil
}

// noGuardCodes is the fallback GuardCodes source.
type noGuardCodes struct{}

func (noGuardCodes) Code(ctx context.Context, cred inventory.Credential) (string, error) {
	return "", fmt.Errorf("no guard code source configured")
}

var (
	_ engine.Notifier    = logNotifier{}
	_ engine.Rotator     = logRotator{}
	_ engine.BonusSource = neverBonus{}
	_ engine.GuardCodes  = noGuardCodes{}
)
