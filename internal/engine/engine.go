// Package engine implements the rental lifecycle state machine: assignment
// of free credentials to new orders, the renter command set, timed expiry
// warnings, the one-time bonus extension, and reclamation of expired
// leases.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rentd/internal/clock"
	"pkt.systems/rentd/internal/inventory"
	"pkt.systems/rentd/internal/registry"
)

// Defaults mirror the production bot: one-hour rentals, a 30-minute review
// bonus, and warnings at 30/20/10 minutes remaining checked once a minute.
const (
	DefaultRentalDuration = time.Hour
	DefaultBonusExtension = 30 * time.Minute
	DefaultWarningWindow  = time.Minute
)

// DefaultWarningThresholds lists the remaining-time marks that trigger an
// expiry warning, highest first.
func DefaultWarningThresholds() []time.Duration {
	return []time.Duration{30 * time.Minute, 20 * time.Minute, 10 * time.Minute}
}

// Config wires the engine's collaborators and timing parameters.
type Config struct {
	Inventory *inventory.Store
	Registry  *registry.Registry
	Notifier  Notifier
	Rotator   Rotator
	Bonus     BonusSource
	Guard     GuardCodes
	Clock     clock.Clock
	Logger    pslog.Logger

	RentalDuration    time.Duration
	BonusExtension    time.Duration
	WarningThresholds []time.Duration
	WarningWindow     time.Duration
}

// Engine drives every lease through its lifecycle. It holds no lease state
// of its own; the registry and inventory are the only sources of truth.
type Engine struct {
	inv      *inventory.Store
	reg      *registry.Registry
	notifier Notifier
	rotator  Rotator
	bonus    BonusSource
	guard    GuardCodes
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *engineMetrics

	rentalDuration    time.Duration
	bonusExtension    time.Duration
	warningThresholds []time.Duration
	warningWindow     time.Duration

	reclaims sync.WaitGroup
}

// New constructs an Engine with sane defaults for anything left unset.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	e := &Engine{
		inv:               cfg.Inventory,
		reg:               cfg.Registry,
		notifier:          cfg.Notifier,
		rotator:           cfg.Rotator,
		bonus:             cfg.Bonus,
		guard:             cfg.Guard,
		clock:             clk,
		logger:            logger,
		rentalDuration:    cfg.RentalDuration,
		bonusExtension:    cfg.BonusExtension,
		warningThresholds: cfg.WarningThresholds,
		warningWindow:     cfg.WarningWindow,
	}
	if e.rentalDuration <= 0 {
		e.rentalDuration = DefaultRentalDuration
	}
	if e.bonusExtension <= 0 {
		e.bonusExtension = DefaultBonusExtension
	}
	if len(e.warningThresholds) == 0 {
		e.warningThresholds = DefaultWarningThresholds()
	}
	if e.warningWindow <= 0 {
		e.warningWindow = DefaultWarningWindow
	}
	e.metrics = newEngineMetrics(logger, func() int64 {
		if e.reg == nil {
			return 0
		}
		return int64(e.reg.Len())
	})
	return e
}

// HandleNewOrder assigns a free credential to the order's session. An empty
// pool is a normal outcome reported to both sides; a duplicate session is a
// logic-invariant violation that is rejected without mutating state.
func (e *Engine) HandleNewOrder(ctx context.Context, order NewOrder) error {
	cred, ok, err := e.inv.Checkout(ctx)
	if err != nil {
		e.logger.Error("checkout failed", "order", order.OrderRef, "session", order.SessionID, "error", err)
		return fmt.Errorf("engine: checkout for order %s: %w", order.OrderRef, err)
	}
	if !ok {
		e.metrics.recordDenied(ctx)
		e.logger.Warn("no free credentials", "order", order.OrderRef, "session", order.SessionID)
		e.notifySession(ctx, order.SessionID, msgNoFreeAccounts)
		e.notifyOperator(ctx, fmt.Sprintf("no free credentials for order %s (session %s)", order.OrderRef, order.SessionID))
		return nil
	}
	lease, err := e.reg.Create(order.SessionID, cred.Login, order.OrderRef, e.clock.Now(), e.rentalDuration)
	if err != nil {
		// Replayed or duplicated upstream event. Hand the credential back
		// and leave the existing lease untouched.
		if relErr := e.inv.Release(ctx, cred.Login); relErr != nil {
			e.logger.Error("release after rejected create failed", "login", cred.Login, "error", relErr)
		}
		if errors.Is(err, registry.ErrDuplicateSession) {
			e.logger.Error("duplicate session on new order", "order", order.OrderRef, "session", order.SessionID)
			e.notifyOperator(ctx, fmt.Sprintf("duplicate session %s on order %s rejected", order.SessionID, order.OrderRef))
		}
		return fmt.Errorf("engine: create lease for order %s: %w", order.OrderRef, err)
	}
	e.metrics.recordAssigned(ctx)
	e.logger.Info("lease assigned",
		"lease", lease.ID,
		"order", order.OrderRef,
		"session", order.SessionID,
		"login", cred.Login,
		"until", lease.End,
	)
	e.notifySession(ctx, order.SessionID, issueMessage(cred, e.bonusExtension))
	e.notifyOperator(ctx, fmt.Sprintf("new order %s from %s: issued %s (%s)",
		order.OrderRef, order.BuyerRef, cred.Login, order.Description))
	return nil
}

// HandleMessage routes a renter message to its lease. Sessions without an
// active lease get the not-rented reply; unrecognized text with no pending
// contact marker is intentionally ignored.
func (e *Engine) HandleMessage(ctx context.Context, msg Message) error {
	lease, ok := e.reg.Get(msg.SessionID)
	if !ok {
		e.notifySession(ctx, msg.SessionID, msgNotRented)
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(msg.Text)) {
	case "!код", "!steamguard":
		e.handleCodeRequest(ctx, msg.SessionID, lease)
	case "!время":
		remaining := lease.Remaining(e.clock.Now())
		e.notifySession(ctx, msg.SessionID, remainingMessage(remaining))
		e.notifyOperator(ctx, fmt.Sprintf("remaining time requested in session %s", msg.SessionID))
	case "!игры":
		games := []string(nil)
		if cred, ok := e.inv.Get(lease.Login); ok {
			games = cred.Games
		}
		e.notifySession(ctx, msg.SessionID, gamesMessage(games))
		e.notifyOperator(ctx, fmt.Sprintf("game list requested in session %s", msg.SessionID))
	case "!помощь":
		e.notifySession(ctx, msg.SessionID, msgHelp)
		e.notifyOperator(ctx, fmt.Sprintf("help requested in session %s", msg.SessionID))
	case "!связь":
		e.reg.SetPendingContact(msg.SessionID)
		e.notifySession(ctx, msg.SessionID, msgContactPrompt)
		e.notifyOperator(ctx, fmt.Sprintf("buyer in session %s wants to contact the operator", msg.SessionID))
	default:
		if e.reg.ConsumePendingContact(msg.SessionID) {
			e.notifyOperator(ctx, fmt.Sprintf("message from buyer (session %s): %s", msg.SessionID, msg.Text))
			e.notifySession(ctx, msg.SessionID, msgContactRelayed)
			return nil
		}
		e.logger.Debug("unhandled message", "session", msg.SessionID)
	}
	return nil
}

func (e *Engine) handleCodeRequest(ctx context.Context, sessionID string, lease registry.Lease) {
	cred, ok := e.inv.Get(lease.Login)
	if !ok {
		e.logger.Error("rented credential missing from pool", "login", lease.Login, "session", sessionID)
		e.notifySession(ctx, sessionID, msgCodeFailed)
		return
	}
	code, err := e.guard.Code(ctx, cred)
	if err != nil {
		e.logger.Warn("guard code generation failed", "login", lease.Login, "error", err)
		e.notifySession(ctx, sessionID, msgCodeFailed)
		e.notifyOperator(ctx, fmt.Sprintf("guard code generation failed for %s: %v", lease.Login, err))
		return
	}
	e.notifySession(ctx, sessionID, codeMessage(code))
	e.notifyOperator(ctx, fmt.Sprintf("guard code requested in session %s (%s)", sessionID, lease.Login))
}

// Wait blocks until all in-flight reclamations have finished. Used by
// server shutdown and by tests that need reclamation to be observable.
func (e *Engine) Wait() {
	e.reclaims.Wait()
}

func (e *Engine) notifySession(ctx context.Context, sessionID, text string) {
	if err := e.notifier.NotifySession(ctx, sessionID, text); err != nil {
		e.logger.Warn("session notification failed", "session", sessionID, "error", err)
	}
}

func (e *Engine) notifyOperator(ctx context.Context, text string) {
	if err := e.notifier.NotifyOperator(ctx, text); err != nil {
		e.logger.Warn("operator notification failed", "error", err)
	}
}
