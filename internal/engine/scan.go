package engine

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"pkt.systems/rentd/internal/inventory"
	"pkt.systems/rentd/internal/registry"
)

// ScanWarnings walks the active lease set once: leases inside an unfired
// warning window get their warning, expired leases are latched and
// reclaimed. Each reclamation runs in its own goroutine so one slow or
// failing rotation never delays warnings or reclamation for other leases.
func (e *Engine) ScanWarnings(ctx context.Context) {
	now := e.clock.Now()
	for _, lease := range e.reg.AllActive() {
		remaining := lease.Remaining(now)
		if remaining <= 0 {
			latched, ok := e.reg.BeginReclaim(lease.SessionID, now)
			if !ok {
				continue
			}
			e.reclaims.Add(1)
			go func() {
				defer e.reclaims.Done()
				e.reclaim(ctx, latched)
			}()
			continue
		}
		for _, threshold := range e.warningThresholds {
			if remaining > threshold || remaining <= threshold-e.warningWindow {
				continue
			}
			if e.reg.MarkWarned(lease.SessionID, threshold) {
				e.metrics.recordWarning(ctx, threshold)
				e.logger.Info("expiry warning",
					"lease", lease.ID,
					"session", lease.SessionID,
					"threshold", threshold,
					"remaining", remaining,
				)
				e.notifySession(ctx, lease.SessionID, warningMessage(threshold))
			}
			break
		}
	}
}

// ScanBonuses polls the bonus source for every lease that has not received
// its one-time extension yet.
func (e *Engine) ScanBonuses(ctx context.Context) {
	for _, lease := range e.reg.AllActive() {
		if lease.BonusGranted {
			continue
		}
		qualifies, err := e.bonus.Qualifies(ctx, lease.OrderRef)
		if err != nil {
			e.logger.Warn("bonus check failed", "order", lease.OrderRef, "error", err)
			continue
		}
		if !qualifies {
			continue
		}
		extended, applied := e.reg.ExtendOnce(lease.SessionID, e.bonusExtension)
		if !applied {
			continue
		}
		e.metrics.recordBonus(ctx)
		e.logger.Info("bonus granted",
			"lease", extended.ID,
			"order", extended.OrderRef,
			"session", extended.SessionID,
			"until", extended.End,
		)
		e.notifySession(ctx, extended.SessionID, bonusMessage(e.bonusExtension))
		e.notifyOperator(ctx, fmt.Sprintf("bonus granted for order %s (+%d minutes)",
			extended.OrderRef, int(e.bonusExtension.Minutes())))
	}
}

// ReclaimOrphans rotates and releases credentials that are marked rented
// but have no active lease. After a restart that interrupted a lease, the
// registry starts empty while the pool file still records the credential
// as rented; with no lease to expire, nothing else would ever free it. Run
// once at startup, before the scan loops.
func (e *Engine) ReclaimOrphans(ctx context.Context) {
	leased := make(map[string]struct{})
	for _, lease := range e.reg.AllActive() {
		leased[lease.Login] = struct{}{}
	}
	for _, cred := range e.inv.List() {
		if cred.Status != inventory.StatusRented {
			continue
		}
		if _, ok := leased[cred.Login]; ok {
			continue
		}
		// The previous renter may still know the secret, so rotate before
		// the credential re-enters the pool.
		if err := e.rotator.Rotate(ctx, cred.Login); err != nil {
			e.metrics.recordRotationFailure(ctx)
			e.logger.Error("orphan rotation failed, releasing credential unrotated",
				"login", cred.Login,
				"error", err,
			)
			e.notifyOperator(ctx, fmt.Sprintf("rotation failed for orphaned %s: %v; released WITHOUT rotation, rotate manually",
				cred.Login, err))
		} else {
			e.notifyOperator(ctx, fmt.Sprintf("orphaned rental of %s found at startup, secret rotated and credential released",
				cred.Login))
		}
		if err := e.inv.Release(ctx, cred.Login); err != nil {
			e.logger.Error("orphan release failed", "login", cred.Login, "error", err)
			e.notifyOperator(ctx, fmt.Sprintf("release failed for %s: %v", cred.Login, err))
			continue
		}
		e.logger.Info("orphaned credential reclaimed", "login", cred.Login)
	}
}

// reclaim ends one latched lease: rotate the secret, tell both sides, free
// the inventory slot, drop the lease. A rotation failure is loud but never
// holds the credential hostage; pool availability wins.
func (e *Engine) reclaim(ctx context.Context, lease registry.Lease) {
	now := e.clock.Now()
	if err := e.rotator.Rotate(ctx, lease.Login); err != nil {
		e.metrics.recordRotationFailure(ctx)
		e.logger.Error("rotation failed, releasing credential unrotated",
			"lease", lease.ID,
			"login", lease.Login,
			"session", lease.SessionID,
			"error", err,
		)
		e.notifyOperator(ctx, fmt.Sprintf("rotation failed for %s (session %s): %v; released WITHOUT rotation, rotate manually",
			lease.Login, lease.SessionID, err))
	} else {
		e.notifySession(ctx, lease.SessionID, msgLeaseEnded)
		e.notifyOperator(ctx, fmt.Sprintf("lease for %s ended after %s, secret rotated",
			lease.Login, humanize.RelTime(lease.Start, now, "", "")))
	}
	if err := e.inv.Release(ctx, lease.Login); err != nil {
		e.logger.Error("release failed during reclamation", "login", lease.Login, "error", err)
		e.notifyOperator(ctx, fmt.Sprintf("release failed for %s: %v", lease.Login, err))
	}
	if err := e.reg.Remove(lease.SessionID); err != nil {
		e.logger.Error("lease removal failed during reclamation", "session", lease.SessionID, "error", err)
	}
	e.metrics.recordReclaimed(ctx)
	e.logger.Info("lease reclaimed",
		"lease", lease.ID,
		"login", lease.Login,
		"session", lease.SessionID,
		"order", lease.OrderRef,
	)
}
