// Package registry is the single source of truth for which session rents
// which credential until when. All read-modify-write operations on a lease
// happen under the registry lock, so callers never coordinate locking
// themselves.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
)

// ErrDuplicateSession rejects a second lease for a session that already
// holds one. This only happens on replayed or buggy upstream events.
var ErrDuplicateSession = errors.New("registry: session already holds a lease")

// ErrNotFound reports that no active lease exists for the session.
var ErrNotFound = errors.New("registry: lease not found")

// Registry holds the active lease set plus the transient pending-contact
// markers for sessions that asked to relay a message to the operator.
type Registry struct {
	mu             sync.Mutex
	leases         map[string]*lease
	pendingContact map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		leases:         make(map[string]*lease),
		pendingContact: make(map[string]struct{}),
	}
}

// Create registers a new lease for sessionID ending at now+duration.
func (r *Registry) Create(sessionID, login, orderRef string, now time.Time, duration time.Duration) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.leases[sessionID]; ok {
		return Lease{}, ErrDuplicateSession
	}
	l := &lease{
		Lease: Lease{
			ID:        xid.New().String(),
			SessionID: sessionID,
			Login:     login,
			OrderRef:  orderRef,
			Start:     now,
			End:       now.Add(duration),
		},
		warned: make(map[time.Duration]bool),
	}
	r.leases[sessionID] = l
	return l.snapshot(), nil
}

// Get returns the lease for sessionID. A lease being reclaimed is already
// gone from the caller's point of view.
func (r *Registry) Get(sessionID string) (Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[sessionID]
	if !ok || l.reclaiming {
		return Lease{}, false
	}
	return l.snapshot(), true
}

// ExtendOnce applies the one-time bonus extension. The bonus flag is
// enforced here at the data layer: a second call is a silent no-op and
// returns applied=false.
func (r *Registry) ExtendOnce(sessionID string, delta time.Duration) (Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[sessionID]
	if !ok || l.reclaiming || l.BonusGranted {
		return Lease{}, false
	}
	l.End = l.End.Add(delta)
	l.BonusGranted = true
	return l.snapshot(), true
}

// Remove deletes the lease and any pending-contact marker for the session.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.leases[sessionID]; !ok {
		return ErrNotFound
	}
	delete(r.leases, sessionID)
	delete(r.pendingContact, sessionID)
	return nil
}

// AllActive returns a consistent point-in-time snapshot of every lease not
// currently being reclaimed.
func (r *Registry) AllActive() []Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Lease, 0, len(r.leases))
	for _, l := range r.leases {
		if l.reclaiming {
			continue
		}
		out = append(out, l.snapshot())
	}
	return out
}

// Len reports the number of leases in the registry, including ones mid-
// reclaim. Used for the active-lease gauge.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// BeginReclaim latches the lease out of visibility and returns its final
// snapshot. It returns false if the session has no lease, reclamation has
// already begun, or the lease is not expired at now. The expiry re-check
// under the lock means a bonus extension granted after a reclaimer
// snapshotted the lease refuses the latch, and at most one reclaimer ever
// wins.
func (r *Registry) BeginReclaim(sessionID string, now time.Time) (Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[sessionID]
	if !ok || l.reclaiming || l.End.After(now) {
		return Lease{}, false
	}
	l.reclaiming = true
	return l.snapshot(), true
}

// MarkWarned records that the warning for threshold fired for this session.
// It returns true only the first time, so repeated scans inside the same
// window cannot duplicate a notification.
func (r *Registry) MarkWarned(sessionID string, threshold time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[sessionID]
	if !ok || l.reclaiming || l.warned[threshold] {
		return false
	}
	l.warned[threshold] = true
	return true
}

// SetPendingContact marks the session as awaiting a free-form message to
// relay to the operator. A repeated request just renews the marker.
func (r *Registry) SetPendingContact(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingContact[sessionID] = struct{}{}
}

// ConsumePendingContact clears the marker and reports whether it was set.
func (r *Registry) ConsumePendingContact(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pendingContact[sessionID]; !ok {
		return false
	}
	delete(r.pendingContact, sessionID)
	return true
}
