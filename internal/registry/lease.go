package registry

import "time"

// Lease is the snapshot of one active rental handed to callers. The
// registry owns the mutable record; snapshots never share memory with it.
type Lease struct {
	ID           string
	SessionID    string
	Login        string
	OrderRef     string
	Start        time.Time
	End          time.Time
	BonusGranted bool
}

// Remaining reports how long the lease has left at now. Expired leases
// return non-positive durations.
func (l Lease) Remaining(now time.Time) time.Duration {
	return l.End.Sub(now)
}

// lease is the registry-internal record. warned tracks which expiry-warning
// thresholds have already fired; reclaiming latches the lease out of sight
// the instant reclamation begins.
type lease struct {
	Lease
	warned     map[time.Duration]bool
	reclaiming bool
}

func (l *lease) snapshot() Lease {
	return l.Lease
}
