package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/rentd/internal/inventory"
)

func countWarnings(msgs []string) int {
	n := 0
	for _, m := range msgs {
		if strings.HasPrefix(m, "⚠️") {
			n++
		}
	}
	return n
}

func TestWarningFiresExactlyOncePerThreshold(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")
	// Lease ends in one hour; move to 1801s remaining.
	rig.clock.Advance(time.Hour - 1801*time.Second)

	rig.engine.ScanWarnings(ctx)
	if got := countWarnings(rig.notifier.sessionMessages("chat-1")); got != 0 {
		t.Fatalf("warning fired above the 30-minute window: %d", got)
	}

	rig.clock.Advance(time.Second) // remaining exactly 1800s
	rig.engine.ScanWarnings(ctx)
	msgs := rig.notifier.sessionMessages("chat-1")
	if got := countWarnings(msgs); got != 1 {
		t.Fatalf("expected exactly one warning, got %d: %q", got, msgs)
	}
	if last := msgs[len(msgs)-1]; !strings.Contains(last, "30 минут") {
		t.Fatalf("wrong warning text: %q", last)
	}

	// Repeat scans inside the same window must not re-fire.
	rig.engine.ScanWarnings(ctx)
	rig.clock.Advance(30 * time.Second)
	rig.engine.ScanWarnings(ctx)
	if got := countWarnings(rig.notifier.sessionMessages("chat-1")); got != 1 {
		t.Fatalf("30-minute warning fired more than once: %d", got)
	}
}

func TestAllThreeWarningsFire(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")

	for _, remaining := range []time.Duration{30 * time.Minute, 20 * time.Minute, 10 * time.Minute} {
		lease, ok := rig.reg.Get("chat-1")
		if !ok {
			t.Fatalf("lease disappeared")
		}
		rig.clock.Set(lease.End.Add(-remaining))
		rig.engine.ScanWarnings(ctx)
	}
	msgs := rig.notifier.sessionMessages("chat-1")
	if got := countWarnings(msgs); got != 3 {
		t.Fatalf("expected three warnings, got %d: %q", got, msgs)
	}
}

func TestScanBelowWindowDoesNotFire(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")
	lease, _ := rig.reg.Get("chat-1")

	// 29 minutes remaining: below the 30-minute window, above the 20-minute
	// one. A scan that skipped the window entirely stays silent.
	rig.clock.Set(lease.End.Add(-29 * time.Minute))
	rig.engine.ScanWarnings(ctx)
	if got := countWarnings(rig.notifier.sessionMessages("chat-1")); got != 0 {
		t.Fatalf("warning fired outside every window: %d", got)
	}
}

func TestReclamationOnExpiry(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")
	lease, _ := rig.reg.Get("chat-1")

	// One second before expiry nothing happens.
	rig.clock.Set(lease.End.Add(-time.Second))
	rig.engine.ScanWarnings(ctx)
	rig.engine.Wait()
	if _, ok := rig.reg.Get("chat-1"); !ok {
		t.Fatalf("lease reclaimed before expiry")
	}

	rig.clock.Set(lease.End.Add(time.Second))
	rig.engine.ScanWarnings(ctx)
	rig.engine.Wait()

	if got := rig.rotator.rotated(); len(got) != 1 || got[0] != "acct1" {
		t.Fatalf("rotator calls: %q", got)
	}
	if _, ok := rig.reg.Get("chat-1"); ok {
		t.Fatalf("lease still present after reclamation")
	}
	if cred, _ := rig.inv.Get("acct1"); cred.Status != inventory.StatusFree {
		t.Fatalf("credential not freed: %q", cred.Status)
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); got != msgLeaseEnded {
		t.Fatalf("termination message %q", got)
	}
	if !rig.notifier.operatorContains("secret rotated") {
		t.Fatalf("operator not told about reclamation: %q", rig.notifier.operatorMessages())
	}
}

func TestReclamationFreesInventoryOnRotationFailure(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rig.rotator.err = errors.New("steam api 503")
	rentTo(t, rig, "chat-1", "order-1")

	rig.clock.Advance(time.Hour + time.Second)
	rig.engine.ScanWarnings(ctx)
	rig.engine.Wait()

	if cred, _ := rig.inv.Get("acct1"); cred.Status != inventory.StatusFree {
		t.Fatalf("rotation failure held the credential hostage: %q", cred.Status)
	}
	if _, ok := rig.reg.Get("chat-1"); ok {
		t.Fatalf("lease survived failed rotation")
	}
	if !rig.notifier.operatorContains("rotation failed") {
		t.Fatalf("operator not told about rotation failure: %q", rig.notifier.operatorMessages())
	}
	// The renter is not told the lease ended cleanly when rotation failed.
	for _, m := range rig.notifier.sessionMessages("chat-1") {
		if m == msgLeaseEnded {
			t.Fatalf("session got clean termination despite failed rotation")
		}
	}
}

func TestExpiredLeaseReclaimedOnlyOnce(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rig.rotator.block = make(chan struct{})
	rentTo(t, rig, "chat-1", "order-1")

	rig.clock.Advance(time.Hour + time.Second)
	rig.engine.ScanWarnings(ctx)
	// Second scan while the first reclamation is still blocked in Rotate.
	rig.engine.ScanWarnings(ctx)
	close(rig.rotator.block)
	rig.engine.Wait()

	if got := rig.rotator.rotated(); len(got) != 1 {
		t.Fatalf("rotate called %d times, want 1", len(got))
	}
}

func TestSlowRotationDoesNotBlockOtherReclamations(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"), acct("acct2"))
	rentTo(t, rig, "chat-1", "order-1")
	rentTo(t, rig, "chat-2", "order-2")

	block := make(chan struct{})
	rig.rotator.block = block

	rig.clock.Advance(time.Hour + time.Second)
	done := make(chan struct{})
	go func() {
		rig.engine.ScanWarnings(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scan blocked on a slow rotation")
	}
	close(block)
	rig.engine.Wait()

	if got := rig.rotator.rotated(); len(got) != 2 {
		t.Fatalf("rotate calls %d, want 2", len(got))
	}
	if rig.inv.FreeCount() != 2 {
		t.Fatalf("free count %d after both reclamations", rig.inv.FreeCount())
	}
}

func TestBonusGrantedOnce(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")
	before, _ := rig.reg.Get("chat-1")

	rig.engine.ScanBonuses(ctx)
	if l, _ := rig.reg.Get("chat-1"); l.BonusGranted {
		t.Fatalf("bonus granted without a qualifying event")
	}

	rig.bonus.qualified["order-1"] = true
	rig.engine.ScanBonuses(ctx)
	l, _ := rig.reg.Get("chat-1")
	if !l.BonusGranted {
		t.Fatalf("bonus not granted")
	}
	if want := before.End.Add(30 * time.Minute); !l.End.Equal(want) {
		t.Fatalf("end %s, want %s", l.End, want)
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); !strings.Contains(got, "30 минут") {
		t.Fatalf("bonus message %q", got)
	}

	// A second qualifying scan must not extend again (monotonic flag).
	rig.engine.ScanBonuses(ctx)
	if l2, _ := rig.reg.Get("chat-1"); !l2.End.Equal(l.End) {
		t.Fatalf("bonus applied twice: %s vs %s", l2.End, l.End)
	}
	if !rig.notifier.operatorContains("bonus granted") {
		t.Fatalf("operator not told about bonus")
	}
}

func TestBonusCheckErrorIsNonFatal(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")
	rig.bonus.err = errors.New("marketplace api down")

	rig.engine.ScanBonuses(ctx)
	if l, _ := rig.reg.Get("chat-1"); l.BonusGranted {
		t.Fatalf("bonus granted despite failing check")
	}
}

// TestFullRentalLifecycle walks one lease from order to reclamation on the
// manual clock.
func TestFullRentalLifecycle(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))

	rentTo(t, rig, "chat-1", "order-1")
	if cred, _ := rig.inv.Get("acct1"); cred.Status != inventory.StatusRented {
		t.Fatalf("acct1 not rented after order")
	}

	rig.clock.Advance(10 * time.Second)
	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "!время"}); err != nil {
		t.Fatalf("time command: %v", err)
	}
	if got, want := lastSessionMessage(t, rig.notifier, "chat-1"), "⏳ Осталось: 59 мин 50 сек"; got != want {
		t.Fatalf("time reply %q, want %q", got, want)
	}

	lease, _ := rig.reg.Get("chat-1")
	rig.clock.Set(lease.End.Add(-time.Second))
	rig.engine.ScanWarnings(ctx)
	rig.engine.Wait()
	if _, ok := rig.reg.Get("chat-1"); !ok {
		t.Fatalf("reclaimed one second early")
	}

	rig.clock.Set(lease.End.Add(time.Second))
	rig.engine.ScanWarnings(ctx)
	rig.engine.Wait()
	if cred, _ := rig.inv.Get("acct1"); cred.Status != inventory.StatusFree {
		t.Fatalf("acct1 not freed after expiry")
	}
	if _, ok := rig.reg.Get("chat-1"); ok {
		t.Fatalf("lease survived expiry")
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); got != msgLeaseEnded {
		t.Fatalf("no termination message, last was %q", got)
	}

	// The session no longer holds a lease.
	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "!время"}); err != nil {
		t.Fatalf("post-expiry message: %v", err)
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); got != msgNotRented {
		t.Fatalf("post-expiry reply %q", got)
	}
}

func TestOrphanedCredentialsReclaimedAtStartup(t *testing.T) {
	orphan := acct("acct1")
	orphan.Status = inventory.StatusRented
	rig := newTestRig(t, orphan, acct("acct2"))
	ctx := context.Background()

	// acct2 is held by a live lease and must not be touched.
	rentTo(t, rig, "chat-2", "order-2")

	rig.engine.ReclaimOrphans(ctx)

	if got := rig.rotator.rotated(); len(got) != 1 || got[0] != "acct1" {
		t.Fatalf("rotated %v, want only the orphan acct1", got)
	}
	if cred, ok := rig.inv.Get("acct1"); !ok || cred.Status != inventory.StatusFree {
		t.Fatalf("orphan not released: %+v ok=%v", cred, ok)
	}
	if cred, ok := rig.inv.Get("acct2"); !ok || cred.Status != inventory.StatusRented {
		t.Fatalf("live rental disturbed: %+v ok=%v", cred, ok)
	}
	if !rig.notifier.operatorContains("orphaned") {
		t.Fatalf("operator not told about the orphan")
	}
}

func TestOrphanReclamationSurvivesRotationFailure(t *testing.T) {
	orphan := acct("acct1")
	orphan.Status = inventory.StatusRented
	rig := newTestRig(t, orphan)
	rig.rotator.err = errors.New("guard backend down")

	rig.engine.ReclaimOrphans(context.Background())

	if cred, _ := rig.inv.Get("acct1"); cred.Status != inventory.StatusFree {
		t.Fatalf("orphan held hostage by failed rotation")
	}
	if !rig.notifier.operatorContains("rotation failed for orphaned acct1") {
		t.Fatalf("operator not warned about unrotated orphan: %v", rig.notifier.operatorMessages())
	}
}
