package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/rentd/internal/clock"
	"pkt.systems/rentd/internal/inventory"
	"pkt.systems/rentd/internal/registry"
	"pkt.systems/rentd/internal/storage/memory"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu       sync.Mutex
	sessions map[string][]string
	operator []string
	fail     error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sessions: make(map[string][]string)}
}

func (n *fakeNotifier) NotifySession(ctx context.Context, sessionID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sessions[sessionID] = append(n.sessions[sessionID], text)
	return nil
}

func (n *fakeNotifier) NotifyOperator(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.operator = append(n.operator, text)
	return nil
}

func (n *fakeNotifier) sessionMessages(sessionID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sessions[sessionID]...)
}

func (n *fakeNotifier) operatorMessages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.operator...)
}

func (n *fakeNotifier) operatorContains(substr string) bool {
	for _, msg := range n.operatorMessages() {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

type fakeRotator struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{}
}

func (r *fakeRotator) Rotate(ctx context.Context, login string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, login)
	return r.err
}

func (r *fakeRotator) rotated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeBonus struct {
	mu        sync.Mutex
	qualified map[string]bool
	err       error
	calls     int
}

func (b *fakeBonus) Qualifies(ctx context.Context, orderRef string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return false, b.err
	}
	return b.qualified[orderRef], nil
}

type fakeGuard struct {
	code string
	err  error
}

func (g *fakeGuard) Code(ctx context.Context, cred inventory.Credential) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.code, nil
}

type testRig struct {
	engine   *Engine
	inv      *inventory.Store
	reg      *registry.Registry
	clock    *clock.Manual
	notifier *fakeNotifier
	rotator  *fakeRotator
	bonus    *fakeBonus
	guard    *fakeGuard
}

func newTestRig(t *testing.T, creds ...inventory.Credential) *testRig {
	t.Helper()
	inv, err := inventory.NewStore(context.Background(), memory.Seed(creds...), nil)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	rig := &testRig{
		inv:      inv,
		reg:      registry.New(),
		clock:    clock.NewManual(t0),
		notifier: newFakeNotifier(),
		rotator:  &fakeRotator{},
		bonus:    &fakeBonus{qualified: make(map[string]bool)},
		guard:    &fakeGuard{code: "ABC12"},
	}
	rig.engine = New(Config{
		Inventory: rig.inv,
		Registry:  rig.reg,
		Notifier:  rig.notifier,
		Rotator:   rig.rotator,
		Bonus:     rig.bonus,
		Guard:     rig.guard,
		Clock:     rig.clock,
	})
	return rig
}

func acct(login string) inventory.Credential {
	return inventory.Credential{
		Login:  login,
		Secret: "secret-" + login,
		Games:  []string{"CS2", "Dota2"},
	}
}

func TestHandleNewOrderAssignsCredential(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))

	err := rig.engine.HandleNewOrder(ctx, NewOrder{
		SessionID: "chat-1", OrderRef: "order-1", BuyerRef: "buyer", Description: "1 час CS2",
	})
	if err != nil {
		t.Fatalf("handle new order: %v", err)
	}

	got, _ := rig.inv.Get("acct1")
	if got.Status != inventory.StatusRented {
		t.Fatalf("credential status %q after assignment", got.Status)
	}
	lease, ok := rig.reg.Get("chat-1")
	if !ok {
		t.Fatalf("no lease created")
	}
	if lease.Login != "acct1" || lease.OrderRef != "order-1" {
		t.Fatalf("lease fields wrong: %+v", lease)
	}
	if want := t0.Add(time.Hour); !lease.End.Equal(want) {
		t.Fatalf("lease end %s, want %s", lease.End, want)
	}
	msgs := rig.notifier.sessionMessages("chat-1")
	if len(msgs) != 1 || !strings.Contains(msgs[0], "acct1") || !strings.Contains(msgs[0], "secret-acct1") {
		t.Fatalf("issue message wrong: %q", msgs)
	}
	// The promised bonus tracks the configured extension, not a fixed text.
	if !strings.Contains(msgs[0], "+30 мин") {
		t.Fatalf("issue message does not state the bonus: %q", msgs[0])
	}
	if !rig.notifier.operatorContains("order-1") {
		t.Fatalf("operator not told about the order: %q", rig.notifier.operatorMessages())
	}
}

func TestHandleNewOrderEmptyPool(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	if err := rig.engine.HandleNewOrder(ctx, NewOrder{SessionID: "chat-1", OrderRef: "order-1"}); err != nil {
		t.Fatalf("empty pool should not be an error: %v", err)
	}
	if _, ok := rig.reg.Get("chat-1"); ok {
		t.Fatalf("lease created from empty pool")
	}
	msgs := rig.notifier.sessionMessages("chat-1")
	if len(msgs) != 1 || msgs[0] != msgNoFreeAccounts {
		t.Fatalf("session messages: %q", msgs)
	}
	if !rig.notifier.operatorContains("no free credentials") {
		t.Fatalf("operator not told about empty pool: %q", rig.notifier.operatorMessages())
	}
}

func TestHandleNewOrderDuplicateSession(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"), acct("acct2"))

	if err := rig.engine.HandleNewOrder(ctx, NewOrder{SessionID: "chat-1", OrderRef: "order-1"}); err != nil {
		t.Fatalf("first order: %v", err)
	}
	err := rig.engine.HandleNewOrder(ctx, NewOrder{SessionID: "chat-1", OrderRef: "order-2"})
	if !errors.Is(err, registry.ErrDuplicateSession) {
		t.Fatalf("duplicate order error: %v", err)
	}
	// The replayed order's checkout is undone and the original lease kept.
	if rig.inv.FreeCount() != 1 {
		t.Fatalf("free count %d after rejected duplicate, want 1", rig.inv.FreeCount())
	}
	lease, _ := rig.reg.Get("chat-1")
	if lease.OrderRef != "order-1" {
		t.Fatalf("original lease replaced: %+v", lease)
	}
}

func TestHandleMessageUnknownSession(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))

	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-9", Text: "!время"}); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	msgs := rig.notifier.sessionMessages("chat-9")
	if len(msgs) != 1 || msgs[0] != msgNotRented {
		t.Fatalf("session messages: %q", msgs)
	}
	if rig.inv.FreeCount() != 1 || rig.reg.Len() != 0 {
		t.Fatalf("state mutated by unknown-session message")
	}
}

func rentTo(t *testing.T, rig *testRig, sessionID, orderRef string) {
	t.Helper()
	if err := rig.engine.HandleNewOrder(context.Background(), NewOrder{SessionID: sessionID, OrderRef: orderRef}); err != nil {
		t.Fatalf("rent to %s: %v", sessionID, err)
	}
}

func lastSessionMessage(t *testing.T, n *fakeNotifier, sessionID string) string {
	t.Helper()
	msgs := n.sessionMessages(sessionID)
	if len(msgs) == 0 {
		t.Fatalf("no messages for session %s", sessionID)
	}
	return msgs[len(msgs)-1]
}

func TestTimeCommand(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")

	rig.clock.Advance(10 * time.Minute)
	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "!время"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got, want := lastSessionMessage(t, rig.notifier, "chat-1"), "⏳ Осталось: 50 мин 0 сек"; got != want {
		t.Fatalf("time reply %q, want %q", got, want)
	}
}

func TestCodeCommand(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")

	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "!код"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); got != codeMessage("ABC12") {
		t.Fatalf("code reply %q", got)
	}

	// The alias works and generation failures degrade gracefully.
	rig.guard.err = fmt.Errorf("mafile unreadable")
	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "!steamguard"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); got != msgCodeFailed {
		t.Fatalf("failed-code reply %q", got)
	}
	if !rig.notifier.operatorContains("guard code generation failed") {
		t.Fatalf("operator not told about code failure")
	}
}

func TestGamesAndHelpCommands(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")

	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "!игры"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); !strings.Contains(got, "CS2, Dota2") {
		t.Fatalf("games reply %q", got)
	}
	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "!помощь"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); got != msgHelp {
		t.Fatalf("help reply %q", got)
	}
}

func TestContactFlow(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")

	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "!связь"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); got != msgContactPrompt {
		t.Fatalf("contact prompt %q", got)
	}

	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "аккаунт не заходит"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := lastSessionMessage(t, rig.notifier, "chat-1"); got != msgContactRelayed {
		t.Fatalf("relay confirmation %q", got)
	}
	if !rig.notifier.operatorContains("аккаунт не заходит") {
		t.Fatalf("free-form message not relayed: %q", rig.notifier.operatorMessages())
	}

	// Marker is consumed: the next free-form message is ignored.
	before := len(rig.notifier.sessionMessages("chat-1"))
	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "спасибо"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if after := len(rig.notifier.sessionMessages("chat-1")); after != before {
		t.Fatalf("post-relay chatter produced a reply")
	}
}

func TestUnrecognizedTextIsSilent(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rentTo(t, rig, "chat-1", "order-1")

	before := len(rig.notifier.sessionMessages("chat-1"))
	if err := rig.engine.HandleMessage(ctx, Message{SessionID: "chat-1", Text: "привет бот"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if after := len(rig.notifier.sessionMessages("chat-1")); after != before {
		t.Fatalf("unrecognized text got a reply: %q", rig.notifier.sessionMessages("chat-1"))
	}
}

func TestNotifierFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, acct("acct1"))
	rig.notifier.fail = errors.New("transport down")

	if err := rig.engine.HandleNewOrder(ctx, NewOrder{SessionID: "chat-1", OrderRef: "order-1"}); err != nil {
		t.Fatalf("notification failure escalated: %v", err)
	}
	if _, ok := rig.reg.Get("chat-1"); !ok {
		t.Fatalf("lease rolled back on notification failure")
	}
}

func TestIssueMessageStatesConfiguredBonus(t *testing.T) {
	msg := issueMessage(acct("acct1"), 45*time.Minute)
	if !strings.Contains(msg, "+45 мин") {
		t.Fatalf("issue message ignores configured bonus: %q", msg)
	}
}
