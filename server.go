package rentd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/rentd/internal/clock"
	"pkt.systems/rentd/internal/engine"
	"pkt.systems/rentd/internal/inventory"
	"pkt.systems/rentd/internal/registry"
)

// Server owns the credential pool, the lease registry, and the lifecycle
// engine, and runs the periodic scans that drive warnings, bonuses, and
// reclamation.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	backend    inventory.Backend
	inv        *inventory.Store
	reg        *registry.Registry
	engine     *engine.Engine
	telemetry  *telemetryBundle
	instanceID string

	mu          sync.Mutex
	started     bool
	shutdown    bool
	loopStop    chan struct{}
	loopDone    sync.WaitGroup
	watchCancel context.CancelFunc
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Clock    clock.Clock
	Backend  inventory.Backend
	Notifier Notifier
	Rotator  Rotator
	Bonus    BonusSource
	Guard    GuardCodes
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithBackend injects a pre-built inventory backend (useful for tests).
func WithBackend(b inventory.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithNotifier wires the outbound message transport.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.Notifier = n
	}
}

// WithRotator wires the credential rotation integration.
func WithRotator(r Rotator) Option {
	return func(o *options) {
		o.Rotator = r
	}
}

// WithBonusSource wires the qualifying-event check for the one-time
// lease extension.
func WithBonusSource(b BonusSource) Option {
	return func(o *options) {
		o.Bonus = b
	}
}

// WithGuardCodes wires the two-factor code source.
func WithGuardCodes(g GuardCodes) Option {
	return func(o *options) {
		o.Guard = g
	}
}

// guardAdapter bridges the public GuardCodes port to the engine's view of a
// credential.
type guardAdapter struct {
	guard GuardCodes
}

func (a guardAdapter) Code(ctx context.Context, cred inventory.Credential) (string, error) {
	return a.guard.Code(ctx, Account{
		Login:       cred.Login,
		Secret:      cred.Secret,
		GuardHandle: cred.GuardHandle,
		Games:       cred.Games,
	})
}

// NewServer constructs a rentd server according to cfg.
// Example:
//
//	cfg := rentd.Config{Store: "disk:///var/lib/rentd/pool.yaml"}
//	srv, err := rentd.NewServer(cfg, rentd.WithNotifier(myNotifier))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	// The meter provider must be in place before the engine registers its
	// instruments.
	telemetry, err := setupTelemetry(context.Background(), cfgCopy.MetricsListen, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}

	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(cfgCopy, logger)
		if err != nil {
			if telemetry != nil {
				_ = telemetry.Shutdown(context.Background())
			}
			return nil, err
		}
	}
	inv, err := inventory.NewStore(context.Background(), backend, logger.With("svc", "inventory"))
	if err != nil {
		_ = backend.Close()
		if telemetry != nil {
			_ = telemetry.Shutdown(context.Background())
		}
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	reg := registry.New()

	var notifier engine.Notifier = o.Notifier
	if o.Notifier == nil {
		notifier = logNotifier{logger: logger.With("svc", "notifier")}
	}
	var rotator engine.Rotator = o.Rotator
	if o.Rotator == nil {
		rotator = logRotator{logger: logger.With("svc", "rotator")}
	}
	var bonus engine.BonusSource = o.Bonus
	if o.Bonus == nil {
		bonus = neverBonus{}
	}
	var guard engine.GuardCodes
	if o.Guard != nil {
		guard = guardAdapter{guard: o.Guard}
	} else {
		guard = noGuardCodes{}
	}

	eng := engine.New(engine.Config{
		Inventory:         inv,
		Registry:          reg,
		Notifier:          notifier,
		Rotator:           rotator,
		Bonus:             bonus,
		Guard:             guard,
		Clock:             serverClock,
		Logger:            logger.With("svc", "engine"),
		RentalDuration:    cfgCopy.RentalDuration,
		BonusExtension:    cfgCopy.BonusExtension,
		WarningThresholds: cfgCopy.WarningThresholds,
		WarningWindow:     cfgCopy.WarningWindow,
	})

	s := &Server{
		cfg:        cfgCopy,
		logger:     logger.With("svc", "server"),
		clock:      serverClock,
		backend:    backend,
		inv:        inv,
		reg:        reg,
		engine:     eng,
		telemetry:  telemetry,
		instanceID: uuid.NewString(),
	}
	s.logger.Info("server initialized",
		"instance", s.instanceID,
		"store", cfgCopy.Store,
		"accounts", len(inv.List()),
		"free", inv.FreeCount(),
	)
	return s, nil
}

// Start launches the periodic scans and the pool-file watcher. It returns
// immediately; the server runs until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("server already shut down")
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.loopStop = make(chan struct{})
	stopCh := s.loopStop
	s.mu.Unlock()

	// Credentials left rented by an interrupted lease have no registry
	// entry to expire; reconcile them before the scans take over.
	s.engine.ReclaimOrphans(context.Background())

	s.startLoop(stopCh, s.cfg.WarningInterval, s.engine.ScanWarnings)
	s.startLoop(stopCh, s.cfg.BonusInterval, s.engine.ScanBonuses)
	s.startWatcher(stopCh)
	s.logger.Info("lifecycle scans started",
		"warning_interval", s.cfg.WarningInterval,
		"bonus_interval", s.cfg.BonusInterval,
	)
	return nil
}

func (s *Server) startLoop(stopCh chan struct{}, interval time.Duration, scan func(context.Context)) {
	s.loopDone.Add(1)
	go func() {
		defer s.loopDone.Done()
		ctx := context.Background()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				scan(ctx)
			}
		}
	}()
}

// startWatcher reloads the inventory when the backend reports an external
// change to the pool. Backends without change notification are skipped.
func (s *Server) startWatcher(stopCh chan struct{}) {
	watchCtx, cancel := context.WithCancel(context.Background())
	events, err := s.backend.Watch(watchCtx)
	if err != nil {
		cancel()
		if !errors.Is(err, inventory.ErrWatchUnsupported) {
			s.logger.Warn("pool watch unavailable", "error", err)
		}
		return
	}
	s.mu.Lock()
	s.watchCancel = cancel
	s.mu.Unlock()
	s.loopDone.Add(1)
	go func() {
		defer s.loopDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				if err := s.inv.Reload(watchCtx); err != nil {
					s.logger.Warn("pool reload failed", "error", err)
					continue
				}
				s.logger.Info("pool reloaded", "accounts", len(s.inv.List()), "free", s.inv.FreeCount())
			}
		}
	}()
}

// SubmitOrder assigns a free account to the order's session.
func (s *Server) SubmitOrder(ctx context.Context, order NewOrder) error {
	return s.engine.HandleNewOrder(ctx, engine.NewOrder{
		SessionID:   order.SessionID,
		OrderRef:    order.OrderRef,
		BuyerRef:    order.BuyerRef,
		Description: order.Description,
	})
}

// SubmitMessage routes an inbound chat message to the session's lease.
func (s *Server) SubmitMessage(ctx context.Context, msg Message) error {
	return s.engine.HandleMessage(ctx, engine.Message{
		SessionID: msg.SessionID,
		SenderRef: msg.SenderRef,
		Text:      msg.Text,
	})
}

// Leases returns a snapshot of every active lease.
func (s *Server) Leases() []Lease {
	active := s.reg.AllActive()
	out := make([]Lease, 0, len(active))
	for _, l := range active {
		out = append(out, Lease{
			SessionID:    l.SessionID,
			Login:        l.Login,
			OrderRef:     l.OrderRef,
			Start:        l.Start,
			End:          l.End,
			BonusGranted: l.BonusGranted,
		})
	}
	return out
}

// Accounts returns a snapshot of the pool with rental status as
// login -> rented.
func (s *Server) Accounts() map[string]bool {
	out := make(map[string]bool)
	for _, cred := range s.inv.List() {
		out[cred.Login] = cred.Status == inventory.StatusRented
	}
	return out
}

// Shutdown stops the scan loops, waits for in-flight reclamations, and
// releases the backend and telemetry. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	stopCh := s.loopStop
	s.loopStop = nil
	cancel := s.watchCancel
	s.watchCancel = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if cancel != nil {
		cancel()
	}
	s.loopDone.Wait()
	s.engine.Wait()

	var errs []error
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backend close: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var telemetryCancel context.CancelFunc
			telemetryCtx, telemetryCancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer telemetryCancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server stopped", "instance", s.instanceID)
	return nil
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}
