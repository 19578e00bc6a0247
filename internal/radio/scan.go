package radio

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// scanSession exists exactly while a hardware scan is running.
type scanSession struct {
	anonymous  int
	leases     map[uuid.UUID]struct{}
	generation uint64
	startedAt  time.Time
}

func (s *scanSession) refs() int {
	return s.anonymous + len(s.leases)
}

// ScanSessionCoordinator collapses any number of scan requests onto a single
// hardware discovery on the BLE adapter.
//
// mu is held across the cold-path driver calls (first start, last stop) so that
// the session and the hardware never disagree. Warm-path calls only touch the
// reference count.
type ScanSessionCoordinator struct {
	adapter *TransportStateMachine
	driver  DiscoveryPort
	logger  *logrus.Logger
	timeout time.Duration
	emit    func(Diagnostic)

	mu         sync.Mutex
	session    *scanSession
	generation uint64
}

func newScanSessionCoordinator(adapter *TransportStateMachine, driver DiscoveryPort, logger *logrus.Logger, timeout time.Duration, emit func(Diagnostic)) *ScanSessionCoordinator {
	c := &ScanSessionCoordinator{
		adapter: adapter,
		driver:  driver,
		logger:  logger,
		timeout: timeout,
		emit:    emit,
	}
	adapter.OnTeardown(c.ForceTeardown)
	return c
}

// StartScan registers one more anonymous scanner.
func (c *ScanSessionCoordinator) StartScan(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(ctx, "start-scan"); err != nil {
		return err
	}
	c.session.anonymous++
	c.emitScan(DiagScanStarted, nil)
	return nil
}

// StopScan releases one anonymous scanner. Stopping with nothing to stop succeeds.
// Any caller's stop decrements the shared count; callers needing ownership use AcquireScan.
func (c *ScanSessionCoordinator) StopScan(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.anonymous == 0 {
		c.log().Debug("Stop requested with no active scanner, ignoring")
		return nil
	}

	c.session.anonymous--
	return c.end(ctx, "stop-scan")
}

// AcquireScan starts scanning on behalf of a caller that keeps the returned lease.
// The lease is revoked if the adapter is torn down.
func (c *ScanSessionCoordinator) AcquireScan(ctx context.Context) (*ScanLease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(ctx, "acquire-scan"); err != nil {
		return nil, err
	}

	lease := &ScanLease{coordinator: c, id: uuid.New(), generation: c.session.generation}
	c.session.leases[lease.id] = struct{}{}
	c.emitScan(DiagScanStarted, nil)

	c.log().WithField("lease", lease.id).Debug("Scan lease acquired")
	return lease, nil
}

// Active reports whether a hardware scan is running.
func (c *ScanSessionCoordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Refs returns the number of outstanding scanners, anonymous and leased.
func (c *ScanSessionCoordinator) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refsLocked()
}

// ForceTeardown ends the hardware scan regardless of outstanding interest.
// Surviving anonymous stops become no-ops and outstanding leases are revoked.
func (c *ScanSessionCoordinator) ForceTeardown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}

	refs := c.session.refs()
	c.session = nil

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	err := callDriver("end-discovery", func() error {
		return c.driver.EndDiscovery(ctx)
	})

	logger := c.log().WithField("refs", refs).WithField("cause", cause)
	if err != nil {
		logger.WithError(err).Debug("Driver rejected end of discovery during teardown")
	}
	logger.Warn("Scan session torn down")

	d := newDiagnostic(BLE, DiagScanTornDown, cause)
	d.Refs = 0
	c.emit(d)
}

// begin ensures a session exists, issuing the driver call on the cold path.
// Callers hold mu.
func (c *ScanSessionCoordinator) begin(ctx context.Context, op string) error {
	if err := c.adapter.requireReady(op); err != nil {
		return err
	}
	if c.session != nil {
		return nil
	}

	err := callDriver("begin-discovery", func() error {
		return c.driver.BeginDiscovery(ctx)
	})
	if err != nil {
		err = wrapDriverError(BLE, op, err, KindDriverFailure)
		c.log().WithError(err).Warn("Driver failed to begin discovery")
		c.emitScan(DiagScanFailed, err)
		if isDriverPanic(err) {
			c.adapter.fault(err)
		}
		return err
	}

	c.generation++
	c.session = &scanSession{
		leases:     make(map[uuid.UUID]struct{}),
		generation: c.generation,
		startedAt:  time.Now(),
	}
	c.log().WithField("generation", c.generation).Info("Hardware scan started")
	return nil
}

// end destroys the session once its last reference is gone. Callers hold mu.
func (c *ScanSessionCoordinator) end(ctx context.Context, op string) error {
	if c.session.refs() > 0 {
		c.emitScan(DiagScanStopped, nil)
		return nil
	}

	duration := time.Since(c.session.startedAt)
	c.session = nil

	err := callDriver("end-discovery", func() error {
		return c.driver.EndDiscovery(ctx)
	})
	if err != nil {
		err = wrapDriverError(BLE, op, err, KindDriverFailure)
		c.log().WithError(err).Warn("Driver failed to end discovery")
		c.emitScan(DiagScanFailed, err)
		if isDriverPanic(err) {
			c.adapter.fault(err)
		}
		return err
	}

	c.log().WithField("duration", duration.Round(time.Millisecond)).Info("Hardware scan stopped")
	c.emitScan(DiagScanStopped, nil)
	return nil
}

func (c *ScanSessionCoordinator) release(ctx context.Context, lease *ScanLease) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.generation != lease.generation {
		return nil
	}
	if _, ok := c.session.leases[lease.id]; !ok {
		return nil
	}

	delete(c.session.leases, lease.id)
	c.log().WithField("lease", lease.id).Debug("Scan lease released")
	return c.end(ctx, "release-scan")
}

func (c *ScanSessionCoordinator) refsLocked() int {
	if c.session == nil {
		return 0
	}
	return c.session.refs()
}

func (c *ScanSessionCoordinator) emitScan(typ DiagnosticType, err error) {
	d := newDiagnostic(BLE, typ, err)
	d.Refs = c.refsLocked()
	c.emit(d)
}

func (c *ScanSessionCoordinator) log() *logrus.Entry {
	return c.logger.WithField("transport", BLE.Slug())
}

// ScanLease is a caller-owned claim on the shared BLE scan.
type ScanLease struct {
	coordinator *ScanSessionCoordinator
	id          uuid.UUID
	generation  uint64
	released    atomic.Bool
}

// ID identifies the lease in logs.
func (l *ScanLease) ID() string {
	return l.id.String()
}

// Release gives up the claim. Releasing twice, or after the scan was torn down, is a no-op.
func (l *ScanLease) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.coordinator.release(ctx, l)
}

// Revoked reports whether the session the lease belonged to has ended.
func (l *ScanLease) Revoked() bool {
	c := l.coordinator
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == nil || c.session.generation != l.generation
}
