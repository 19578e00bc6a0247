package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/radiomgr/internal/groutine"
	"github.com/srg/radiomgr/internal/ringchan"
)

const (
	// DefaultInitTimeout bounds the wait for a driver to confirm power-on.
	DefaultInitTimeout = 5 * time.Second
	// DefaultDiagnosticsBuffer is the number of diagnostics kept for polling.
	DefaultDiagnosticsBuffer = 64
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. A nil logger is replaced by logrus.New().
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithInitTimeout bounds how long Initialize waits for the driver.
func WithInitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.initTimeout = d
		}
	}
}

// WithDiagnosticsBuffer sets how many unpolled diagnostics are kept before the oldest is dropped.
func WithDiagnosticsBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.diagBuffer = n
		}
	}
}

// WithEventPublisher publishes every diagnostic on p in addition to the poll buffer.
func WithEventPublisher(p EventPublisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// Manager owns one TransportStateMachine per transport, the BLE scan
// coordinator and the Wi-Fi Direct advertising controller.
//
// Every method returns a tagged *AdapterError; Code collapses it to the
// two-valued result at the binding boundary.
type Manager struct {
	driver      RadioDriverPort
	logger      *logrus.Logger
	initTimeout time.Duration
	diagBuffer  int
	publisher   EventPublisher

	machines    map[TransportKind]*TransportStateMachine
	scan        *ScanSessionCoordinator
	advertising *advertisingController
	diagnostics *ringchan.RingChannel[Diagnostic]
	pumps       *groutine.Group

	closeMu sync.RWMutex
	closed  bool
}

// Status is a point-in-time view of the manager.
type Status struct {
	Adapters    []AdapterStatus `json:"adapters"`
	ScanActive  bool            `json:"scan_active"`
	ScanRefs    int             `json:"scan_refs"`
	Advertising bool            `json:"advertising"`
	AdvertName  string          `json:"advert_name,omitempty"`
}

// AdapterStatus is one transport's handle and last recorded failure.
type AdapterStatus struct {
	AdapterHandle
	Name      string `json:"name"`
	LastError string `json:"last_error,omitempty"`
}

// NewManager creates a manager with both transports Uninitialized.
// A nil driver makes every initialization fail with DriverUnavailable.
func NewManager(driver RadioDriverPort, opts ...Option) *Manager {
	m := &Manager{
		driver:      driver,
		initTimeout: DefaultInitTimeout,
		diagBuffer:  DefaultDiagnosticsBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.driver == nil {
		m.driver = unavailableDriver{}
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}

	m.diagnostics = ringchan.New[Diagnostic](m.diagBuffer)
	m.pumps = groutine.NewGroup(context.Background())
	m.machines = make(map[TransportKind]*TransportStateMachine, len(Transports))

	for _, kind := range Transports {
		sm := newTransportStateMachine(kind, m.driver, m.logger, m.initTimeout, m.emit)
		m.machines[kind] = sm
		m.pumps.Go("radio-events-"+kind.Slug(), sm.pump)
	}

	m.scan = newScanSessionCoordinator(m.machines[BLE], m.driver, m.logger, m.initTimeout, m.emit)

	advertiser, _ := m.driver.(Advertiser)
	m.advertising = newAdvertisingController(m.machines[WiFiDirect], advertiser, m.logger, m.initTimeout, m.emit)

	return m
}

// Initialize brings the adapter for kind to Ready.
func (m *Manager) Initialize(ctx context.Context, kind TransportKind) error {
	return m.guard(kind, "initialize", func() error {
		sm, err := m.machine(kind)
		if err != nil {
			return err
		}
		return sm.Initialize(ctx)
	})
}

// Shutdown powers the adapter for kind off and returns it to Uninitialized.
func (m *Manager) Shutdown(ctx context.Context, kind TransportKind) error {
	return m.guard(kind, "shutdown", func() error {
		sm, err := m.machine(kind)
		if err != nil {
			return err
		}
		return sm.Shutdown(ctx)
	})
}

// StartScan registers an anonymous BLE scanner.
func (m *Manager) StartScan(ctx context.Context) error {
	return m.guard(BLE, "start-scan", func() error {
		return m.scan.StartScan(ctx)
	})
}

// StopScan releases an anonymous BLE scanner.
func (m *Manager) StopScan(ctx context.Context) error {
	return m.guard(BLE, "stop-scan", func() error {
		return m.scan.StopScan(ctx)
	})
}

// AcquireScan starts scanning under a lease owned by the caller.
func (m *Manager) AcquireScan(ctx context.Context) (*ScanLease, error) {
	var lease *ScanLease
	err := m.guard(BLE, "acquire-scan", func() (err error) {
		lease, err = m.scan.AcquireScan(ctx)
		return err
	})
	return lease, err
}

// StartAdvertising makes the Wi-Fi Direct adapter discoverable as name.
func (m *Manager) StartAdvertising(ctx context.Context, name string) error {
	return m.guard(WiFiDirect, "start-advertising", func() error {
		return m.advertising.start(ctx, name)
	})
}

// StopAdvertising stops Wi-Fi Direct advertising.
func (m *Manager) StopAdvertising(ctx context.Context) error {
	return m.guard(WiFiDirect, "stop-advertising", func() error {
		return m.advertising.stop(ctx)
	})
}

// Discovered returns the peers found by the BLE driver, if it keeps them.
func (m *Manager) Discovered() []Peer {
	if src, ok := m.driver.(DiscoverySource); ok {
		return src.Discovered()
	}
	return nil
}

// State returns the lifecycle state of kind. Unknown transports report Uninitialized.
func (m *Manager) State(kind TransportKind) State {
	if sm, err := m.machine(kind); err == nil {
		return sm.State()
	}
	return Uninitialized
}

// Handle returns the adapter handle of kind.
func (m *Manager) Handle(kind TransportKind) (AdapterHandle, error) {
	sm, err := m.machine(kind)
	if err != nil {
		return AdapterHandle{}, err
	}
	return sm.Handle(), nil
}

// IsInitialized reports whether kind is Ready.
func (m *Manager) IsInitialized(kind TransportKind) bool {
	return m.State(kind) == Ready
}

// LastError returns the recorded cause of kind's last failure.
func (m *Manager) LastError(kind TransportKind) error {
	if sm, err := m.machine(kind); err == nil {
		return sm.LastError()
	}
	return nil
}

// ScanRefs returns the number of outstanding BLE scanners.
func (m *Manager) ScanRefs() int {
	return m.scan.Refs()
}

// ScanActive reports whether a hardware scan is running.
func (m *Manager) ScanActive() bool {
	return m.scan.Active()
}

// Status returns a snapshot of every adapter, the scan session and advertising.
func (m *Manager) Status() Status {
	var s Status
	for _, kind := range Transports {
		sm := m.machines[kind]
		as := AdapterStatus{AdapterHandle: sm.Handle(), Name: kind.String()}
		if err := sm.LastError(); err != nil {
			as.LastError = err.Error()
		}
		s.Adapters = append(s.Adapters, as)
	}

	m.scan.mu.Lock()
	s.ScanActive = m.scan.session != nil
	s.ScanRefs = m.scan.refsLocked()
	m.scan.mu.Unlock()

	s.AdvertName, s.Advertising = m.advertising.advertising()
	return s
}

// PollDiagnostic returns the oldest unread diagnostic, if any.
func (m *Manager) PollDiagnostic() (Diagnostic, bool) {
	return m.diagnostics.TryReceive()
}

// Diagnostics returns the channel diagnostics are buffered on.
func (m *Manager) Diagnostics() <-chan Diagnostic {
	return m.diagnostics.C()
}

// DroppedDiagnostics returns how many diagnostics were overwritten before being polled.
func (m *Manager) DroppedDiagnostics() int64 {
	return m.diagnostics.GetMetrics().Overwritten
}

// Flush waits until every hardware event delivered so far has been applied.
func (m *Manager) Flush(ctx context.Context) error {
	for _, kind := range Transports {
		if err := m.machines[kind].flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down both transports and stops the event pumps.
// Later calls fail with DriverUnavailable.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	var errs []error
	for _, kind := range Transports {
		if err := m.machines[kind].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.pumps.Stop()
	for _, sm := range m.machines {
		sm.close()
	}
	m.diagnostics.Close()

	m.logger.Debug("Manager closed")
	return errors.Join(errs...)
}

func (m *Manager) machine(kind TransportKind) (*TransportStateMachine, error) {
	sm, ok := m.machines[kind]
	if !ok {
		return nil, &AdapterError{
			Kind:      KindInvalidTransport,
			Transport: kind,
			Err:       fmt.Errorf("unknown transport %s", kind),
		}
	}
	return sm, nil
}

// guard is the failure boundary of every caller-facing operation: a closed
// manager refuses work and a panic becomes a DriverFailure.
func (m *Manager) guard(kind TransportKind, op string, fn func() error) (err error) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()

	if m.closed {
		return &AdapterError{Kind: KindDriverUnavailable, Transport: kind, Op: op, Err: errManagerClosed}
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"transport": kind.Slug(),
				"op":        op,
				"panic":     r,
			}).Error("Recovered panic in adapter manager")
			err = &AdapterError{Kind: KindDriverFailure, Transport: kind, Op: op, Err: &driverPanic{op: op, value: r}}
		}
	}()

	return fn()
}

func (m *Manager) emit(d Diagnostic) {
	m.diagnostics.Send(d)
	if m.publisher != nil {
		m.publisher.Publish(d.Topic(), d)
	}
}
