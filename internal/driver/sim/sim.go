// Package sim is an in-process radio stack. It backs the CLI's "sim" driver
// and every manager test: failures, panics, latency and blocking are injected
// per operation, and every call is counted.
package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/radiomgr/internal/driver"
	"github.com/srg/radiomgr/internal/radio"
)

// Op names a driver operation for counting and fault injection.
type Op string

const (
	OpPowerOn          Op = "power-on"
	OpPowerOff         Op = "power-off"
	OpRegister         Op = "register-callback"
	OpBeginDiscovery   Op = "begin-discovery"
	OpEndDiscovery     Op = "end-discovery"
	OpStartAdvertising Op = "start-advertising"
	OpStopAdvertising  Op = "stop-advertising"
)

// Ops lists every operation the simulator counts.
var Ops = []Op{OpPowerOn, OpPowerOff, OpRegister, OpBeginDiscovery, OpEndDiscovery, OpStartAdvertising, OpStopAdvertising}

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("sim: injected failure")

// anyRadio marks operations that are not bound to one radio.
const anyRadio radio.TransportKind = -1

type radioOp struct {
	op   Op
	kind radio.TransportKind
}

type resource struct {
	kind      radio.TransportKind
	poweredAt time.Time
}

// Driver simulates a BLE and a Wi-Fi Direct radio.
type Driver struct {
	logger  *logrus.Logger
	latency time.Duration
	peers   []radio.Peer

	calls     *xsync.MapOf[Op, *xsync.Counter]
	resources *driver.Registry[resource]

	mu          sync.Mutex
	next        map[Op][]error
	always      map[Op]error
	panics      map[Op]any
	gates       map[Op]*Gate
	radioGates  map[radioOp]*Gate
	handlers    map[radio.TransportKind]radio.HardwareEventHandler
	powered     map[radio.TransportKind]radio.Token
	discovering bool
	advertName  string
	advertising bool
	seen        []radio.Peer
}

var (
	_ radio.RadioDriverPort = (*Driver)(nil)
	_ radio.Advertiser      = (*Driver)(nil)
	_ radio.DiscoverySource = (*Driver)(nil)
)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithLatency delays every operation by latency.
func WithLatency(latency time.Duration) Option {
	return func(d *Driver) {
		d.latency = latency
	}
}

// WithPeers sets the peers reported once discovery has begun.
func WithPeers(peers ...radio.Peer) Option {
	return func(d *Driver) {
		d.peers = append(d.peers, peers...)
	}
}

// NewDriver creates a simulator with both radios off.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		calls:      xsync.NewMapOf[Op, *xsync.Counter](),
		resources:  driver.NewRegistry[resource](),
		next:       make(map[Op][]error),
		always:     make(map[Op]error),
		panics:     make(map[Op]any),
		gates:      make(map[Op]*Gate),
		radioGates: make(map[radioOp]*Gate),
		handlers:   make(map[radio.TransportKind]radio.HardwareEventHandler),
		powered:    make(map[radio.TransportKind]radio.Token),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logrus.New()
	}
	return d
}

// FailNext makes the next call of op fail with err (ErrInjected if nil).
// Repeated calls queue further failures.
func (d *Driver) FailNext(op Op, err error) {
	if err == nil {
		err = ErrInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next[op] = append(d.next[op], err)
}

// FailAlways makes every call of op fail with err. A nil err clears it.
func (d *Driver) FailAlways(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.always, op)
		return
	}
	d.always[op] = err
}

// PanicNext makes the next call of op panic with value.
func (d *Driver) PanicNext(op Op, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panics[op] = value
}

// Hold blocks calls of op until the returned gate is released.
func (d *Driver) Hold(op Op) *Gate {
	g := &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gates[op] = g
	return g
}

// HoldFor blocks calls of op on kind's radio only. It applies to the
// per-radio operations: power on, power off and callback registration.
func (d *Driver) HoldFor(op Op, kind radio.TransportKind) *Gate {
	g := &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.radioGates[radioOp{op, kind}] = g
	return g
}

// Calls returns how many times op was invoked.
func (d *Driver) Calls(op Op) int64 {
	if c, ok := d.calls.Load(op); ok {
		return c.Value()
	}
	return 0
}

// CallCounts returns the non-zero call counters.
func (d *Driver) CallCounts() map[Op]int64 {
	counts := make(map[Op]int64)
	d.calls.Range(func(op Op, c *xsync.Counter) bool {
		if v := c.Value(); v > 0 {
			counts[op] = v
		}
		return true
	})
	return counts
}

// Powered reports whether kind's radio is on.
func (d *Driver) Powered(kind radio.TransportKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.powered[kind].IsZero()
}

// Token returns the token of kind's current resource.
func (d *Driver) Token(kind radio.TransportKind) radio.Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powered[kind]
}

// Resources returns the number of resources not yet powered off.
func (d *Driver) Resources() int {
	return d.resources.Len()
}

// Discovering reports whether a hardware scan is running.
func (d *Driver) Discovering() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discovering
}

// Advertising returns the advertised name and whether advertising is on.
func (d *Driver) Advertising() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advertName, d.advertising
}

// FireHardwareLoss reports loss of kind's current resource to the registered handler.
func (d *Driver) FireHardwareLoss(kind radio.TransportKind) {
	d.FireHardwareLossFor(kind, d.Token(kind))
}

// FireHardwareLossFor reports loss of the resource behind token.
func (d *Driver) FireHardwareLossFor(kind radio.TransportKind, token radio.Token) {
	d.mu.Lock()
	handler := d.handlers[kind]
	d.mu.Unlock()

	if handler == nil {
		d.logger.WithField("transport", kind.Slug()).Debug("No handler registered, hardware loss dropped")
		return
	}

	d.logger.WithFields(logrus.Fields{
		"transport": kind.Slug(),
		"token":     token,
	}).Debug("Simulating hardware loss")
	handler(radio.HardwareEvent{
		Transport: kind,
		Type:      radio.HardwareLost,
		Token:     token,
		Err:       fmt.Errorf("sim: %s radio removed", kind.Slug()),
	})
}

func (d *Driver) PowerOn(ctx context.Context, kind radio.TransportKind) (radio.Token, error) {
	if err := d.enterFor(ctx, OpPowerOn, kind); err != nil {
		return "", err
	}

	token := d.resources.Put(resource{kind: kind, poweredAt: time.Now()})

	d.mu.Lock()
	old := d.powered[kind]
	d.powered[kind] = token
	d.mu.Unlock()

	if !old.IsZero() {
		d.resources.Take(old)
	}

	d.logger.WithFields(logrus.Fields{
		"transport": kind.Slug(),
		"token":     token,
	}).Debug("Radio powered on")
	return token, nil
}

func (d *Driver) PowerOff(ctx context.Context, kind radio.TransportKind, token radio.Token) error {
	if err := d.enterFor(ctx, OpPowerOff, kind); err != nil {
		return err
	}

	if _, ok := d.resources.Take(token); !ok {
		return fmt.Errorf("sim: unknown token %s", token)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.powered[kind] == token {
		delete(d.powered, kind)
		switch kind {
		case radio.BLE:
			d.discovering = false
		case radio.WiFiDirect:
			d.advertName, d.advertising = "", false
		}
	}
	return nil
}

func (d *Driver) RegisterHardwareEventCallback(kind radio.TransportKind, handler radio.HardwareEventHandler) error {
	if err := d.enterFor(context.Background(), OpRegister, kind); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
	return nil
}

func (d *Driver) BeginDiscovery(ctx context.Context) error {
	if err := d.enter(ctx, OpBeginDiscovery); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.powered[radio.BLE].IsZero() {
		return errors.New("sim: ble radio is off")
	}
	if d.discovering {
		return errors.New("sim: discovery already running")
	}
	d.discovering = true

	now := time.Now()
	for _, p := range d.peers {
		p.LastSeen = now
		d.seen = append(d.seen, p)
	}
	return nil
}

func (d *Driver) EndDiscovery(ctx context.Context) error {
	if err := d.enter(ctx, OpEndDiscovery); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.discovering = false
	return nil
}

func (d *Driver) StartAdvertising(ctx context.Context, name string) error {
	if err := d.enter(ctx, OpStartAdvertising); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.powered[radio.WiFiDirect].IsZero() {
		return errors.New("sim: wifi-direct radio is off")
	}
	d.advertName, d.advertising = name, true
	return nil
}

func (d *Driver) StopAdvertising(ctx context.Context) error {
	if err := d.enter(ctx, OpStopAdvertising); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertName, d.advertising = "", false
	return nil
}

// Discovered returns every peer seen since the first discovery, latest sighting per address.
func (d *Driver) Discovered() []radio.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	latest := make(map[string]radio.Peer)
	for _, p := range d.seen {
		latest[p.Address] = p
	}
	peers := make([]radio.Peer, 0, len(latest))
	for _, p := range latest {
		peers = append(peers, p)
	}
	slices.SortFunc(peers, func(a, b radio.Peer) int {
		return b.RSSI - a.RSSI
	})
	return peers
}

// enter counts the call and applies whatever was injected for op.
func (d *Driver) enter(ctx context.Context, op Op) error {
	return d.enterFor(ctx, op, anyRadio)
}

// enterFor is enter for an operation on one radio.
func (d *Driver) enterFor(ctx context.Context, op Op, kind radio.TransportKind) error {
	counter, _ := d.calls.LoadOrCompute(op, xsync.NewCounter)
	counter.Inc()

	d.mu.Lock()
	gate := d.gates[op]
	if g, ok := d.radioGates[radioOp{op, kind}]; ok {
		gate = g
	}
	value, panics := d.panics[op]
	delete(d.panics, op)
	var err error
	if queued := d.next[op]; len(queued) > 0 {
		err = queued[0]
		d.next[op] = queued[1:]
	} else if e, ok := d.always[op]; ok {
		err = e
	}
	d.mu.Unlock()

	if gate != nil {
		if werr := gate.wait(ctx); werr != nil {
			return werr
		}
	}
	if panics {
		panic(value)
	}
	if d.latency > 0 {
		select {
		case <-time.After(d.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Gate blocks an operation until released.
type Gate struct {
	enterOnce   sync.Once
	releaseOnce sync.Once
	entered     chan struct{}
	release     chan struct{}
}

// Entered is closed once a call reaches the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Release lets every blocked and future call through.
func (g *Gate) Release() {
	g.releaseOnce.Do(func() { close(g.release) })
}

func (g *Gate) wait(ctx context.Context) error {
	g.enterOnce.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
