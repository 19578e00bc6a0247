// Package goble drives the BLE transport through github.com/go-ble/ble:
// HCI sockets on linux, CoreBluetooth on darwin.
package goble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/srg/radiomgr/internal/driver"
	"github.com/srg/radiomgr/internal/groutine"
	"github.com/srg/radiomgr/internal/radio"
)

// DefaultStartGrace is how long a fresh scan must survive before BeginDiscovery reports success.
const DefaultStartGrace = 300 * time.Millisecond

// Options configures the driver.
type Options struct {
	// DeviceID selects the HCI adapter on linux (hci<DeviceID>). Ignored on darwin.
	DeviceID        int
	AllowDuplicates bool
	StartGrace      time.Duration
}

// DeviceFactory opens the local BLE device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// Driver powers the local BLE controller and runs discovery on it.
type Driver struct {
	logger *logrus.Logger
	opts   Options

	devices *driver.Registry[ble.Device]
	peers   *hashmap.Map[string, radio.Peer]

	mu       sync.Mutex
	token    radio.Token
	dev      ble.Device
	handler  radio.HardwareEventHandler
	cancel   context.CancelFunc
	scanDone chan struct{}

	discovering atomic.Bool
	closed      atomic.Bool
}

var (
	_ driver.BLEDriver      = (*Driver)(nil)
	_ radio.DiscoverySource = (*Driver)(nil)
)

// New creates a driver with the controller off.
func New(opts Options, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.StartGrace <= 0 {
		opts.StartGrace = DefaultStartGrace
	}
	return &Driver{
		logger:  logger,
		opts:    opts,
		devices: driver.NewRegistry[ble.Device](),
		peers:   hashmap.New[string, radio.Peer](),
	}
}

// PowerOn opens the controller. Opening blocks until the platform stack reports
// it powered, so it runs on its own goroutine and a device that shows up after
// ctx is done is stopped again.
func (d *Driver) PowerOn(ctx context.Context, kind radio.TransportKind) (radio.Token, error) {
	if kind != radio.BLE {
		return "", radio.DriverError(radio.KindInvalidTransport, fmt.Errorf("go-ble cannot drive %s", kind))
	}
	if d.closed.Load() {
		return "", radio.DriverError(radio.KindDriverUnavailable, errors.New("driver closed"))
	}

	type result struct {
		dev ble.Device
		err error
	}
	opened := make(chan result, 1)
	groutine.Go(ctx, "goble-open", func(context.Context) {
		dev, err := DeviceFactory(d.opts)
		opened <- result{dev: dev, err: err}
	})

	var res result
	select {
	case res = <-opened:
	case <-ctx.Done():
		go func() {
			if late := <-opened; late.err == nil {
				d.logger.Warn("BLE device opened after the caller gave up, stopping it")
				_ = late.dev.Stop()
			}
		}()
		return "", ctx.Err()
	}
	if res.err != nil {
		return "", NormalizeError(res.err)
	}

	token := d.devices.Put(res.dev)

	d.mu.Lock()
	old, oldToken := d.dev, d.token
	d.dev, d.token = res.dev, token
	d.mu.Unlock()

	if old != nil {
		d.devices.Take(oldToken)
		_ = old.Stop()
	}

	d.logger.WithFields(logrus.Fields{
		"device_id": d.opts.DeviceID,
		"token":     token,
	}).Info("BLE controller opened")
	return token, nil
}

// PowerOff stops the device behind token.
func (d *Driver) PowerOff(ctx context.Context, kind radio.TransportKind, token radio.Token) error {
	dev, ok := d.devices.Take(token)
	if !ok {
		return fmt.Errorf("unknown BLE token %s", token)
	}

	d.mu.Lock()
	current := d.token == token
	if current {
		d.dev, d.token = nil, ""
	}
	d.mu.Unlock()

	if current {
		d.stopScan(ctx)
	}
	if err := dev.Stop(); err != nil {
		return NormalizeError(err)
	}
	d.logger.WithField("token", token).Info("BLE controller closed")
	return nil
}

func (d *Driver) RegisterHardwareEventCallback(kind radio.TransportKind, handler radio.HardwareEventHandler) error {
	if kind != radio.BLE {
		return radio.DriverError(radio.KindInvalidTransport, fmt.Errorf("go-ble cannot drive %s", kind))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	return nil
}

// BeginDiscovery starts a scan loop and reports success once the loop has
// survived the start grace period.
func (d *Driver) BeginDiscovery(ctx context.Context) error {
	d.mu.Lock()
	dev, token := d.dev, d.token
	if dev == nil {
		d.mu.Unlock()
		return radio.DriverError(radio.KindAdapterNotReady, errors.New("BLE controller is not open"))
	}
	if d.cancel != nil {
		d.mu.Unlock()
		return errors.New("discovery already running")
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	failed := make(chan error)
	settled := make(chan struct{})
	d.cancel, d.scanDone = cancel, done
	d.mu.Unlock()

	d.discovering.Store(true)
	groutine.Go(scanCtx, "goble-scan", func(ctx context.Context) {
		defer close(done)
		defer d.discovering.Store(false)

		err := dev.Scan(ctx, d.opts.AllowDuplicates, d.onAdvertisement)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("scan ended unexpectedly")
		}
		select {
		case failed <- err:
		case <-settled:
			d.scanLost(token, err)
		}
	})

	select {
	case err := <-failed:
		d.clearScan(done)
		return NormalizeError(err)
	case <-time.After(d.opts.StartGrace):
		close(settled)
	case <-ctx.Done():
		close(settled)
		d.stopScan(context.Background())
		return ctx.Err()
	}

	d.logger.WithField("allow_duplicates", d.opts.AllowDuplicates).Debug("BLE scan loop running")
	return nil
}

// EndDiscovery cancels the scan loop and waits for it to return.
func (d *Driver) EndDiscovery(ctx context.Context) error {
	return d.stopScan(ctx)
}

// Discovered returns the peers seen so far, strongest signal first.
func (d *Driver) Discovered() []radio.Peer {
	peers := make([]radio.Peer, 0, d.peers.Len())
	d.peers.Range(func(_ string, p radio.Peer) bool {
		peers = append(peers, p)
		return true
	})
	slices.SortFunc(peers, func(a, b radio.Peer) int {
		return b.RSSI - a.RSSI
	})
	return peers
}

// Discovering reports whether the scan loop is running.
func (d *Driver) Discovering() bool {
	return d.discovering.Load()
}

// Close stops discovery and every open device.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.stopScan(context.Background())

	var errs []error
	var tokens []radio.Token
	d.devices.Range(func(token radio.Token, _ ble.Device) bool {
		tokens = append(tokens, token)
		return true
	})
	for _, token := range tokens {
		if dev, ok := d.devices.Take(token); ok {
			if err := dev.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	d.mu.Lock()
	d.dev, d.token = nil, ""
	d.mu.Unlock()
	return errors.Join(errs...)
}

func (d *Driver) onAdvertisement(adv ble.Advertisement) {
	addr := adv.Addr().String()
	peer := radio.Peer{
		Address:  addr,
		Name:     adv.LocalName(),
		RSSI:     adv.RSSI(),
		LastSeen: time.Now(),
	}
	if prev, ok := d.peers.Get(addr); ok && peer.Name == "" {
		peer.Name = prev.Name
	}
	d.peers.Set(addr, peer)
}

func (d *Driver) stopScan(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.scanDone
	d.cancel, d.scanDone = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clearScan forgets a scan loop that has already returned.
func (d *Driver) clearScan(done chan struct{}) {
	<-done
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanDone == done {
		d.cancel, d.scanDone = nil, nil
	}
}

// scanLost reports a scan loop that died on its own as loss of the controller.
func (d *Driver) scanLost(token radio.Token, err error) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()

	d.logger.WithError(err).WithField("token", token).Warn("BLE scan loop failed")
	if handler == nil {
		return
	}
	handler(radio.HardwareEvent{
		Transport: radio.BLE,
		Type:      radio.HardwareLost,
		Token:     token,
		Err:       NormalizeError(err),
	})
}
