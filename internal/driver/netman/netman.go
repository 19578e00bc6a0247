// Package netman drives the Wi-Fi Direct transport through NetworkManager:
// the radio is the wireless switch plus the Wi-Fi P2P device, advertising is a
// P2P find, and removal or deactivation of the P2P device is hardware loss.
package netman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	nm "github.com/Wifx/gonetworkmanager"
	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/srg/radiomgr/internal/driver"
	"github.com/srg/radiomgr/internal/groutine"
	"github.com/srg/radiomgr/internal/radio"
)

const (
	nmBusName              = "org.freedesktop.NetworkManager"
	nmDeviceIface          = "org.freedesktop.NetworkManager.Device"
	nmWifiP2PIface         = "org.freedesktop.NetworkManager.Device.WifiP2P"
	nmSignalStateChanged   = nmDeviceIface + ".StateChanged"
	nmSignalDeviceRemoved  = nmBusName + ".DeviceRemoved"
	deviceTypeWifiP2P      = nm.NmDeviceType(30)
	deviceStateUnavailable = nm.NmDeviceState(20)
)

// DefaultFindTimeout bounds a P2P find started by StartAdvertising.
const DefaultFindTimeout = 30 * time.Second

// NetworkManager is the part of gonetworkmanager.NetworkManager the driver uses.
type NetworkManager interface {
	GetPropertyWirelessEnabled() (bool, error)
	SetPropertyWirelessEnabled(bool) error
	GetDevices() ([]nm.Device, error)
}

// Bus is the part of *dbus.Conn the driver uses.
type Bus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

// Options configures the driver.
type Options struct {
	// Interface selects the P2P device by interface name; empty picks the first one.
	Interface   string
	FindTimeout time.Duration
}

type p2pDevice struct {
	path  dbus.ObjectPath
	iface string
}

// Driver powers the Wi-Fi P2P device and advertises through P2P find.
type Driver struct {
	manager NetworkManager
	bus     Bus
	opts    Options
	logger  *logrus.Logger

	devices *driver.Registry[p2pDevice]
	// watched maps a P2P device path to the token its loss is reported under.
	watched *xsync.MapOf[dbus.ObjectPath, radio.Token]

	mu      sync.Mutex
	current p2pDevice
	token   radio.Token
	handler radio.HardwareEventHandler
	signals chan *dbus.Signal
	advert  string

	closed atomic.Bool
}

var (
	_ radio.PowerPort  = (*Driver)(nil)
	_ radio.Advertiser = (*Driver)(nil)
)

// Dial connects to NetworkManager on the system bus.
func Dial(opts Options, logger *logrus.Logger) (*Driver, error) {
	manager, err := nm.NewNetworkManager()
	if err != nil {
		return nil, radio.DriverError(radio.KindDriverUnavailable, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "start-networkmanager"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot connect to NetworkManager"),
		))
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, radio.DriverError(radio.KindDriverUnavailable, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "start-systembus"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot initialize system DBus"),
		))
	}
	return New(manager, bus, opts, logger), nil
}

// New creates a driver over existing NetworkManager and bus connections.
func New(manager NetworkManager, bus Bus, opts Options, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.FindTimeout <= 0 {
		opts.FindTimeout = DefaultFindTimeout
	}
	return &Driver{
		manager: manager,
		bus:     bus,
		opts:    opts,
		logger:  logger,
		devices: driver.NewRegistry[p2pDevice](),
		watched: xsync.NewMapOf[dbus.ObjectPath, radio.Token](),
	}
}

// PowerOn enables wireless and resolves the P2P device.
func (d *Driver) PowerOn(ctx context.Context, kind radio.TransportKind) (radio.Token, error) {
	if kind != radio.WiFiDirect {
		return "", radio.DriverError(radio.KindInvalidTransport, fmt.Errorf("networkmanager cannot drive %s", kind))
	}
	if err := d.watch(); err != nil {
		return "", err
	}

	enabled, err := d.manager.GetPropertyWirelessEnabled()
	if err != nil {
		return "", d.wrap(err, "wireless-enabled-get", "Cannot read the wireless switch")
	}
	if !enabled {
		if err := d.manager.SetPropertyWirelessEnabled(true); err != nil {
			return "", d.wrap(err, "wireless-enabled-set", "Cannot enable wireless")
		}
		d.logger.Info("Wireless enabled")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dev, err := d.findP2PDevice()
	if err != nil {
		return "", err
	}

	token := d.devices.Put(dev)
	d.watched.Store(dev.path, token)

	d.mu.Lock()
	old := d.token
	d.current, d.token = dev, token
	d.mu.Unlock()
	if !old.IsZero() {
		d.devices.Take(old)
	}

	d.logger.WithFields(logrus.Fields{
		"interface": dev.iface,
		"token":     token,
	}).Info("Wi-Fi P2P device ready")
	return token, nil
}

// PowerOff releases the P2P device behind token, stopping any find on it.
// The wireless switch is left alone since it is shared with station mode.
func (d *Driver) PowerOff(ctx context.Context, kind radio.TransportKind, token radio.Token) error {
	dev, ok := d.devices.Take(token)
	if !ok {
		return fmt.Errorf("unknown Wi-Fi Direct token %s", token)
	}
	if t, ok := d.watched.Load(dev.path); ok && t == token {
		d.watched.Delete(dev.path)
	}

	d.mu.Lock()
	current := d.token == token
	advertising := current && d.advert != ""
	if current {
		d.current, d.token, d.advert = p2pDevice{}, "", ""
	}
	d.mu.Unlock()

	if advertising {
		if err := d.callP2P(ctx, dev.path, "StopFind").Store(); err != nil {
			d.logger.WithError(err).Debug("StopFind failed during power off")
		}
	}
	d.logger.WithField("interface", dev.iface).Info("Wi-Fi P2P device released")
	return nil
}

func (d *Driver) RegisterHardwareEventCallback(kind radio.TransportKind, handler radio.HardwareEventHandler) error {
	if kind != radio.WiFiDirect {
		return radio.DriverError(radio.KindInvalidTransport, fmt.Errorf("networkmanager cannot drive %s", kind))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	return nil
}

// StartAdvertising starts a P2P find, which makes the device discoverable to
// peers for FindTimeout. NetworkManager announces the system's P2P device name;
// name is kept for status only.
func (d *Driver) StartAdvertising(ctx context.Context, name string) error {
	d.mu.Lock()
	dev := d.current
	d.mu.Unlock()
	if dev.path == "" {
		return radio.DriverError(radio.KindAdapterNotReady, errors.New("no Wi-Fi P2P device"))
	}

	opts := map[string]dbus.Variant{
		"timeout": dbus.MakeVariant(int32(d.opts.FindTimeout / time.Second)),
	}
	if err := d.callP2P(ctx, dev.path, "StartFind", opts).Store(); err != nil {
		return d.wrap(err, "p2p-start-find", "Cannot start Wi-Fi P2P find")
	}

	d.mu.Lock()
	d.advert = name
	d.mu.Unlock()
	d.logger.WithFields(logrus.Fields{
		"interface": dev.iface,
		"name":      name,
	}).Debug("Wi-Fi P2P find started")
	return nil
}

// StopAdvertising stops the P2P find.
func (d *Driver) StopAdvertising(ctx context.Context) error {
	d.mu.Lock()
	dev := d.current
	d.advert = ""
	d.mu.Unlock()
	if dev.path == "" {
		return nil
	}
	if err := d.callP2P(ctx, dev.path, "StopFind").Store(); err != nil {
		return d.wrap(err, "p2p-stop-find", "Cannot stop Wi-Fi P2P find")
	}
	return nil
}

// Close stops watching signals and closes the bus.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	ch := d.signals
	d.signals = nil
	d.mu.Unlock()

	if ch != nil {
		d.bus.RemoveSignal(ch)
		close(ch)
	}
	if err := d.bus.Close(); err != nil {
		return d.wrap(err, "stop-systembus", "Error while closing system bus")
	}
	return nil
}

func (d *Driver) findP2PDevice() (p2pDevice, error) {
	devices, err := d.manager.GetDevices()
	if err != nil {
		return p2pDevice{}, d.wrap(err, "networkmanager-get-devices", "Cannot list network devices")
	}

	for _, dev := range devices {
		typ, err := dev.GetPropertyDeviceType()
		if err != nil || typ != deviceTypeWifiP2P {
			continue
		}
		iface, err := dev.GetPropertyInterface()
		if err != nil {
			continue
		}
		if d.opts.Interface != "" && iface != d.opts.Interface {
			continue
		}
		return p2pDevice{path: dev.GetPath(), iface: iface}, nil
	}

	msg := "no Wi-Fi P2P device"
	if d.opts.Interface != "" {
		msg = fmt.Sprintf("no Wi-Fi P2P device on %s", d.opts.Interface)
	}
	return p2pDevice{}, radio.DriverError(radio.KindDriverUnavailable, errors.New(msg))
}

// watch subscribes to device signals once.
func (d *Driver) watch() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return radio.DriverError(radio.KindDriverUnavailable, errors.New("driver closed"))
	}
	if d.signals != nil {
		return nil
	}
	if err := d.bus.AddMatchSignal(dbus.WithMatchSender(nmBusName)); err != nil {
		return d.wrap(err, "signal-add-match", "Cannot subscribe to NetworkManager signals")
	}

	ch := make(chan *dbus.Signal, 16)
	d.bus.Signal(ch)
	d.signals = ch

	groutine.Go(context.Background(), "netman-signals", func(context.Context) {
		for signal := range ch {
			d.handleSignal(signal)
		}
	})
	return nil
}

// handleSignal reports loss of a watched P2P device.
func (d *Driver) handleSignal(signal *dbus.Signal) {
	switch signal.Name {
	case nmSignalStateChanged:
		if len(signal.Body) < 1 {
			return
		}
		state, ok := signal.Body[0].(uint32)
		if !ok || nm.NmDeviceState(state) > deviceStateUnavailable {
			return
		}
		d.lost(signal.Path, fmt.Errorf("P2P device entered state %d", state))

	case nmSignalDeviceRemoved:
		if len(signal.Body) < 1 {
			return
		}
		if path, ok := signal.Body[0].(dbus.ObjectPath); ok {
			d.lost(path, errors.New("P2P device removed"))
		}
	}
}

func (d *Driver) lost(path dbus.ObjectPath, cause error) {
	token, ok := d.watched.LoadAndDelete(path)
	if !ok {
		return
	}

	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()

	d.logger.WithError(cause).WithField("path", path).Warn("Wi-Fi P2P device lost")
	if handler != nil {
		handler(radio.HardwareEvent{
			Transport: radio.WiFiDirect,
			Type:      radio.HardwareLost,
			Token:     token,
			Err:       cause,
		})
	}
}

func (d *Driver) callP2P(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	return d.bus.Object(nmBusName, path).CallWithContext(ctx, nmWifiP2PIface+"."+method, 0, args...)
}

func (d *Driver) wrap(err error, at, msg string) error {
	kind := radio.KindDriverFailure
	if errors.Is(err, context.DeadlineExceeded) {
		kind = radio.KindTimeout
	}
	return radio.DriverError(kind, fault.Wrap(err,
		fctx.With(context.Background(),
			"error_at", at,
			"interface", d.opts.Interface,
		),
		ftag.With(ftag.Internal),
		fmsg.WithDesc(msg, msg),
	))
}
