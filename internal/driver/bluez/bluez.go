// Package bluez drives the BLE transport through the BlueZ daemon over the
// system D-Bus: the adapter's Powered property is the radio, Start/StopDiscovery
// is the scan, and adapter removal or an external power-off is hardware loss.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/srg/radiomgr/internal/driver"
	"github.com/srg/radiomgr/internal/groutine"
	"github.com/srg/radiomgr/internal/radio"
)

// The DBus specific bus and property names.
const (
	dbusSetPropertiesIface           = "org.freedesktop.DBus.Properties.Set"
	dbusSignalPropertyChangedIface   = "org.freedesktop.DBus.Properties.PropertiesChanged"
	dbusSignalInterfacesAddedIface   = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	dbusSignalInterfacesRemovedIface = "org.freedesktop.DBus.ObjectManager.InterfacesRemoved"
	dbusErrorServiceUnknown          = "org.freedesktop.DBus.Error.ServiceUnknown"
	dbusErrorUnknownObject           = "org.freedesktop.DBus.Error.UnknownObject"
	bluezErrorNotReady               = "org.bluez.Error.NotReady"
	bluezErrorInProgress             = "org.bluez.Error.InProgress"
	bluezBusName                     = "org.bluez"
	bluezAdapterIface                = "org.bluez.Adapter1"
	bluezDeviceIface                 = "org.bluez.Device1"
)

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
	// Adapter is the BlueZ adapter name, e.g. "hci0".
	Adapter         string
	AllowDuplicates bool
}

// Driver powers a BlueZ adapter and runs LE discovery on it.
type Driver struct {
	bus    Bus
	path   dbus.ObjectPath
	opts   Options
	logger *logrus.Logger

	tokens *driver.Registry[dbus.ObjectPath]
	peers  *xsync.MapOf[dbus.ObjectPath, radio.Peer]

	mu      sync.Mutex
	token   radio.Token
	handler radio.HardwareEventHandler
	signals chan *dbus.Signal

	closed atomic.Bool
}

var (
	_ driver.BLEDriver      = (*Driver)(nil)
	_ radio.DiscoverySource = (*Driver)(nil)
)

// Dial connects to the system bus and returns a driver for opts.Adapter.
func Dial(opts Options, logger *logrus.Logger) (*Driver, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, radio.DriverError(radio.KindDriverUnavailable, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "start-systembus"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot initialize system DBus"),
		))
	}
	return New(bus, opts, logger), nil
}

// New creates a driver over an existing bus connection.
func New(bus Bus, opts Options, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	return &Driver{
		bus:    bus,
		path:   dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		opts:   opts,
		logger: logger,
		tokens: driver.NewRegistry[dbus.ObjectPath](),
		peers:  xsync.NewMapOf[dbus.ObjectPath, radio.Peer](),
	}
}

// PowerOn sets the adapter's Powered property.
func (d *Driver) PowerOn(ctx context.Context, kind radio.TransportKind) (radio.Token, error) {
	if kind != radio.BLE {
		return "", radio.DriverError(radio.KindInvalidTransport, fmt.Errorf("bluez cannot drive %s", kind))
	}
	if err := d.watch(); err != nil {
		return "", err
	}
	if err := d.setAdapterProperty(ctx, "Powered", true); err != nil {
		return "", d.wrap(err, "adapter-setpowered-state", "An error occurred on setting powered state")
	}

	token := d.tokens.Put(d.path)

	d.mu.Lock()
	old := d.token
	d.token = token
	d.mu.Unlock()
	if !old.IsZero() {
		d.tokens.Take(old)
	}

	d.logger.WithFields(logrus.Fields{
		"adapter": d.opts.Adapter,
		"token":   token,
	}).Info("BlueZ adapter powered")
	return token, nil
}

// PowerOff clears the Powered property of the adapter behind token.
func (d *Driver) PowerOff(ctx context.Context, kind radio.TransportKind, token radio.Token) error {
	path, ok := d.tokens.Take(token)
	if !ok {
		return fmt.Errorf("unknown BlueZ token %s", token)
	}

	d.mu.Lock()
	if d.token == token {
		d.token = ""
	}
	d.mu.Unlock()

	if err := d.setProperty(ctx, path, "Powered", false); err != nil {
		return d.wrap(err, "adapter-setpowered-state", "An error occurred on setting powered state")
	}
	d.logger.WithField("adapter", d.opts.Adapter).Info("BlueZ adapter powered off")
	return nil
}

func (d *Driver) RegisterHardwareEventCallback(kind radio.TransportKind, handler radio.HardwareEventHandler) error {
	if kind != radio.BLE {
		return radio.DriverError(radio.KindInvalidTransport, fmt.Errorf("bluez cannot drive %s", kind))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	return nil
}

// BeginDiscovery restricts discovery to LE and starts it.
func (d *Driver) BeginDiscovery(ctx context.Context) error {
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(d.opts.AllowDuplicates),
	}
	if err := d.callAdapter(ctx, "SetDiscoveryFilter", filter).Store(); err != nil {
		return d.wrap(err, "adapter-set-discovery-filter", "An error occurred while setting the discovery filter")
	}
	if err := d.callAdapter(ctx, "StartDiscovery").Store(); err != nil {
		return d.wrap(err, "adapter-start-discovery", "An error occurred while starting device discovery")
	}
	d.logger.WithField("adapter", d.opts.Adapter).Debug("BlueZ discovery started")
	return nil
}

// EndDiscovery stops discovery.
func (d *Driver) EndDiscovery(ctx context.Context) error {
	if err := d.callAdapter(ctx, "StopDiscovery").Store(); err != nil {
		return d.wrap(err, "adapter-stop-discovery", "An error occurred while stopping device discovery")
	}
	d.logger.WithField("adapter", d.opts.Adapter).Debug("BlueZ discovery stopped")
	return nil
}

// Discovered returns the LE devices BlueZ reported under the adapter, strongest signal first.
func (d *Driver) Discovered() []radio.Peer {
	var peers []radio.Peer
	d.peers.Range(func(_ dbus.ObjectPath, p radio.Peer) bool {
		peers = append(peers, p)
		return true
	})
	slices.SortFunc(peers, func(a, b radio.Peer) int {
		return b.RSSI - a.RSSI
	})
	return peers
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

// watch subscribes to BlueZ signals once.
func (d *Driver) watch() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return radio.DriverError(radio.KindDriverUnavailable, errors.New("driver closed"))
	}
	if d.signals != nil {
		return nil
	}
	if err := d.bus.AddMatchSignal(dbus.WithMatchSender(bluezBusName)); err != nil {
		return d.wrap(err, "signal-add-match", "Cannot subscribe to BlueZ signals")
	}

	ch := make(chan *dbus.Signal, 16)
	d.bus.Signal(ch)
	d.signals = ch

	groutine.Go(context.Background(), "bluez-signals-"+d.opts.Adapter, func(context.Context) {
		for signal := range ch {
			d.handleSignal(signal)
		}
	})
	return nil
}

// handleSignal tracks discovered devices and reports loss of the adapter.
func (d *Driver) handleSignal(signal *dbus.Signal) {
	switch signal.Name {
	case dbusSignalPropertyChangedIface:
		if len(signal.Body) < 2 {
			return
		}
		iface, _ := signal.Body[0].(string)
		props, ok := signal.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}

		switch {
		case iface == bluezAdapterIface && signal.Path == d.path:
			if v, ok := props["Powered"]; ok {
				if powered, _ := v.Value().(bool); !powered {
					d.lost(errors.New("adapter powered off externally"))
				}
			}
		case iface == bluezDeviceIface && d.owns(signal.Path):
			if peer, ok := d.peers.Load(signal.Path); ok {
				d.peers.Store(signal.Path, mergePeer(peer, props))
			}
		}

	case dbusSignalInterfacesAddedIface:
		if len(signal.Body) < 2 {
			return
		}
		path, _ := signal.Body[0].(dbus.ObjectPath)
		ifaces, ok := signal.Body[1].(map[string]map[string]dbus.Variant)
		if !ok || !d.owns(path) {
			return
		}
		if props, ok := ifaces[bluezDeviceIface]; ok {
			d.peers.Store(path, mergePeer(radio.Peer{}, props))
		}

	case dbusSignalInterfacesRemovedIface:
		if len(signal.Body) < 2 {
			return
		}
		path, _ := signal.Body[0].(dbus.ObjectPath)
		ifaces, _ := signal.Body[1].([]string)
		switch {
		case path == d.path && slices.Contains(ifaces, bluezAdapterIface):
			d.lost(errors.New("adapter removed"))
		case d.owns(path):
			d.peers.Delete(path)
		}
	}
}

func (d *Driver) lost(cause error) {
	d.mu.Lock()
	handler, token := d.handler, d.token
	d.mu.Unlock()

	if token.IsZero() {
		return
	}
	d.logger.WithError(cause).WithField("adapter", d.opts.Adapter).Warn("BlueZ adapter lost")
	if handler != nil {
		handler(radio.HardwareEvent{
			Transport: radio.BLE,
			Type:      radio.HardwareLost,
			Token:     token,
			Err:       cause,
		})
	}
}

// owns reports whether path is a device object under the adapter.
func (d *Driver) owns(path dbus.ObjectPath) bool {
	prefix := string(d.path) + "/"
	return len(path) > len(prefix) && string(path[:len(prefix)]) == prefix
}

func mergePeer(p radio.Peer, props map[string]dbus.Variant) radio.Peer {
	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok {
			p.Address = s
		}
	}
	if v, ok := props["Name"]; ok {
		if s, ok := v.Value().(string); ok {
			p.Name = s
		}
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			p.RSSI = int(rssi)
		}
	}
	p.LastSeen = time.Now()
	return p
}

// callAdapter is used to interact with the bluez Adapter dbus interface.
func (d *Driver) callAdapter(ctx context.Context, method string, args ...any) *dbus.Call {
	return d.bus.Object(bluezBusName, d.path).CallWithContext(ctx, bluezAdapterIface+"."+method, 0, args...)
}

func (d *Driver) setAdapterProperty(ctx context.Context, key string, value any) error {
	return d.setProperty(ctx, d.path, key, value)
}

func (d *Driver) setProperty(ctx context.Context, path dbus.ObjectPath, key string, value any) error {
	return d.bus.Object(bluezBusName, path).CallWithContext(ctx,
		dbusSetPropertiesIface, 0, bluezAdapterIface,
		key, dbus.MakeVariant(value),
	).Store()
}

// wrap adds BlueZ context to err and tags it with the radio kind it maps to.
func (d *Driver) wrap(err error, at, msg string) error {
	kind, tag := classify(err)
	return radio.DriverError(kind, fault.Wrap(err,
		fctx.With(context.Background(),
			"error_at", at,
			"adapter", d.opts.Adapter,
		),
		ftag.With(tag),
		fmsg.WithDesc(msg, msg),
	))
}

func classify(err error) (radio.ErrorKind, ftag.Kind) {
	if name, ok := dbusErrorName(err); ok {
		switch name {
		case dbusErrorServiceUnknown, dbusErrorUnknownObject:
			return radio.KindDriverUnavailable, ftag.NotFound
		case bluezErrorNotReady:
			return radio.KindAdapterNotReady, ftag.Internal
		case bluezErrorInProgress:
			return radio.KindDriverFailure, ftag.AlreadyExists
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return radio.KindTimeout, ftag.Internal
	}
	return radio.KindDriverFailure, ftag.Internal
}

func dbusErrorName(err error) (string, bool) {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name, true
	}
	var perr *dbus.Error
	if errors.As(err, &perr) && perr != nil {
		return perr.Name, true
	}
	return "", false
}
