package netman

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	nm "github.com/Wifx/gonetworkmanager"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/radiomgr/internal/radio"
	"github.com/srg/radiomgr/internal/testutils"
)

type fakeManager struct {
	wireless bool
	enables  int
	devices  []nm.Device
	err      error
}

func (m *fakeManager) GetPropertyWirelessEnabled() (bool, error) {
	return m.wireless, m.err
}

func (m *fakeManager) SetPropertyWirelessEnabled(on bool) error {
	m.enables++
	m.wireless = on
	return nil
}

func (m *fakeManager) GetDevices() ([]nm.Device, error) {
	return m.devices, nil
}

type fakeDevice struct {
	nm.Device
	path  dbus.ObjectPath
	iface string
	typ   nm.NmDeviceType
}

func (d fakeDevice) GetPath() dbus.ObjectPath                        { return d.path }
func (d fakeDevice) GetPropertyInterface() (string, error)           { return d.iface, nil }
func (d fakeDevice) GetPropertyDeviceType() (nm.NmDeviceType, error) { return d.typ, nil }

type fakeBus struct {
	mu      sync.Mutex
	methods []string
	args    [][]any
	fail    map[string]error
	closed  bool
}

func (b *fakeBus) Object(string, dbus.ObjectPath) dbus.BusObject { return &fakeObject{bus: b} }
func (b *fakeBus) AddMatchSignal(...dbus.MatchOption) error      { return nil }
func (b *fakeBus) Signal(chan<- *dbus.Signal)                    {}
func (b *fakeBus) RemoveSignal(chan<- *dbus.Signal)              {}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

type fakeObject struct {
	dbus.BusObject
	bus *fakeBus
}

func (o *fakeObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...any) *dbus.Call {
	o.bus.mu.Lock()
	defer o.bus.mu.Unlock()
	o.bus.methods = append(o.bus.methods, method)
	o.bus.args = append(o.bus.args, args)
	return &dbus.Call{Err: o.bus.fail[method]}
}

func fixture(t *testing.T, opts Options) (*Driver, *fakeManager, *fakeBus, context.Context) {
	h := testutils.NewTestHelper(t)
	manager := &fakeManager{devices: []nm.Device{
		fakeDevice{path: "/org/freedesktop/NetworkManager/Devices/2", iface: "wlan0", typ: nm.NmDeviceType(2)},
		fakeDevice{path: "/org/freedesktop/NetworkManager/Devices/3", iface: "p2p-dev-wlan0", typ: deviceTypeWifiP2P},
		fakeDevice{path: "/org/freedesktop/NetworkManager/Devices/4", iface: "p2p-dev-wlan1", typ: deviceTypeWifiP2P},
	}}
	bus := &fakeBus{fail: map[string]error{}}
	d := New(manager, bus, opts, h.Logger)
	t.Cleanup(func() { _ = d.Close() })
	return d, manager, bus, h.Context()
}

func TestDriver_PowerOnEnablesWireless(t *testing.T) {
	d, manager, _, ctx := fixture(t, Options{})

	token, err := d.PowerOn(ctx, radio.WiFiDirect)
	require.NoError(t, err)
	assert.Equal(t, 1, manager.enables)
	assert.Equal(t, "p2p-dev-wlan0", d.current.iface)

	_, err = d.PowerOn(ctx, radio.WiFiDirect)
	require.NoError(t, err)
	assert.Equal(t, 1, manager.enables, "wireless already on")

	assert.Error(t, d.PowerOff(ctx, radio.WiFiDirect, token))
}

func TestDriver_SelectsInterface(t *testing.T) {
	d, _, _, ctx := fixture(t, Options{Interface: "p2p-dev-wlan1"})

	_, err := d.PowerOn(ctx, radio.WiFiDirect)
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/NetworkManager/Devices/4"), d.current.path)

	d, _, _, ctx = fixture(t, Options{Interface: "p2p-dev-wlan9"})
	_, err = d.PowerOn(ctx, radio.WiFiDirect)
	assert.True(t, radio.IsKind(err, radio.KindDriverUnavailable))
	assert.ErrorContains(t, err, "p2p-dev-wlan9")
}

func TestDriver_PowerOnFailures(t *testing.T) {
	d, manager, _, ctx := fixture(t, Options{})

	_, err := d.PowerOn(ctx, radio.BLE)
	assert.True(t, radio.IsKind(err, radio.KindInvalidTransport))

	manager.err = errors.New("nm not running")
	_, err = d.PowerOn(ctx, radio.WiFiDirect)
	assert.True(t, radio.IsKind(err, radio.KindDriverFailure))
}

func TestDriver_Advertising(t *testing.T) {
	d, _, bus, ctx := fixture(t, Options{FindTimeout: 10 * time.Second})

	assert.True(t, radio.IsKind(d.StartAdvertising(ctx, "node"), radio.KindAdapterNotReady))
	require.NoError(t, d.StopAdvertising(ctx))

	token, err := d.PowerOn(ctx, radio.WiFiDirect)
	require.NoError(t, err)
	require.NoError(t, d.StartAdvertising(ctx, "node"))
	require.NoError(t, d.PowerOff(ctx, radio.WiFiDirect, token))

	assert.Equal(t, []string{nmWifiP2PIface + ".StartFind", nmWifiP2PIface + ".StopFind"}, bus.methods)
	assert.Equal(t, map[string]dbus.Variant{"timeout": dbus.MakeVariant(int32(10))}, bus.args[0][0])

	bus.fail[nmWifiP2PIface+".StartFind"] = errors.New("busy")
	_, err = d.PowerOn(ctx, radio.WiFiDirect)
	require.NoError(t, err)
	assert.True(t, radio.IsKind(d.StartAdvertising(ctx, "node"), radio.KindDriverFailure))
}

func TestDriver_ReportsDeviceLoss(t *testing.T) {
	d, _, _, ctx := fixture(t, Options{})

	var events []radio.HardwareEvent
	require.NoError(t, d.RegisterHardwareEventCallback(radio.WiFiDirect, func(ev radio.HardwareEvent) {
		events = append(events, ev)
	}))

	token, err := d.PowerOn(ctx, radio.WiFiDirect)
	require.NoError(t, err)
	path := d.current.path

	d.handleSignal(&dbus.Signal{Name: nmSignalStateChanged, Path: path, Body: []any{uint32(100), uint32(30), uint32(0)}})
	d.handleSignal(&dbus.Signal{Name: nmSignalStateChanged, Path: "/org/freedesktop/NetworkManager/Devices/9", Body: []any{uint32(20)}})
	assert.Empty(t, events, "activation and foreign devices are not loss")

	d.handleSignal(&dbus.Signal{Name: nmSignalStateChanged, Path: path, Body: []any{uint32(20), uint32(100), uint32(0)}})
	d.handleSignal(&dbus.Signal{Name: nmSignalDeviceRemoved, Body: []any{path}})

	require.Len(t, events, 1, "a device is reported lost once")
	assert.Equal(t, radio.WiFiDirect, events[0].Transport)
	assert.Equal(t, token, events[0].Token)
}

func TestDriver_Close(t *testing.T) {
	d, _, bus, ctx := fixture(t, Options{})

	_, err := d.PowerOn(ctx, radio.WiFiDirect)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, bus.closed)

	_, err = d.PowerOn(ctx, radio.WiFiDirect)
	assert.True(t, radio.IsKind(err, radio.KindDriverUnavailable))
}
