package bluez

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/radiomgr/internal/radio"
	"github.com/srg/radiomgr/internal/testutils"
)

type call struct {
	path   dbus.ObjectPath
	method string
	args   []any
}

type fakeBus struct {
	mu      sync.Mutex
	calls   []call
	fail    map[string]error
	signals chan<- *dbus.Signal
	matches int
	closed  bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{fail: map[string]error{}}
}

func (b *fakeBus) Object(_ string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{bus: b, path: path}
}

func (b *fakeBus) AddMatchSignal(...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches++
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = ch
}

func (b *fakeBus) RemoveSignal(chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.calls {
		out = append(out, c.method)
	}
	return out
}

func (b *fakeBus) last() call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[len(b.calls)-1]
}

type fakeObject struct {
	dbus.BusObject
	bus  *fakeBus
	path dbus.ObjectPath
}

func (o *fakeObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...any) *dbus.Call {
	o.bus.mu.Lock()
	defer o.bus.mu.Unlock()
	o.bus.calls = append(o.bus.calls, call{path: o.path, method: method, args: args})
	return &dbus.Call{Err: o.bus.fail[method]}
}

func newTestDriver(t *testing.T) (*Driver, *fakeBus, *testutils.TestHelper) {
	h := testutils.NewTestHelper(t)
	bus := newFakeBus()
	d := New(bus, Options{Adapter: "hci1"}, h.Logger)
	t.Cleanup(func() { _ = d.Close() })
	return d, bus, h
}

func TestDriver_PowerCycle(t *testing.T) {
	d, bus, h := newTestDriver(t)

	token, err := d.PowerOn(h.Context(), radio.BLE)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.matches)

	c := bus.last()
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1"), c.path)
	assert.Equal(t, dbusSetPropertiesIface, c.method)
	assert.Equal(t, []any{bluezAdapterIface, "Powered", dbus.MakeVariant(true)}, c.args)

	_, err = d.PowerOn(h.Context(), radio.BLE)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.matches, "signals are subscribed once")

	assert.Error(t, d.PowerOff(h.Context(), radio.BLE, token), "replaced by the second power-on")
	require.NoError(t, d.PowerOff(h.Context(), radio.BLE, d.token))
	assert.Equal(t, []any{bluezAdapterIface, "Powered", dbus.MakeVariant(false)}, bus.last().args)
}

func TestDriver_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind radio.ErrorKind
	}{
		{"no daemon", dbus.Error{Name: dbusErrorServiceUnknown}, radio.KindDriverUnavailable},
		{"no adapter", dbus.Error{Name: dbusErrorUnknownObject}, radio.KindDriverUnavailable},
		{"not ready", dbus.Error{Name: bluezErrorNotReady}, radio.KindAdapterNotReady},
		{"deadline", context.DeadlineExceeded, radio.KindTimeout},
		{"other", errors.New("boom"), radio.KindDriverFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, bus, h := newTestDriver(t)
			bus.fail[dbusSetPropertiesIface] = tt.err

			_, err := d.PowerOn(h.Context(), radio.BLE)
			require.Error(t, err)
			assert.Equal(t, tt.kind, radio.KindOf(err))
		})
	}
}

func TestDriver_Discovery(t *testing.T) {
	d, bus, h := newTestDriver(t)

	require.NoError(t, d.BeginDiscovery(h.Context()))
	require.NoError(t, d.EndDiscovery(h.Context()))
	assert.Equal(t, []string{
		bluezAdapterIface + ".SetDiscoveryFilter",
		bluezAdapterIface + ".StartDiscovery",
		bluezAdapterIface + ".StopDiscovery",
	}, bus.methods())

	bus.fail[bluezAdapterIface+".StartDiscovery"] = dbus.Error{Name: bluezErrorInProgress}
	assert.True(t, radio.IsKind(d.BeginDiscovery(h.Context()), radio.KindDriverFailure))
}

func TestDriver_TracksDevices(t *testing.T) {
	d, _, _ := newTestDriver(t)

	d.handleSignal(&dbus.Signal{
		Name: dbusSignalInterfacesAddedIface,
		Body: []any{
			dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB"),
			map[string]map[string]dbus.Variant{
				bluezDeviceIface: {
					"Address": dbus.MakeVariant("AA:BB"),
					"Name":    dbus.MakeVariant("tag"),
					"RSSI":    dbus.MakeVariant(int16(-70)),
				},
			},
		},
	})
	d.handleSignal(&dbus.Signal{
		Name: dbusSignalInterfacesAddedIface,
		Body: []any{
			dbus.ObjectPath("/org/bluez/hci0/dev_CC_DD"),
			map[string]map[string]dbus.Variant{
				bluezDeviceIface: {"Address": dbus.MakeVariant("CC:DD")},
			},
		},
	})
	d.handleSignal(&dbus.Signal{
		Name: dbusSignalPropertyChangedIface,
		Path: "/org/bluez/hci1/dev_AA_BB",
		Body: []any{bluezDeviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))}},
	})

	peers := d.Discovered()
	require.Len(t, peers, 1, "devices of other adapters are ignored")
	assert.Equal(t, "AA:BB", peers[0].Address)
	assert.Equal(t, "tag", peers[0].Name)
	assert.Equal(t, -40, peers[0].RSSI)

	d.handleSignal(&dbus.Signal{
		Name: dbusSignalInterfacesRemovedIface,
		Body: []any{dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB"), []string{bluezDeviceIface}},
	})
	assert.Empty(t, d.Discovered())
}

func TestDriver_ReportsAdapterLoss(t *testing.T) {
	d, _, h := newTestDriver(t)

	var events []radio.HardwareEvent
	require.NoError(t, d.RegisterHardwareEventCallback(radio.BLE, func(ev radio.HardwareEvent) {
		events = append(events, ev)
	}))

	powerOff := &dbus.Signal{
		Name: dbusSignalPropertyChangedIface,
		Path: "/org/bluez/hci1",
		Body: []any{bluezAdapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}},
	}
	d.handleSignal(powerOff)
	assert.Empty(t, events, "nothing is powered yet")

	token, err := d.PowerOn(h.Context(), radio.BLE)
	require.NoError(t, err)

	d.handleSignal(&dbus.Signal{
		Name: dbusSignalPropertyChangedIface,
		Path: "/org/bluez/hci1",
		Body: []any{bluezAdapterIface, map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)}},
	})
	d.handleSignal(powerOff)
	d.handleSignal(&dbus.Signal{
		Name: dbusSignalInterfacesRemovedIface,
		Body: []any{dbus.ObjectPath("/org/bluez/hci1"), []string{bluezAdapterIface}},
	})

	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, radio.BLE, ev.Transport)
		assert.Equal(t, token, ev.Token)
	}
	assert.EqualError(t, events[1].Err, "adapter removed")
}

func TestDriver_Close(t *testing.T) {
	d, bus, h := newTestDriver(t)

	_, err := d.PowerOn(h.Context(), radio.BLE)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, bus.closed)
	assert.Nil(t, bus.signals)

	_, err = d.PowerOn(h.Context(), radio.BLE)
	assert.True(t, radio.IsKind(err, radio.KindDriverUnavailable))
}
