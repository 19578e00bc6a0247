package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/radiomgr/internal/radio"
	"github.com/srg/radiomgr/internal/testutils"
)

// fakeDevice implements only the parts of ble.Device the driver uses.
type fakeDevice struct {
	ble.Device

	mu      sync.Mutex
	stopped int
	scanErr error
	adverts []ble.Advertisement
	fail    chan error
}

func (f *fakeDevice) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeDevice) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	f.mu.Lock()
	err, adverts := f.scanErr, f.adverts
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, a := range adverts {
		h(a)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.fail:
		return err
	}
}

func (f *fakeDevice) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeAdvertisement struct {
	ble.Advertisement
	addr string
	name string
	rssi int
}

func (a fakeAdvertisement) Addr() ble.Addr    { return ble.NewAddr(a.addr) }
func (a fakeAdvertisement) LocalName() string { return a.name }
func (a fakeAdvertisement) RSSI() int         { return a.rssi }

func withDevice(t *testing.T, dev ble.Device, err error) {
	original := DeviceFactory
	DeviceFactory = func(Options) (ble.Device, error) {
		return dev, err
	}
	t.Cleanup(func() { DeviceFactory = original })
}

func newTestDriver(t *testing.T) (*Driver, *testutils.TestHelper) {
	h := testutils.NewTestHelper(t)
	d := New(Options{StartGrace: 20 * time.Millisecond}, h.Logger)
	t.Cleanup(func() { _ = d.Close() })
	return d, h
}

func TestDriver_PowerCycle(t *testing.T) {
	dev := &fakeDevice{fail: make(chan error)}
	withDevice(t, dev, nil)
	d, h := newTestDriver(t)

	token, err := d.PowerOn(h.Context(), radio.BLE)
	require.NoError(t, err)
	assert.False(t, token.IsZero())

	require.NoError(t, d.PowerOff(h.Context(), radio.BLE, token))
	assert.Equal(t, 1, dev.stops())
	assert.Error(t, d.PowerOff(h.Context(), radio.BLE, token))
}

func TestDriver_RejectsWiFiDirect(t *testing.T) {
	d, h := newTestDriver(t)

	_, err := d.PowerOn(h.Context(), radio.WiFiDirect)
	assert.True(t, radio.IsKind(err, radio.KindInvalidTransport))
	assert.True(t, radio.IsKind(d.RegisterHardwareEventCallback(radio.WiFiDirect, nil), radio.KindInvalidTransport))
}

func TestDriver_PowerOnNormalizesErrors(t *testing.T) {
	withDevice(t, nil, errors.New("can't init hci: no such device"))
	d, h := newTestDriver(t)

	_, err := d.PowerOn(h.Context(), radio.BLE)
	assert.True(t, radio.IsKind(err, radio.KindDriverUnavailable), "got %v", err)
}

func TestDriver_DiscoveryCollectsPeers(t *testing.T) {
	dev := &fakeDevice{
		fail: make(chan error),
		adverts: []ble.Advertisement{
			fakeAdvertisement{addr: "aa:bb:cc:dd:ee:01", name: "tag", rssi: -80},
			fakeAdvertisement{addr: "aa:bb:cc:dd:ee:02", name: "watch", rssi: -45},
			fakeAdvertisement{addr: "aa:bb:cc:dd:ee:01", rssi: -60},
		},
	}
	withDevice(t, dev, nil)
	d, h := newTestDriver(t)

	assert.True(t, radio.IsKind(d.BeginDiscovery(h.Context()), radio.KindAdapterNotReady))

	_, err := d.PowerOn(h.Context(), radio.BLE)
	require.NoError(t, err)
	require.NoError(t, d.BeginDiscovery(h.Context()))
	assert.True(t, d.Discovering())
	assert.Error(t, d.BeginDiscovery(h.Context()), "one scan loop at a time")

	require.Eventually(t, func() bool {
		peers := d.Discovered()
		return len(peers) == 2 && peers[1].RSSI == -60
	}, time.Second, 5*time.Millisecond)
	peers := d.Discovered()
	assert.Equal(t, "watch", peers[0].Name)
	assert.Equal(t, "tag", peers[1].Name, "a nameless sighting keeps the known name")
	assert.Equal(t, -60, peers[1].RSSI)

	require.NoError(t, d.EndDiscovery(h.Context()))
	assert.False(t, d.Discovering())
	require.NoError(t, d.EndDiscovery(h.Context()))
}

func TestDriver_DiscoveryStartFailure(t *testing.T) {
	dev := &fakeDevice{scanErr: errors.New("bluetooth is turned off")}
	withDevice(t, dev, nil)
	d, h := newTestDriver(t)

	var events []radio.HardwareEvent
	require.NoError(t, d.RegisterHardwareEventCallback(radio.BLE, func(ev radio.HardwareEvent) {
		events = append(events, ev)
	}))

	_, err := d.PowerOn(h.Context(), radio.BLE)
	require.NoError(t, err)

	err = d.BeginDiscovery(h.Context())
	assert.True(t, radio.IsKind(err, radio.KindDriverUnavailable), "got %v", err)
	assert.False(t, d.Discovering())
	assert.Empty(t, events, "a scan that never started is not a hardware loss")
}

func TestDriver_ScanLossIsReported(t *testing.T) {
	dev := &fakeDevice{fail: make(chan error)}
	withDevice(t, dev, nil)
	d, h := newTestDriver(t)

	events := make(chan radio.HardwareEvent, 1)
	require.NoError(t, d.RegisterHardwareEventCallback(radio.BLE, func(ev radio.HardwareEvent) {
		events <- ev
	}))

	token, err := d.PowerOn(h.Context(), radio.BLE)
	require.NoError(t, err)
	require.NoError(t, d.BeginDiscovery(h.Context()))

	dev.fail <- errors.New("hci: controller removed")

	select {
	case ev := <-events:
		assert.Equal(t, radio.HardwareLost, ev.Type)
		assert.Equal(t, token, ev.Token)
	case <-time.After(testutils.DefaultTimeout):
		t.Fatal("loss not reported")
	}
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg  string
		kind radio.ErrorKind
	}{
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", radio.KindDriverUnavailable},
		{"Bluetooth is turned off", radio.KindDriverUnavailable},
		{"operation not permitted", radio.KindDriverUnavailable},
		{"connection timeout", radio.KindTimeout},
		{"something else", ""},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.kind, radio.KindOf(NormalizeError(errors.New(tt.msg))))
		})
	}
	assert.NoError(t, NormalizeError(nil))
}
