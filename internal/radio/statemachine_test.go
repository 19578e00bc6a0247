package radio

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lateDriver confirms power-on only when released, ignoring the context.
type lateDriver struct {
	release   chan struct{}
	powerOffs chan Token
}

func (d *lateDriver) PowerOn(context.Context, TransportKind) (Token, error) {
	<-d.release
	return "late-token", nil
}

func (d *lateDriver) PowerOff(_ context.Context, _ TransportKind, token Token) error {
	d.powerOffs <- token
	return nil
}

func (d *lateDriver) RegisterHardwareEventCallback(TransportKind, HardwareEventHandler) error {
	return nil
}

func (d *lateDriver) BeginDiscovery(context.Context) error { return nil }
func (d *lateDriver) EndDiscovery(context.Context) error   { return nil }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestInitializeTimeoutDiscardsLateConfirmation(t *testing.T) {
	d := &lateDriver{release: make(chan struct{}), powerOffs: make(chan Token, 1)}
	m := NewManager(d, WithLogger(quietLogger()), WithInitTimeout(20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.Initialize(ctx, BLE)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.Equal(t, Faulted, m.State(BLE))
	assert.True(t, IsKind(m.LastError(BLE), KindTimeout))

	close(d.release)

	select {
	case token := <-d.powerOffs:
		assert.Equal(t, Token("late-token"), token)
	case <-time.After(2 * time.Second):
		t.Fatal("late resource was never released")
	}
	assert.Equal(t, Faulted, m.State(BLE), "a late confirmation must not revive the adapter")

	require.NoError(t, m.Close(ctx))
}

func TestJoinerGivesUpOnItsOwnContext(t *testing.T) {
	d := &lateDriver{release: make(chan struct{}), powerOffs: make(chan Token, 1)}
	m := NewManager(d, WithLogger(quietLogger()), WithInitTimeout(time.Second))

	first := make(chan error, 1)
	go func() { first <- m.Initialize(context.Background(), BLE) }()

	require.Eventually(t, func() bool { return m.State(BLE) == Initializing }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Initialize(ctx, BLE)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.Equal(t, Initializing, m.State(BLE), "an abandoned waiter does not affect the attempt")

	close(d.release)
	require.NoError(t, <-first)
	assert.Equal(t, Ready, m.State(BLE))

	handle, err := m.Handle(BLE)
	require.NoError(t, err)
	assert.Equal(t, Token("late-token"), handle.Token)

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, Token("late-token"), <-d.powerOffs)
}

func TestFlushAppliesQueuedEvents(t *testing.T) {
	d := &lateDriver{release: make(chan struct{}), powerOffs: make(chan Token, 1)}
	close(d.release)
	m := NewManager(d, WithLogger(quietLogger()))
	ctx := context.Background()

	require.NoError(t, m.Initialize(ctx, WiFiDirect))

	sm := m.machines[WiFiDirect]
	sm.deliver(HardwareEvent{Type: HardwareLost, Token: "late-token"})
	require.NoError(t, m.Flush(ctx))

	assert.Equal(t, Faulted, m.State(WiFiDirect))
	assert.Equal(t, int32(0), sm.pending.Load())
	assert.True(t, IsKind(m.LastError(WiFiDirect), KindDriverUnavailable))
	assert.ErrorIs(t, m.LastError(WiFiDirect), errHardwareLost)

	require.NoError(t, m.Close(ctx))
}
