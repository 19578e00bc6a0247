// Package nativeadapter is the host-facing binding surface of the radio manager.
//
// Each operation returns 0 on success and -1 on failure. The reason behind a -1
// is available out of band through PollDiagnostic and LastError.
package nativeadapter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/radiomgr/internal/radio"
)

// DefaultCallTimeout bounds the scan operations, which have no caller context.
const DefaultCallTimeout = 10 * time.Second

// NativeAdapter exposes the four radio operations of a Manager as result codes.
type NativeAdapter struct {
	manager     *radio.Manager
	logger      *logrus.Logger
	callTimeout time.Duration
}

// Option configures a NativeAdapter.
type Option func(*NativeAdapter)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(a *NativeAdapter) {
		a.logger = logger
	}
}

// WithCallTimeout bounds each scan call.
func WithCallTimeout(d time.Duration) Option {
	return func(a *NativeAdapter) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// New binds the adapter surface to m.
func New(m *radio.Manager, opts ...Option) *NativeAdapter {
	a := &NativeAdapter{manager: m, callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logrus.New()
	}
	return a
}

// InitBleAdapter brings the BLE adapter to Ready.
func (a *NativeAdapter) InitBleAdapter() int {
	return a.call("initBleAdapter", func(ctx context.Context) error {
		return a.manager.Initialize(ctx, radio.BLE)
	})
}

// InitWiFiDirectAdapter brings the Wi-Fi Direct adapter to Ready.
func (a *NativeAdapter) InitWiFiDirectAdapter() int {
	return a.call("initWiFiDirectAdapter", func(ctx context.Context) error {
		return a.manager.Initialize(ctx, radio.WiFiDirect)
	})
}

// StartBleScan registers a BLE scanner, starting discovery if it is the first.
func (a *NativeAdapter) StartBleScan() int {
	return a.call("startBleScan", a.manager.StartScan)
}

// StopBleScan releases a BLE scanner, ending discovery if it was the last.
func (a *NativeAdapter) StopBleScan() int {
	return a.call("stopBleScan", a.manager.StopScan)
}

// PollDiagnostic returns the oldest diagnostic the host has not read yet.
func (a *NativeAdapter) PollDiagnostic() (radio.Diagnostic, bool) {
	return a.manager.PollDiagnostic()
}

// LastError returns the recorded failure of kind, if any.
func (a *NativeAdapter) LastError(kind radio.TransportKind) error {
	return a.manager.LastError(kind)
}

func (a *NativeAdapter) call(op string, fn func(ctx context.Context) error) int {
	ctx, cancel := context.WithTimeout(context.Background(), a.callTimeout)
	defer cancel()

	err := fn(ctx)
	code := radio.Code(err)
	entry := a.logger.WithFields(logrus.Fields{
		"op":   op,
		"code": code,
	})
	if err != nil {
		entry.WithError(err).WithField("kind", radio.KindOf(err)).Debug("Native call failed")
	} else {
		entry.Trace("Native call succeeded")
	}
	return code
}
