package radio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// advertisingController keeps the Wi-Fi Direct adapter discoverable under one name.
type advertisingController struct {
	adapter    *TransportStateMachine
	advertiser Advertiser
	logger     *logrus.Logger
	timeout    time.Duration
	emit       func(Diagnostic)

	mu     sync.Mutex
	name   string
	active bool
}

func newAdvertisingController(adapter *TransportStateMachine, advertiser Advertiser, logger *logrus.Logger, timeout time.Duration, emit func(Diagnostic)) *advertisingController {
	a := &advertisingController{
		adapter:    adapter,
		advertiser: advertiser,
		logger:     logger,
		timeout:    timeout,
		emit:       emit,
	}
	adapter.OnTeardown(a.teardown)
	return a
}

func (a *advertisingController) start(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.adapter.requireReady("start-advertising"); err != nil {
		return err
	}
	if a.advertiser == nil {
		return &AdapterError{
			Kind:      KindDriverUnavailable,
			Transport: WiFiDirect,
			Op:        "start-advertising",
			Err:       errors.New("driver cannot advertise"),
		}
	}
	if a.active && a.name == name {
		return nil
	}

	if a.active {
		if err := a.stopLocked(ctx); err != nil {
			return err
		}
	}

	err := callDriver("start-advertising", func() error {
		return a.advertiser.StartAdvertising(ctx, name)
	})
	if err != nil {
		err = wrapDriverError(WiFiDirect, "start-advertising", err, KindDriverFailure)
		if isDriverPanic(err) {
			a.adapter.fault(err)
		}
		return err
	}

	a.name, a.active = name, true
	a.log().WithField("name", name).Info("Advertising started")
	a.emit(newDiagnostic(WiFiDirect, DiagAdvertisingStarted, nil))
	return nil
}

func (a *advertisingController) stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return nil
	}
	return a.stopLocked(ctx)
}

func (a *advertisingController) stopLocked(ctx context.Context) error {
	name := a.name
	a.name, a.active = "", false

	err := callDriver("stop-advertising", func() error {
		return a.advertiser.StopAdvertising(ctx)
	})
	if err != nil {
		err = wrapDriverError(WiFiDirect, "stop-advertising", err, KindDriverFailure)
		if isDriverPanic(err) {
			a.adapter.fault(err)
		}
		return err
	}

	a.log().WithField("name", name).Info("Advertising stopped")
	a.emit(newDiagnostic(WiFiDirect, DiagAdvertisingStopped, nil))
	return nil
}

func (a *advertisingController) teardown(cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return
	}
	a.name, a.active = "", false

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	_ = callDriver("stop-advertising", func() error {
		return a.advertiser.StopAdvertising(ctx)
	})

	a.log().WithField("cause", cause).Warn("Advertising torn down")
	a.emit(newDiagnostic(WiFiDirect, DiagAdvertisingTornDown, cause))
}

func (a *advertisingController) advertising() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name, a.active
}

func (a *advertisingController) log() *logrus.Entry {
	return a.logger.WithField("transport", WiFiDirect.Slug())
}
