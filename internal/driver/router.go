// Package driver composes per-transport radio drivers into the single port the
// manager talks to.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/srg/radiomgr/internal/radio"
)

// BLEDriver is what a BLE backend must provide.
type BLEDriver interface {
	radio.PowerPort
	radio.DiscoveryPort
}

// Router dispatches power calls by transport, discovery to the BLE driver and
// advertising to the Wi-Fi Direct driver.
type Router struct {
	ble    BLEDriver
	wifi   radio.PowerPort
	logger *logrus.Logger
}

var (
	_ radio.RadioDriverPort = (*Router)(nil)
	_ radio.Advertiser      = (*Router)(nil)
	_ radio.DiscoverySource = (*Router)(nil)
)

// NewRouter creates a router. Either driver may be nil; calls for its
// transport then fail with DriverUnavailable.
func NewRouter(ble BLEDriver, wifi radio.PowerPort, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	return &Router{ble: ble, wifi: wifi, logger: logger}
}

func (r *Router) PowerOn(ctx context.Context, kind radio.TransportKind) (radio.Token, error) {
	d, err := r.route(kind)
	if err != nil {
		return "", err
	}
	return d.PowerOn(ctx, kind)
}

func (r *Router) PowerOff(ctx context.Context, kind radio.TransportKind, token radio.Token) error {
	d, err := r.route(kind)
	if err != nil {
		return err
	}
	return d.PowerOff(ctx, kind, token)
}

func (r *Router) RegisterHardwareEventCallback(kind radio.TransportKind, handler radio.HardwareEventHandler) error {
	d, err := r.route(kind)
	if err != nil {
		return err
	}
	return d.RegisterHardwareEventCallback(kind, handler)
}

func (r *Router) BeginDiscovery(ctx context.Context) error {
	if r.ble == nil {
		return unavailable(radio.BLE)
	}
	return r.ble.BeginDiscovery(ctx)
}

func (r *Router) EndDiscovery(ctx context.Context) error {
	if r.ble == nil {
		return unavailable(radio.BLE)
	}
	return r.ble.EndDiscovery(ctx)
}

func (r *Router) StartAdvertising(ctx context.Context, name string) error {
	adv, ok := r.wifi.(radio.Advertiser)
	if !ok {
		return radio.DriverError(radio.KindDriverUnavailable, errors.New("wifi-direct driver cannot advertise"))
	}
	return adv.StartAdvertising(ctx, name)
}

func (r *Router) StopAdvertising(ctx context.Context) error {
	adv, ok := r.wifi.(radio.Advertiser)
	if !ok {
		return radio.DriverError(radio.KindDriverUnavailable, errors.New("wifi-direct driver cannot advertise"))
	}
	return adv.StopAdvertising(ctx)
}

// Discovered returns the BLE driver's peers, or nil if it does not keep them.
func (r *Router) Discovered() []radio.Peer {
	if src, ok := r.ble.(radio.DiscoverySource); ok {
		return src.Discovered()
	}
	return nil
}

// Close closes every underlying driver that holds resources. A driver serving
// both transports is closed once.
func (r *Router) Close() error {
	var errs []error
	seen := map[any]bool{}
	for _, d := range []any{r.ble, r.wifi} {
		c, ok := d.(io.Closer)
		if !ok || seen[d] {
			continue
		}
		seen[d] = true
		if err := c.Close(); err != nil {
			r.logger.WithError(err).Warn("Failed to close radio driver")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) route(kind radio.TransportKind) (radio.PowerPort, error) {
	switch kind {
	case radio.BLE:
		if r.ble == nil {
			return nil, unavailable(kind)
		}
		return r.ble, nil
	case radio.WiFiDirect:
		if r.wifi == nil {
			return nil, unavailable(kind)
		}
		return r.wifi, nil
	default:
		return nil, radio.DriverError(radio.KindInvalidTransport, fmt.Errorf("no driver for %s", kind))
	}
}

func unavailable(kind radio.TransportKind) error {
	return radio.DriverError(radio.KindDriverUnavailable, fmt.Errorf("no %s driver configured", kind.Slug()))
}
