package driverfactory

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/radiomgr/internal/driver"
	"github.com/srg/radiomgr/internal/driver/bluez"
	"github.com/srg/radiomgr/internal/driver/goble"
	"github.com/srg/radiomgr/internal/driver/netman"
	"github.com/srg/radiomgr/internal/driver/sim"
	"github.com/srg/radiomgr/internal/radio"
	"github.com/srg/radiomgr/pkg/config"
)

// Driver is the composed radio driver handed to the manager.
type Driver interface {
	radio.RadioDriverPort
	radio.Advertiser
	radio.DiscoverySource
	io.Closer
}

// DriverFactory creates the configured radio driver.
// This is a variable so that it can be overridden in tests.
var DriverFactory = Build

// SimPeers are reported by the simulated BLE radio once a scan starts.
var SimPeers = []radio.Peer{
	{Address: "C0:FF:EE:00:00:01", Name: "sim-watch", RSSI: -48},
	{Address: "C0:FF:EE:00:00:02", Name: "sim-tag", RSSI: -71},
	{Address: "C0:FF:EE:00:00:03", RSSI: -89},
}

// Build opens the BLE and Wi-Fi Direct drivers named in cfg and routes them
// through one port. A transport configured as "none" fails with DriverUnavailable.
func Build(cfg *config.Config, logger *logrus.Logger) (Driver, error) {
	var shared *sim.Driver
	simDriver := func() *sim.Driver {
		if shared == nil {
			shared = sim.NewDriver(sim.WithLogger(logger), sim.WithPeers(SimPeers...))
		}
		return shared
	}

	var ble driver.BLEDriver
	switch cfg.BLE.Driver {
	case config.DriverGoBLE:
		id, err := deviceID(cfg.BLE.Adapter)
		if err != nil {
			return nil, err
		}
		ble = goble.New(goble.Options{
			DeviceID:        id,
			AllowDuplicates: cfg.BLE.AllowDuplicates,
			StartGrace:      cfg.BLE.StartGrace,
		}, logger)
	case config.DriverBlueZ:
		d, err := bluez.Dial(bluez.Options{
			Adapter:         cfg.BLE.Adapter,
			AllowDuplicates: cfg.BLE.AllowDuplicates,
		}, logger)
		if err != nil {
			return nil, err
		}
		ble = d
	case config.DriverSim:
		ble = simDriver()
	case config.DriverDisable:
	default:
		return nil, fmt.Errorf("unknown ble driver %q", cfg.BLE.Driver)
	}

	var wifi radio.PowerPort
	switch cfg.WiFiDirect.Driver {
	case config.DriverNetMan:
		d, err := netman.Dial(netman.Options{
			Interface:   cfg.WiFiDirect.Interface,
			FindTimeout: cfg.WiFiDirect.FindTimeout,
		}, logger)
		if err != nil {
			closeQuietly(ble, logger)
			return nil, err
		}
		wifi = d
	case config.DriverSim:
		wifi = simDriver()
	case config.DriverDisable:
	default:
		closeQuietly(ble, logger)
		return nil, fmt.Errorf("unknown wifi_direct driver %q", cfg.WiFiDirect.Driver)
	}

	logger.WithFields(logrus.Fields{
		"ble":         cfg.BLE.Driver,
		"wifi_direct": cfg.WiFiDirect.Driver,
	}).Debug("Radio drivers created")
	return driver.NewRouter(ble, wifi, logger), nil
}

// deviceID turns an adapter name like "hci1" into its HCI index.
func deviceID(adapter string) (int, error) {
	if adapter == "" {
		return 0, nil
	}
	id, err := strconv.Atoi(strings.TrimPrefix(adapter, "hci"))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid ble adapter %q (want hciN)", adapter)
	}
	return id, nil
}

func closeQuietly(d any, logger *logrus.Logger) {
	if c, ok := d.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close BLE driver")
		}
	}
}
