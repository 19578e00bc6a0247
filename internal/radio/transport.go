package radio

import (
	"fmt"
	"strings"
)

// TransportKind identifies one short-range radio transport managed by the Manager.
type TransportKind int

const (
	BLE TransportKind = iota
	WiFiDirect
)

// Transports lists every transport a Manager owns, in initialization order.
var Transports = []TransportKind{BLE, WiFiDirect}

// String returns the adapter name ("BLE", "WiFi-Direct").
func (k TransportKind) String() string {
	switch k {
	case BLE:
		return "BLE"
	case WiFiDirect:
		return "WiFi-Direct"
	default:
		return fmt.Sprintf("transport(%d)", int(k))
	}
}

// Slug returns the lowercase identifier used in logs, goroutine names and CLI arguments.
func (k TransportKind) Slug() string {
	switch k {
	case BLE:
		return "ble"
	case WiFiDirect:
		return "wifi-direct"
	default:
		return fmt.Sprintf("transport-%d", int(k))
	}
}

// Valid reports whether k is one of the managed transports.
func (k TransportKind) Valid() bool {
	return k == BLE || k == WiFiDirect
}

// MarshalText encodes the transport by its slug.
func (k TransportKind) MarshalText() ([]byte, error) {
	return []byte(k.Slug()), nil
}

// ParseTransportKind accepts the slug, the adapter name, or common aliases.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ble", "bluetooth", "bluetooth-le":
		return BLE, nil
	case "wifi-direct", "wifidirect", "wifi_direct", "p2p", "wifi-p2p":
		return WiFiDirect, nil
	}
	return 0, &AdapterError{Kind: KindInvalidTransport, Err: fmt.Errorf("unknown transport %q", s)}
}
