package goble

import (
	"strings"

	"github.com/srg/radiomgr/internal/radio"
)

// NormalizeError maps known go-ble error strings to radio error kinds.
// Unknown errors are returned unchanged and classified by the manager.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return radio.DriverError(radio.KindDriverUnavailable, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return radio.DriverError(radio.KindDriverUnavailable, err)
	case containsIgnoreCase(msg, "no such device"):
		return radio.DriverError(radio.KindDriverUnavailable, err)
	case containsIgnoreCase(msg, "operation not permitted"):
		return radio.DriverError(radio.KindDriverUnavailable, err)
	case containsIgnoreCase(msg, "can't init hci"):
		return radio.DriverError(radio.KindDriverUnavailable, err)
	case containsIgnoreCase(msg, "timeout"):
		return radio.DriverError(radio.KindTimeout, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
