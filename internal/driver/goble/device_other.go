//go:build !linux && !darwin

package goble

import (
	"errors"
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/radiomgr/internal/radio"
)

func newDevice(Options) (ble.Device, error) {
	return nil, radio.DriverError(radio.KindDriverUnavailable, errors.New("go-ble has no backend for "+runtime.GOOS))
}
