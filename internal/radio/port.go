package radio

import (
	"context"
	"time"
)

// HardwareEventType describes an asynchronous event raised by the radio stack.
type HardwareEventType int

const (
	// HardwareLost reports that a powered radio became unusable
	// (adapter removed, powered off externally, stack crash).
	HardwareLost HardwareEventType = iota + 1
)

func (t HardwareEventType) String() string {
	switch t {
	case HardwareLost:
		return "hardware_lost"
	default:
		return "unknown"
	}
}

// HardwareEvent is delivered by the driver on its own goroutine.
type HardwareEvent struct {
	Transport TransportKind
	Type      HardwareEventType
	// Token names the resource the event is about; empty means "current".
	Token Token
	Err   error
}

// HardwareEventHandler receives hardware events. Implementations must not block
// for long; the manager only enqueues the event.
type HardwareEventHandler func(HardwareEvent)

// PowerPort is the lifecycle half of the radio driver.
type PowerPort interface {
	// PowerOn powers the radio and returns once the driver confirms it, or fails.
	PowerOn(ctx context.Context, kind TransportKind) (Token, error)
	// PowerOff releases the resource referenced by token.
	PowerOff(ctx context.Context, kind TransportKind, token Token) error
	// RegisterHardwareEventCallback installs the handler for asynchronous events of kind.
	RegisterHardwareEventCallback(kind TransportKind, handler HardwareEventHandler) error
}

// DiscoveryPort is the BLE scanning half of the radio driver.
type DiscoveryPort interface {
	BeginDiscovery(ctx context.Context) error
	EndDiscovery(ctx context.Context) error
}

// RadioDriverPort is everything the manager needs from the platform radio stack.
type RadioDriverPort interface {
	PowerPort
	DiscoveryPort
}

// Advertiser is implemented by drivers able to make the Wi-Fi Direct adapter discoverable.
type Advertiser interface {
	StartAdvertising(ctx context.Context, name string) error
	StopAdvertising(ctx context.Context) error
}

// Peer is a remote device seen during discovery.
type Peer struct {
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
}

// DiscoverySource is implemented by drivers that keep the results of a discovery scan.
type DiscoverySource interface {
	Discovered() []Peer
}

// unavailableDriver stands in when no driver is supplied.
type unavailableDriver struct{}

func (unavailableDriver) PowerOn(context.Context, TransportKind) (Token, error) {
	return "", ErrDriverUnavailable
}

func (unavailableDriver) PowerOff(context.Context, TransportKind, Token) error {
	return ErrDriverUnavailable
}

func (unavailableDriver) RegisterHardwareEventCallback(TransportKind, HardwareEventHandler) error {
	return ErrDriverUnavailable
}

func (unavailableDriver) BeginDiscovery(context.Context) error {
	return ErrDriverUnavailable
}

func (unavailableDriver) EndDiscovery(context.Context) error {
	return ErrDriverUnavailable
}
