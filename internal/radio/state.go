package radio

import (
	"fmt"

	"github.com/google/uuid"
)

// State is the lifecycle state of an adapter handle.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Token is an opaque reference to a radio resource owned by the driver.
// The manager only holds it; the driver resolves it through its own registry
// and is free to tear the resource down at any time.
type Token string

// NewToken returns a fresh random token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// IsZero reports whether the token refers to nothing.
func (t Token) IsZero() bool {
	return t == ""
}

func (t Token) String() string {
	return string(t)
}

// AdapterHandle is a point-in-time view of one transport's adapter.
type AdapterHandle struct {
	Kind  TransportKind `json:"kind"`
	State State         `json:"state"`
	Token Token         `json:"token,omitempty"`
}
