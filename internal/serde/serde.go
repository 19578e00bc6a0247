// Package serde encodes status snapshots and diagnostics as JSON.
package serde

import (
	"sync"

	"github.com/ugorji/go/codec"
)

type resolver struct {
	handle codec.JsonHandle
	mu     sync.Mutex
}

var (
	compact = newResolver(0)
	indent  = newResolver(2)
)

func newResolver(width int8) *resolver {
	r := &resolver{}
	r.handle.TypeInfos = codec.NewTypeInfos([]string{"json"})
	r.handle.HTMLCharsAsIs = true
	r.handle.Indent = width
	return r
}

func (r *resolver) marshal(v any) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var data []byte
	if err := codec.NewEncoderBytes(&data, &r.handle).Encode(v); err != nil {
		return nil, err
	}
	return data, nil
}

// MarshalJSON encodes v on one line.
func MarshalJSON[T any](v T) ([]byte, error) {
	return compact.marshal(v)
}

// MarshalIndentJSON encodes v indented by two spaces.
func MarshalIndentJSON[T any](v T) ([]byte, error) {
	return indent.marshal(v)
}
