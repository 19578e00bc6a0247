package driver

import (
	"github.com/cornelk/hashmap"

	"github.com/srg/radiomgr/internal/radio"
)

// Registry is the driver-owned table of powered resources.
// The manager only ever holds the token; the resource itself stays here, so a
// driver can tear it down without waiting on manager-side references.
type Registry[T any] struct {
	entries *hashmap.Map[radio.Token, T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: hashmap.New[radio.Token, T]()}
}

// Put stores resource under a fresh token.
func (r *Registry[T]) Put(resource T) radio.Token {
	token := radio.NewToken()
	r.entries.Set(token, resource)
	return token
}

// Get returns the resource behind token.
func (r *Registry[T]) Get(token radio.Token) (T, bool) {
	return r.entries.Get(token)
}

// Take removes and returns the resource behind token.
func (r *Registry[T]) Take(token radio.Token) (T, bool) {
	v, ok := r.entries.Get(token)
	if !ok {
		return v, false
	}
	if !r.entries.Del(token) {
		var zero T
		return zero, false
	}
	return v, true
}

// Len returns the number of live resources.
func (r *Registry[T]) Len() int {
	return r.entries.Len()
}

// Range calls fn for every live resource until fn returns false.
func (r *Registry[T]) Range(fn func(radio.Token, T) bool) {
	r.entries.Range(fn)
}
