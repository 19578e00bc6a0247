package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/radiomgr/internal/radio"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry[string]()

	a := r.Put("hci0")
	b := r.Put("hci1")
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, r.Len())

	v, ok := r.Get(a)
	require.True(t, ok)
	assert.Equal(t, "hci0", v)

	v, ok = r.Take(a)
	require.True(t, ok)
	assert.Equal(t, "hci0", v)
	_, ok = r.Take(a)
	assert.False(t, ok, "a token is released once")
	_, ok = r.Get(a)
	assert.False(t, ok)

	seen := map[radio.Token]string{}
	r.Range(func(token radio.Token, v string) bool {
		seen[token] = v
		return true
	})
	assert.Equal(t, map[radio.Token]string{b: "hci1"}, seen)
}
