package radio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportKindNames(t *testing.T) {
	assert.Equal(t, "BLE", BLE.String())
	assert.Equal(t, "WiFi-Direct", WiFiDirect.String())
	assert.Equal(t, "ble", BLE.Slug())
	assert.Equal(t, "wifi-direct", WiFiDirect.Slug())
	assert.Equal(t, "transport(9)", TransportKind(9).String())

	assert.True(t, BLE.Valid())
	assert.True(t, WiFiDirect.Valid())
	assert.False(t, TransportKind(9).Valid())

	text, err := WiFiDirect.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "wifi-direct", string(text))
}

func TestParseTransportKind(t *testing.T) {
	tests := []struct {
		in   string
		want TransportKind
	}{
		{"ble", BLE},
		{"BLE", BLE},
		{" bluetooth ", BLE},
		{"wifi-direct", WiFiDirect},
		{"WiFi-Direct", WiFiDirect},
		{"p2p", WiFiDirect},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTransportKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseTransportKind("zigbee")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidTransport))
	assert.Contains(t, err.Error(), `unknown transport "zigbee"`)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "initializing", Initializing.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "faulted", Faulted.String())

	var zero AdapterHandle
	assert.Equal(t, Uninitialized, zero.State)
	assert.True(t, zero.Token.IsZero())
	assert.False(t, NewToken().IsZero())
}
