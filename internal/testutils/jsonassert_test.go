package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []JSONOption
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "field order does not matter",
			actual:   `{"kind":"ble","state":"ready"}`,
			expected: `{"state":"ready","kind":"ble"}`,
			match:    true,
		},
		{
			name:     "presence placeholder accepts any value",
			actual:   `{"kind":"ble","token":"6f1c0e9a-3a52-4d2e-bb43-1f0f3c7a9d11"}`,
			expected: `{"kind":"ble","token":"<<PRESENCE>>"}`,
			match:    true,
		},
		{
			name:     "placeholder does not invent a missing key",
			actual:   `{"kind":"ble"}`,
			expected: `{"kind":"ble","token":"<<PRESENCE>>"}`,
		},
		{
			name:     "extra keys ignored by default",
			actual:   `{"kind":"ble","state":"ready","last_error":""}`,
			expected: `{"kind":"ble","state":"ready"}`,
			match:    true,
		},
		{
			name:     "extra keys reported when strict",
			opts:     []JSONOption{WithIgnoreExtraKeys(false)},
			actual:   `{"kind":"ble","state":"ready","last_error":""}`,
			expected: `{"kind":"ble","state":"ready"}`,
		},
		{
			name:     "ignored fields at any depth",
			opts:     []JSONOption{WithIgnoredFields("time")},
			actual:   `[{"type":"state_changed","time":"2026-01-01T00:00:00Z"}]`,
			expected: `[{"type":"state_changed","time":"1999-01-01T00:00:00Z"}]`,
			match:    true,
		},
		{
			name:     "value mismatch",
			actual:   `{"scan_refs":2}`,
			expected: `{"scan_refs":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff)
			}
		})
	}
}

func TestJSONAsserter_InvalidJSON(t *testing.T) {
	rec := &recordingT{}

	NewJSONAsserterWithInterface(rec).Assert(`{"kind":`, `{"kind":"ble"}`)

	if assert.Len(t, rec.messages, 1) {
		assert.Contains(t, rec.messages[0], "invalid actual JSON")
	}
}
