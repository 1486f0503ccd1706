package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURL(t *testing.T) {
	tests := []struct {
		base   string
		secure bool
		want   string
	}{
		{"http://localhost:8080/api/social", false, "ws://localhost:8080/api/social/signaling?token=t%2B1"},
		{"https://hub.example.com/api/social/", false, "wss://hub.example.com/api/social/signaling?token=t%2B1"},
		{"hub.example.com/social", true, "wss://hub.example.com/social/signaling?token=t%2B1"},
		{"hub.example.com", false, "ws://hub.example.com/signaling?token=t%2B1"},
		{"ws://relay:9000", true, "ws://relay:9000/signaling?token=t%2B1"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := URL(tt.base, tt.secure, "t+1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestURL_Invalid(t *testing.T) {
	_, err := URL("", false, "x")
	assert.Error(t, err)

	_, err = URL("ftp://relay", false, "x")
	assert.Error(t, err)
}
