package netutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLocalOrPrivateHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"homeassistant.local", true},
		{"ha.lan", true},
		{"ha.home.arpa", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"192.168.1.10", true},
		{"10.0.0.5", true},
		{"172.20.0.1", true},
		{"169.254.1.1", true},
		{"fd00::1", true},
		{"8.8.8.8", false},
		{"example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsLocalOrPrivateHost(tt.host), tt.host)
	}
}
