package helper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNthAddress(t *testing.T) {
	tests := []struct {
		cidr string
		n    int
		want string
	}{
		{"10.1.0.0/24", 1, "10.1.0.1/24"},
		{"10.1.0.0/24", 3, "10.1.0.3/24"},
		{"10.1.0.17/24", 2, "10.1.0.2/24"},
		{"192.168.4.0/22", 258, "192.168.5.2/22"},
		{"172.16.0.8/30", 2, "172.16.0.10/30"},
	}
	for _, tt := range tests {
		got, err := NthAddress(tt.cidr, tt.n)
		if !assert.NoError(t, err, "NthAddress(%q, %d)", tt.cidr, tt.n) {
			continue
		}
		assert.Equal(t, tt.want, got.String(), "NthAddress(%q, %d)", tt.cidr, tt.n)
	}
}

func TestNthAddressRejects(t *testing.T) {
	tests := []struct {
		name string
		cidr string
		n    int
	}{
		{"not a cidr", "10.1.0.0", 1},
		{"network address", "10.1.0.0/24", 0},
		{"broadcast address", "10.1.0.0/24", 255},
		{"too small", "10.1.0.0/31", 1},
		{"ipv6", "fd00::/64", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NthAddress(tt.cidr, tt.n)
			assert.Error(t, err)
		})
	}
}

func TestNetwork(t *testing.T) {
	got, err := Network("10.1.0.17/24")
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0/24", got.String())
}
