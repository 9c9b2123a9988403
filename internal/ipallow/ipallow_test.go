package ipallow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name   string
		ip     string
		list   []string
		expect bool
	}{
		{"empty list allows any", "203.0.113.9", nil, true},
		{"empty list allows garbage", "not-an-ip", []string{}, true},
		{"inside v4 cidr", "10.0.0.5", []string{"10.0.0.0/24"}, true},
		{"outside v4 cidr", "10.0.1.5", []string{"10.0.0.0/24"}, false},
		{"literal match", "192.168.1.10", []string{"192.168.1.10"}, true},
		{"literal mismatch", "192.168.1.11", []string{"192.168.1.10"}, false},
		{"second entry matches", "172.16.5.4", []string{"10.0.0.0/8", "172.16.0.0/12"}, true},
		{"v6 cidr", "2001:db8::1", []string{"2001:db8::/32"}, true},
		{"v6 outside", "2001:db9::1", []string{"2001:db8::/32"}, false},
		{"v6 literal", "::1", []string{"::1"}, true},
		{"mapped v4 in v4 cidr", "::ffff:10.0.0.7", []string{"10.0.0.0/24"}, true},
		{"unmasked cidr entry", "10.0.0.9", []string{"10.0.0.1/24"}, true},
		{"single host cidr", "10.0.0.1", []string{"10.0.0.1/32"}, true},
		{"invalid client with list", "bogus", []string{"10.0.0.0/8"}, false},
		{"malformed entry ignored", "10.0.0.1", []string{"10.0.0.0/99", "10.0.0.1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, IsAllowed(tt.ip, tt.list))
		})
	}
}

func TestValidateAllowList(t *testing.T) {
	require.NoError(t, ValidateAllowList(nil))
	require.NoError(t, ValidateAllowList([]string{"10.0.0.1", "10.0.0.0/8", "2001:db8::/32", "::1"}))

	err := ValidateAllowList([]string{"10.0.0.1", "10.0.0.0/33", "example.com", ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 1")
	assert.Contains(t, err.Error(), "entry 2")
	assert.Contains(t, err.Error(), "entry 3")
	assert.NotContains(t, err.Error(), "entry 0")
}
