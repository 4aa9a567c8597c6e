package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccepts(t *testing.T) {
	policies := []RulePolicy{PolicyAccept, PolicyBlock, PolicyInteractive}

	tests := []struct {
		name  string
		mode  FilterMode
		proto Protocol
		want  func(RulePolicy) bool
	}{
		{"allow all tcp", AllowAll, ProtocolTCP, func(RulePolicy) bool { return true }},
		{"allow all udp", AllowAll, ProtocolUDP, func(RulePolicy) bool { return true }},
		{"block all tcp", BlockAll, ProtocolTCP, func(RulePolicy) bool { return false }},
		{"block all udp", BlockAll, ProtocolUDP, func(RulePolicy) bool { return false }},
		{"tcp only passes udp", FilterTCPOnly, ProtocolUDP, func(RulePolicy) bool { return true }},
		{"udp only passes tcp", FilterUDPOnly, ProtocolTCP, func(RulePolicy) bool { return true }},
		{"tcp only filters tcp", FilterTCPOnly, ProtocolTCP, policyAccepts},
		{"udp only filters udp", FilterUDPOnly, ProtocolUDP, policyAccepts},
		{"filter all tcp", FilterAll, ProtocolTCP, policyAccepts},
		{"filter all udp", FilterAll, ProtocolUDP, policyAccepts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, p := range policies {
				assert.Equal(t, tt.want(p), Accepts(tt.mode, p, tt.proto), "policy %s", p)
			}
		})
	}
}

func TestAccepts_FallThrough(t *testing.T) {
	assert.True(t, Accepts(FilterAll, PolicyAccept, ProtocolTCP))
	assert.False(t, Accepts(FilterAll, PolicyBlock, ProtocolTCP))
	assert.True(t, Accepts(FilterAll, PolicyInteractive, ProtocolUDP), "interactive is decided by the queue consumer")
	assert.False(t, Accepts(FilterTCPOnly, PolicyBlock, ProtocolTCP))
	assert.True(t, Accepts(FilterTCPOnly, PolicyBlock, ProtocolUDP))
}

func TestParseFilterMode(t *testing.T) {
	for _, m := range []FilterMode{FilterAll, FilterTCPOnly, FilterUDPOnly, AllowAll, BlockAll} {
		got, err := ParseFilterMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseFilterMode("sometimes")
	assert.Error(t, err)
}
