package shared

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsIPv4(t *testing.T) {
	assert.True(t, IsIPv4(netip.MustParseAddr("192.0.2.1")))
	assert.False(t, IsIPv4(netip.MustParseAddr("2001:db8::1")))
	assert.False(t, IsIPv4(netip.MustParseAddr("::ffff:192.0.2.1")))
	assert.False(t, IsIPv4(netip.Addr{}))
}

func TestParseIgnoreEntry(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.0/8", "127.0.0.0/8"},
		{"10.1.2.3/16", "10.1.0.0/16"},
		{"::ffff:10.0.0.0/104", "10.0.0.0/8"},
		{"127.", "127.0.0.0/8"},
		{"128.112.139.", "128.112.139.0/24"},
		{"192.0.2.7", "192.0.2.7/32"},
		{" 2001:db8::/32 ", "2001:db8::/32"},
	}
	for _, tt := range tests {
		p, err := ParseIgnoreEntry(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, p.String(), tt.in)
	}
}

func TestParseIgnoreEntry_Invalid(t *testing.T) {
	for _, in := range []string{"", "nonsense", "1.2.3.4.", "300.", "10.0.0.0/40", "::ffff:0:0/90"} {
		_, err := ParseIgnoreEntry(in)
		assert.Error(t, err, in)
	}
}

func TestIgnoreList_Defaults(t *testing.T) {
	l, err := NewIgnoreList(DefaultIgnoreNets)
	require.NoError(t, err)

	assert.True(t, l.Contains(netip.MustParseAddr("127.0.0.1")))
	assert.True(t, l.Contains(netip.MustParseAddr("127.200.1.1")))
	assert.True(t, l.Contains(netip.MustParseAddr("128.112.139.44")))
	assert.True(t, l.Contains(netip.MustParseAddr("::ffff:127.0.0.1")))
	assert.False(t, l.Contains(netip.MustParseAddr("128.112.140.1")))
	assert.False(t, l.Contains(netip.MustParseAddr("8.8.8.8")))
	assert.Equal(t, DefaultIgnoreNets, l.Entries())
}

func TestIgnoreList_LegacyPrefixesMatchLikeCIDR(t *testing.T) {
	legacy, err := NewIgnoreList([]string{"127.", "128.112.139."})
	require.NoError(t, err)
	cidr, err := NewIgnoreList(DefaultIgnoreNets)
	require.NoError(t, err)

	for _, s := range []string{"127.0.0.1", "127.9.9.9", "128.112.139.1", "128.112.13.9", "1.2.3.4"} {
		addr := netip.MustParseAddr(s)
		assert.Equal(t, cidr.Contains(addr), legacy.Contains(addr), s)
	}
}

func TestIgnoreList_Nil(t *testing.T) {
	var l *IgnoreList
	assert.False(t, l.Contains(netip.MustParseAddr("127.0.0.1")))
	assert.Nil(t, l.Entries())

	_, err := NewIgnoreList([]string{"bogus"})
	assert.Error(t, err)

	_, err = NewIgnoreList([]string{"::ffff:0:0/90"})
	assert.ErrorContains(t, err, "shorter than /96")
}
