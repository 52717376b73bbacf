package netaddr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func TestParseInterface(t *testing.T) {
	p, err := ParseInterface("10.96.0.2/16")
	require.NoError(t, err)
	assert.Equal(t, "10.96.0.2/16", p.String())

	p, err = ParseInterface("10.96.0.2")
	require.NoError(t, err)
	assert.Equal(t, "10.96.0.2/32", p.String())

	p, err = ParseInterface("fd00::1/64")
	require.NoError(t, err)
	assert.Equal(t, 64, p.Bits())

	_, err = ParseInterface("not-an-ip")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestParseNetwork(t *testing.T) {
	_, err := ParseNetwork("10.96.0.0/16")
	require.NoError(t, err)

	_, err = ParseNetwork("10.96.0.2/16")
	assert.ErrorIs(t, err, ErrInvalidAddress, "host bits set")
}

func TestParseRouteMasks(t *testing.T) {
	p, err := ParseRoute("10.96.0.2/16")
	require.NoError(t, err)
	assert.Equal(t, "10.96.0.0/16", p.String())

	p, err = ParseRoute("10.96.0.2")
	require.NoError(t, err)
	assert.Equal(t, "10.96.0.2/32", p.String())
}

func TestContainsAndOverlap(t *testing.T) {
	wide := mustPrefix(t, "10.96.0.0/16")
	narrow := mustPrefix(t, "10.96.1.0/24")
	host := mustPrefix(t, "10.96.1.5/32")
	other := mustPrefix(t, "10.97.0.0/16")
	v6 := mustPrefix(t, "fd00::/64")

	assert.True(t, Contains(wide, narrow))
	assert.True(t, Contains(wide, host))
	assert.False(t, Contains(narrow, wide))
	assert.False(t, Contains(wide, other))
	assert.False(t, Contains(wide, v6))

	assert.True(t, Overlap(wide, narrow))
	assert.False(t, Overlap(wide, other))
}

func TestCanonicalise(t *testing.T) {
	in := []netip.Prefix{
		mustPrefix(t, "10.96.1.5/32"), // contained in the /16, dropped
		mustPrefix(t, "10.96.0.0/16"),
		mustPrefix(t, "10.96.0.0/16"), // duplicate
		mustPrefix(t, "192.168.0.0/24"),
		mustPrefix(t, "fd00::/64"),
	}
	out := Canonicalise(in)
	got := make([]string, len(out))
	for i, p := range out {
		got[i] = p.String()
	}
	// IPv4 first, longer prefixes first, then by address
	assert.Equal(t, []string{"192.168.0.0/24", "10.96.0.0/16", "fd00::/64"}, got)
}

func TestCanonicaliseKeepsDisjointHosts(t *testing.T) {
	in := []netip.Prefix{
		mustPrefix(t, "10.96.0.4/32"),
		mustPrefix(t, "10.96.0.3/32"),
	}
	out := Canonicalise(in)
	require.Len(t, out, 2)
	assert.Equal(t, "10.96.0.3/32", out[0].String())
	assert.Equal(t, "10.96.0.4/32", out[1].String())
}

func TestCoveringPrefix(t *testing.T) {
	addrs := []netip.Addr{
		netip.MustParseAddr("10.96.0.2"),
		netip.MustParseAddr("10.96.0.3"),
		netip.MustParseAddr("10.96.0.4"),
	}
	p, err := CoveringPrefix(addrs)
	require.NoError(t, err)
	assert.Equal(t, "10.96.0.0/29", p.String())

	single, err := CoveringPrefix(addrs[:1])
	require.NoError(t, err)
	assert.Equal(t, "10.96.0.2/32", single.String())

	_, err = CoveringPrefix([]netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("fd00::1"),
	})
	assert.Error(t, err, "mixed families")
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("1.1.1.1:51820")
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1", ep.Host)
	assert.Equal(t, uint16(51820), ep.Port)
	assert.Equal(t, "1.1.1.1:51820", ep.String())

	ep, err = ParseEndpoint("[::1]:51820")
	require.NoError(t, err)
	assert.Equal(t, "::1", ep.Host)
	assert.Equal(t, "[::1]:51820", ep.String())

	ep, err = ParseEndpoint("vpn.example.com:443")
	require.NoError(t, err)
	assert.Equal(t, "vpn.example.com", ep.Host)

	for _, bad := range []string{"", "1.1.1.1", ":51820", "1.1.1.1:0", "1.1.1.1:70000", "1.1.1.1:abc"} {
		_, err := ParseEndpoint(bad)
		assert.ErrorIs(t, err, ErrInvalidEndpoint, bad)
	}
}
