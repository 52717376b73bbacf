package peerplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wg-mesh/pkg/model"
)

func makeTable(t *testing.T, nodes ...model.Node) *model.NodeTable {
	t.Helper()
	table, errs := model.NewNodeTable(nodes)
	require.Empty(t, errs)
	return table
}

func entryFor(entries []*Entry, peer string) *Entry {
	for _, e := range entries {
		if e.Peer == peer {
			return e
		}
	}
	return nil
}

func TestBuildResolvesEndpoints(t *testing.T) {
	table := makeTable(t,
		model.Node{Name: "A", WireGuardIP: "10.96.0.2/16"},
		model.Node{Name: "B", WireGuardIP: "10.96.0.3/16", Endpoints: []model.NamedEndpoint{
			{Name: "main", Value: "1.1.1.2:51820"},
			{Name: "alt", Value: "9.9.9.9:51820"},
		}},
	)
	intents := []model.PeerIntent{
		{From: "A", To: "B", AllowedIPs: []string{"10.96.0.3/32"}, Origin: model.OriginExplicit},
		{From: "B", To: "A", AllowedIPs: []string{"10.96.0.2/32"}, Origin: model.OriginExplicit},
	}
	pm, errs, _ := Build(table, intents)
	require.Empty(t, errs)

	// unset ref picks the lexicographically first endpoint name
	assert.Equal(t, "9.9.9.9:51820", entryFor(pm["A"], "B").Endpoint)
	// target with no endpoints yields a passive entry
	assert.Equal(t, "", entryFor(pm["B"], "A").Endpoint)
}

func TestBuildEndpointRefForms(t *testing.T) {
	table := makeTable(t,
		model.Node{Name: "A", WireGuardIP: "10.96.0.2/16"},
		model.Node{Name: "B", WireGuardIP: "10.96.0.3/16", Endpoints: []model.NamedEndpoint{
			{Name: "main", Value: "1.1.1.2:51820"},
		}},
	)

	pm, errs, _ := Build(table, []model.PeerIntent{
		{From: "A", To: "B", EndpointRef: "main", Origin: model.OriginExplicit},
	})
	require.Empty(t, errs)
	assert.Equal(t, "1.1.1.2:51820", entryFor(pm["A"], "B").Endpoint)

	pm, errs, _ = Build(table, []model.PeerIntent{
		{From: "A", To: "B", EndpointRef: "7.7.7.7:443", Origin: model.OriginExplicit},
	})
	require.Empty(t, errs)
	assert.Equal(t, "7.7.7.7:443", entryFor(pm["A"], "B").Endpoint, "literal endpoints pass through")

	_, errs, _ = Build(table, []model.PeerIntent{
		{From: "A", To: "B", EndpointRef: "nope", Origin: model.OriginExplicit},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrEndpointNotFound, errs[0].Kind)
}

func TestBuildSynthesisesPassiveReverse(t *testing.T) {
	table := makeTable(t,
		model.Node{Name: "A", WireGuardIP: "10.96.0.2/16"},
		model.Node{Name: "R", WireGuardIP: "10.96.0.1/16", Endpoints: []model.NamedEndpoint{
			{Name: "e0", Value: "5.5.5.5:51820"},
		}},
	)
	pm, errs, _ := Build(table, []model.PeerIntent{
		{From: "A", To: "R", AllowedIPs: []string{"10.96.0.1/32"}, PersistentKeepalive: 25, Origin: model.OriginExplicit},
	})
	require.Empty(t, errs)

	passive := entryFor(pm["R"], "A")
	require.NotNil(t, passive, "relay gets a synthesised entry for the NAT client")
	assert.True(t, passive.Synthesised)
	assert.Equal(t, "", passive.Endpoint)
	assert.Zero(t, passive.PersistentKeepalive, "keepalive never mirrors")
	assert.Equal(t, []string{"10.96.0.2/32"}, passive.AllowedIPs)
}

func TestBuildDoesNotSynthesiseWhenReverseExists(t *testing.T) {
	table := makeTable(t,
		model.Node{Name: "A", WireGuardIP: "10.96.0.2/16"},
		model.Node{Name: "B", WireGuardIP: "10.96.0.3/16"},
	)
	pm, errs, _ := Build(table, []model.PeerIntent{
		{From: "A", To: "B", AllowedIPs: []string{"10.96.0.3/32"}, Origin: model.OriginExplicit},
		{From: "B", To: "A", AllowedIPs: []string{"0.0.0.0/0"}, Origin: model.OriginExplicit},
	})
	require.Empty(t, errs)
	require.Len(t, pm["B"], 1)
	b := entryFor(pm["B"], "A")
	assert.False(t, b.Synthesised)
	assert.Equal(t, []string{"0.0.0.0/0"}, b.AllowedIPs, "reverse keeps its own policy")
}

func TestBuildMergesDuplicateEdges(t *testing.T) {
	table := makeTable(t,
		model.Node{Name: "A", WireGuardIP: "10.96.0.2/16"},
		model.Node{Name: "B", WireGuardIP: "10.96.0.3/16", Endpoints: []model.NamedEndpoint{
			{Name: "e0", Value: "1.1.1.2:51820"},
			{Name: "e1", Value: "2.2.2.2:51820"},
		}},
	)
	pm, errs, diags := Build(table, []model.PeerIntent{
		{From: "A", To: "B", EndpointRef: "e0", AllowedIPs: []string{"10.96.0.3/32"}, Origin: model.OriginGroupMesh},
		{From: "A", To: "B", EndpointRef: "e1", AllowedIPs: []string{"10.97.0.0/24"}, PersistentKeepalive: 15, Origin: model.OriginExplicit},
	})
	require.Empty(t, errs)
	require.Len(t, pm["A"], 1)

	merged := pm["A"][0]
	assert.Equal(t, "2.2.2.2:51820", merged.Endpoint, "later intent wins the endpoint")
	assert.Equal(t, 15, merged.PersistentKeepalive)
	assert.Equal(t, []string{"10.96.0.3/32", "10.97.0.0/24"}, merged.AllowedIPs, "allowed lists concatenate")
	require.Len(t, diags, 1, "cross-origin merge is flagged")
}

func TestBuildPeerOrder(t *testing.T) {
	table := makeTable(t,
		model.Node{Name: "A", WireGuardIP: "10.96.0.2/16"},
		model.Node{Name: "M", WireGuardIP: "10.96.0.3/16"},
		model.Node{Name: "H", WireGuardIP: "10.96.0.4/16"},
		model.Node{Name: "X", WireGuardIP: "10.96.0.5/16"},
		model.Node{Name: "Z", WireGuardIP: "10.96.0.6/16"},
	)
	pm, errs, _ := Build(table, []model.PeerIntent{
		{From: "A", To: "Z", AllowedIPs: []string{"10.96.0.6/32"}, Origin: model.OriginGroupBridge, IsBridge: true},
		{From: "A", To: "X", AllowedIPs: []string{"10.96.0.5/32"}, Origin: model.OriginExplicit},
		{From: "A", To: "H", AllowedIPs: []string{"10.96.0.4/32"}, Origin: model.OriginGroupStar},
		{From: "A", To: "M", AllowedIPs: []string{"10.96.0.3/32"}, Origin: model.OriginGroupMesh},
	})
	require.Empty(t, errs)

	var order []string
	for _, e := range pm["A"] {
		order = append(order, e.Peer)
	}
	assert.Equal(t, []string{"M", "H", "X", "Z"}, order, "mesh, star, explicit, bridge")
}

func TestBuildRejectsSelfPeer(t *testing.T) {
	table := makeTable(t, model.Node{Name: "A", WireGuardIP: "10.96.0.2/16"})
	_, errs, _ := Build(table, []model.PeerIntent{{From: "A", To: "A"}})
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrSelfPeer, errs[0].Kind)
}

func TestBuildBridgeSkipsEndpointFallback(t *testing.T) {
	table := makeTable(t,
		model.Node{Name: "A", WireGuardIP: "10.96.0.2/16"},
		model.Node{Name: "B", WireGuardIP: "10.96.0.3/16", Endpoints: []model.NamedEndpoint{
			{Name: "e0", Value: "1.1.1.2:51820"},
		}},
	)
	pm, errs, _ := Build(table, []model.PeerIntent{
		{From: "A", To: "B", AllowedIPs: []string{"10.96.0.3/32"}, Origin: model.OriginGroupBridge, IsBridge: true},
		{From: "B", To: "A", AllowedIPs: []string{"10.96.0.2/32"}, Origin: model.OriginGroupBridge, IsBridge: true},
	})
	require.Empty(t, errs)
	assert.Equal(t, "", entryFor(pm["A"], "B").Endpoint,
		"a bridge without a mapped endpoint never falls back to the default")
}
