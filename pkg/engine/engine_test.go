package engine

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wg-mesh/pkg/keystore"
	"wg-mesh/pkg/model"
)

// fakeKeyStore hands out deterministic key material so engine outputs are
// byte-comparable across runs.
type fakeKeyStore struct {
	mu    sync.Mutex
	keys  map[string]model.Keypair
	psks  map[string]string
	calls int
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]model.Keypair{}, psks: map[string]string{}}
}

func (f *fakeKeyStore) GetOrCreateKeypair(node string) (model.Keypair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	kp, ok := f.keys[node]
	if !ok {
		kp = model.Keypair{PrivateKey: "PRIV-" + node, PublicKey: "PUB-" + node}
		f.keys[node] = kp
	}
	return kp, nil
}

func (f *fakeKeyStore) GetOrCreatePSK(a, b string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	pair := model.PairKey(a, b)
	psk, ok := f.psks[pair]
	if !ok {
		psk = "PSK-" + pair
		f.psks[pair] = psk
	}
	return psk, nil
}

func (f *fakeKeyStore) Close() error { return nil }

func meshDocument() *model.Document {
	return &model.Document{
		Nodes: []model.Node{
			{Name: "A", WireGuardIP: "10.96.0.2/16", Endpoints: []model.NamedEndpoint{{Name: "e0", Value: "1.1.1.1:51820"}}},
			{Name: "B", WireGuardIP: "10.96.0.3/16", Endpoints: []model.NamedEndpoint{{Name: "e0", Value: "1.1.1.2:51820"}}},
			{Name: "C", WireGuardIP: "10.96.0.4/16", Endpoints: []model.NamedEndpoint{{Name: "e0", Value: "1.1.1.3:51820"}}},
		},
		Groups: []model.Group{{Name: "office", Topology: model.TopologyMesh, Nodes: []string{"A", "B", "C"}}},
	}
}

func TestBuildThreeNodeMesh(t *testing.T) {
	result, err := Build(meshDocument(), newFakeKeyStore())
	require.NoError(t, err)
	require.True(t, result.OK(), "errors: %v", result.Errors)
	require.Len(t, result.Configs, 3)

	for _, name := range []string{"A", "B", "C"} {
		assert.Len(t, result.Configs[name].Peers, 2, name)
	}

	a := result.Configs["A"]
	assert.Equal(t, "PRIV-A", a.Interface.PrivateKey)
	assert.Equal(t, "10.96.0.2/16", a.Interface.Address)

	require.Equal(t, "B", a.Peers[0].Name)
	assert.Equal(t, "1.1.1.2:51820", a.Peers[0].Endpoint)
	assert.Equal(t, []string{"10.96.0.3/32"}, a.Peers[0].AllowedIPs)

	require.Equal(t, "C", a.Peers[1].Name)
	assert.Equal(t, "1.1.1.3:51820", a.Peers[1].Endpoint)
	assert.Equal(t, []string{"10.96.0.4/32"}, a.Peers[1].AllowedIPs)
}

func TestBuildStarWithPassiveHub(t *testing.T) {
	doc := &model.Document{
		Nodes: []model.Node{
			{Name: "A", WireGuardIP: "10.96.0.2/16"},
			{Name: "B", WireGuardIP: "10.96.0.3/16"},
			{Name: "C", WireGuardIP: "10.96.0.4/16"},
			{Name: "D", WireGuardIP: "10.96.0.1/16", Endpoints: []model.NamedEndpoint{{Name: "e0", Value: "5.5.5.5:51820"}}},
		},
		Groups: []model.Group{{Name: "hq", Topology: model.TopologyStar, Hub: "D", Nodes: []string{"A", "B", "C", "D"}}},
	}
	result, err := Build(doc, newFakeKeyStore())
	require.NoError(t, err)
	require.True(t, result.OK(), "errors: %v", result.Errors)

	for _, spoke := range []string{"A", "B", "C"} {
		peers := result.Configs[spoke].Peers
		require.Len(t, peers, 1, spoke)
		assert.Equal(t, "D", peers[0].Name)
		assert.Equal(t, "5.5.5.5:51820", peers[0].Endpoint)
		assert.Equal(t, []string{"10.96.0.1/32"}, peers[0].AllowedIPs)
	}

	hub := result.Configs["D"].Peers
	require.Len(t, hub, 3)
	for i, want := range []string{"A", "B", "C"} {
		assert.Equal(t, want, hub[i].Name)
		assert.True(t, hub[i].Passive(), "hub entries carry no endpoint")
		host := fmt.Sprintf("10.96.0.%d/32", i+2)
		assert.Equal(t, []string{host}, hub[i].AllowedIPs)
	}
}

func bridgeDocument() *model.Document {
	return &model.Document{
		Nodes: []model.Node{
			{Name: "G", WireGuardIP: "10.10.0.1/24", Role: model.RoleRelay, Endpoints: []model.NamedEndpoint{
				{Name: "special", Value: "10.10.10.10:22222"},
			}},
			{Name: "H", WireGuardIP: "10.97.0.2/24", Endpoints: []model.NamedEndpoint{
				{Name: "e0", Value: "2.2.2.2:51820"},
				{Name: "special", Value: "172.16.1.1:33333"},
			}},
			{Name: "I", WireGuardIP: "10.97.0.3/24", Endpoints: []model.NamedEndpoint{{Name: "e0", Value: "2.2.2.3:51820"}}},
			{Name: "J", WireGuardIP: "10.97.0.4/24", Endpoints: []model.NamedEndpoint{{Name: "e0", Value: "2.2.2.4:51820"}}},
			{Name: "O1", WireGuardIP: "10.30.0.1/24"},
			{Name: "O2", WireGuardIP: "10.40.0.1/24"},
		},
		Groups: []model.Group{
			{Name: "china_relay", Topology: model.TopologySingle, Nodes: []string{"G"}},
			{Name: "overseas", Topology: model.TopologyMesh, Nodes: []string{"H", "I", "J"}},
			{Name: "office", Topology: model.TopologySingle, Nodes: []string{"O1"}},
			{Name: "campus", Topology: model.TopologySingle, Nodes: []string{"O2"}},
		},
		Connections: []model.Connection{{
			From: "china_relay", To: "overseas", Type: model.ConnBridge,
			EndpointMapping: map[string]string{
				"G_to_H": "H.special",
				"H_to_G": "G.special",
			},
			Routing: map[string][]string{
				"G_allowed_ips": {"overseas.subnet"},
				"H_allowed_ips": {"office.subnet", "campus.subnet", "china_relay.nodes"},
			},
		}},
	}
}

func TestBuildRelayBridge(t *testing.T) {
	doc := bridgeDocument()
	// the bridge needs exactly one node per side
	doc.Connections[0].From = "china_relay"
	doc.Connections[0].To = "overseas.H"

	result, err := Build(doc, newFakeKeyStore())
	require.NoError(t, err)
	require.True(t, result.OK(), "errors: %v", result.Errors)

	g := result.Configs["G"]
	require.Len(t, g.Peers, 1)
	gh := g.Peers[0]
	assert.Equal(t, "172.16.1.1:33333", gh.Endpoint, "bridge direction uses the mapped endpoint")
	assert.Equal(t, []string{"10.97.0.0/29"}, gh.AllowedIPs, "covers overseas.subnet")
	assert.Equal(t, 25, gh.PersistentKeepalive)

	h := result.Configs["H"]
	var hg *model.PeerEntry
	names := make([]string, 0, len(h.Peers))
	for i := range h.Peers {
		names = append(names, h.Peers[i].Name)
		if h.Peers[i].Name == "G" {
			hg = &h.Peers[i]
		}
	}
	assert.Equal(t, []string{"I", "J", "G"}, names, "mesh peers first, bridge last")
	require.NotNil(t, hg)
	assert.Equal(t, "10.10.10.10:22222", hg.Endpoint)
	assert.Equal(t, 25, hg.PersistentKeepalive)
	assert.Equal(t, []string{"10.10.0.1/32", "10.30.0.1/32", "10.40.0.1/32"}, hg.AllowedIPs,
		"china-side routes: relay host plus office and campus coverage")

	// relay role gets forwarding hooks
	assert.Contains(t, g.Interface.PostUp, "sysctl -w net.ipv4.ip_forward=1")
	assert.Contains(t, g.Interface.PostDown, "sysctl -w net.ipv4.ip_forward=0")
}

func TestBuildOverlapRejection(t *testing.T) {
	doc := meshDocument()
	doc.Peers = []model.PeerIntent{{
		From: "A", To: "B", AllowedIPs: []string{"10.96.0.0/16"},
	}}
	result, err := Build(doc, newFakeKeyStore())
	require.NoError(t, err)
	require.False(t, result.OK())
	assert.Empty(t, result.Configs, "no output on failure")

	found := false
	for _, e := range result.Errors {
		if e.Kind == model.ErrAllowedIpsOverlap && e.Node == "A" {
			found = true
			assert.ElementsMatch(t, []string{"B", "C"}, e.Peers)
		}
	}
	assert.True(t, found, "expected AllowedIpsOverlap on A, got %v", result.Errors)
}

func TestBuildDuplicateNodeIP(t *testing.T) {
	doc := &model.Document{
		Nodes: []model.Node{
			{Name: "A", WireGuardIP: "10.96.0.2/16"},
			{Name: "B", WireGuardIP: "10.96.0.2/16"},
		},
	}
	result, err := Build(doc, newFakeKeyStore())
	require.NoError(t, err)
	require.False(t, result.OK())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, model.ErrDuplicateNodeIp, result.Errors[0].Kind)
	assert.Equal(t, []string{"A", "B"}, result.Errors[0].Peers)
	assert.Equal(t, []string{"10.96.0.2"}, result.Errors[0].CIDRs)
}

func TestBuildDeterministic(t *testing.T) {
	ks := newFakeKeyStore()
	first, err := Build(meshDocument(), ks)
	require.NoError(t, err)
	second, err := Build(meshDocument(), ks)
	require.NoError(t, err)
	assert.True(t, reflect.DeepEqual(first.Configs, second.Configs))
	assert.Equal(t, first.Order, second.Order)

	// permuting the input node list must not change the output
	permuted := meshDocument()
	permuted.Nodes[0], permuted.Nodes[2] = permuted.Nodes[2], permuted.Nodes[0]
	third, err := Build(permuted, ks)
	require.NoError(t, err)
	assert.True(t, reflect.DeepEqual(first.Configs, third.Configs))
}

func TestBuildKeySymmetry(t *testing.T) {
	result, err := Build(meshDocument(), newFakeKeyStore())
	require.NoError(t, err)
	require.True(t, result.OK())

	for name, rec := range result.Configs {
		for _, peer := range rec.Peers {
			other := result.Configs[peer.Name]
			assert.Equal(t, "PUB-"+peer.Name, peer.PublicKey)
			var back *model.PeerEntry
			for i := range other.Peers {
				if other.Peers[i].Name == name {
					back = &other.Peers[i]
				}
			}
			require.NotNil(t, back, "%s has no reverse entry for %s", peer.Name, name)
			assert.Equal(t, peer.PresharedKey, back.PresharedKey, "psk matches both directions")
			assert.NotEqual(t, name, peer.Name, "no self peers")
		}
	}
}

func TestBuildAsymmetryPreserved(t *testing.T) {
	doc := &model.Document{
		Nodes: []model.Node{
			{Name: "A", WireGuardIP: "10.96.0.2/16"},
			{Name: "R", WireGuardIP: "10.96.0.1/16", Endpoints: []model.NamedEndpoint{{Name: "e0", Value: "5.5.5.5:51820"}}},
		},
		Peers: []model.PeerIntent{{
			From: "A", To: "R", AllowedIPs: []string{"10.96.0.1/32"}, PersistentKeepalive: 25,
		}},
	}
	result, err := Build(doc, newFakeKeyStore())
	require.NoError(t, err)
	require.True(t, result.OK(), "errors: %v", result.Errors)

	a := result.Configs["A"].Peers
	require.Len(t, a, 1)
	assert.Equal(t, 25, a[0].PersistentKeepalive)

	r := result.Configs["R"].Peers
	require.Len(t, r, 1, "passive entry synthesised for the unreciprocated intent")
	assert.True(t, r[0].Passive())
	assert.Zero(t, r[0].PersistentKeepalive, "keepalive does not mirror")
	assert.Equal(t, []string{"10.96.0.2/32"}, r[0].AllowedIPs)
}

func TestBuildRelayHooksPreserveUserCommands(t *testing.T) {
	doc := meshDocument()
	doc.Nodes[0].Role = model.RoleRelay
	doc.Nodes[0].PostUp = []string{"iptables -A FORWARD -i %i -j ACCEPT"}
	doc.Nodes[0].PostDown = []string{"iptables -D FORWARD -i %i -j ACCEPT"}

	result, err := Build(doc, newFakeKeyStore())
	require.NoError(t, err)
	require.True(t, result.OK())

	iface := result.Configs["A"].Interface
	assert.Equal(t, []string{"iptables -A FORWARD -i %i -j ACCEPT"}, iface.PostUp,
		"user hooks replace the defaults")
	assert.NotContains(t, iface.PostUp, "sysctl -w net.ipv4.ip_forward=1")
}

func TestBuildGroupFormMatchesTraditional(t *testing.T) {
	ks := newFakeKeyStore()
	grouped, err := Build(meshDocument(), ks)
	require.NoError(t, err)
	require.True(t, grouped.OK())

	// re-express the expanded mesh as a traditional peer list
	traditional := &model.Document{Nodes: meshDocument().Nodes}
	for _, from := range []string{"A", "B", "C"} {
		for _, to := range []string{"A", "B", "C"} {
			if from == to {
				continue
			}
			host := map[string]string{"A": "10.96.0.2/32", "B": "10.96.0.3/32", "C": "10.96.0.4/32"}[to]
			traditional.Peers = append(traditional.Peers, model.PeerIntent{
				From: from, To: to, AllowedIPs: []string{host},
			})
		}
	}
	flat, err := Build(traditional, ks)
	require.NoError(t, err)
	require.True(t, flat.OK())

	for name := range grouped.Configs {
		g, f := grouped.Configs[name], flat.Configs[name]
		require.Len(t, f.Peers, len(g.Peers), name)
		for i := range g.Peers {
			assert.Equal(t, g.Peers[i].Name, f.Peers[i].Name)
			assert.Equal(t, g.Peers[i].Endpoint, f.Peers[i].Endpoint)
			assert.Equal(t, g.Peers[i].AllowedIPs, f.Peers[i].AllowedIPs)
			assert.Equal(t, g.Peers[i].PublicKey, f.Peers[i].PublicKey)
		}
	}
}

func TestBuildKeyBindingIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wg_keys.json")

	ks1, err := keystore.OpenFile(path)
	require.NoError(t, err)
	first, err := Build(meshDocument(), ks1)
	require.NoError(t, err)
	require.True(t, first.OK())
	require.NoError(t, ks1.Close())

	ks2, err := keystore.OpenFile(path)
	require.NoError(t, err)
	second, err := Build(meshDocument(), ks2)
	require.NoError(t, err)
	require.True(t, second.OK())

	assert.True(t, reflect.DeepEqual(first.Configs, second.Configs),
		"a populated key store reproduces the exact same records")
}

func TestEngineCachesByDigest(t *testing.T) {
	eng := New()
	ks := newFakeKeyStore()

	first, err := eng.Build(meshDocument(), ks)
	require.NoError(t, err)
	callsAfterFirst := ks.calls

	second, err := eng.Build(meshDocument(), ks)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, ks.calls, "cache hit performs no key store calls")
	assert.Same(t, first, second)
}

func TestBuildIsolatedNodeDiagnostic(t *testing.T) {
	doc := meshDocument()
	doc.Nodes = append(doc.Nodes, model.Node{Name: "Z", WireGuardIP: "10.96.0.9/16"})
	result, err := Build(doc, newFakeKeyStore())
	require.NoError(t, err)
	require.True(t, result.OK())

	found := false
	for _, d := range result.Diagnostics {
		if d.Message == "nodes with no peers: [Z]" {
			found = true
		}
	}
	assert.True(t, found, "diagnostics: %v", result.Diagnostics)
}
