package engine

import (
	"fmt"
	"sort"
	"strings"

	"wg-mesh/pkg/keystore"
	"wg-mesh/pkg/model"
	"wg-mesh/pkg/netaddr"
	"wg-mesh/pkg/peerplan"
)

// bridgeKeepalive keeps filtered paths alive when a bridge direction has
// no explicit keepalive.
const bridgeKeepalive = 25

// bindAndEmit attaches key material and produces the final per-node
// records. This is the only stage with side effects: key creation in the
// store.
func bindAndEmit(table *model.NodeTable, pm peerplan.PeerMap, ks keystore.Store, result *Result) error {
	keypairs := make(map[string]model.Keypair, table.Len())
	for _, name := range table.Names() {
		kp, err := ks.GetOrCreateKeypair(name)
		if err != nil {
			return fmt.Errorf("keypair for %s: %w", name, err)
		}
		keypairs[name] = kp
	}

	psks := make(map[string]string)
	for _, name := range table.Names() {
		for _, entry := range pm[name] {
			pair := model.PairKey(name, entry.Peer)
			if _, ok := psks[pair]; ok {
				continue
			}
			psk, err := ks.GetOrCreatePSK(name, entry.Peer)
			if err != nil {
				return fmt.Errorf("psk for %s: %w", pair, err)
			}
			psks[pair] = psk
		}
	}

	for _, name := range table.Names() {
		node, _ := table.Get(name)
		record := model.ConfigRecord{
			Name: name,
			Interface: model.InterfaceConfig{
				PrivateKey: keypairs[name].PrivateKey,
				Address:    node.WireGuardIP,
				ListenPort: node.ListenPort,
				DNS:        node.DNS,
				MTU:        node.MTU,
			},
		}
		for _, entry := range pm[name] {
			record.Peers = append(record.Peers, peerEntry(entry, keypairs, psks, name))
		}
		record.Interface.PostUp, record.Interface.PostDown = hooks(node, record.Peers)
		result.Configs[name] = record
	}
	return nil
}

func peerEntry(entry *peerplan.Entry, keypairs map[string]model.Keypair, psks map[string]string, owner string) model.PeerEntry {
	keepalive := entry.PersistentKeepalive
	if entry.IsBridge && keepalive == 0 {
		keepalive = bridgeKeepalive
	}
	comment := fmt.Sprintf("%s (%s)", entry.Peer, entry.Origin)
	if entry.Synthesised {
		comment = fmt.Sprintf("%s (%s, passive)", entry.Peer, entry.Origin)
	}
	return model.PeerEntry{
		Name:                entry.Peer,
		PublicKey:           keypairs[entry.Peer].PublicKey,
		PresharedKey:        psks[model.PairKey(owner, entry.Peer)],
		Endpoint:            entry.Endpoint,
		AllowedIPs:          append([]string(nil), entry.AllowedIPs...),
		PersistentKeepalive: keepalive,
		Origin:              entry.Origin,
		Comment:             comment,
	}
}

// hooks derives the interface lifecycle commands. Relays get forwarding
// sysctls plus routes for the subnets they carry; user-supplied hooks
// replace the defaults entirely.
func hooks(node model.Node, peers []model.PeerEntry) (up, down []string) {
	if len(node.PostUp) > 0 || len(node.PostDown) > 0 {
		return append([]string(nil), node.PostUp...), append([]string(nil), node.PostDown...)
	}
	if node.Role != model.RoleRelay && !node.EnableIPForward {
		return nil, nil
	}

	up = append(up, "sysctl -w net.ipv4.ip_forward=1")
	down = append(down, "sysctl -w net.ipv4.ip_forward=0")
	if p, err := netaddr.ParseInterface(node.WireGuardIP); err == nil && p.Addr().Is6() {
		up = append(up, "sysctl -w net.ipv6.conf.all.forwarding=1")
		down = append(down, "sysctl -w net.ipv6.conf.all.forwarding=0")
	}

	subnets := map[string]bool{}
	for _, peer := range peers {
		for _, c := range peer.AllowedIPs {
			p, err := netaddr.ParseRoute(c)
			if err != nil || netaddr.IsHostRoute(p) || p.Bits() == 0 {
				continue
			}
			subnets[p.String()] = true
		}
	}
	ordered := make([]string, 0, len(subnets))
	for c := range subnets {
		ordered = append(ordered, c)
	}
	sort.Strings(ordered)
	for _, c := range ordered {
		up = append(up, fmt.Sprintf("ip route add %s dev %%i", c))
		down = append(down, fmt.Sprintf("ip route del %s dev %%i || true", c))
	}
	return up, down
}

// Summary is a one-line description of the build for logs.
func (r *Result) Summary() string {
	if !r.OK() {
		return fmt.Sprintf("%d errors", len(r.Errors))
	}
	peers := 0
	for _, rec := range r.Configs {
		peers += len(rec.Peers)
	}
	parts := []string{
		fmt.Sprintf("%d nodes", len(r.Configs)),
		fmt.Sprintf("%d peer entries", peers),
	}
	if len(r.Diagnostics) > 0 {
		parts = append(parts, fmt.Sprintf("%d diagnostics", len(r.Diagnostics)))
	}
	return strings.Join(parts, ", ")
}
