// Package peerplan turns the flat intent list into per-node peer tables.
// Entries here are preliminary: allowed IPs may still be symbolic and no
// key material is attached yet.
package peerplan

import (
	"fmt"
	"sort"

	"wg-mesh/pkg/model"
	"wg-mesh/pkg/netaddr"
)

// Entry is one preliminary peer table row. An empty Endpoint means a
// passive entry (no dial-out, handshake accepted).
type Entry struct {
	Peer                string
	Endpoint            string
	AllowedIPs          []string
	PersistentKeepalive int
	Origin              model.Origin
	Origins             []model.Origin
	IsBridge            bool
	Synthesised         bool
}

// PeerMap holds each node's ordered peer entries.
type PeerMap map[string][]*Entry

// Build groups intents by source node, resolves endpoints, merges
// duplicate (from, to) pairs, and synthesises passive reverse entries for
// unreciprocated intents. It never mirrors endpoints, keepalives, or
// allowed IPs onto the reverse direction.
func Build(table *model.NodeTable, intents []model.PeerIntent) (PeerMap, []*model.BuildError, []model.Diagnostic) {
	var errs []*model.BuildError
	var diags []model.Diagnostic

	pm := make(PeerMap, table.Len())
	index := make(map[[2]string]*Entry, len(intents))
	forward := make(map[[2]string]bool, len(intents))

	for _, in := range intents {
		if in.From == in.To {
			errs = append(errs, &model.BuildError{
				Kind:   model.ErrSelfPeer,
				Node:   in.From,
				Detail: fmt.Sprintf("intent %s -> %s connects a node to itself", in.From, in.To),
			})
			continue
		}
		if _, ok := table.Get(in.From); !ok {
			errs = append(errs, unknownNode(in.From))
			continue
		}
		target, ok := table.Get(in.To)
		if !ok {
			errs = append(errs, unknownNode(in.To))
			continue
		}

		endpoint, err := resolveEndpoint(in, target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		forward[[2]string{in.From, in.To}] = true

		key := [2]string{in.From, in.To}
		if existing, ok := index[key]; ok {
			// Later intent wins for endpoint and keepalive; allowed IPs
			// are concatenated (canonicalised downstream).
			existing.Endpoint = endpoint
			existing.PersistentKeepalive = in.PersistentKeepalive
			existing.AllowedIPs = append(existing.AllowedIPs, in.AllowedIPs...)
			existing.IsBridge = existing.IsBridge || in.IsBridge
			if in.Origin != existing.Origin {
				diags = append(diags, model.Diagnostic{
					Node: in.From,
					Peer: in.To,
					Message: fmt.Sprintf("duplicate edge from %s and %s merged; allowed_ips augmented",
						existing.Origin, in.Origin),
				})
			}
			existing.Origins = append(existing.Origins, in.Origin)
			continue
		}
		entry := &Entry{
			Peer:                in.To,
			Endpoint:            endpoint,
			AllowedIPs:          append([]string(nil), in.AllowedIPs...),
			PersistentKeepalive: in.PersistentKeepalive,
			Origin:              in.Origin,
			Origins:             []model.Origin{in.Origin},
			IsBridge:            in.IsBridge,
		}
		index[key] = entry
		pm[in.From] = append(pm[in.From], entry)
	}

	if len(errs) > 0 {
		return nil, errs, diags
	}

	// Passive synthesis: an intent f->t without a matching t->f leaves a
	// listen-only entry on t so the initiator's handshake is accepted.
	for key := range forward {
		f, t := key[0], key[1]
		if forward[[2]string{t, f}] {
			continue
		}
		src, _ := table.Get(f)
		allowed := src.WireGuardIP
		if p, err := netaddr.ParseInterface(src.WireGuardIP); err == nil {
			allowed = netaddr.HostRoute(p).String()
		}
		fwd := index[key]
		pm[t] = append(pm[t], &Entry{
			Peer:        f,
			AllowedIPs:  []string{allowed},
			Origin:      fwd.Origin,
			Origins:     []model.Origin{fwd.Origin},
			Synthesised: true,
		})
	}

	for name := range pm {
		entries := pm[name]
		sort.SliceStable(entries, func(i, j int) bool {
			ri, rj := originRank(entries[i].Origin), originRank(entries[j].Origin)
			if ri != rj {
				return ri < rj
			}
			return entries[i].Peer < entries[j].Peer
		})
	}
	return pm, nil, diags
}

// resolveEndpoint applies the endpoint reference rules: literal values
// pass through, names are looked up on the target, and unset falls back
// to the target's default endpoint. Bridges never fall back; their
// endpoints come from the mapping alone.
func resolveEndpoint(in model.PeerIntent, target model.Node) (string, *model.BuildError) {
	ref := in.EndpointRef
	if ref == "" {
		if in.IsBridge {
			return "", nil
		}
		ep, _ := target.DefaultEndpoint()
		return ep, nil
	}
	if _, err := netaddr.ParseEndpoint(ref); err == nil {
		return ref, nil
	}
	ep, ok := target.Endpoint(ref)
	if !ok {
		return "", &model.BuildError{
			Kind:   model.ErrEndpointNotFound,
			Node:   in.From,
			Peers:  []string{in.To},
			Detail: fmt.Sprintf("node %s has no endpoint named %q", in.To, ref),
		}
	}
	return ep, nil
}

// originRank fixes the observable peer order: intra-group edges first,
// then hub-and-spoke style edges, then everything explicit, bridges last.
func originRank(o model.Origin) int {
	switch o {
	case model.OriginGroupMesh, model.OriginGroupChain:
		return 0
	case model.OriginGroupStar, model.OriginGroupGateway:
		return 1
	case model.OriginGroupBridge:
		return 3
	default:
		return 2
	}
}

func unknownNode(name string) *model.BuildError {
	return &model.BuildError{
		Kind:   model.ErrUnknownReference,
		Node:   name,
		Detail: fmt.Sprintf("intent references unknown node %q", name),
	}
}
