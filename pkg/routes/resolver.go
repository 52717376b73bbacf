// Package routes resolves symbolic routing tokens into concrete CIDR
// sets and enforces the per-node non-overlap invariant that WireGuard's
// cryptokey routing depends on.
package routes

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"wg-mesh/pkg/model"
	"wg-mesh/pkg/netaddr"
	"wg-mesh/pkg/peerplan"
)

// Resolver expands tokens against the node and group model. Resolution is
// a pure function of the tables; it runs after group expansion so rules
// written against a group follow membership changes.
type Resolver struct {
	Table  *model.NodeTable
	Groups []model.Group
	Rules  []model.RoutingRule
}

// Resolve rewrites every entry's AllowedIPs in place: routing rules are
// merged, tokens expanded, the set canonicalised, the target's host route
// injected when nothing covers it, and cross-peer overlaps reconciled or
// rejected.
func (r *Resolver) Resolve(pm peerplan.PeerMap) ([]*model.BuildError, []model.Diagnostic) {
	var errs []*model.BuildError
	var diags []model.Diagnostic

	nodes := make([]string, 0, len(pm))
	for name := range pm {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)

	resolved := make(map[*peerplan.Entry][]netip.Prefix)
	defaultCombined := make(map[*peerplan.Entry]bool)
	for _, name := range nodes {
		for _, entry := range pm[name] {
			set, mixedDefault, entryErrs := r.resolveEntry(name, entry)
			if len(entryErrs) > 0 {
				errs = append(errs, entryErrs...)
				continue
			}
			resolved[entry] = set
			defaultCombined[entry] = mixedDefault
		}
	}
	if len(errs) > 0 {
		return errs, diags
	}

	targetHost := make(map[*peerplan.Entry]netip.Prefix, len(resolved))
	for entry := range resolved {
		if n, ok := r.Table.Get(entry.Peer); ok {
			if p, err := netaddr.ParseInterface(n.WireGuardIP); err == nil {
				targetHost[entry] = netaddr.HostRoute(p)
			}
		}
	}

	for _, name := range nodes {
		entries := pm[name]
		overlapErrs := reconcile(name, entries, resolved, targetHost)
		if len(overlapErrs) > 0 {
			errs = append(errs, overlapErrs...)
			continue
		}
		for _, entry := range entries {
			set := resolved[entry]
			entry.AllowedIPs = make([]string, len(set))
			for i, p := range set {
				entry.AllowedIPs[i] = p.String()
			}
			diags = append(diags, inspect(name, entry, set, defaultCombined[entry])...)
		}
	}
	return errs, diags
}

// resolveEntry produces the canonical prefix set for one entry. The
// second result reports a default route mixed with specific routes in
// the pre-canonical set (canonicalisation swallows them).
func (r *Resolver) resolveEntry(node string, entry *peerplan.Entry) ([]netip.Prefix, bool, []*model.BuildError) {
	tokens := append([]string(nil), entry.AllowedIPs...)
	for _, rule := range r.Rules {
		if r.ruleApplies(rule, entry.Peer) {
			tokens = append(tokens, rule.AllowedIPs...)
		}
	}

	var errs []*model.BuildError
	var set []netip.Prefix
	for _, tok := range tokens {
		ps, err := r.expandToken(tok)
		if err != nil {
			err.Node = node
			err.Peers = []string{entry.Peer}
			errs = append(errs, err)
			continue
		}
		set = append(set, ps...)
	}
	if len(errs) > 0 {
		return nil, false, errs
	}
	hasDefault, hasSpecific := false, false
	for _, p := range set {
		if p.Bits() == 0 {
			hasDefault = true
		} else {
			hasSpecific = true
		}
	}
	set = netaddr.Canonicalise(set)

	// The peer itself must always be addressable directly.
	target, _ := r.Table.Get(entry.Peer)
	if tp, err := netaddr.ParseInterface(target.WireGuardIP); err == nil {
		host := netaddr.HostRoute(tp)
		covered := false
		for _, p := range set {
			if netaddr.Contains(p, host) {
				covered = true
				break
			}
		}
		if !covered {
			set = netaddr.Canonicalise(append(set, host))
		}
	}
	return set, hasDefault && hasSpecific, nil
}

// ruleApplies reports whether a document-level "<owner>_allowed_ips"
// rule covers entries targeting peer: the owner is the target itself or
// a group it belongs to. Connection-scoped routing never reaches here;
// the expander folds it into the intents it generates.
func (r *Resolver) ruleApplies(rule model.RoutingRule, peer string) bool {
	if rule.Owner == peer {
		return true
	}
	for _, g := range r.Groups {
		if g.Name == rule.Owner {
			for _, m := range g.Nodes {
				if m == peer {
					return true
				}
			}
		}
	}
	return false
}

// expandToken resolves one allowed-ips element. Endpoint references are
// rejected here: endpoints are not routes.
func (r *Resolver) expandToken(tok string) ([]netip.Prefix, *model.BuildError) {
	if p, err := netaddr.ParseRoute(tok); err == nil {
		return []netip.Prefix{p}, nil
	}
	parts := strings.Split(tok, ".")
	switch len(parts) {
	case 1:
		if g, ok := r.groupByName(tok); ok {
			return r.groupSubnet(g)
		}
		if n, ok := r.Table.Get(tok); ok {
			return r.hostRouteOf(n)
		}
		return nil, &model.BuildError{
			Kind:   model.ErrUnknownReference,
			Detail: fmt.Sprintf("route token %q names no group or node", tok),
		}
	case 2:
		name, attr := parts[0], parts[1]
		if g, ok := r.groupByName(name); ok {
			switch attr {
			case "subnet":
				return r.groupSubnet(g)
			case "nodes":
				return r.groupHostRoutes(g)
			default:
				return nil, &model.BuildError{
					Kind:   model.ErrBadRouteToken,
					Detail: fmt.Sprintf("unknown group attribute in route token %q", tok),
				}
			}
		}
		if _, ok := r.Table.Get(name); ok {
			return nil, &model.BuildError{
				Kind:   model.ErrBadRouteToken,
				Detail: fmt.Sprintf("route token %q selects an endpoint; endpoints are not routes", tok),
			}
		}
		return nil, &model.BuildError{
			Kind:   model.ErrUnknownReference,
			Detail: fmt.Sprintf("route token %q references unknown group %q", tok, name),
		}
	case 3:
		if parts[2] != "ip" {
			return nil, &model.BuildError{
				Kind:   model.ErrBadRouteToken,
				Detail: fmt.Sprintf("malformed route token %q", tok),
			}
		}
		if n, ok := r.Table.Get(parts[1]); ok {
			return r.hostRouteOf(n)
		}
		return nil, &model.BuildError{
			Kind:   model.ErrUnknownReference,
			Detail: fmt.Sprintf("route token %q references unknown node %q", tok, parts[1]),
		}
	default:
		return nil, &model.BuildError{
			Kind:   model.ErrBadRouteToken,
			Detail: fmt.Sprintf("malformed route token %q", tok),
		}
	}
}

func (r *Resolver) groupByName(name string) (model.Group, bool) {
	for _, g := range r.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return model.Group{}, false
}

// groupSubnet is the smallest single CIDR covering every member address.
func (r *Resolver) groupSubnet(g model.Group) ([]netip.Prefix, *model.BuildError) {
	var addrs []netip.Addr
	for _, m := range g.Nodes {
		n, ok := r.Table.Get(m)
		if !ok {
			return nil, &model.BuildError{
				Kind:   model.ErrUnknownReference,
				Detail: fmt.Sprintf("group %s references unknown node %s", g.Name, m),
			}
		}
		p, err := netaddr.ParseInterface(n.WireGuardIP)
		if err != nil {
			return nil, &model.BuildError{
				Kind:   model.ErrInvalidAddress,
				Detail: fmt.Sprintf("node %s: %v", m, err),
			}
		}
		addrs = append(addrs, p.Addr())
	}
	p, err := netaddr.CoveringPrefix(addrs)
	if err != nil {
		return nil, &model.BuildError{
			Kind:   model.ErrBadRouteToken,
			Detail: fmt.Sprintf("group %s subnet: %v", g.Name, err),
		}
	}
	return []netip.Prefix{p.Masked()}, nil
}

func (r *Resolver) groupHostRoutes(g model.Group) ([]netip.Prefix, *model.BuildError) {
	members := append([]string(nil), g.Nodes...)
	sort.Strings(members)
	var out []netip.Prefix
	for _, m := range members {
		n, ok := r.Table.Get(m)
		if !ok {
			return nil, &model.BuildError{
				Kind:   model.ErrUnknownReference,
				Detail: fmt.Sprintf("group %s references unknown node %s", g.Name, m),
			}
		}
		ps, err := r.hostRouteOf(n)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

func (r *Resolver) hostRouteOf(n model.Node) ([]netip.Prefix, *model.BuildError) {
	p, err := netaddr.ParseInterface(n.WireGuardIP)
	if err != nil {
		return nil, &model.BuildError{
			Kind:   model.ErrInvalidAddress,
			Detail: fmt.Sprintf("node %s: %v", n.Name, err),
		}
	}
	return []netip.Prefix{netaddr.HostRoute(p)}, nil
}

// reconcile enforces the non-overlap invariant across one node's peers.
// Two CIDRs either nest or are disjoint, so the cases are: an equal pair
// where one side is the other entry's target host route (resolved by
// dropping the element from the non-owning entry, longest prefix wins),
// and everything else, which is fatal.
func reconcile(node string, entries []*peerplan.Entry, resolved map[*peerplan.Entry][]netip.Prefix, targetHost map[*peerplan.Entry]netip.Prefix) []*model.BuildError {
	// First pass: delete host-route elements that another entry owns.
	drop := make(map[*peerplan.Entry]map[netip.Prefix]bool)
	for i, a := range entries {
		for _, b := range entries[i+1:] {
			for _, x := range resolved[a] {
				for _, y := range resolved[b] {
					if x != y {
						continue
					}
					switch {
					case x == targetHost[b]:
						markDrop(drop, a, x)
					case x == targetHost[a]:
						markDrop(drop, b, x)
					}
				}
			}
		}
	}
	for e, set := range drop {
		kept := resolved[e][:0:0]
		for _, p := range resolved[e] {
			if !set[p] {
				kept = append(kept, p)
			}
		}
		resolved[e] = kept
	}

	var errs []*model.BuildError
	for i, a := range entries {
		for _, b := range entries[i+1:] {
			for _, x := range resolved[a] {
				for _, y := range resolved[b] {
					if netaddr.Overlap(x, y) {
						errs = append(errs, &model.BuildError{
							Kind:  model.ErrAllowedIpsOverlap,
							Node:  node,
							Peers: []string{a.Peer, b.Peer},
							CIDRs: []string{x.String(), y.String()},
							Detail: fmt.Sprintf("peers %s (%s) and %s (%s) route overlapping space",
								a.Peer, a.Origin, b.Peer, b.Origin),
						})
					}
				}
			}
		}
	}
	return errs
}

// inspect emits the non-fatal route diagnostics for one finished entry.
func inspect(node string, entry *peerplan.Entry, set []netip.Prefix, mixedDefault bool) []model.Diagnostic {
	var diags []model.Diagnostic
	if mixedDefault {
		diags = append(diags, model.Diagnostic{
			Node:    node,
			Peer:    entry.Peer,
			Message: "default route combined with other allowed_ips",
		})
	}
	for _, p := range set {
		if p.Bits() > 0 && p.Bits() < 16 {
			diags = append(diags, model.Diagnostic{
				Node:    node,
				Peer:    entry.Peer,
				Message: fmt.Sprintf("allowed_ips %s is wider than /16", p),
			})
		}
	}
	if len(set) == 1 && netaddr.IsHostRoute(set[0]) && !entry.Synthesised {
		switch entry.Origin {
		case model.OriginGroupMesh, model.OriginGroupStar, model.OriginGroupChain:
			// intra-group edges legitimately route just the peer itself
		default:
			diags = append(diags, model.Diagnostic{
				Node:    node,
				Peer:    entry.Peer,
				Message: "allowed_ips is only the peer's own address; missing routing rule?",
			})
		}
	}
	return diags
}

func markDrop(drop map[*peerplan.Entry]map[netip.Prefix]bool, e *peerplan.Entry, p netip.Prefix) {
	if drop[e] == nil {
		drop[e] = map[netip.Prefix]bool{}
	}
	drop[e][p] = true
}
