// Package expand turns a group-form document into the flat, directional
// peer-intent list the rest of the pipeline consumes.
package expand

import (
	"fmt"
	"sort"
	"strings"

	"wg-mesh/pkg/model"
	"wg-mesh/pkg/netaddr"
)

// Expand derives peer intents from groups and connections. Expansion is
// deterministic: member sets iterate alphabetically, chains keep their
// declared order, and connections are processed top to bottom. Each group
// or connection stops at its first error; errors from independent units
// are all reported.
func Expand(doc *model.Document, table *model.NodeTable) ([]model.PeerIntent, []*model.BuildError) {
	e := &expander{doc: doc, table: table}
	for _, g := range doc.Groups {
		if err := e.checkGroup(g); err != nil {
			e.errs = append(e.errs, err)
			continue
		}
		e.expandGroup(g)
	}
	for i, c := range doc.Connections {
		if err := e.expandConnection(c); err != nil {
			if err.Detail == "" {
				err.Detail = fmt.Sprintf("connection #%d", i)
			}
			e.errs = append(e.errs, err)
		}
	}
	if len(e.errs) > 0 {
		return nil, e.errs
	}
	return e.intents, nil
}

type expander struct {
	doc     *model.Document
	table   *model.NodeTable
	intents []model.PeerIntent
	errs    []*model.BuildError
}

func (e *expander) checkGroup(g model.Group) *model.BuildError {
	for _, m := range g.Nodes {
		if _, ok := e.table.Get(m); !ok {
			return &model.BuildError{
				Kind:   model.ErrUnknownReference,
				Node:   m,
				Detail: fmt.Sprintf("group %s references unknown node %s", g.Name, m),
			}
		}
	}
	arity := func(want string) *model.BuildError {
		return &model.BuildError{
			Kind:   model.ErrTopologyArity,
			Node:   g.Name,
			Detail: fmt.Sprintf("group %s (%s) needs %s, has %d members", g.Name, g.Topology, want, len(g.Nodes)),
		}
	}
	switch g.Topology {
	case model.TopologyMesh:
		if len(g.Nodes) < 2 {
			return arity("at least 2 members")
		}
	case model.TopologyStar:
		if len(g.Nodes) < 2 {
			return arity("at least 2 members")
		}
		if g.Hub == "" {
			return &model.BuildError{
				Kind:   model.ErrTopologyArity,
				Node:   g.Name,
				Detail: fmt.Sprintf("star group %s has no hub", g.Name),
			}
		}
		if !contains(g.Nodes, g.Hub) {
			return &model.BuildError{
				Kind:   model.ErrUnknownReference,
				Node:   g.Hub,
				Detail: fmt.Sprintf("hub %s is not a member of group %s", g.Hub, g.Name),
			}
		}
	case model.TopologyChain:
		if len(g.Nodes) < 2 {
			return arity("at least 2 ordered members")
		}
	case model.TopologySingle:
		if len(g.Nodes) != 1 {
			return arity("exactly 1 member")
		}
	default:
		return &model.BuildError{
			Kind:   model.ErrInvalidDocument,
			Node:   g.Name,
			Detail: fmt.Sprintf("group %s has unknown topology %q", g.Name, g.Topology),
		}
	}
	return nil
}

func (e *expander) expandGroup(g model.Group) {
	switch g.Topology {
	case model.TopologyMesh:
		members := sortedCopy(g.Nodes)
		for _, a := range members {
			for _, b := range members {
				if a == b {
					continue
				}
				e.add(model.PeerIntent{
					From:        a,
					To:          b,
					EndpointRef: g.MeshEndpoint,
					AllowedIPs:  []string{e.hostRoute(b)},
					Origin:      model.OriginGroupMesh,
				})
			}
		}
	case model.TopologyStar:
		for _, m := range sortedCopy(g.Nodes) {
			if m == g.Hub {
				continue
			}
			e.add(model.PeerIntent{
				From:       m,
				To:         g.Hub,
				AllowedIPs: []string{e.hostRoute(g.Hub)},
				Origin:     model.OriginGroupStar,
			})
			e.add(model.PeerIntent{
				From:       g.Hub,
				To:         m,
				AllowedIPs: []string{e.hostRoute(m)},
				Origin:     model.OriginGroupStar,
			})
		}
	case model.TopologyChain:
		for i := 0; i+1 < len(g.Nodes); i++ {
			a, b := g.Nodes[i], g.Nodes[i+1]
			e.add(model.PeerIntent{
				From:       a,
				To:         b,
				AllowedIPs: []string{e.hostRoute(b)},
				Origin:     model.OriginGroupChain,
			})
			e.add(model.PeerIntent{
				From:       b,
				To:         a,
				AllowedIPs: []string{e.hostRoute(a)},
				Origin:     model.OriginGroupChain,
			})
		}
	case model.TopologySingle:
		// no intra-group edges
	}
}

func (e *expander) expandConnection(c model.Connection) *model.BuildError {
	switch c.Type {
	case model.ConnOutboundOnly:
		return e.cartesian(c, false)
	case model.ConnBidirectional, model.ConnFullMesh:
		return e.cartesian(c, true)
	case model.ConnGateway:
		return e.gateway(c)
	case model.ConnSelective:
		return e.selective(c)
	case model.ConnBridge:
		return e.bridge(c)
	default:
		return &model.BuildError{
			Kind:   model.ErrInvalidDocument,
			Detail: fmt.Sprintf("unknown connection type %q", c.Type),
		}
	}
}

// cartesian expands outbound_only, bidirectional and full_mesh: the
// product of both member sets minus self-pairs, one direction or both.
func (e *expander) cartesian(c model.Connection, both bool) *model.BuildError {
	from, err := e.sideMembers(c.From)
	if err != nil {
		return err
	}
	to, err := e.sideMembers(c.To)
	if err != nil {
		return err
	}
	for _, s := range from {
		for _, t := range to {
			if s == t {
				continue
			}
			e.add(e.connIntent(c, s, t))
			if both {
				e.add(e.connIntent(c, t, s))
			}
		}
	}
	return nil
}

func (e *expander) gateway(c model.Connection) *model.BuildError {
	from, err := e.sideMembers(c.From)
	if err != nil {
		return err
	}
	to, err := e.sideMembers(c.To)
	if err != nil {
		return err
	}
	gws := c.GatewayNodes.To
	if len(gws) == 0 {
		return &model.BuildError{
			Kind:   model.ErrInvalidDocument,
			Detail: fmt.Sprintf("gateway connection %s -> %s lists no gateway nodes", c.From, c.To),
		}
	}
	for _, g := range gws {
		if !contains(to, g) {
			return &model.BuildError{
				Kind:   model.ErrUnknownReference,
				Node:   g,
				Detail: fmt.Sprintf("gateway %s is not a member of %s", g, c.To),
			}
		}
	}
	for _, s := range from {
		for _, g := range sortedCopy(gws) {
			if s == g {
				continue
			}
			in := e.connIntent(c, s, g)
			in.Origin = model.OriginGroupGateway
			e.add(in)
		}
	}
	// Reverse gateways are optional: listed members of the from side
	// accept return traffic through them.
	for _, g := range sortedCopy(c.GatewayNodes.From) {
		if !contains(from, g) {
			return &model.BuildError{
				Kind:   model.ErrUnknownReference,
				Node:   g,
				Detail: fmt.Sprintf("gateway %s is not a member of %s", g, c.From),
			}
		}
		for _, t := range to {
			if t == g {
				continue
			}
			in := e.connIntent(c, t, g)
			in.Origin = model.OriginGroupGateway
			e.add(in)
		}
	}
	return nil
}

func (e *expander) selective(c model.Connection) *model.BuildError {
	from, err := e.sideMembers(c.From)
	if err != nil {
		return err
	}
	to, err := e.sideMembers(c.To)
	if err != nil {
		return err
	}
	subset := from
	if len(c.Nodes) > 0 {
		for _, n := range c.Nodes {
			if !contains(from, n) {
				return &model.BuildError{
					Kind:   model.ErrUnknownReference,
					Node:   n,
					Detail: fmt.Sprintf("selective node %s is not a member of %s", n, c.From),
				}
			}
		}
		subset = sortedCopy(c.Nodes)
	}
	for _, s := range subset {
		for _, t := range to {
			if s == t {
				continue
			}
			in := e.connIntent(c, s, t)
			in.Origin = model.OriginGroupSelective
			e.add(in)
		}
	}
	return nil
}

func (e *expander) bridge(c model.Connection) *model.BuildError {
	from, err := e.sideMembers(c.From)
	if err != nil {
		return err
	}
	to, err := e.sideMembers(c.To)
	if err != nil {
		return err
	}
	if len(from) != 1 || len(to) != 1 {
		return &model.BuildError{
			Kind:   model.ErrTopologyArity,
			Detail: fmt.Sprintf("bridge %s <-> %s needs exactly one node per side", c.From, c.To),
		}
	}
	a, b := from[0], to[0]
	fwdKey := a + "_to_" + b
	revKey := b + "_to_" + a
	fwd, okF := c.EndpointMapping[fwdKey]
	rev, okR := c.EndpointMapping[revKey]
	if !okF || !okR {
		return &model.BuildError{
			Kind:  model.ErrBridgeMappingMissing,
			Peers: []string{a, b},
			Detail: fmt.Sprintf("bridge %s <-> %s requires endpoint_mapping keys %s and %s",
				a, b, fwdKey, revKey),
		}
	}
	mk := func(s, t, ref string) model.PeerIntent {
		in := e.connIntent(c, s, t)
		in.EndpointRef = resolveEndpointRef(ref, t)
		in.Origin = model.OriginGroupBridge
		in.IsBridge = true
		return in
	}
	e.add(mk(a, b, fwd))
	e.add(mk(b, a, rev))
	return nil
}

// connIntent assembles the common parts of a connection-derived intent:
// per-side routing beats the connection-wide allowed_ips, and an empty
// result defaults to the target's host route.
func (e *expander) connIntent(c model.Connection, s, t string) model.PeerIntent {
	allowed := c.Routing[s+"_allowed_ips"]
	if len(allowed) == 0 {
		allowed = c.Routing["allowed_ips"]
	}
	if len(allowed) == 0 {
		allowed = []string{e.hostRoute(t)}
	}
	origin := model.OriginGroupFullMesh
	if c.Type == model.ConnOutboundOnly {
		origin = model.OriginGroupSelective
	}
	return model.PeerIntent{
		From:                s,
		To:                  t,
		EndpointRef:         resolveEndpointRef(c.EndpointSelector, t),
		AllowedIPs:          append([]string(nil), allowed...),
		PersistentKeepalive: c.PersistentKeepalive,
		Origin:              origin,
	}
}

// sideMembers resolves a connection side: a group name (sorted members),
// a "group.node" scoped reference, or a plain node name.
func (e *expander) sideMembers(ref string) ([]string, *model.BuildError) {
	if g, ok := e.doc.GroupByName(ref); ok {
		return sortedCopy(g.Nodes), nil
	}
	if i := strings.IndexByte(ref, '.'); i > 0 {
		gname, nname := ref[:i], ref[i+1:]
		g, ok := e.doc.GroupByName(gname)
		if !ok {
			return nil, &model.BuildError{
				Kind:   model.ErrUnknownReference,
				Node:   gname,
				Detail: fmt.Sprintf("unknown group %q in reference %q", gname, ref),
			}
		}
		if !contains(g.Nodes, nname) {
			return nil, &model.BuildError{
				Kind:   model.ErrUnknownReference,
				Node:   nname,
				Detail: fmt.Sprintf("node %s is not a member of group %s", nname, gname),
			}
		}
		return []string{nname}, nil
	}
	if _, ok := e.table.Get(ref); ok {
		return []string{ref}, nil
	}
	return nil, &model.BuildError{
		Kind:   model.ErrUnknownReference,
		Node:   ref,
		Detail: fmt.Sprintf("connection references unknown group or node %q", ref),
	}
}

// resolveEndpointRef normalises an endpoint selector for one target: a
// literal host:port passes through, "node.name" keeps the name only when
// it is scoped to this target, and "default" or empty means unset.
func resolveEndpointRef(sel, target string) string {
	if sel == "" || sel == "default" {
		return ""
	}
	if _, err := netaddr.ParseEndpoint(sel); err == nil {
		return sel
	}
	if i := strings.IndexByte(sel, '.'); i > 0 {
		if sel[:i] == target {
			return sel[i+1:]
		}
		return ""
	}
	return sel
}

func (e *expander) add(in model.PeerIntent) {
	e.intents = append(e.intents, in)
}

func (e *expander) hostRoute(name string) string {
	n, _ := e.table.Get(name)
	p, err := netaddr.ParseInterface(n.WireGuardIP)
	if err != nil {
		return n.WireGuardIP
	}
	return netaddr.HostRoute(p).String()
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
