package model

import (
	"fmt"
	"regexp"
	"sort"

	"wg-mesh/pkg/netaddr"
)

// Role classifies a node's function in the overlay.
type Role string

const (
	RoleClient Role = "client"
	RoleRelay  Role = "relay"
	RoleServer Role = "server"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NamedEndpoint is one reachable address of a node. Name-less document
// entries get synthetic names (e0, e1, ...) from the loader.
type NamedEndpoint struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"` // host:port
}

// Node captures one identity in the overlay and its interface properties.
type Node struct {
	Name            string          `json:"name" yaml:"name"`
	Role            Role            `json:"role,omitempty" yaml:"role,omitempty"`
	WireGuardIP     string          `json:"wireguard_ip" yaml:"wireguard_ip"` // address with prefix length
	ListenPort      uint16          `json:"listen_port,omitempty" yaml:"listen_port,omitempty"`
	Endpoints       []NamedEndpoint `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	DNS             string          `json:"dns,omitempty" yaml:"dns,omitempty"`
	MTU             int             `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	PostUp          []string        `json:"post_up,omitempty" yaml:"post_up,omitempty"`
	PostDown        []string        `json:"post_down,omitempty" yaml:"post_down,omitempty"`
	EnableIPForward bool            `json:"enable_ip_forward,omitempty" yaml:"enable_ip_forward,omitempty"`
}

// Endpoint returns the endpoint value registered under name.
func (n Node) Endpoint(name string) (string, bool) {
	for _, e := range n.Endpoints {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

// DefaultEndpoint returns the lexicographically first endpoint by name, or
// false when the node exposes none (pure client behind NAT).
func (n Node) DefaultEndpoint() (string, bool) {
	if len(n.Endpoints) == 0 {
		return "", false
	}
	best := n.Endpoints[0]
	for _, e := range n.Endpoints[1:] {
		if e.Name < best.Name {
			best = e
		}
	}
	return best.Value, true
}

// NodeTable is the validated, read-only node lookup used by every pipeline
// stage. Construction enforces the document-level node invariants.
type NodeTable struct {
	nodes map[string]Node
	order []string
}

// NewNodeTable validates nodes and builds the lookup. All violations are
// reported, not just the first.
func NewNodeTable(nodes []Node) (*NodeTable, []*BuildError) {
	t := &NodeTable{nodes: make(map[string]Node, len(nodes))}
	var errs []*BuildError

	byIP := make(map[string]string) // host address -> first node claiming it
	for _, n := range nodes {
		if !nameRe.MatchString(n.Name) {
			errs = append(errs, &BuildError{
				Kind:   ErrInvalidDocument,
				Node:   n.Name,
				Detail: fmt.Sprintf("node name %q is not a valid identifier", n.Name),
			})
			continue
		}
		if _, dup := t.nodes[n.Name]; dup {
			errs = append(errs, &BuildError{
				Kind:   ErrDuplicateNodeName,
				Node:   n.Name,
				Detail: fmt.Sprintf("node name %q declared more than once", n.Name),
			})
			continue
		}
		p, err := netaddr.ParseInterface(n.WireGuardIP)
		if err != nil {
			errs = append(errs, &BuildError{
				Kind:   ErrInvalidAddress,
				Node:   n.Name,
				Detail: fmt.Sprintf("wireguard_ip %q: %v", n.WireGuardIP, err),
			})
			continue
		}
		host := p.Addr().String()
		if other, taken := byIP[host]; taken {
			errs = append(errs, &BuildError{
				Kind:  ErrDuplicateNodeIp,
				Peers: []string{other, n.Name},
				CIDRs: []string{host},
				Detail: fmt.Sprintf("nodes %s and %s share wireguard ip %s",
					other, n.Name, host),
			})
			continue
		}
		byIP[host] = n.Name
		for _, e := range n.Endpoints {
			if _, err := netaddr.ParseEndpoint(e.Value); err != nil {
				errs = append(errs, &BuildError{
					Kind:   ErrInvalidEndpoint,
					Node:   n.Name,
					Detail: fmt.Sprintf("endpoint %s=%q: %v", e.Name, e.Value, err),
				})
			}
		}
		t.nodes[n.Name] = n
		t.order = append(t.order, n.Name)
	}
	sort.Strings(t.order)
	if len(errs) > 0 {
		return nil, errs
	}
	return t, nil
}

// Get returns the node by name.
func (t *NodeTable) Get(name string) (Node, bool) {
	n, ok := t.nodes[name]
	return n, ok
}

// Names returns all node names in sorted order.
func (t *NodeTable) Names() []string {
	return append([]string(nil), t.order...)
}

// Len reports the node count.
func (t *NodeTable) Len() int { return len(t.nodes) }
