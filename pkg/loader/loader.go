// Package loader reads network documents from YAML or JSON and maps both
// accepted shapes (traditional nodes+peers, group form) onto the entity
// model. Semantic validation belongs to the engine; the loader only
// normalises structure.
package loader

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"wg-mesh/pkg/model"
	"wg-mesh/pkg/netaddr"
)

const routingSuffix = "_allowed_ips"

// LoadDocument reads one document file (YAML or JSON; JSON parses as
// YAML).
func LoadDocument(path string) (*model.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// LoadSplit reads the traditional two-file layout: a nodes file and a
// topology file carrying the peers list.
func LoadSplit(nodesPath, topologyPath string) (*model.Document, error) {
	nodesDoc, err := LoadDocument(nodesPath)
	if err != nil {
		return nil, err
	}
	topoDoc, err := LoadDocument(topologyPath)
	if err != nil {
		return nil, err
	}
	nodesDoc.Peers = append(nodesDoc.Peers, topoDoc.Peers...)
	nodesDoc.Groups = append(nodesDoc.Groups, topoDoc.Groups...)
	nodesDoc.Connections = append(nodesDoc.Connections, topoDoc.Connections...)
	nodesDoc.Routing = append(nodesDoc.Routing, topoDoc.Routing...)
	return nodesDoc, nil
}

// ParseDocument parses document bytes in either accepted form.
func ParseDocument(raw []byte) (*model.Document, error) {
	var file rawFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if file.NetworkTopology != nil {
		return file.NetworkTopology.toDocument()
	}
	return file.toDocument()
}

type rawFile struct {
	NetworkTopology *rawNetworkTopology `yaml:"network_topology"`
	Nodes           yaml.Node           `yaml:"nodes"`
	Peers           []rawPeer           `yaml:"peers"`
	Groups          []rawGroupEntry     `yaml:"groups"`
	Routing         map[string][]string `yaml:"routing"`
}

type rawNode struct {
	Name            string     `yaml:"name"`
	Role            string     `yaml:"role"`
	WireGuardIP     string     `yaml:"wireguard_ip"`
	IP              string     `yaml:"ip"`
	ListenPort      uint16     `yaml:"listen_port"`
	Endpoints       yaml.Node  `yaml:"endpoints"`
	DNS             string     `yaml:"dns"`
	MTU             int        `yaml:"mtu"`
	PostUp          stringList `yaml:"post_up"`
	PostDown        stringList `yaml:"post_down"`
	EnableIPForward bool       `yaml:"enable_ip_forward"`
	IsRelay         bool       `yaml:"is_relay"`
}

type rawPeer struct {
	From                string   `yaml:"from"`
	To                  string   `yaml:"to"`
	Endpoint            string   `yaml:"endpoint"`
	AllowedIPs          []string `yaml:"allowed_ips"`
	PersistentKeepalive int      `yaml:"persistent_keepalive"`
}

// rawGroupEntry covers both group declarations and connections: an entry
// with a type is a connection.
type rawGroupEntry struct {
	Name             string              `yaml:"name"`
	Nodes            []string            `yaml:"nodes"`
	Topology         string              `yaml:"topology"`
	MeshEndpoint     string              `yaml:"mesh_endpoint"`
	Hub              string              `yaml:"hub"`
	HubNode          string              `yaml:"hub_node"`
	From             string              `yaml:"from"`
	To               string              `yaml:"to"`
	Type             string              `yaml:"type"`
	EndpointSelector string              `yaml:"endpoint_selector"`
	EndpointMapping  map[string]string   `yaml:"endpoint_mapping"`
	Routing          map[string][]string `yaml:"routing"`
	SpecialFlags     rawFlags            `yaml:"special_flags"`
	GatewayNodes     model.GatewaySides  `yaml:"gateway_nodes"`
}

type rawFlags struct {
	IsBridge            bool `yaml:"is_bridge"`
	PersistentKeepalive int  `yaml:"persistent_keepalive"`
}

func (f *rawFile) toDocument() (*model.Document, error) {
	doc := &model.Document{}

	membership := map[string][]string{}
	switch f.Nodes.Kind {
	case 0:
		// no nodes key; tolerated for topology-only files
	case yaml.SequenceNode:
		var list []rawNode
		if err := f.Nodes.Decode(&list); err != nil {
			return nil, fmt.Errorf("parse nodes: %w", err)
		}
		for _, rn := range list {
			n, err := rn.toNode("")
			if err != nil {
				return nil, err
			}
			doc.Nodes = append(doc.Nodes, n)
		}
	case yaml.MappingNode:
		// group form: nodes is a map of group name to member list. The
		// owning group's topology feeds member defaults (single-topology
		// members become relays), so resolve it before building nodes.
		topologies := map[string]string{}
		for _, entry := range f.Groups {
			if entry.Type == "" {
				topologies[entry.Name] = entry.Topology
			}
		}
		for i := 0; i+1 < len(f.Nodes.Content); i += 2 {
			groupName := f.Nodes.Content[i].Value
			var list []rawNode
			if err := f.Nodes.Content[i+1].Decode(&list); err != nil {
				return nil, fmt.Errorf("parse nodes of group %s: %w", groupName, err)
			}
			for _, rn := range list {
				n, err := rn.toNode(topologies[groupName])
				if err != nil {
					return nil, err
				}
				doc.Nodes = append(doc.Nodes, n)
				membership[groupName] = append(membership[groupName], n.Name)
			}
		}
	default:
		return nil, fmt.Errorf("parse nodes: unexpected document shape")
	}

	for _, p := range f.Peers {
		doc.Peers = append(doc.Peers, model.PeerIntent{
			From:                p.From,
			To:                  p.To,
			EndpointRef:         p.Endpoint,
			AllowedIPs:          p.AllowedIPs,
			PersistentKeepalive: p.PersistentKeepalive,
			Origin:              model.OriginExplicit,
		})
	}

	for _, entry := range f.Groups {
		if entry.Type != "" {
			doc.Connections = append(doc.Connections, entry.toConnection())
			continue
		}
		g := entry.toGroup()
		if len(g.Nodes) == 0 {
			g.Nodes = membership[g.Name]
		}
		doc.Groups = append(doc.Groups, g)
	}

	rules, err := routingRules(f.Routing)
	if err != nil {
		return nil, err
	}
	doc.Routing = rules
	return doc, nil
}

func (e rawGroupEntry) toGroup() model.Group {
	hub := e.Hub
	if hub == "" {
		hub = e.HubNode
	}
	topology := model.Topology(e.Topology)
	if e.Topology == "" {
		topology = model.TopologyMesh
	}
	return model.Group{
		Name:         e.Name,
		Nodes:        e.Nodes,
		Topology:     topology,
		MeshEndpoint: e.MeshEndpoint,
		Hub:          hub,
	}
}

func (e rawGroupEntry) toConnection() model.Connection {
	ctype := model.ConnectionType(e.Type)
	if e.SpecialFlags.IsBridge && ctype == model.ConnBidirectional {
		ctype = model.ConnBridge
	}
	keepalive := e.SpecialFlags.PersistentKeepalive
	return model.Connection{
		Name:                e.Name,
		From:                e.From,
		To:                  e.To,
		Type:                ctype,
		EndpointSelector:    e.EndpointSelector,
		EndpointMapping:     e.EndpointMapping,
		Nodes:               e.Nodes,
		Routing:             e.Routing,
		GatewayNodes:        e.GatewayNodes,
		PersistentKeepalive: keepalive,
	}
}

func (rn rawNode) toNode(groupTopology string) (model.Node, error) {
	ip := rn.WireGuardIP
	if ip == "" {
		ip = rn.IP
	}
	n := model.Node{
		Name:            rn.Name,
		Role:            model.Role(rn.Role),
		WireGuardIP:     ip,
		ListenPort:      rn.ListenPort,
		DNS:             rn.DNS,
		MTU:             rn.MTU,
		PostUp:          rn.PostUp,
		PostDown:        rn.PostDown,
		EnableIPForward: rn.EnableIPForward,
	}
	if n.Role == "" {
		switch {
		case rn.IsRelay, groupTopology == string(model.TopologySingle):
			n.Role = model.RoleRelay
			n.EnableIPForward = true
		default:
			n.Role = model.RoleClient
		}
	}
	if rn.IsRelay {
		n.EnableIPForward = true
	}
	eps, err := parseEndpoints(rn.Endpoints)
	if err != nil {
		return model.Node{}, fmt.Errorf("node %s: %w", rn.Name, err)
	}
	n.Endpoints = eps
	if n.ListenPort == 0 {
		if ep, ok := n.DefaultEndpoint(); ok {
			if parsed, err := netaddr.ParseEndpoint(ep); err == nil {
				n.ListenPort = parsed.Port
			}
		}
	}
	return n, nil
}

// parseEndpoints accepts the three document shapes: a name->value map
// (order preserved), a bare list (synthetic names e0, e1, ...), or a
// single scalar.
func parseEndpoints(node yaml.Node) ([]model.NamedEndpoint, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		var out []model.NamedEndpoint
		for i := 0; i+1 < len(node.Content); i += 2 {
			out = append(out, model.NamedEndpoint{
				Name:  node.Content[i].Value,
				Value: node.Content[i+1].Value,
			})
		}
		return out, nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, fmt.Errorf("parse endpoints: %w", err)
		}
		out := make([]model.NamedEndpoint, len(list))
		for i, v := range list {
			out[i] = model.NamedEndpoint{Name: fmt.Sprintf("e%d", i), Value: v}
		}
		return out, nil
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil, nil
		}
		return []model.NamedEndpoint{{Name: "e0", Value: node.Value}}, nil
	default:
		return nil, fmt.Errorf("parse endpoints: unexpected shape")
	}
}

func routingRules(routing map[string][]string) ([]model.RoutingRule, error) {
	keys := make([]string, 0, len(routing))
	for k := range routing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var rules []model.RoutingRule
	for _, k := range keys {
		if !strings.HasSuffix(k, routingSuffix) {
			return nil, fmt.Errorf("routing key %q must end with %s", k, routingSuffix)
		}
		rules = append(rules, model.RoutingRule{
			Owner:      strings.TrimSuffix(k, routingSuffix),
			AllowedIPs: routing[k],
		})
	}
	return rules, nil
}
