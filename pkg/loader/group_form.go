package loader

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"wg-mesh/pkg/model"
)

// rawNetworkTopology is the wrapped group form: groups keyed by name,
// each carrying its member nodes inline. Member order is preserved from
// the document; chains depend on it.
type rawNetworkTopology struct {
	Groups      yaml.Node           `yaml:"groups"`
	Connections []rawGroupEntry     `yaml:"connections"`
	Routing     map[string][]string `yaml:"routing"`
}

type rawTopologyGroup struct {
	Topology     string    `yaml:"topology"`
	MeshEndpoint string    `yaml:"mesh_endpoint"`
	Hub          string    `yaml:"hub"`
	HubNode      string    `yaml:"hub_node"`
	Role         string    `yaml:"role"`
	Nodes        yaml.Node `yaml:"nodes"`
}

func (nt *rawNetworkTopology) toDocument() (*model.Document, error) {
	doc := &model.Document{}
	if nt.Groups.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse network_topology: groups must be a mapping")
	}
	for i := 0; i+1 < len(nt.Groups.Content); i += 2 {
		groupName := nt.Groups.Content[i].Value
		var rg rawTopologyGroup
		if err := nt.Groups.Content[i+1].Decode(&rg); err != nil {
			return nil, fmt.Errorf("parse group %s: %w", groupName, err)
		}
		if rg.Nodes.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("parse group %s: nodes must be a mapping", groupName)
		}
		topology := rg.Topology
		if topology == "" {
			topology = string(model.TopologyMesh)
		}
		var members []string
		for j := 0; j+1 < len(rg.Nodes.Content); j += 2 {
			nodeName := rg.Nodes.Content[j].Value
			var rn rawNode
			if err := rg.Nodes.Content[j+1].Decode(&rn); err != nil {
				return nil, fmt.Errorf("parse node %s: %w", nodeName, err)
			}
			rn.Name = nodeName
			if rg.Role == "relay" {
				rn.IsRelay = true
			}
			n, err := rn.toNode(topology)
			if err != nil {
				return nil, err
			}
			doc.Nodes = append(doc.Nodes, n)
			members = append(members, nodeName)
		}
		hub := rg.Hub
		if hub == "" {
			hub = rg.HubNode
		}
		doc.Groups = append(doc.Groups, model.Group{
			Name:         groupName,
			Nodes:        members,
			Topology:     model.Topology(topology),
			MeshEndpoint: rg.MeshEndpoint,
			Hub:          hub,
		})
	}
	for _, entry := range nt.Connections {
		doc.Connections = append(doc.Connections, entry.toConnection())
	}
	rules, err := routingRules(nt.Routing)
	if err != nil {
		return nil, err
	}
	doc.Routing = rules
	return doc, nil
}

// stringList accepts either a scalar or a sequence in the document.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "" {
			*s = []string{node.Value}
		}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list")
	}
}
