package expand

import (
	"sort"

	"wg-mesh/pkg/model"
)

// Connectivity summarises how well the intent graph ties the overlay
// together. Reported as diagnostics only; a partitioned overlay can be
// intentional.
type Connectivity struct {
	Connected bool     `json:"connected"`
	Isolated  []string `json:"isolated,omitempty"`
	NodeCount int      `json:"node_count"`
	EdgeCount int      `json:"edge_count"`
}

// Analyze walks the intent graph treating edges as undirected (a
// directional intent still implies a handshake path both ways).
func Analyze(table *model.NodeTable, intents []model.PeerIntent) Connectivity {
	adj := make(map[string]map[string]bool, table.Len())
	for _, name := range table.Names() {
		adj[name] = map[string]bool{}
	}
	for _, in := range intents {
		adj[in.From][in.To] = true
		adj[in.To][in.From] = true
	}

	var isolated []string
	for _, name := range table.Names() {
		if len(adj[name]) == 0 {
			isolated = append(isolated, name)
		}
	}
	sort.Strings(isolated)

	c := Connectivity{
		Isolated:  isolated,
		NodeCount: table.Len(),
		EdgeCount: len(intents),
	}
	if table.Len() == 0 || len(isolated) > 0 {
		return c
	}

	start := table.Names()[0]
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	c.Connected = len(visited) == table.Len()
	return c
}
