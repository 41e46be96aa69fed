package graphdemo

import (
	"fmt"
	"strings"
)

// run executes one RUN query string against store, returning the record
// stream it produces. This is not Cypher — it is a minimal, whitespace
// tokenized command language just expressive enough to create and traverse
// a handful of nodes and edges over Bolt:
//
//	CREATE NODE <id> <label>[,<label>...]
//	MATCH NODE <label>
//	CREATE EDGE <id> <startID> <type> <endID>
//	MATCH OUTGOING <nodeID>
//	MATCH INCOMING <nodeID>
//	STATS
func run(store *Store, query string, params map[string]any) ([]map[string]any, error) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return nil, fmt.Errorf("graphdemo: empty query")
	}

	switch strings.ToUpper(fields[0]) {
	case "CREATE":
		if len(fields) < 2 {
			return nil, fmt.Errorf("graphdemo: CREATE requires NODE or EDGE")
		}
		switch strings.ToUpper(fields[1]) {
		case "NODE":
			return runCreateNode(store, fields, params)
		case "EDGE":
			return runCreateEdge(store, fields, params)
		default:
			return nil, fmt.Errorf("graphdemo: unknown CREATE target %q", fields[1])
		}

	case "MATCH":
		if len(fields) < 2 {
			return nil, fmt.Errorf("graphdemo: MATCH requires NODE, OUTGOING, or INCOMING")
		}
		switch strings.ToUpper(fields[1]) {
		case "NODE":
			return runMatchNode(store, fields)
		case "OUTGOING":
			return runMatchAdjacency(store.OutgoingEdges, fields)
		case "INCOMING":
			return runMatchAdjacency(store.IncomingEdges, fields)
		default:
			return nil, fmt.Errorf("graphdemo: unknown MATCH target %q", fields[1])
		}

	case "STATS":
		return runStats(store)

	default:
		return nil, fmt.Errorf("graphdemo: unrecognized command %q", fields[0])
	}
}

func runCreateNode(store *Store, fields []string, params map[string]any) ([]map[string]any, error) {
	if len(fields) < 3 {
		return nil, fmt.Errorf("graphdemo: CREATE NODE requires an id")
	}
	id := fields[2]
	var labels []string
	if len(fields) >= 4 {
		labels = strings.Split(fields[3], ",")
	}
	n := &Node{ID: id, Labels: labels, Properties: params}
	if err := store.CreateNode(n); err != nil {
		return nil, err
	}
	return []map[string]any{{"id": n.ID, "labels": n.Labels}}, nil
}

func runCreateEdge(store *Store, fields []string, params map[string]any) ([]map[string]any, error) {
	if len(fields) < 6 {
		return nil, fmt.Errorf("graphdemo: CREATE EDGE requires id, start, type, end")
	}
	e := &Edge{
		ID:         fields[2],
		StartNode:  fields[3],
		Type:       fields[4],
		EndNode:    fields[5],
		Properties: params,
	}
	if err := store.CreateEdge(e); err != nil {
		return nil, err
	}
	return []map[string]any{{"id": e.ID, "start": e.StartNode, "type": e.Type, "end": e.EndNode}}, nil
}

func runMatchNode(store *Store, fields []string) ([]map[string]any, error) {
	if len(fields) < 3 {
		return nil, fmt.Errorf("graphdemo: MATCH NODE requires a label")
	}
	nodes, err := store.NodesByLabel(fields[2])
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		out[i] = map[string]any{"id": n.ID, "labels": n.Labels, "properties": n.Properties}
	}
	return out, nil
}

func runMatchAdjacency(lookup func(string) ([]*Edge, error), fields []string) ([]map[string]any, error) {
	if len(fields) < 3 {
		return nil, fmt.Errorf("graphdemo: MATCH requires a node id")
	}
	edges, err := lookup(fields[2])
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(edges))
	for i, e := range edges {
		out[i] = map[string]any{"id": e.ID, "start": e.StartNode, "type": e.Type, "end": e.EndNode}
	}
	return out, nil
}

func runStats(store *Store) ([]map[string]any, error) {
	nodeCount, err := store.NodeCount()
	if err != nil {
		return nil, err
	}
	edgeCount, err := store.EdgeCount()
	if err != nil {
		return nil, err
	}
	return []map[string]any{{"nodes": nodeCount, "edges": edgeCount}}, nil
}
