package model

import (
	"fmt"
	"io"
	"strings"
)

// MailHop is one directed host-to-host handoff. QueueID is the id the mail
// carried on FromHost when it was relayed to ToHost.
type MailHop struct {
	FromHost string
	ToHost   string
	QueueID  string
}

// MailGraph is a directed multigraph of mail hops. Nodes are host names in
// order of first mention; edges keep insertion order. A hop that repeats an
// already-present (from, to, queue_id) triple is dropped.
//
// MailGraph is not safe for concurrent use; the tracer serializes access.
type MailGraph struct {
	nodes    []string
	nodeSeen map[string]bool
	edges    []MailHop
	edgeSeen map[MailHop]bool
}

// NewMailGraph returns an empty graph.
func NewMailGraph() *MailGraph {
	return &MailGraph{
		nodeSeen: make(map[string]bool),
		edgeSeen: make(map[MailHop]bool),
	}
}

// AddNode records a host without connecting it. Used for hosts that saw the
// mail but forwarded it nowhere (terminal delivery).
func (g *MailGraph) AddNode(host string) {
	if host == "" || g.nodeSeen[host] {
		return
	}
	g.nodeSeen[host] = true
	g.nodes = append(g.nodes, host)
}

// AddHop inserts a directed edge, suppressing exact duplicates.
func (g *MailGraph) AddHop(fromHost, toHost, queueID string) {
	hop := MailHop{FromHost: fromHost, ToHost: toHost, QueueID: queueID}
	if g.edgeSeen[hop] {
		return
	}
	g.edgeSeen[hop] = true
	g.AddNode(fromHost)
	g.AddNode(toHost)
	g.edges = append(g.edges, hop)
}

// Nodes returns host names in order of first mention.
func (g *MailGraph) Nodes() []string { return g.nodes }

// Edges returns hops in insertion order.
func (g *MailGraph) Edges() []MailHop { return g.edges }

// Empty reports whether the graph has neither nodes nor edges.
func (g *MailGraph) Empty() bool { return len(g.nodes) == 0 && len(g.edges) == 0 }

// WriteDOT emits the graph in Graphviz DOT form. The shape is fixed: nodes
// first in order of first mention, then edges in insertion order, each with a
// monotonically increasing key attribute starting at 0.
func (g *MailGraph) WriteDOT(w io.Writer) error {
	var b strings.Builder
	b.WriteString("digraph {\n")
	for _, node := range g.nodes {
		fmt.Fprintf(&b, "%s;\n", node)
	}
	for i, edge := range g.edges {
		fmt.Fprintf(&b, "%s -> %s [key=%d, label=%s];\n", edge.FromHost, edge.ToHost, i, edge.QueueID)
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// String renders the graph as human text, one hop per line.
func (g *MailGraph) String() string {
	if g.Empty() {
		return "(empty trace)"
	}
	var b strings.Builder
	for _, edge := range g.edges {
		fmt.Fprintf(&b, "%s -[%s]-> %s\n", edge.FromHost, edge.QueueID, edge.ToHost)
	}
	for _, node := range g.nodes {
		if !g.connected(node) {
			fmt.Fprintf(&b, "%s (no onward hop)\n", node)
		}
	}
	return b.String()
}

func (g *MailGraph) connected(host string) bool {
	for _, edge := range g.edges {
		if edge.FromHost == host || edge.ToHost == host {
			return true
		}
	}
	return false
}
