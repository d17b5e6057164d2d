package graph

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	dgraph "github.com/dominikbraun/graph"

	"github.com/patchsmith/patchsmith/internal/chunk"
)

// resolveExtensions are tried in order when a relative import omits
// its file extension.
var resolveExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"}

// EnhancedCodeGraph is the cross-file graph over a candidate file set.
type EnhancedCodeGraph struct {
	// Nodes by id "{filePath}:{name}".
	Nodes map[string]*Node
	// Edges by source node id.
	Edges map[string][]Edge
	// FileNodes maps a file path to its node ids in source order.
	FileNodes map[string][]string
	// NameIndex maps an entity name to every node id carrying it.
	NameIndex map[string][]string
	// CalledNames maps a function or class id to the set of names it
	// calls, resolved or not.
	CalledNames map[string]map[string]struct{}

	directed dgraph.Graph[string, string]
	callers  map[string][]string
}

// Builder parses candidate files and links them into one graph.
type Builder struct {
	parser   *chunk.Parser
	registry *chunk.LanguageRegistry
}

// NewBuilder creates a graph builder over the default language
// registry.
func NewBuilder() *Builder {
	return &Builder{
		parser:   chunk.NewParser(),
		registry: chunk.DefaultRegistry(),
	}
}

// Close releases parser resources.
func (b *Builder) Close() {
	b.parser.Close()
}

// Build parses every supported candidate file and returns the linked
// graph. Files that fail to parse are skipped with a warning; an
// unparseable set yields an empty graph, not an error.
func (b *Builder) Build(ctx context.Context, files map[string]string) (*EnhancedCodeGraph, error) {
	g := &EnhancedCodeGraph{
		Nodes:       make(map[string]*Node),
		Edges:       make(map[string][]Edge),
		FileNodes:   make(map[string][]string),
		NameIndex:   make(map[string][]string),
		CalledNames: make(map[string]map[string]struct{}),
		directed:    dgraph.New(dgraph.StringHash, dgraph.Directed()),
		callers:     make(map[string][]string),
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, filePath := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		language, ok := b.registry.LanguageForPath(filePath)
		if !ok {
			continue
		}
		tree, err := b.parser.Parse(ctx, []byte(files[filePath]), language)
		if err != nil {
			slog.Warn("graph_parse_failed",
				slog.String("file_path", filePath),
				slog.String("language", language),
				slog.String("error", err.Error()))
			continue
		}
		for _, node := range extractFile(tree, filePath) {
			g.addNode(node)
		}
	}

	g.linkEdges(files)
	if err := g.resolveCallers(); err != nil {
		return nil, fmt.Errorf("failed to resolve callers: %w", err)
	}
	return g, nil
}

func (g *EnhancedCodeGraph) addNode(node *Node) {
	if _, exists := g.Nodes[node.ID]; exists {
		return
	}
	g.Nodes[node.ID] = node
	g.FileNodes[node.FilePath] = append(g.FileNodes[node.FilePath], node.ID)
	g.NameIndex[node.Name] = append(g.NameIndex[node.Name], node.ID)
	_ = g.directed.AddVertex(node.ID)

	if len(node.Calls) > 0 {
		set := make(map[string]struct{}, len(node.Calls))
		for _, name := range node.Calls {
			set[name] = struct{}{}
		}
		g.CalledNames[node.ID] = set
	}
}

// linkEdges resolves call targets and extends parents through the name
// index, and import specifiers against the candidate file set.
func (g *EnhancedCodeGraph) linkEdges(files map[string]string) {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := g.Nodes[id]
		switch node.Kind {
		case NodeKindImport:
			target := resolveImport(node.FilePath, node.Source, files)
			g.addEdge(Edge{From: id, To: target, Kind: EdgeKindImports})
		case NodeKindFunction, NodeKindClass:
			for _, name := range node.Calls {
				for _, targetID := range g.NameIndex[name] {
					if targetID == id {
						continue
					}
					if g.Nodes[targetID].Kind == NodeKindImport {
						continue
					}
					g.addEdge(Edge{From: id, To: targetID, Kind: EdgeKindCalls})
				}
			}
			if node.Kind == NodeKindClass && node.ExtendsFrom != "" {
				for _, targetID := range g.NameIndex[node.ExtendsFrom] {
					if g.Nodes[targetID].Kind == NodeKindClass {
						g.addEdge(Edge{From: id, To: targetID, Kind: EdgeKindExtends})
					}
				}
			}
		}
	}
}

// addEdge records the edge and mirrors it into the directed graph when
// both endpoints are known nodes. Unresolved targets stay visible in
// Edges but take no part in predecessor lookups.
func (g *EnhancedCodeGraph) addEdge(edge Edge) {
	g.Edges[edge.From] = append(g.Edges[edge.From], edge)
	if _, ok := g.Nodes[edge.To]; !ok {
		return
	}
	_ = g.directed.AddEdge(edge.From, edge.To, dgraph.EdgeData(edge.Kind))
}

// resolveCallers walks the predecessor map once and caches reverse
// call lookups.
func (g *EnhancedCodeGraph) resolveCallers() error {
	predecessors, err := g.directed.PredecessorMap()
	if err != nil {
		return err
	}
	for id, preds := range predecessors {
		for predID, edge := range preds {
			if kind, ok := edge.Properties.Data.(EdgeKind); !ok || kind != EdgeKindCalls {
				continue
			}
			g.callers[id] = append(g.callers[id], predID)
		}
	}
	for id := range g.callers {
		sort.Strings(g.callers[id])
	}
	return nil
}

// resolveImport maps a relative import specifier to a path in the
// candidate set, trying known extensions and index files. External
// modules come back unchanged.
func resolveImport(fromPath, specifier string, files map[string]string) string {
	if !strings.HasPrefix(specifier, ".") {
		return specifier
	}
	base := path.Join(path.Dir(fromPath), specifier)

	if _, ok := files[base]; ok {
		return base
	}
	for _, ext := range resolveExtensions {
		if candidate := base + ext; hasFile(files, candidate) {
			return candidate
		}
	}
	for _, ext := range resolveExtensions {
		if candidate := path.Join(base, "index"+ext); hasFile(files, candidate) {
			return candidate
		}
	}
	return base
}

func hasFile(files map[string]string, p string) bool {
	_, ok := files[p]
	return ok
}

// Node returns a node by id.
func (g *EnhancedCodeGraph) Node(id string) (*Node, bool) {
	node, ok := g.Nodes[id]
	return node, ok
}

// NodesForFile returns a file's nodes in source order.
func (g *EnhancedCodeGraph) NodesForFile(filePath string) []*Node {
	ids := g.FileNodes[filePath]
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, g.Nodes[id])
	}
	return nodes
}

// NodesByName returns every node carrying a name, ordered by id.
func (g *EnhancedCodeGraph) NodesByName(name string) []*Node {
	ids := append([]string(nil), g.NameIndex[name]...)
	sort.Strings(ids)
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, g.Nodes[id])
	}
	return nodes
}

// CalledBy returns the ids of nodes that call the given node, sorted.
func (g *EnhancedCodeGraph) CalledBy(id string) []string {
	return g.callers[id]
}

// Files returns every file path with at least one node, sorted.
func (g *EnhancedCodeGraph) Files() []string {
	files := make([]string, 0, len(g.FileNodes))
	for p := range g.FileNodes {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// Stats summarizes graph size.
type Stats struct {
	NodeCount int
	EdgeCount int
	FileCount int
}

// Stats returns node, edge, and file counts.
func (g *EnhancedCodeGraph) Stats() Stats {
	edges := 0
	for _, list := range g.Edges {
		edges += len(list)
	}
	return Stats{
		NodeCount: len(g.Nodes),
		EdgeCount: edges,
		FileCount: len(g.FileNodes),
	}
}
