// Package dependencies resolves plugin install and activation order.
// Given a candidate manifest and the set of already-installed manifests it
// builds a directed dependency graph, detects missing dependencies,
// unsatisfiable version ranges, and cycles, and produces a deterministic
// topological activation order.
package dependencies

import (
	"sort"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
)

// Graph is a transient dependency graph built per resolution request.
// Nodes are plugin identifiers; edges point from dependent to dependency.
type Graph struct {
	nodes map[string]*node
}

type node struct {
	id       string
	version  string
	manifest *manifest.Manifest
	edges    []string // identifiers this node depends on
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddManifest adds a manifest's node and its outgoing edges.
func (g *Graph) AddManifest(m *manifest.Manifest) {
	n := &node{
		id:       m.Identifier,
		version:  m.Version,
		manifest: m,
	}
	for _, dep := range m.Dependencies {
		n.edges = append(n.edges, dep.Identifier)
	}
	// Deterministic traversal regardless of manifest declaration order.
	sort.Strings(n.edges)
	g.nodes[m.Identifier] = n
}

// Has reports whether an identifier is present in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// detectCycle runs a depth-first traversal with a recursion-stack marker
// starting from id. It returns the cycle path if one is found.
func (g *Graph) detectCycle(start string) []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		n := g.nodes[id]
		if n != nil {
			for _, dep := range n.edges {
				if !g.Has(dep) {
					continue // missing deps are reported separately
				}
				if !visited[dep] {
					if visit(dep) {
						return true
					}
				} else if recStack[dep] {
					// Close the loop for the report.
					for i, p := range path {
						if p == dep {
							cycle = append(append([]string{}, path[i:]...), dep)
							break
						}
					}
					return true
				}
			}
		}

		recStack[id] = false
		path = path[:len(path)-1]
		return false
	}

	if visit(start) {
		return cycle
	}
	return nil
}

// topoSort returns the transitive closure of start in dependency order,
// dependencies before dependents. Edges are visited in identifier order so
// the result is deterministic.
func (g *Graph) topoSort(start string) []string {
	visited := make(map[string]bool)
	var order []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		if n := g.nodes[id]; n != nil {
			for _, dep := range n.edges {
				if g.Has(dep) {
					visit(dep)
				}
			}
		}
		order = append(order, id)
	}

	visit(start)
	return order
}

// Resolve validates the candidate manifests against the installed set and
// returns the combined activation order for every candidate, dependencies
// before dependents. Candidates may depend on each other ("co-requested");
// a dependency satisfied by neither the installed set nor a co-requested
// candidate is reported as missing. All problems are collected before
// failing so the operator sees the complete conflict in one pass.
func Resolve(installed []*manifest.Manifest, candidates ...*manifest.Manifest) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	g := NewGraph()
	for _, m := range installed {
		g.AddManifest(m)
	}
	for _, m := range candidates {
		g.AddManifest(m)
	}

	conflict := &errdefs.ConflictError{PluginID: candidates[0].Identifier}

	// Version-range checks over everything in consideration. Installed
	// manifests are re-checked too: a candidate can invalidate nothing,
	// but an installed plugin's ranges must hold against co-requested
	// replacements.
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := g.nodes[id]
		for _, dep := range n.manifest.Dependencies {
			provider, ok := g.nodes[dep.Identifier]
			if !ok {
				conflict.Missing = append(conflict.Missing, errdefs.MissingDependency{
					Dependent:    id,
					Identifier:   dep.Identifier,
					VersionRange: dep.VersionRange,
				})
				continue
			}
			ok, err := manifest.RangeSatisfiedBy(dep.VersionRange, provider.version)
			if err != nil || !ok {
				conflict.Unsatisfied = append(conflict.Unsatisfied, errdefs.UnsatisfiedDependency{
					Dependent:    id,
					Identifier:   dep.Identifier,
					VersionRange: dep.VersionRange,
					Installed:    provider.version,
				})
			}
		}
	}

	for _, c := range candidates {
		if cycle := g.detectCycle(c.Identifier); cycle != nil {
			conflict.Cycle = cycle
			break
		}
	}

	if len(conflict.Missing) > 0 || len(conflict.Unsatisfied) > 0 || len(conflict.Cycle) > 0 {
		return nil, conflict
	}

	// Merge per-candidate orders preserving dependency-before-dependent.
	seen := make(map[string]bool)
	var order []string
	sorted := make([]*manifest.Manifest, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identifier < sorted[j].Identifier })
	for _, c := range sorted {
		for _, id := range g.topoSort(c.Identifier) {
			if !seen[id] {
				seen[id] = true
				order = append(order, id)
			}
		}
	}
	return order, nil
}

// Dependents returns the identifiers of installed plugins that directly
// depend on id. Used by uninstall to refuse removing a plugin something
// else still needs.
func Dependents(id string, installed []*manifest.Manifest) []string {
	var out []string
	for _, m := range installed {
		for _, dep := range m.Dependencies {
			if dep.Identifier == id {
				out = append(out, m.Identifier)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
