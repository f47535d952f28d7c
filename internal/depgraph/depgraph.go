// Package depgraph builds the service dependency graph and orders it into
// remediation waves. Wave 0 holds services with no dependencies; every later
// wave holds services whose dependencies all sit in strictly earlier waves,
// so each wave can be dispatched in parallel once the previous one is green.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidemark-io/propagate/internal/servicemap"
	"github.com/tidemark-io/propagate/pkg/alg/mapx"
)

// ErrCircularDependency is returned when the declared dependencies cannot be
// ordered into waves.
var ErrCircularDependency = errors.New("circular dependency detected")

// Graph holds service nodes keyed by name with their declared dependencies.
type Graph struct {
	nodes map[string][]string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string][]string)}
}

// Add registers a service and its dependencies, replacing any previous entry
// with the same name.
func (g *Graph) Add(name string, dependsOn []string) {
	deps := make([]string, len(dependsOn))
	copy(deps, dependsOn)

	g.nodes[name] = deps
}

// Len reports the number of services in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// FromServiceMap builds the graph for the contract owned by owner. The owner
// is always present as a root with no dependencies, even when the service map
// lists it. Services without a declared depends_on list default to depending
// on the owner; an explicitly empty list makes the service independent.
func FromServiceMap(owner string, services servicemap.Map) *Graph {
	g := New()
	g.Add(owner, nil)

	for name, svc := range services {
		if name == owner {
			continue
		}

		deps := svc.DependsOn
		if deps == nil {
			deps = []string{owner}
		}

		g.Add(name, deps)
	}

	return g
}

// Waves groups the services into dependency waves, each sorted by name.
// Dependencies on names absent from the graph are ignored. A dependency set
// that cannot be fully ordered yields ErrCircularDependency naming the
// unresolved services.
func (g *Graph) Waves() ([][]string, error) {
	unmet := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))

	for name, deps := range g.nodes {
		unmet[name] = 0

		for _, dep := range deps {
			if _, known := g.nodes[dep]; !known {
				continue
			}

			unmet[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	waves := make([][]string, 0, len(g.nodes))
	placed := make(map[string]bool, len(g.nodes))

	for len(placed) < len(g.nodes) {
		wave := make([]string, 0)

		for name, count := range unmet {
			if count == 0 && !placed[name] {
				wave = append(wave, name)
			}
		}

		if len(wave) == 0 {
			remaining := make([]string, 0, len(g.nodes)-len(placed))

			for _, name := range mapx.SortedKeys(g.nodes) {
				if !placed[name] {
					remaining = append(remaining, name)
				}
			}

			return nil, fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(remaining, ", "))
		}

		sort.Strings(wave)
		waves = append(waves, wave)

		for _, name := range wave {
			placed[name] = true

			for _, dependent := range dependents[name] {
				unmet[dependent]--
			}
		}
	}

	return waves, nil
}
