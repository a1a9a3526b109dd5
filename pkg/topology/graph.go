// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package topology models the mesh's node graph and computes the first-hop
// neighbor towards each reachable node, which the transport core uses to
// assign targets to relays.
package topology

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// Less is the total order on node identifiers, used for deterministic
// tie-breaking wherever several nodes qualify equally.
func Less(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Graph is a set of nodes connected by undirected, unit-weight edges.
type Graph struct {
	nodes map[uuid.UUID]struct{}
	edges map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[uuid.UUID]struct{}),
		edges: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// AddNode inserts an isolated node, unless it is already present.
func (g *Graph) AddNode(id uuid.UUID) {
	g.nodes[id] = struct{}{}
}

// AddEdge connects a and b, inserting either node if necessary.
func (g *Graph) AddEdge(a, b uuid.UUID) {
	if a == b {
		return
	}

	g.AddNode(a)
	g.AddNode(b)

	for _, pair := range [][2]uuid.UUID{{a, b}, {b, a}} {
		neighbors, ok := g.edges[pair[0]]
		if !ok {
			neighbors = make(map[uuid.UUID]struct{})
			g.edges[pair[0]] = neighbors
		}
		neighbors[pair[1]] = struct{}{}
	}
}

// HasNode checks if id is part of this Graph.
func (g *Graph) HasNode(id uuid.UUID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns all nodes, sorted by their identifier.
func (g *Graph) Nodes() []uuid.UUID {
	nodes := make([]uuid.UUID, 0, len(g.nodes))
	for id := range g.nodes {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return Less(nodes[i], nodes[j]) })
	return nodes
}

// Neighbors returns the nodes directly connected to id, sorted by their
// identifier.
func (g *Graph) Neighbors(id uuid.UUID) []uuid.UUID {
	neighbors := make([]uuid.UUID, 0, len(g.edges[id]))
	for n := range g.edges[id] {
		neighbors = append(neighbors, n)
	}
	sort.Slice(neighbors, func(i, j int) bool { return Less(neighbors[i], neighbors[j]) })
	return neighbors
}
