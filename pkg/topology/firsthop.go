// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package topology

import (
	"github.com/RyanCarrier/dijkstra"
	"github.com/google/uuid"
)

// FirstHops computes, for every node reachable from source in g, the first
// hop on a shortest path from source to it. Equal-cost paths are broken
// towards the neighbor with the smallest identifier, so every node derives
// the same assignment from the same graph. Unreachable nodes and the source
// itself are absent from the result.
func FirstHops(source uuid.UUID, g *Graph) map[uuid.UUID]uuid.UUID {
	hops := make(map[uuid.UUID]uuid.UUID)

	if !g.HasNode(source) {
		return hops
	}

	// Vertices are numbered in identifier order, keeping the library's
	// path selection reproducible across nodes and runs.
	nodes := g.Nodes()
	index := make(map[uuid.UUID]int, len(nodes))
	dg := dijkstra.NewGraph()
	for i, id := range nodes {
		index[id] = i
		dg.AddVertex(i)
	}
	for _, id := range nodes {
		for _, n := range g.Neighbors(id) {
			_ = dg.AddArc(index[id], index[n], 1)
		}
	}

	neighbors := g.Neighbors(source)

	for _, target := range nodes {
		if target == source {
			continue
		}

		best, err := dg.Shortest(index[source], index[target])
		if err != nil {
			// Unreachable from here.
			continue
		}

		// The first hop is the smallest neighbor sitting on some shortest
		// path, i.e., whose own distance to the target is one less.
		for _, n := range neighbors {
			if n == target {
				hops[target] = n
				break
			}
			rest, err := dg.Shortest(index[n], index[target])
			if err != nil {
				continue
			}
			if rest.Distance+1 == best.Distance {
				hops[target] = n
				break
			}
		}
	}

	return hops
}
