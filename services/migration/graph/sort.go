// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

// CalculateSort groups the nodes into levels.
//
// Description:
//
//	Runs Kahn's algorithm one level at a time. Level 0 holds every node
//	without predecessors; each following level holds the nodes whose
//	predecessors all appear in earlier levels. Within a level nodes are
//	ordered by insertion index, so repeated calls return the same
//	partition in the same order.
//
// Outputs:
//
//	[][]*Node - Levels, least dependent first.
//	error - *CyclicDependencyError if the graph is empty or contains a
//	        cycle.
//
// Limitations:
//
//	Resource declarations are not taken into account.
func (g *Graph) CalculateSort() ([][]*Node, error) {
	total := len(g.nodes)
	if total == 0 {
		return nil, &CyclicDependencyError{}
	}

	inDegree := make([]int, total)
	for i := range g.nodes {
		inDegree[i] = len(g.predecessors[i])
	}

	current := make([]int, 0, total)
	for i := 0; i < total; i++ {
		if inDegree[i] == 0 {
			current = append(current, i)
		}
	}

	var levels [][]*Node
	placed := 0
	for len(current) > 0 {
		level := make([]*Node, len(current))
		for i, idx := range current {
			level[i] = g.nodes[idx]
		}
		levels = append(levels, level)
		placed += len(current)

		// Collect the next level in index order; followers of several
		// emitted nodes are only decremented to zero once.
		ready := make([]bool, total)
		for _, idx := range current {
			for f := range g.followers[idx] {
				inDegree[f]--
				if inDegree[f] == 0 {
					ready[f] = true
				}
			}
		}
		next := make([]int, 0)
		for i, ok := range ready {
			if ok {
				next = append(next, i)
			}
		}
		current = next
	}

	if placed != total {
		remaining := make([]string, 0, total-placed)
		for i, d := range inDegree {
			if d > 0 {
				remaining = append(remaining, g.nodes[i].name)
			}
		}
		return nil, &CyclicDependencyError{Remaining: remaining}
	}
	return levels, nil
}
