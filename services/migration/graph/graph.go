// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph orders named processes by their declared dependencies.
//
// A Graph is an arena: nodes and resources are addressed by their index
// and adjacency is kept as index sets owned by the graph, so nodes never
// hold pointers to each other.
//
//	g := graph.New()
//	customers := g.AddNode("CUSTOMERS")
//	orders := g.AddNode("ORDERS")
//	_ = customers.Before(orders)
//	levels, err := g.CalculateSort() // [[CUSTOMERS] [ORDERS]]
//
// Resources declare that nodes share something that should not be used
// concurrently. The declaration is recorded but does not influence the
// computed levels.
package graph

import "sort"

type indexSet map[int]struct{}

func (s indexSet) sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Graph owns a set of nodes and resources.
//
// Thread Safety: Not safe for concurrent mutation. CalculateSort may be
// called concurrently once construction is finished.
type Graph struct {
	nodes     []*Node
	resources []*Resource

	predecessors []indexSet
	followers    []indexSet
	requires     []indexSet // node index -> resource indexes
	users        []indexSet // resource index -> node indexes
}

// Node is a named unit of work inside a Graph.
type Node struct {
	graph *Graph
	index int
	name  string
}

// Resource is a named shared resource inside a Graph.
type Resource struct {
	graph *Graph
	index int
	name  string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{}
}

// AddNode creates and registers a node. Names are not required to be
// unique; two nodes with the same name are distinct.
func (g *Graph) AddNode(name string) *Node {
	n := &Node{graph: g, index: len(g.nodes), name: name}
	g.nodes = append(g.nodes, n)
	g.predecessors = append(g.predecessors, indexSet{})
	g.followers = append(g.followers, indexSet{})
	g.requires = append(g.requires, indexSet{})
	return n
}

// AddResource creates and registers a resource.
func (g *Graph) AddResource(name string) *Resource {
	r := &Resource{graph: g, index: len(g.resources), name: name}
	g.resources = append(g.resources, r)
	g.users = append(g.users, indexSet{})
	return r
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Resources returns every resource in insertion order.
func (g *Graph) Resources() []*Resource {
	out := make([]*Resource, len(g.resources))
	copy(out, g.resources)
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Index returns the position of the node in its graph.
func (n *Node) Index() int { return n.index }

// After declares that n runs after other. The reverse relation
// other.Before(n) is recorded at the same time; repeating a declaration
// has no further effect.
func (n *Node) After(other *Node) error {
	if n == nil || other == nil {
		return ErrNilNode
	}
	if n.graph != other.graph {
		return invalidRelation(n.name, other.name)
	}
	g := n.graph
	g.predecessors[n.index][other.index] = struct{}{}
	g.followers[other.index][n.index] = struct{}{}
	return nil
}

// Before declares that n runs before other.
func (n *Node) Before(other *Node) error {
	if n == nil || other == nil {
		return ErrNilNode
	}
	return other.After(n)
}

// Requires declares that n uses the resource r.
func (n *Node) Requires(r *Resource) error {
	if n == nil || r == nil {
		return ErrNilNode
	}
	if n.graph != r.graph {
		return invalidRelation(n.name, r.name)
	}
	n.graph.requires[n.index][r.index] = struct{}{}
	n.graph.users[r.index][n.index] = struct{}{}
	return nil
}

// Predecessors returns the nodes n runs after, by index.
func (n *Node) Predecessors() []*Node {
	return n.graph.nodesAt(n.graph.predecessors[n.index])
}

// Followers returns the nodes that run after n, by index.
func (n *Node) Followers() []*Node {
	return n.graph.nodesAt(n.graph.followers[n.index])
}

// Resources returns the resources n declared, by index.
func (n *Node) Resources() []*Resource {
	idx := n.graph.requires[n.index].sorted()
	out := make([]*Resource, len(idx))
	for i, r := range idx {
		out[i] = n.graph.resources[r]
	}
	return out
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Users returns the nodes that declared r, by index.
func (r *Resource) Users() []*Node {
	return r.graph.nodesAt(r.graph.users[r.index])
}

func (g *Graph) nodesAt(s indexSet) []*Node {
	idx := s.sorted()
	out := make([]*Node, len(idx))
	for i, v := range idx {
		out[i] = g.nodes[v]
	}
	return out
}
