// Package mesh holds the mesh collaborator the swarm layer is built on:
// replicated global connectivity, its decomposition across ranks, and the
// communication topology between neighbouring ranks.
package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is one rank's view of a decomposed mesh. Element indices are domain
// indices: [0, LocalElementCount) are owned by this rank, the following
// ShadowElementCount indices are copies of elements owned by neighbours.
type Mesh interface {
	Dim() int
	Rank() int

	LocalElementCount() int
	ShadowElementCount() int
	DomainElementCount() int
	GlobalElementCount() int
	GlobalElementIndex(e int) int

	// Element incidence
	ElementVertexIDs(e int) []int // global vertex ids
	Vertex(id int) r3.Vec
	ElementNeighbours(e int) []int // domain elements sharing a vertex with e

	ElementContains(e int, p r3.Vec) bool
	ElementBounds(e int) (lo, hi r3.Vec)

	// FindElement is the global coordinate search over the domain: it
	// returns the domain element containing p, or -1.
	FindElement(p r3.Vec) int

	// IsRegular reports whether FindElement is O(1) index arithmetic
	IsRegular() bool

	Bounds() (lo, hi r3.Vec)
	CommTopology() *CommTopology
}

// BoundaryResolver meshes whose point test accepts points on element faces
// pick one owner for a point shared by several elements. Every rank holding
// the candidates resolves the point to the same element.
type BoundaryResolver interface {
	// OwningElement returns the owner of p, given a domain element e that
	// contains it
	OwningElement(e int, p r3.Vec) int
}

// CommTopology describes which elements a rank exchanges with each
// neighbouring rank. For neighbours A and B, A's Remote list for B and B's
// Shared list for A name the same global elements in ascending global order.
type CommTopology struct {
	Rank       int
	Neighbours []int   // neighbour ranks, ascending
	Shared     [][]int // [nbr] local elements the neighbour holds as shadows
	Remote     [][]int // [nbr] shadow elements owned by the neighbour
}

// NeighbourIndex returns the position of rank in Neighbours, or -1
func (ct *CommTopology) NeighbourIndex(rank int) int {
	for i, r := range ct.Neighbours {
		if r == rank {
			return i
		}
	}
	return -1
}

// Global is the replicated description of the whole mesh
type Global struct {
	Dim      int
	Vertices []r3.Vec
	Elements [][]int // global vertex ids per element
}

// Validate checks that element vertex ids are in range
func (g *Global) Validate() error {
	if g.Dim < 1 || g.Dim > 3 {
		return fmt.Errorf("invalid mesh dimension %d", g.Dim)
	}
	if len(g.Elements) == 0 {
		return fmt.Errorf("mesh has no elements")
	}
	for k, verts := range g.Elements {
		if len(verts) == 0 {
			return fmt.Errorf("element %d has no vertices", k)
		}
		for _, v := range verts {
			if v < 0 || v >= len(g.Vertices) {
				return fmt.Errorf("element %d references vertex %d, mesh has %d vertices",
					k, v, len(g.Vertices))
			}
		}
	}
	return nil
}

// Centroid returns the mean of element k's vertices
func (g *Global) Centroid(k int) r3.Vec {
	var c r3.Vec
	for _, v := range g.Elements[k] {
		c = r3.Add(c, g.Vertices[v])
	}
	return r3.Scale(1/float64(len(g.Elements[k])), c)
}

// VertexBounds returns the bounding box of all vertices
func (g *Global) VertexBounds() (lo, hi r3.Vec) {
	return boundsOf(g.Vertices)
}

func boundsOf(pts []r3.Vec) (lo, hi r3.Vec) {
	if len(pts) == 0 {
		return
	}
	lo, hi = pts[0], pts[0]
	for _, p := range pts[1:] {
		lo = r3.Vec{X: min(lo.X, p.X), Y: min(lo.Y, p.Y), Z: min(lo.Z, p.Z)}
		hi = r3.Vec{X: max(hi.X, p.X), Y: max(hi.Y, p.Y), Z: max(hi.Z, p.Z)}
	}
	return
}
