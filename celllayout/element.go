package celllayout

import (
	"fmt"

	"github.com/notargets/PICSwarm/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// ElementCellLayout uses the elements of a decomposed mesh as cells
type ElementCellLayout struct {
	mesh   mesh.Mesh
	shadow *ShadowInfo

	// Lookup statistics for irregular meshes
	HintHits       int
	NeighbourHits  int
	GlobalSearches int
}

// NewElementCellLayout derives the shadow info once from m's topology
func NewElementCellLayout(m mesh.Mesh) (*ElementCellLayout, error) {
	ct := m.CommTopology()
	si := &ShadowInfo{
		Neighbours:    append([]int(nil), ct.Neighbours...),
		ShadowedCells: make([][]int, len(ct.Neighbours)),
		ShadowCells:   make([][]int, len(ct.Neighbours)),
	}
	for i := range ct.Neighbours {
		si.ShadowedCells[i] = append([]int(nil), ct.Shared[i]...)
		si.ShadowCells[i] = append([]int(nil), ct.Remote[i]...)
	}
	if err := si.Validate(m.LocalElementCount(), m.ShadowElementCount()); err != nil {
		return nil, fmt.Errorf("mesh topology for rank %d: %w", m.Rank(), err)
	}
	return &ElementCellLayout{mesh: m, shadow: si}, nil
}

func (el *ElementCellLayout) Mesh() mesh.Mesh         { return el.mesh }
func (el *ElementCellLayout) Dim() int                { return el.mesh.Dim() }
func (el *ElementCellLayout) CellLocalCount() int     { return el.mesh.LocalElementCount() }
func (el *ElementCellLayout) CellShadowCount() int    { return el.mesh.ShadowElementCount() }
func (el *ElementCellLayout) ShadowInfo() *ShadowInfo { return el.shadow }
func (el *ElementCellLayout) Bounds() (lo, hi r3.Vec) { return el.mesh.Bounds() }
func (el *ElementCellLayout) PointCount(cell int) int { return len(el.mesh.ElementVertexIDs(cell)) }
func (el *ElementCellLayout) GlobalCellIndex(cell int) int {
	return el.mesh.GlobalElementIndex(cell)
}

func (el *ElementCellLayout) InitialisePoints(cell int, pts []r3.Vec) {
	for i, id := range el.mesh.ElementVertexIDs(cell) {
		pts[i] = el.mesh.Vertex(id)
	}
}

func (el *ElementCellLayout) IsInCell(cell int, pos r3.Vec) bool {
	return el.mesh.ElementContains(cell, pos)
}

func (el *ElementCellLayout) CellBounds(cell int) (lo, hi r3.Vec) {
	return el.mesh.ElementBounds(cell)
}

func (el *ElementCellLayout) NeighbourCells(cell int) []int {
	return el.mesh.ElementNeighbours(cell)
}

// CellOf is index arithmetic on regular meshes. Otherwise the cached cell
// is tried first, then its neighbours, and only then the global search. A
// point on a face shared by several cells always resolves to the same one.
func (el *ElementCellLayout) CellOf(pos r3.Vec, hint int) int {
	if el.mesh.IsRegular() {
		return el.found(el.mesh.FindElement(pos))
	}
	if hint >= 0 && hint < el.mesh.DomainElementCount() {
		if el.mesh.ElementContains(hint, pos) {
			el.HintHits++
			return el.resolve(hint, pos)
		}
		for _, nb := range el.mesh.ElementNeighbours(hint) {
			if el.mesh.ElementContains(nb, pos) {
				el.NeighbourHits++
				return el.resolve(nb, pos)
			}
		}
	}
	el.GlobalSearches++
	return el.found(el.mesh.FindElement(pos))
}

// resolve gives points on faces shared between elements a single owner
func (el *ElementCellLayout) resolve(e int, pos r3.Vec) int {
	if br, ok := el.mesh.(mesh.BoundaryResolver); ok {
		return br.OwningElement(e, pos)
	}
	return e
}

func (el *ElementCellLayout) found(e int) int {
	if e < 0 {
		return OutsideCell
	}
	return e
}

// MapReference delegates to the mesh when its elements support it
func (el *ElementCellLayout) MapReference(cell int, xi r3.Vec) r3.Vec {
	rm, ok := el.mesh.(ReferenceMapper)
	if !ok {
		panic(fmt.Sprintf("mesh %T cannot map reference coordinates", el.mesh))
	}
	return rm.MapReference(cell, xi)
}
