// Package celllayout partitions space into the cells particles are binned
// into, and describes which of those cells are shared with neighbouring
// ranks.
package celllayout

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// OutsideCell is the owning cell of a particle outside every known cell
const OutsideCell = -1

// CellLayout answers cell counts, cell geometry and point location. Cells
// [0, CellLocalCount) are owned by this rank, the following CellShadowCount
// cells are ghosts of neighbour-owned cells.
type CellLayout interface {
	Dim() int
	CellLocalCount() int
	CellShadowCount() int

	// PointCount is the number of points defining cell, InitialisePoints
	// writes them into pts (len(pts) >= PointCount(cell))
	PointCount(cell int) int
	InitialisePoints(cell int, pts []r3.Vec)

	IsInCell(cell int, pos r3.Vec) bool

	// CellOf returns the cell containing pos, or OutsideCell. hint is the
	// particle's cached owning cell and may hold any value.
	CellOf(pos r3.Vec, hint int) int

	ShadowInfo() *ShadowInfo

	// Bounds covers every rank's cells, CellBounds a single cell
	Bounds() (lo, hi r3.Vec)
	CellBounds(cell int) (lo, hi r3.Vec)
}

// ReferenceMapper maps points of the reference cube [-1,1]^Dim into a cell
type ReferenceMapper interface {
	MapReference(cell int, xi r3.Vec) r3.Vec
}

// ElementBacked layouts can name the global mesh element behind a cell
type ElementBacked interface {
	GlobalCellIndex(cell int) int
}

// Neighbourhood layouts know the cells adjacent to a cell
type Neighbourhood interface {
	NeighbourCells(cell int) []int
}

// CellDomainCount is CellLocalCount + CellShadowCount
func CellDomainCount(cl CellLayout) int {
	return cl.CellLocalCount() + cl.CellShadowCount()
}

// ShadowInfo is the per neighbour-rank cell topology. Entry n of each table
// concerns rank Neighbours[n]; the i-th cell in my ShadowCells[n] is the
// i-th cell in that neighbour's ShadowedCells list for me.
type ShadowInfo struct {
	Neighbours    []int   // neighbour ranks
	ShadowedCells [][]int // [nbr] my local cells the neighbour shadows (I export)
	ShadowCells   [][]int // [nbr] my shadow cells owned by the neighbour (they export)
}

// NeighbourCount is the number of neighbouring ranks
func (si *ShadowInfo) NeighbourCount() int {
	if si == nil {
		return 0
	}
	return len(si.Neighbours)
}

// Validate checks table shapes and that every cell index is in range
func (si *ShadowInfo) Validate(localCount, shadowCount int) error {
	n := len(si.Neighbours)
	if len(si.ShadowedCells) != n || len(si.ShadowCells) != n {
		return fmt.Errorf("shadow info for %d neighbours has %d shadowed and %d shadow lists",
			n, len(si.ShadowedCells), len(si.ShadowCells))
	}
	for i, nbr := range si.Neighbours {
		for _, c := range si.ShadowedCells[i] {
			if c < 0 || c >= localCount {
				return fmt.Errorf("neighbour %d: shadowed cell %d not local [0,%d)", nbr, c, localCount)
			}
		}
		for _, c := range si.ShadowCells[i] {
			if c < localCount || c >= localCount+shadowCount {
				return fmt.Errorf("neighbour %d: shadow cell %d outside [%d,%d)",
					nbr, c, localCount, localCount+shadowCount)
			}
		}
	}
	return nil
}

func emptyShadowInfo() *ShadowInfo {
	return &ShadowInfo{}
}
