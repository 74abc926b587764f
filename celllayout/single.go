package celllayout

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// SingleCellLayout is one axis-aligned box cell. Only the axes flagged in
// Active take part in containment; inactive axes are unbounded.
type SingleCellLayout struct {
	Active [3]bool
	lo, hi r3.Vec
	dim    int
}

// NewSingleCellLayout builds a box cell active on the first dim axes
func NewSingleCellLayout(dim int, lo, hi r3.Vec) (*SingleCellLayout, error) {
	if dim < 1 || dim > 3 {
		return nil, fmt.Errorf("single cell layout dimension must be 1, 2 or 3, got %d", dim)
	}
	var active [3]bool
	for d := 0; d < dim; d++ {
		active[d] = true
	}
	lov, hiv := [3]float64{lo.X, lo.Y, lo.Z}, [3]float64{hi.X, hi.Y, hi.Z}
	for d := 0; d < dim; d++ {
		if hiv[d] <= lov[d] {
			return nil, fmt.Errorf("single cell layout axis %d is empty: [%g, %g]", d, lov[d], hiv[d])
		}
	}
	return &SingleCellLayout{Active: active, lo: lo, hi: hi, dim: dim}, nil
}

func (sc *SingleCellLayout) Dim() int                { return sc.dim }
func (sc *SingleCellLayout) CellLocalCount() int     { return 1 }
func (sc *SingleCellLayout) CellShadowCount() int    { return 0 }
func (sc *SingleCellLayout) ShadowInfo() *ShadowInfo { return emptyShadowInfo() }
func (sc *SingleCellLayout) Bounds() (lo, hi r3.Vec) { return sc.lo, sc.hi }
func (sc *SingleCellLayout) PointCount(int) int      { return 1 << sc.dim }

func (sc *SingleCellLayout) CellBounds(int) (lo, hi r3.Vec) { return sc.lo, sc.hi }

// InitialisePoints writes the box corners, axis 0 varying fastest
func (sc *SingleCellLayout) InitialisePoints(_ int, pts []r3.Vec) {
	for i := 0; i < 1<<sc.dim; i++ {
		p := sc.lo
		if i&1 != 0 {
			p.X = sc.hi.X
		}
		if i&2 != 0 {
			p.Y = sc.hi.Y
		}
		if i&4 != 0 {
			p.Z = sc.hi.Z
		}
		pts[i] = p
	}
}

func (sc *SingleCellLayout) IsInCell(cell int, pos r3.Vec) bool {
	if cell != 0 {
		return false
	}
	x := [3]float64{pos.X, pos.Y, pos.Z}
	lo := [3]float64{sc.lo.X, sc.lo.Y, sc.lo.Z}
	hi := [3]float64{sc.hi.X, sc.hi.Y, sc.hi.Z}
	for d := 0; d < 3; d++ {
		if sc.Active[d] && (x[d] < lo[d] || x[d] > hi[d]) {
			return false
		}
	}
	return true
}

func (sc *SingleCellLayout) CellOf(pos r3.Vec, _ int) int {
	if sc.IsInCell(0, pos) {
		return 0
	}
	return OutsideCell
}

// MapReference maps [-1,1] onto each active axis; inactive axes sit at the
// box midpoint
func (sc *SingleCellLayout) MapReference(_ int, xi r3.Vec) r3.Vec {
	mid := r3.Scale(0.5, r3.Add(sc.lo, sc.hi))
	half := r3.Scale(0.5, r3.Sub(sc.hi, sc.lo))
	p := mid
	if sc.Active[0] {
		p.X += xi.X * half.X
	}
	if sc.Active[1] {
		p.Y += xi.Y * half.Y
	}
	if sc.Active[2] {
		p.Z += xi.Z * half.Z
	}
	return p
}

// TriSingleCellLayout is one triangle in the XY plane
type TriSingleCellLayout struct {
	verts [3]r3.Vec
	// inverse of [v1-v0 | v2-v0]
	inv [4]float64
}

func NewTriSingleCellLayout(v0, v1, v2 r3.Vec) (*TriSingleCellLayout, error) {
	a, b := r3.Sub(v1, v0), r3.Sub(v2, v0)
	det := a.X*b.Y - b.X*a.Y
	if det == 0 {
		return nil, fmt.Errorf("triangle %v %v %v is degenerate", v0, v1, v2)
	}
	return &TriSingleCellLayout{
		verts: [3]r3.Vec{v0, v1, v2},
		inv:   [4]float64{b.Y / det, -b.X / det, -a.Y / det, a.X / det},
	}, nil
}

func (tc *TriSingleCellLayout) Dim() int                { return 2 }
func (tc *TriSingleCellLayout) CellLocalCount() int     { return 1 }
func (tc *TriSingleCellLayout) CellShadowCount() int    { return 0 }
func (tc *TriSingleCellLayout) ShadowInfo() *ShadowInfo { return emptyShadowInfo() }
func (tc *TriSingleCellLayout) PointCount(int) int      { return 3 }

func (tc *TriSingleCellLayout) Bounds() (lo, hi r3.Vec) {
	lo, hi = tc.verts[0], tc.verts[0]
	for _, v := range tc.verts[1:] {
		lo = r3.Vec{X: min(lo.X, v.X), Y: min(lo.Y, v.Y), Z: min(lo.Z, v.Z)}
		hi = r3.Vec{X: max(hi.X, v.X), Y: max(hi.Y, v.Y), Z: max(hi.Z, v.Z)}
	}
	return lo, hi
}

func (tc *TriSingleCellLayout) CellBounds(int) (lo, hi r3.Vec) { return tc.Bounds() }

func (tc *TriSingleCellLayout) InitialisePoints(_ int, pts []r3.Vec) {
	copy(pts, tc.verts[:])
}

func (tc *TriSingleCellLayout) IsInCell(cell int, pos r3.Vec) bool {
	if cell != 0 {
		return false
	}
	d := r3.Sub(pos, tc.verts[0])
	l1 := tc.inv[0]*d.X + tc.inv[1]*d.Y
	l2 := tc.inv[2]*d.X + tc.inv[3]*d.Y
	const eps = 1e-12
	return l1 >= -eps && l2 >= -eps && l1+l2 <= 1+eps
}

func (tc *TriSingleCellLayout) CellOf(pos r3.Vec, _ int) int {
	if tc.IsInCell(0, pos) {
		return 0
	}
	return OutsideCell
}

// MapReference maps the square [-1,1]^2 onto the triangle through collapsed
// coordinates, the Y edge of the square collapsing onto vertex 2
func (tc *TriSingleCellLayout) MapReference(_ int, xi r3.Vec) r3.Vec {
	a, b := xi.X, xi.Y
	r := (1+a)*(1-b)/2 - 1
	s := b
	p := r3.Scale(-(r+s)/2, tc.verts[0])
	p = r3.Add(p, r3.Scale((1+r)/2, tc.verts[1]))
	return r3.Add(p, r3.Scale((1+s)/2, tc.verts[2]))
}
