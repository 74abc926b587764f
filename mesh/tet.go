package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const baryEps = 1e-10

// TetMesh is an unstructured tetrahedral mesh. Point location uses
// barycentric coordinates; the global search walks a uniform bin grid over
// the domain.
type TetMesh struct {
	*Decomposition
	global *Global
	lo, hi r3.Vec

	// Per domain element: inverse of [v1-v0 | v2-v0 | v3-v0], row major
	inv  [][9]float64
	bins *binGrid
}

// NewTetMesh partitions g across numRanks and builds rank's view
func NewTetMesh(g *Global, numRanks, rank int, strategy PartitionStrategy) (*TetMesh, error) {
	if g.Dim != 3 {
		return nil, fmt.Errorf("tet mesh must be 3D, got dimension %d", g.Dim)
	}
	for k, verts := range g.Elements {
		if len(verts) != 4 {
			return nil, fmt.Errorf("element %d has %d vertices, a tetrahedron has 4", k, len(verts))
		}
	}
	pb := &PartitionBuilder{Mesh: g, NumPartitions: numRanks, Strategy: strategy}
	layout, err := pb.BuildPartitions()
	if err != nil {
		return nil, err
	}
	d, err := Decompose(g, layout.EToP, rank)
	if err != nil {
		return nil, err
	}
	tm := &TetMesh{Decomposition: d, global: g}
	tm.lo, tm.hi = g.VertexBounds()

	tm.inv = make([][9]float64, len(d.DomainToGlobal))
	for e, k := range d.DomainToGlobal {
		if tm.inv[e], err = tetInverse(g, k); err != nil {
			return nil, err
		}
	}
	tm.bins = newBinGrid(tm, len(d.DomainToGlobal))
	return tm, nil
}

// NewTetBoxMesh splits every cell of an n[0]×n[1]×n[2] box into six
// tetrahedra sharing the cell's main diagonal, which conforms across cells.
func NewTetBoxMesh(n [3]int, lo, hi r3.Vec, numRanks, rank int, strategy PartitionStrategy) (*TetMesh, error) {
	for d := 0; d < 3; d++ {
		if n[d] < 1 {
			return nil, fmt.Errorf("tet box mesh needs at least one cell along axis %d, got %d", d, n[d])
		}
	}
	vx, vy, vz := n[0]+1, n[1]+1, n[2]+1
	ext := r3.Sub(hi, lo)
	g := &Global{Dim: 3, Vertices: make([]r3.Vec, 0, vx*vy*vz)}
	for l := 0; l < vz; l++ {
		for j := 0; j < vy; j++ {
			for i := 0; i < vx; i++ {
				g.Vertices = append(g.Vertices, r3.Vec{
					X: lo.X + float64(i)*ext.X/float64(n[0]),
					Y: lo.Y + float64(j)*ext.Y/float64(n[1]),
					Z: lo.Z + float64(l)*ext.Z/float64(n[2]),
				})
			}
		}
	}
	vid := func(i, j, l int) int { return i + vx*(j+vy*l) }
	perms := [6][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for l := 0; l < n[2]; l++ {
		for j := 0; j < n[1]; j++ {
			for i := 0; i < n[0]; i++ {
				for _, perm := range perms {
					c := [3]int{i, j, l}
					tet := []int{vid(c[0], c[1], c[2])}
					for _, axis := range perm {
						c[axis]++
						tet = append(tet, vid(c[0], c[1], c[2]))
					}
					g.Elements = append(g.Elements, tet)
				}
			}
		}
	}
	return NewTetMesh(g, numRanks, rank, strategy)
}

func tetInverse(g *Global, k int) ([9]float64, error) {
	var out [9]float64
	v := g.Elements[k]
	v0 := g.Vertices[v[0]]
	cols := [3]r3.Vec{
		r3.Sub(g.Vertices[v[1]], v0),
		r3.Sub(g.Vertices[v[2]], v0),
		r3.Sub(g.Vertices[v[3]], v0),
	}
	T := mat.NewDense(3, 3, []float64{
		cols[0].X, cols[1].X, cols[2].X,
		cols[0].Y, cols[1].Y, cols[2].Y,
		cols[0].Z, cols[1].Z, cols[2].Z,
	})
	if vol := math.Abs(mat.Det(T)) / 6; vol < 1e-14 {
		return out, fmt.Errorf("tetrahedron %d is degenerate (volume %g)", k, vol)
	}
	var Tinv mat.Dense
	if err := Tinv.Inverse(T); err != nil {
		return out, fmt.Errorf("tetrahedron %d: %w", k, err)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[3*r+c] = Tinv.At(r, c)
		}
	}
	return out, nil
}

// Barycentric returns the barycentric weights of p with respect to the
// vertices of domain element e
func (tm *TetMesh) Barycentric(e int, p r3.Vec) [4]float64 {
	inv := &tm.inv[e]
	d := r3.Sub(p, tm.global.Vertices[tm.ElementVertexIDs(e)[0]])
	l1 := inv[0]*d.X + inv[1]*d.Y + inv[2]*d.Z
	l2 := inv[3]*d.X + inv[4]*d.Y + inv[5]*d.Z
	l3 := inv[6]*d.X + inv[7]*d.Y + inv[8]*d.Z
	return [4]float64{1 - l1 - l2 - l3, l1, l2, l3}
}

func (tm *TetMesh) Dim() int                { return 3 }
func (tm *TetMesh) Rank() int               { return tm.Decomposition.Rank }
func (tm *TetMesh) IsRegular() bool         { return false }
func (tm *TetMesh) Bounds() (lo, hi r3.Vec) { return tm.lo, tm.hi }
func (tm *TetMesh) Vertex(id int) r3.Vec    { return tm.global.Vertices[id] }
func (tm *TetMesh) Global() *Global         { return tm.global }

func (tm *TetMesh) ElementVertexIDs(e int) []int {
	return tm.global.Elements[tm.DomainToGlobal[e]]
}

func (tm *TetMesh) ElementContains(e int, p r3.Vec) bool {
	if e < 0 || e >= len(tm.inv) {
		return false
	}
	for _, l := range tm.Barycentric(e, p) {
		if l < -baryEps {
			return false
		}
	}
	return true
}

func (tm *TetMesh) ElementBounds(e int) (lo, hi r3.Vec) {
	ids := tm.ElementVertexIDs(e)
	pts := make([]r3.Vec, len(ids))
	for i, id := range ids {
		pts[i] = tm.global.Vertices[id]
	}
	return boundsOf(pts)
}

func (tm *TetMesh) FindElement(p r3.Vec) int {
	for _, e := range tm.bins.candidates(p) {
		if tm.ElementContains(e, p) {
			return tm.OwningElement(e, p)
		}
	}
	return -1
}

// OwningElement resolves a point on the boundary of e to the containing
// element of lowest global index. Elements containing a point on a face,
// edge or vertex all share that vertex set with e, so they are e's
// neighbours on any rank whose domain holds e.
func (tm *TetMesh) OwningElement(e int, p r3.Vec) int {
	if !tm.onBoundary(e, p) {
		return e
	}
	best := e
	for _, nb := range tm.ElementNeighbours(e) {
		if tm.DomainToGlobal[nb] < tm.DomainToGlobal[best] && tm.ElementContains(nb, p) {
			best = nb
		}
	}
	return best
}

func (tm *TetMesh) onBoundary(e int, p r3.Vec) bool {
	for _, l := range tm.Barycentric(e, p) {
		if l <= baryEps {
			return true
		}
	}
	return false
}

// MapReference maps a point of the cube [-1,1]^3 into element e through the
// collapsed (Duffy) coordinates of the reference tetrahedron
func (tm *TetMesh) MapReference(e int, xi r3.Vec) r3.Vec {
	a, b, c := xi.X, xi.Y, xi.Z
	r := (1+a)*(1-b)*(1-c)/4 - 1
	s := (1+b)*(1-c)/2 - 1
	t := c
	ids := tm.ElementVertexIDs(e)
	w := [4]float64{-(1 + r + s + t) / 2, (1 + r) / 2, (1 + s) / 2, (1 + t) / 2}
	var p r3.Vec
	for i, id := range ids {
		p = r3.Add(p, r3.Scale(w[i], tm.global.Vertices[id]))
	}
	return p
}

// binGrid buckets domain elements by bounding box
type binGrid struct {
	lo   r3.Vec
	h    r3.Vec
	n    [3]int
	bins [][]int
}

func newBinGrid(tm *TetMesh, count int) *binGrid {
	var pts []r3.Vec
	for e := 0; e < count; e++ {
		lo, hi := tm.ElementBounds(e)
		pts = append(pts, lo, hi)
	}
	lo, hi := boundsOf(pts)
	side := max(1, int(math.Cbrt(float64(count))))
	bg := &binGrid{lo: lo, n: [3]int{side, side, side}}
	ext := r3.Sub(hi, lo)
	bg.h = r3.Vec{X: ext.X / float64(side), Y: ext.Y / float64(side), Z: ext.Z / float64(side)}
	bg.bins = make([][]int, side*side*side)
	for e := 0; e < count; e++ {
		elo, ehi := tm.ElementBounds(e)
		i0, j0, l0 := bg.cell(elo)
		i1, j1, l1 := bg.cell(ehi)
		for l := l0; l <= l1; l++ {
			for j := j0; j <= j1; j++ {
				for i := i0; i <= i1; i++ {
					idx := i + side*(j+side*l)
					bg.bins[idx] = append(bg.bins[idx], e)
				}
			}
		}
	}
	return bg
}

func (bg *binGrid) cell(p r3.Vec) (i, j, l int) {
	clamp := func(x, lo, h float64, n int) int {
		if h <= 0 {
			return 0
		}
		return max(0, min(n-1, int((x-lo)/h)))
	}
	return clamp(p.X, bg.lo.X, bg.h.X, bg.n[0]),
		clamp(p.Y, bg.lo.Y, bg.h.Y, bg.n[1]),
		clamp(p.Z, bg.lo.Z, bg.h.Z, bg.n[2])
}

func (bg *binGrid) candidates(p r3.Vec) []int {
	hi := r3.Add(bg.lo, r3.Vec{
		X: bg.h.X * float64(bg.n[0]),
		Y: bg.h.Y * float64(bg.n[1]),
		Z: bg.h.Z * float64(bg.n[2]),
	})
	if p.X < bg.lo.X-baryEps || p.Y < bg.lo.Y-baryEps || p.Z < bg.lo.Z-baryEps ||
		p.X > hi.X+baryEps || p.Y > hi.Y+baryEps || p.Z > hi.Z+baryEps {
		return nil
	}
	i, j, l := bg.cell(p)
	return bg.bins[i+bg.n[0]*(j+bg.n[1]*l)]
}
