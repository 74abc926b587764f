package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// BoxMesh is a structured grid of axis aligned boxes (quads in 2D). Global
// element k = i + Nx*(j + Ny*l), so FindElement is index arithmetic.
type BoxMesh struct {
	*Decomposition
	global *Global
	dim    int
	n      [3]int
	lo, hi r3.Vec
	h      r3.Vec
}

// NewBoxMesh generates the global grid and decomposes it for rank
func NewBoxMesh(dim int, n [3]int, lo, hi r3.Vec, numRanks, rank int, strategy PartitionStrategy) (*BoxMesh, error) {
	if dim != 2 && dim != 3 {
		return nil, fmt.Errorf("box mesh dimension must be 2 or 3, got %d", dim)
	}
	if dim == 2 {
		n[2] = 1
		hi.Z = lo.Z
	}
	for d := 0; d < dim; d++ {
		if n[d] < 1 {
			return nil, fmt.Errorf("box mesh needs at least one element along axis %d, got %d", d, n[d])
		}
	}
	ext := r3.Sub(hi, lo)
	if ext.X <= 0 || ext.Y <= 0 || (dim == 3 && ext.Z <= 0) {
		return nil, fmt.Errorf("degenerate box bounds %v..%v", lo, hi)
	}

	bm := &BoxMesh{dim: dim, n: n, lo: lo, hi: hi}
	bm.h = r3.Vec{X: ext.X / float64(n[0]), Y: ext.Y / float64(n[1])}
	if dim == 3 {
		bm.h.Z = ext.Z / float64(n[2])
	}
	bm.global = bm.generate()

	pb := &PartitionBuilder{Mesh: bm.global, NumPartitions: numRanks, Strategy: strategy}
	layout, err := pb.BuildPartitions()
	if err != nil {
		return nil, err
	}
	if bm.Decomposition, err = Decompose(bm.global, layout.EToP, rank); err != nil {
		return nil, err
	}
	return bm, nil
}

func (bm *BoxMesh) generate() *Global {
	nx, ny, nz := bm.n[0], bm.n[1], bm.n[2]
	vx, vy := nx+1, ny+1
	vz := nz + 1
	if bm.dim == 2 {
		vz = 1
	}
	g := &Global{Dim: bm.dim, Vertices: make([]r3.Vec, 0, vx*vy*vz)}
	for l := 0; l < vz; l++ {
		for j := 0; j < vy; j++ {
			for i := 0; i < vx; i++ {
				g.Vertices = append(g.Vertices, r3.Vec{
					X: bm.lo.X + float64(i)*bm.h.X,
					Y: bm.lo.Y + float64(j)*bm.h.Y,
					Z: bm.lo.Z + float64(l)*bm.h.Z,
				})
			}
		}
	}
	vid := func(i, j, l int) int { return i + vx*(j+vy*l) }
	g.Elements = make([][]int, 0, nx*ny*nz)
	for l := 0; l < nz; l++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				if bm.dim == 2 {
					g.Elements = append(g.Elements, []int{
						vid(i, j, 0), vid(i+1, j, 0), vid(i+1, j+1, 0), vid(i, j+1, 0),
					})
					continue
				}
				g.Elements = append(g.Elements, []int{
					vid(i, j, l), vid(i+1, j, l), vid(i+1, j+1, l), vid(i, j+1, l),
					vid(i, j, l+1), vid(i+1, j, l+1), vid(i+1, j+1, l+1), vid(i, j+1, l+1),
				})
			}
		}
	}
	return g
}

func (bm *BoxMesh) Dim() int                { return bm.dim }
func (bm *BoxMesh) Rank() int               { return bm.Decomposition.Rank }
func (bm *BoxMesh) IsRegular() bool         { return true }
func (bm *BoxMesh) Bounds() (lo, hi r3.Vec) { return bm.lo, bm.hi }
func (bm *BoxMesh) Vertex(id int) r3.Vec    { return bm.global.Vertices[id] }
func (bm *BoxMesh) Global() *Global         { return bm.global }
func (bm *BoxMesh) Resolution() [3]int      { return bm.n }
func (bm *BoxMesh) ElementVertexIDs(e int) []int {
	return bm.global.Elements[bm.DomainToGlobal[e]]
}

// globalIndexOf returns the global element containing p, or -1 outside the
// box. Intervals are half open except at the upper box boundary.
func (bm *BoxMesh) globalIndexOf(p r3.Vec) int {
	i, ok := axisIndex(p.X, bm.lo.X, bm.hi.X, bm.h.X, bm.n[0])
	if !ok {
		return -1
	}
	j, ok := axisIndex(p.Y, bm.lo.Y, bm.hi.Y, bm.h.Y, bm.n[1])
	if !ok {
		return -1
	}
	l := 0
	if bm.dim == 3 {
		if l, ok = axisIndex(p.Z, bm.lo.Z, bm.hi.Z, bm.h.Z, bm.n[2]); !ok {
			return -1
		}
	}
	return i + bm.n[0]*(j+bm.n[1]*l)
}

func axisIndex(x, lo, hi, h float64, n int) (int, bool) {
	if math.IsNaN(x) || x < lo || x > hi {
		return 0, false
	}
	i := int((x - lo) / h)
	if i >= n {
		i = n - 1
	}
	return i, true
}

func (bm *BoxMesh) FindElement(p r3.Vec) int {
	k := bm.globalIndexOf(p)
	if k < 0 {
		return -1
	}
	return bm.GlobalToDomain[k]
}

func (bm *BoxMesh) ElementContains(e int, p r3.Vec) bool {
	if e < 0 || e >= len(bm.DomainToGlobal) {
		return false
	}
	return bm.globalIndexOf(p) == bm.DomainToGlobal[e]
}

func (bm *BoxMesh) ElementBounds(e int) (lo, hi r3.Vec) {
	verts := bm.ElementVertexIDs(e)
	lo = bm.global.Vertices[verts[0]]
	// Opposite corner: index 6 of a hex, 2 of a quad
	hi = bm.global.Vertices[verts[len(verts)-2]]
	return lo, hi
}

// MapReference maps xi in [-1,1]^dim onto element e
func (bm *BoxMesh) MapReference(e int, xi r3.Vec) r3.Vec {
	lo, hi := bm.ElementBounds(e)
	ext := r3.Sub(hi, lo)
	p := r3.Vec{
		X: lo.X + (xi.X+1)/2*ext.X,
		Y: lo.Y + (xi.Y+1)/2*ext.Y,
		Z: lo.Z,
	}
	if bm.dim == 3 {
		p.Z = lo.Z + (xi.Z+1)/2*ext.Z
	}
	return p
}
