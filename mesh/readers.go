package mesh

import (
	"fmt"

	"github.com/notargets/gocfd/DG3D/mesh/readers"
	"gonum.org/v1/gonum/spatial/r3"
)

// ReadTetMesh loads a tetrahedral mesh file (Gambit neutral or Gmsh) and
// builds rank's view of it. Only the first four vertices of each element are
// used, so higher order tetrahedra are read as their linear hull.
func ReadTetMesh(meshfile string, numRanks, rank int, strategy PartitionStrategy) (*TetMesh, error) {
	msh, err := readers.ReadMeshFile(meshfile)
	if err != nil {
		return nil, fmt.Errorf("reading mesh file %s: %w", meshfile, err)
	}
	g := &Global{
		Dim:      3,
		Vertices: make([]r3.Vec, len(msh.Vertices)),
		Elements: make([][]int, 0, len(msh.EtoV)),
	}
	for i, v := range msh.Vertices {
		g.Vertices[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
	for k, ev := range msh.EtoV {
		if len(ev) < 4 {
			return nil, fmt.Errorf("mesh file %s: element %d has %d vertices", meshfile, k, len(ev))
		}
		g.Elements = append(g.Elements, []int{ev[0], ev[1], ev[2], ev[3]})
	}
	return NewTetMesh(g, numRanks, rank, strategy)
}
