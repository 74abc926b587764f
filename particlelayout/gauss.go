package particlelayout

import (
	"context"
	"fmt"

	"github.com/notargets/PICSwarm/celllayout"
	"github.com/notargets/PICSwarm/swarm"
	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/spatial/r3"
)

// GaussLayout places PointsPerDim^Dim particles at the tensor Gauss-Legendre
// points of every local cell. The cell layout must map reference
// coordinates.
type GaussLayout struct {
	PointsPerDim int

	plan
}

func NewGaussLayout(pointsPerDim int) *GaussLayout {
	return &GaussLayout{PointsPerDim: pointsPerDim}
}

// ReferencePoints returns the tensor Gauss-Legendre points of [-1,1]^dim.
// Axes above dim are zero.
func ReferencePoints(n, dim int) []r3.Vec {
	nodes := make([]float64, n)
	weights := make([]float64, n)
	quad.Legendre{}.FixedLocations(nodes, weights, -1, 1)

	total := 1
	for k := 0; k < dim; k++ {
		total *= n
	}
	pts := make([]r3.Vec, total)
	for i := range pts {
		idx := i
		for k := 0; k < dim; k++ {
			setComponent(&pts[i], k, nodes[idx%n])
			idx /= n
		}
	}
	return pts
}

func (gl *GaussLayout) SetInitialCounts(_ context.Context, s *swarm.Swarm) error {
	if gl.PointsPerDim < 1 {
		return fmt.Errorf("gauss layout needs at least one point per dimension, have %d", gl.PointsPerDim)
	}
	cl := s.CellLayout()
	rm, ok := cl.(celllayout.ReferenceMapper)
	if !ok {
		return fmt.Errorf("gauss layout: cell layout %T cannot map reference coordinates", cl)
	}
	ref := ReferencePoints(gl.PointsPerDim, activeAxes(cl))
	gl.placements = make([]placement, 0, len(ref)*cl.CellLocalCount())
	for cell := 0; cell < cl.CellLocalCount(); cell++ {
		for _, xi := range ref {
			gl.placements = append(gl.placements, placement{cell: cell, pos: rm.MapReference(cell, xi)})
		}
	}
	return gl.reserve(s)
}

func (gl *GaussLayout) InitialiseParticles(_ context.Context, s *swarm.Swarm) error {
	return gl.place(s)
}
