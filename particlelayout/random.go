package particlelayout

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/notargets/PICSwarm/swarm"
	"gonum.org/v1/gonum/spatial/r3"
)

// maxRejections bounds the draws spent on a single point
const maxRejections = 10000

// RandomLayout places PerCell uniformly distributed particles in every local
// cell. A cell's stream is seeded by Seed and the cell's global index, so
// the particles of a cell do not depend on the decomposition.
type RandomLayout struct {
	PerCell int
	Seed    uint64

	plan
}

func NewRandomLayout(perCell int, seed uint64) *RandomLayout {
	return &RandomLayout{PerCell: perCell, Seed: seed}
}

func (rl *RandomLayout) SetInitialCounts(_ context.Context, s *swarm.Swarm) error {
	if rl.PerCell < 0 {
		return fmt.Errorf("random layout needs a non-negative count per cell, have %d", rl.PerCell)
	}
	cl := s.CellLayout()
	dim := activeAxes(cl)
	rl.placements = make([]placement, 0, rl.PerCell*cl.CellLocalCount())
	for cell := 0; cell < cl.CellLocalCount(); cell++ {
		rng := rand.New(rand.NewPCG(rl.Seed, uint64(globalCellIndex(cl, cell))))
		lo, hi := cl.CellBounds(cell)
		for i := 0; i < rl.PerCell; i++ {
			pos, ok := sampleCell(rng, dim, lo, hi, func(p r3.Vec) bool { return cl.IsInCell(cell, p) })
			if !ok {
				return fmt.Errorf("random layout: no point found in cell %d after %d draws", cell, maxRejections)
			}
			rl.placements = append(rl.placements, placement{cell: cell, pos: pos})
		}
	}
	return rl.reserve(s)
}

func (rl *RandomLayout) InitialiseParticles(_ context.Context, s *swarm.Swarm) error {
	return rl.place(s)
}

// sampleCell draws points uniformly in [lo,hi] until inside accepts one
func sampleCell(rng *rand.Rand, dim int, lo, hi r3.Vec, inside func(r3.Vec) bool) (r3.Vec, bool) {
	for try := 0; try < maxRejections; try++ {
		p := lo
		for k := 0; k < dim; k++ {
			a, b := component(lo, k), component(hi, k)
			setComponent(&p, k, a+rng.Float64()*(b-a))
		}
		if inside(p) {
			return p, true
		}
	}
	return r3.Vec{}, false
}
