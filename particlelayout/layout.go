// Package particlelayout places a swarm's initial particles.
//
// Every layout works in two phases driven by swarm.Initialise: the counts
// phase sizes the cell tables and the arena, the placement phase adds the
// particles. A layout value holds the placements computed between the two
// phases, so each swarm needs its own.
package particlelayout

import (
	"context"
	"fmt"

	"github.com/notargets/PICSwarm/celllayout"
	"github.com/notargets/PICSwarm/comm"
	"github.com/notargets/PICSwarm/swarm"
	"gonum.org/v1/gonum/spatial/r3"
)

// placement is one particle to add
type placement struct {
	cell int
	pos  r3.Vec
}

// plan holds the placements computed by the counts phase
type plan struct {
	placements []placement
}

// reserve sizes the cell tables and the arena for the planned placements
func (pl *plan) reserve(s *swarm.Swarm) error {
	perCell := make([]int, s.CellLayout().CellLocalCount())
	for _, pm := range pl.placements {
		perCell[pm.cell]++
	}
	for cell, n := range perCell {
		if n == 0 {
			continue
		}
		if err := s.ReserveCell(cell, s.CellParticleCount(cell)+n); err != nil {
			return err
		}
	}
	return s.Reserve(s.LocalCount() + len(pl.placements))
}

// place adds the planned particles and forgets the plan
func (pl *plan) place(s *swarm.Swarm) error {
	for _, pm := range pl.placements {
		if _, err := s.AddParticle(pm.pos, pm.cell); err != nil {
			return fmt.Errorf("placing particle at %v in cell %d: %w", pm.pos, pm.cell, err)
		}
	}
	pl.placements = nil
	return nil
}

// localCell returns the local cell containing pos, or OutsideCell when the
// position is outside this rank's cells
func localCell(cl celllayout.CellLayout, pos r3.Vec) int {
	cell := cl.CellOf(pos, celllayout.OutsideCell)
	if cell < 0 || cell >= cl.CellLocalCount() {
		return celllayout.OutsideCell
	}
	return cell
}

// globalCellIndex names cell consistently on every rank where the layout
// can, and falls back on the local index
func globalCellIndex(cl celllayout.CellLayout, cell int) int {
	if eb, ok := cl.(celllayout.ElementBacked); ok {
		return eb.GlobalCellIndex(cell)
	}
	return cell
}

// checkGlobalCount fails unless the ranks placed want particles in total
func checkGlobalCount(ctx context.Context, c comm.Communicator, local, want int) error {
	total, err := comm.AllreduceInt64(ctx, c, int64(local), comm.OpSum)
	if err != nil {
		return fmt.Errorf("summing placed particles: %w", err)
	}
	if total != int64(want) {
		return fmt.Errorf("ranks placed %d particles, %d requested", total, want)
	}
	return nil
}

// activeAxes is the number of coordinates a layout of dimension dim varies;
// higher coordinates stay at the lower bound
func activeAxes(cl celllayout.CellLayout) int {
	d := cl.Dim()
	if d < 1 || d > 3 {
		return 3
	}
	return d
}

func component(v r3.Vec, k int) float64 {
	switch k {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

func setComponent(v *r3.Vec, k int, x float64) {
	switch k {
	case 0:
		v.X = x
	case 1:
		v.Y = x
	default:
		v.Z = x
	}
}
