package particlelayout

import (
	"context"
	"fmt"

	"github.com/notargets/PICSwarm/swarm"
	"gonum.org/v1/gonum/spatial/r3"
)

// ManualLayout places a particle at each of Coords that falls in a local
// cell. Every rank is given the full list.
type ManualLayout struct {
	Coords           []r3.Vec
	CheckGlobalCount bool

	plan
}

func NewManualLayout(coords []r3.Vec, checkGlobalCount bool) *ManualLayout {
	return &ManualLayout{Coords: coords, CheckGlobalCount: checkGlobalCount}
}

func (ml *ManualLayout) SetInitialCounts(ctx context.Context, s *swarm.Swarm) error {
	cl := s.CellLayout()
	ml.placements = ml.placements[:0]
	for _, pos := range ml.Coords {
		if cell := localCell(cl, pos); cell >= 0 {
			ml.placements = append(ml.placements, placement{cell: cell, pos: pos})
		}
	}
	if ml.CheckGlobalCount {
		if err := checkGlobalCount(ctx, s.Comm(), len(ml.placements), len(ml.Coords)); err != nil {
			return fmt.Errorf("manual layout: %w", err)
		}
	}
	return ml.reserve(s)
}

func (ml *ManualLayout) InitialiseParticles(_ context.Context, s *swarm.Swarm) error {
	return ml.place(s)
}
