package swarm

import (
	"context"
	"fmt"
	"math"

	"github.com/notargets/PICSwarm/celllayout"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

// UpdateParticleOwner re-evaluates p's owning cell from its position. On a
// change p leaves its old table and is listed in the new cell, or flagged
// outside. It reports whether the owner changed.
func (s *Swarm) UpdateParticleOwner(p int) (bool, error) {
	if err := s.checkParticle(p); err != nil {
		return false, err
	}
	old := s.OwningCell(p)
	cell := s.cl.CellOf(s.Position(p), old)
	if cell == old {
		return false, nil
	}
	if err := s.checkCell(cell, true); err != nil {
		return false, fmt.Errorf("%w: cell layout located particle %d in %d", ErrFatal, p, cell)
	}
	if err := s.detach(p); err != nil {
		return false, err
	}
	if cell != celllayout.OutsideCell {
		s.setOwningCell(p, cell)
		s.cells[cell].add(p, s.cfg.CellTableDelta)
	}
	return true, nil
}

// UpdateAllParticleOwners sweeps every particle, then runs the comm
// handlers in registration order
func (s *Swarm) UpdateAllParticleOwners(ctx context.Context) error {
	changed, outside := 0, 0
	for p := 0; p < s.localCount; p++ {
		moved, err := s.UpdateParticleOwner(p)
		if err != nil {
			return err
		}
		if moved {
			changed++
			if s.OwningCell(p) == celllayout.OutsideCell {
				outside++
			}
		}
	}
	s.log.Debug("particle owners updated",
		zap.Int("particles", s.localCount), zap.Int("changed", changed), zap.Int("outside", outside))

	for _, h := range s.handlers {
		if err := h.Reconcile(ctx, s); err != nil {
			return fmt.Errorf("swarm %s: %s: %w", s.Name, h.Name(), err)
		}
	}
	return nil
}

// FindClosestParticle returns the local particle nearest pos among the
// cell containing pos and its neighbouring cells, with its distance. It
// returns -1 when pos is not in a local cell or no particle is near.
func (s *Swarm) FindClosestParticle(pos r3.Vec) (int, float64) {
	cell := s.cl.CellOf(pos, celllayout.OutsideCell)
	if cell < 0 || cell >= s.cl.CellLocalCount() {
		return -1, math.Inf(1)
	}
	cells := []int{cell}
	if nb, ok := s.cl.(celllayout.Neighbourhood); ok {
		cells = append(cells, nb.NeighbourCells(cell)...)
	}
	best, bestDist := -1, math.Inf(1)
	for _, c := range cells {
		if c >= s.cl.CellLocalCount() {
			continue
		}
		for _, p := range s.cells[c].live() {
			if d := r3.Norm(r3.Sub(s.Position(p), pos)); d < bestDist {
				best, bestDist = p, d
			}
		}
	}
	return best, bestDist
}

// CheckInvariants verifies that every particle is listed exactly once, in
// the table of its owning cell, or is flagged outside, and that no table
// exceeds its capacity
func (s *Swarm) CheckInvariants() error {
	if s.arena.Capacity() < s.localCount {
		return fmt.Errorf("%w: arena capacity %d below particle count %d", ErrFatal, s.arena.Capacity(), s.localCount)
	}
	seen := make([]int, s.localCount)
	for c := range s.cells {
		ct := &s.cells[c]
		if ct.count > ct.capacity() {
			return fmt.Errorf("%w: cell %d holds %d particles with capacity %d", ErrFatal, c, ct.count, ct.capacity())
		}
		for _, p := range ct.live() {
			if p < 0 || p >= s.localCount {
				return fmt.Errorf("%w: cell %d lists particle %d, local count is %d", ErrFatal, c, p, s.localCount)
			}
			if owner := s.OwningCell(p); owner != c {
				return fmt.Errorf("%w: cell %d lists particle %d owned by cell %d", ErrFatal, c, p, owner)
			}
			seen[p]++
		}
	}
	for p, n := range seen {
		owner := s.OwningCell(p)
		switch {
		case owner == celllayout.OutsideCell && n != 0:
			return fmt.Errorf("%w: outside particle %d listed %d times", ErrFatal, p, n)
		case owner != celllayout.OutsideCell && n != 1:
			return fmt.Errorf("%w: particle %d of cell %d listed %d times", ErrFatal, p, owner, n)
		}
	}
	for c := range s.shadowCells {
		for _, sp := range s.shadowCells[c].live() {
			if sp < 0 || sp >= s.shadowCount {
				return fmt.Errorf("%w: shadow cell %d lists shadow particle %d of %d",
					ErrFatal, c+s.cl.CellLocalCount(), sp, s.shadowCount)
			}
		}
	}
	return nil
}
