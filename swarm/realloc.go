package swarm

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Realloc recomputes the growth delta from the average particles per cell,
// then settles the arena: restride if the record layout changed, shrink to
// the particle count once slack reaches one delta, grow to the next delta
// multiple above the particle count when over capacity.
func (s *Swarm) Realloc() error {
	s.recomputeDelta()
	return s.realloc(true)
}

func (s *Swarm) recomputeDelta() {
	cells := s.cl.CellLocalCount()
	delta := 0
	if cells > 0 {
		// Rounded up to whole particles per cell
		avg := math.Ceil(float64(s.localCount) / float64(cells))
		delta = int(math.Ceil(avg * s.cfg.ExtraParticlesFactor * float64(cells)))
	}
	s.delta = max(delta, s.cfg.MinArenaDelta)
}

// realloc never shrinks while growing particles one at a time
func (s *Swarm) realloc(allowShrink bool) error {
	stride := alignUp(s.recordSize, recordAlignment)
	if stride != s.arena.Stride() {
		s.log.Debug("restriding particle arena",
			zap.Int("from", s.arena.Stride()), zap.Int("to", stride), zap.Int("particles", s.localCount))
		if err := s.arena.Restride(stride, s.localCount); err != nil {
			return fmt.Errorf("swarm %s: %w", s.Name, err)
		}
		if err := s.shadowArena.Restride(stride, s.shadowCount); err != nil {
			return fmt.Errorf("swarm %s shadows: %w", s.Name, err)
		}
	}

	capacity := s.arena.Capacity()
	switch {
	case s.localCount > capacity:
		capacity = s.grownCapacity(s.localCount)
	case allowShrink && capacity-s.localCount >= s.delta:
		capacity = s.localCount
	default:
		return nil
	}
	return s.arena.Resize(capacity, s.localCount)
}

// grownCapacity is the next multiple of the delta above n
func (s *Swarm) grownCapacity(n int) int {
	return (n/s.delta + 1) * s.delta
}
