package swarm

import (
	"encoding/binary"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Shadow particles are read-only copies of particles a neighbour owns in
// cells this rank shadows. Shadow cell arguments are domain cell indices.

func (s *Swarm) ShadowParticleCount() int { return s.shadowCount }

func (s *Swarm) shadowTable(cell int) (*cellTable, error) {
	i := cell - s.cl.CellLocalCount()
	if i < 0 || i >= len(s.shadowCells) {
		return nil, fmt.Errorf("%w: cell %d is not a shadow cell [%d,%d)",
			ErrOutOfRange, cell, s.cl.CellLocalCount(), len(s.cells))
	}
	return &s.shadowCells[i], nil
}

// ShadowCellCount is the number of shadow particles in shadow cell
func (s *Swarm) ShadowCellCount(cell int) int {
	ct, err := s.shadowTable(cell)
	if err != nil {
		return 0
	}
	return ct.count
}

// ShadowCellParticle returns the shadow particle index of entry i of cell
func (s *Swarm) ShadowCellParticle(cell, i int) int {
	ct, err := s.shadowTable(cell)
	if err != nil || i < 0 || i >= ct.count {
		return -1
	}
	return ct.particles[i]
}

// ShadowRecord returns shadow particle sp's bytes
func (s *Swarm) ShadowRecord(sp int) []byte {
	return s.shadowArena.Record(sp)
}

func (s *Swarm) ShadowPosition(sp int) r3.Vec {
	return decodePosition(s.shadowArena.Record(sp))
}

// ResetShadows discards every shadow particle and sizes storage for total
func (s *Swarm) ResetShadows(total int) error {
	for i := range s.shadowCells {
		s.shadowCells[i].clear()
	}
	s.shadowCount = 0
	if total != s.shadowArena.Capacity() {
		return s.shadowArena.Resize(total, 0)
	}
	return nil
}

// AddShadowParticle stores a copy of record in shadow cell
func (s *Swarm) AddShadowParticle(cell int, record []byte) (int, error) {
	ct, err := s.shadowTable(cell)
	if err != nil {
		return -1, err
	}
	if len(record) != s.shadowArena.Stride() {
		return -1, fmt.Errorf("%w: shadow record of %d bytes, stride is %d",
			ErrFatal, len(record), s.shadowArena.Stride())
	}
	if s.shadowCount == s.shadowArena.Capacity() {
		if err := s.shadowArena.Resize(s.shadowCount+s.cfg.CellTableDelta, s.shadowCount); err != nil {
			return -1, err
		}
	}
	sp := s.shadowCount
	s.shadowCount++
	copy(s.shadowArena.Record(sp), record)
	s.setShadowCell(sp, cell)
	ct.add(sp, s.cfg.CellTableDelta)
	return sp, nil
}

func (s *Swarm) setShadowCell(sp, cell int) {
	binary.LittleEndian.PutUint32(s.shadowArena.Record(sp)[OwningCellOffset:], uint32(int32(cell)))
}
