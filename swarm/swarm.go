// Package swarm stores the particles of one rank: a growable arena of
// fixed-stride records, typed extension fields, and per-cell index tables
// kept consistent with each record's owning cell.
package swarm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/notargets/PICSwarm/celllayout"
	"github.com/notargets/PICSwarm/comm"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

// Base record layout
const (
	OwningCellOffset = 0
	PositionOffset   = 8
	BaseRecordSize   = 32
)

// ParticleLayout decides the initial particle population of a swarm
type ParticleLayout interface {
	// SetInitialCounts sizes per-cell tables and the arena
	SetInitialCounts(ctx context.Context, s *Swarm) error
	// InitialiseParticles places the particles and assigns their cells
	InitialiseParticles(ctx context.Context, s *Swarm) error
}

// CommHandler reconciles cross-rank state after an ownership sweep
type CommHandler interface {
	Name() string
	Reconcile(ctx context.Context, s *Swarm) error
}

// Config holds the swarm's storage policy
type Config struct {
	Name string

	// CellTableDelta is the step by which cell table capacity moves
	CellTableDelta int
	// ExtraParticlesFactor scales the arena growth delta relative to the
	// current particle count
	ExtraParticlesFactor float64
	// MinArenaDelta bounds the arena growth delta from below
	MinArenaDelta int
}

func DefaultConfig() Config {
	return Config{
		Name:                 "swarm",
		CellTableDelta:       4,
		ExtraParticlesFactor: 0.05,
		MinArenaDelta:        16,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.CellTableDelta <= 0 {
		c.CellTableDelta = def.CellTableDelta
	}
	if c.ExtraParticlesFactor <= 0 {
		c.ExtraParticlesFactor = def.ExtraParticlesFactor
	}
	if c.MinArenaDelta <= 0 {
		c.MinArenaDelta = def.MinArenaDelta
	}
}

// Swarm owns one rank's particles
type Swarm struct {
	ID   uuid.UUID
	Name string

	cfg  Config
	cl   celllayout.CellLayout
	pl   ParticleLayout
	comm comm.Communicator
	log  *zap.Logger

	arena      *Arena
	recordSize int // unaligned size implied by the registered fields
	localCount int
	delta      int

	extensions []*Extension

	// Indexed by domain cell. Tables of shadow cells hold local particles
	// that have moved into a neighbour's cell and await migration.
	cells []cellTable

	// Shadow particles, replaced wholesale by shadow synchronisation.
	// Tables are indexed by domain cell - CellLocalCount.
	shadowArena *Arena
	shadowCount int
	shadowCells []cellTable

	handlers []CommHandler
}

// New builds an empty swarm over cl. pl may be nil for a swarm that is
// populated by hand or restored from a checkpoint.
func New(cfg Config, cl celllayout.CellLayout, pl ParticleLayout, c comm.Communicator, log *zap.Logger) (*Swarm, error) {
	if cl == nil {
		return nil, fmt.Errorf("swarm needs a cell layout")
	}
	if c == nil {
		return nil, fmt.Errorf("swarm needs a communicator")
	}
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	si := cl.ShadowInfo()
	if si != nil {
		if err := si.Validate(cl.CellLocalCount(), cl.CellShadowCount()); err != nil {
			return nil, fmt.Errorf("swarm %s: %w", cfg.Name, err)
		}
	}
	s := &Swarm{
		ID:          uuid.New(),
		Name:        cfg.Name,
		cfg:         cfg,
		cl:          cl,
		pl:          pl,
		comm:        c,
		log:         log.With(zap.String("swarm", cfg.Name), zap.Int("rank", c.Rank())),
		recordSize:  BaseRecordSize,
		delta:       cfg.MinArenaDelta,
		cells:       make([]cellTable, celllayout.CellDomainCount(cl)),
		shadowCells: make([]cellTable, cl.CellShadowCount()),
	}
	s.arena = NewArena(BaseRecordSize, 0)
	s.shadowArena = NewArena(BaseRecordSize, 0)
	return s, nil
}

// Initialise runs the particle layout, then settles the arena
func (s *Swarm) Initialise(ctx context.Context) error {
	if s.pl != nil {
		if err := s.pl.SetInitialCounts(ctx, s); err != nil {
			return fmt.Errorf("swarm %s: setting initial counts: %w", s.Name, err)
		}
		if err := s.pl.InitialiseParticles(ctx, s); err != nil {
			return fmt.Errorf("swarm %s: initialising particles: %w", s.Name, err)
		}
	}
	if err := s.Realloc(); err != nil {
		return err
	}
	s.log.Info("swarm initialised",
		zap.Int("particles", s.localCount),
		zap.Int("cells", s.cl.CellLocalCount()),
		zap.Int("stride", s.arena.Stride()))
	return nil
}

func (s *Swarm) Config() Config                    { return s.cfg }
func (s *Swarm) CellLayout() celllayout.CellLayout { return s.cl }
func (s *Swarm) ParticleLayout() ParticleLayout    { return s.pl }
func (s *Swarm) Comm() comm.Communicator           { return s.comm }
func (s *Swarm) Logger() *zap.Logger               { return s.log }
func (s *Swarm) LocalCount() int                   { return s.localCount }
func (s *Swarm) Capacity() int                     { return s.arena.Capacity() }
func (s *Swarm) Stride() int                       { return s.arena.Stride() }
func (s *Swarm) Delta() int                        { return s.delta }
func (s *Swarm) Extensions() []*Extension          { return s.extensions }

// AddCommHandler appends h to the handlers run after every ownership sweep
func (s *Swarm) AddCommHandler(h CommHandler) {
	s.handlers = append(s.handlers, h)
}

// Record returns particle p's bytes. The slice aliases the arena and is
// invalidated by any operation that reallocates it.
func (s *Swarm) Record(p int) []byte {
	return s.arena.Record(p)
}

func (s *Swarm) OwningCell(p int) int {
	rec := s.arena.Record(p)
	return int(int32(binary.LittleEndian.Uint32(rec[OwningCellOffset:])))
}

func (s *Swarm) setOwningCell(p, cell int) {
	rec := s.arena.Record(p)
	binary.LittleEndian.PutUint32(rec[OwningCellOffset:], uint32(int32(cell)))
}

func (s *Swarm) Position(p int) r3.Vec {
	return decodePosition(s.arena.Record(p))
}

// SetPosition moves particle p without touching its owning cell
func (s *Swarm) SetPosition(p int, pos r3.Vec) {
	encodePosition(s.arena.Record(p), pos)
}

func decodePosition(rec []byte) r3.Vec {
	return r3.Vec{
		X: math.Float64frombits(binary.LittleEndian.Uint64(rec[PositionOffset:])),
		Y: math.Float64frombits(binary.LittleEndian.Uint64(rec[PositionOffset+8:])),
		Z: math.Float64frombits(binary.LittleEndian.Uint64(rec[PositionOffset+16:])),
	}
}

func encodePosition(rec []byte, pos r3.Vec) {
	binary.LittleEndian.PutUint64(rec[PositionOffset:], math.Float64bits(pos.X))
	binary.LittleEndian.PutUint64(rec[PositionOffset+8:], math.Float64bits(pos.Y))
	binary.LittleEndian.PutUint64(rec[PositionOffset+16:], math.Float64bits(pos.Z))
}

// RecordCell reads the owning cell field of a detached record
func RecordCell(rec []byte) int {
	return int(int32(binary.LittleEndian.Uint32(rec[OwningCellOffset:])))
}

// RecordPosition reads the position of a detached record
func RecordPosition(rec []byte) r3.Vec {
	return decodePosition(rec)
}

func (s *Swarm) checkParticle(p int) error {
	if p < 0 || p >= s.localCount {
		return fmt.Errorf("%w: particle %d not in [0,%d)", ErrOutOfRange, p, s.localCount)
	}
	return nil
}

func (s *Swarm) checkCell(cell int, allowOutside bool) error {
	if allowOutside && cell == celllayout.OutsideCell {
		return nil
	}
	if cell < 0 || cell >= len(s.cells) {
		return fmt.Errorf("%w: cell %d not in [0,%d)", ErrOutOfRange, cell, len(s.cells))
	}
	return nil
}

// CellParticleCount is the number of local particles listed in cell
func (s *Swarm) CellParticleCount(cell int) int {
	return s.cells[cell].count
}

// CellCapacity is the current capacity of cell's table
func (s *Swarm) CellCapacity(cell int) int {
	return s.cells[cell].capacity()
}

// CellParticle returns the i-th particle of cell
func (s *Swarm) CellParticle(cell, i int) int {
	return s.cells[cell].particles[i]
}

// CellParticles returns the particles of cell. The slice aliases the table
// and is invalidated by the next add or remove.
func (s *Swarm) CellParticles(cell int) []int {
	return s.cells[cell].live()
}

// ReserveCell grows cell's table so it holds at least n particles
func (s *Swarm) ReserveCell(cell, n int) error {
	if err := s.checkCell(cell, false); err != nil {
		return err
	}
	s.cells[cell].reserve(n, s.cfg.CellTableDelta)
	return nil
}

// Reserve grows the arena so it holds at least n particles
func (s *Swarm) Reserve(n int) error {
	if n <= s.arena.Capacity() {
		return nil
	}
	return s.arena.Resize(n, s.localCount)
}

// AddParticleToCell lists p in cell and makes cell its owning cell. It
// returns p's index within the cell table.
func (s *Swarm) AddParticleToCell(cell, p int) (int, error) {
	if err := s.checkCell(cell, false); err != nil {
		return -1, err
	}
	if err := s.checkParticle(p); err != nil {
		return -1, err
	}
	s.setOwningCell(p, cell)
	return s.cells[cell].add(p, s.cfg.CellTableDelta), nil
}

// RemoveParticleFromCell swap-removes entry cellIdx of cell; the last entry
// takes its place. The removed particle is flagged outside.
func (s *Swarm) RemoveParticleFromCell(cell, cellIdx int) error {
	if err := s.checkCell(cell, false); err != nil {
		return err
	}
	ct := &s.cells[cell]
	if cellIdx < 0 || cellIdx >= ct.count {
		return fmt.Errorf("%w: entry %d of cell %d holding %d particles",
			ErrOutOfRange, cellIdx, cell, ct.count)
	}
	p := ct.removeAt(cellIdx, s.cfg.CellTableDelta)
	if p >= 0 && p < s.localCount {
		s.setOwningCell(p, celllayout.OutsideCell)
	}
	return nil
}

// detach removes p from its owning cell's table and flags it outside
func (s *Swarm) detach(p int) error {
	cell := s.OwningCell(p)
	if cell == celllayout.OutsideCell {
		return nil
	}
	if cell < 0 || cell >= len(s.cells) {
		return fmt.Errorf("%w: particle %d has corrupt owning cell %d", ErrFatal, p, cell)
	}
	i := s.cells[cell].find(p)
	if i < 0 {
		return fmt.Errorf("%w: particle %d missing from the table of its owning cell %d",
			ErrFatal, p, cell)
	}
	s.cells[cell].removeAt(i, s.cfg.CellTableDelta)
	s.setOwningCell(p, celllayout.OutsideCell)
	return nil
}

// AddParticle appends a zeroed particle at pos owned by cell, which may be
// OutsideCell. The arena grows as needed but never shrinks here.
func (s *Swarm) AddParticle(pos r3.Vec, cell int) (int, error) {
	if err := s.checkCell(cell, true); err != nil {
		return -1, err
	}
	p, err := s.appendRecord(nil)
	if err != nil {
		return -1, err
	}
	s.SetPosition(p, pos)
	if cell != celllayout.OutsideCell {
		s.setOwningCell(p, cell)
		s.cells[cell].add(p, s.cfg.CellTableDelta)
	}
	return p, nil
}

// AppendParticle appends a copy of record owned by cell
func (s *Swarm) AppendParticle(cell int, record []byte) (int, error) {
	if err := s.checkCell(cell, true); err != nil {
		return -1, err
	}
	if len(record) != s.arena.Stride() {
		return -1, fmt.Errorf("%w: record of %d bytes, stride is %d", ErrFatal, len(record), s.arena.Stride())
	}
	p, err := s.appendRecord(record)
	if err != nil {
		return -1, err
	}
	s.setOwningCell(p, cell)
	if cell != celllayout.OutsideCell {
		s.cells[cell].add(p, s.cfg.CellTableDelta)
	}
	return p, nil
}

func (s *Swarm) appendRecord(record []byte) (int, error) {
	p := s.localCount
	if p >= s.arena.Capacity() {
		if err := s.arena.Resize(s.grownCapacity(p+1), p); err != nil {
			return -1, fmt.Errorf("swarm %s: %w", s.Name, err)
		}
	}
	s.localCount++
	rec := s.arena.Record(p)
	if record == nil {
		clear(rec)
	} else {
		copy(rec, record)
	}
	s.setOwningCell(p, celllayout.OutsideCell)
	return p, nil
}

// DeleteParticle removes p from its cell, then moves the last particle into
// p's slot and repoints that particle's cell table entry
func (s *Swarm) DeleteParticle(p int) error {
	if err := s.checkParticle(p); err != nil {
		return err
	}
	if err := s.detach(p); err != nil {
		return err
	}
	last := s.localCount - 1
	if p != last {
		if err := s.MoveParticle(p, last); err != nil {
			return err
		}
	}
	s.localCount--
	return nil
}

// DeleteParticleAndReplaceWithNew reuses p's slot for record, owned by cell
func (s *Swarm) DeleteParticleAndReplaceWithNew(p, cell int, record []byte) error {
	if err := s.checkParticle(p); err != nil {
		return err
	}
	if err := s.checkCell(cell, true); err != nil {
		return err
	}
	if len(record) != s.arena.Stride() {
		return fmt.Errorf("%w: record of %d bytes, stride is %d", ErrFatal, len(record), s.arena.Stride())
	}
	if err := s.detach(p); err != nil {
		return err
	}
	copy(s.arena.Record(p), record)
	s.setOwningCell(p, cell)
	if cell != celllayout.OutsideCell {
		s.cells[cell].add(p, s.cfg.CellTableDelta)
	}
	return nil
}

// MoveParticle copies particle src over the vacant slot dst and repoints
// src's cell table entry. src is left flagged outside.
func (s *Swarm) MoveParticle(dst, src int) error {
	if err := s.checkParticle(dst); err != nil {
		return err
	}
	if err := s.checkParticle(src); err != nil {
		return err
	}
	if dst == src {
		return nil
	}
	if cell := s.OwningCell(src); cell != celllayout.OutsideCell {
		if cell < 0 || cell >= len(s.cells) {
			return fmt.Errorf("%w: particle %d has corrupt owning cell %d", ErrFatal, src, cell)
		}
		i := s.cells[cell].find(src)
		if i < 0 {
			return fmt.Errorf("%w: particle %d missing from the table of its owning cell %d",
				ErrFatal, src, cell)
		}
		s.cells[cell].particles[i] = dst
	}
	s.arena.Move(dst, src)
	s.setOwningCell(src, celllayout.OutsideCell)
	return nil
}

// ClearCell empties cell's table, flags every listed particle outside and
// returns them in table order
func (s *Swarm) ClearCell(cell int) ([]int, error) {
	if err := s.checkCell(cell, false); err != nil {
		return nil, err
	}
	removed := append([]int(nil), s.cells[cell].live()...)
	for _, p := range removed {
		if p < 0 || p >= s.localCount {
			return nil, fmt.Errorf("%w: cell %d lists particle %d, local count is %d",
				ErrFatal, cell, p, s.localCount)
		}
		s.setOwningCell(p, celllayout.OutsideCell)
	}
	s.cells[cell].clear()
	return removed, nil
}

// Truncate drops the particles at and above count. They must not be listed
// in any cell table.
func (s *Swarm) Truncate(count int) error {
	if count < 0 || count > s.localCount {
		return fmt.Errorf("%w: truncate to %d with %d particles", ErrOutOfRange, count, s.localCount)
	}
	for p := count; p < s.localCount; p++ {
		if cell := s.OwningCell(p); cell != celllayout.OutsideCell {
			return fmt.Errorf("%w: truncating particle %d still owned by cell %d", ErrFatal, p, cell)
		}
	}
	s.localCount = count
	return nil
}

// OutsideParticles lists the particles flagged outside every known cell
func (s *Swarm) OutsideParticles() []int {
	var out []int
	for p := 0; p < s.localCount; p++ {
		if s.OwningCell(p) == celllayout.OutsideCell {
			out = append(out, p)
		}
	}
	return out
}

// GlobalCount sums the local particle counts of every rank
func (s *Swarm) GlobalCount(ctx context.Context) (int64, error) {
	return comm.AllreduceInt64(ctx, s.comm, int64(s.localCount), comm.OpSum)
}
