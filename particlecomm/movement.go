package particlecomm

import (
	"context"
	"fmt"
	"slices"

	"github.com/notargets/PICSwarm/celllayout"
	"github.com/notargets/PICSwarm/comm"
	"github.com/notargets/PICSwarm/swarm"
	"go.uber.org/zap"
)

// MovementStats counts what the last pass did on this rank
type MovementStats struct {
	Sent     int // particles handed to neighbours
	Received int // particles taken from neighbours
	Left     int // particles outside every local and shadow cell
	Claimed  int // departures from other ranks claimed through the fallback
	Dropped  int // departures no rank claimed, counted on rank 0 only
	Reused   int // vacated slots refilled by arrivals
}

// MovementHandler migrates particles that moved into a shadow cell to the
// neighbour owning that cell, and removes particles that left the domain.
type MovementHandler struct {
	// GlobalFallback gathers every particle that left its rank's domain on
	// all ranks, so a particle that crossed more than one domain in a step
	// is claimed by whichever rank now owns its position
	GlobalFallback bool
	// CheckConservation all-reduces the departures against the arrivals and
	// claims of the pass and fails on any mismatch
	CheckConservation bool

	Stats  MovementStats
	passes int
}

func NewMovementHandler(globalFallback, checkConservation bool) *MovementHandler {
	return &MovementHandler{GlobalFallback: globalFallback, CheckConservation: checkConservation}
}

func (mh *MovementHandler) Name() string { return "movement" }

// Passes is the number of completed reconciliation passes
func (mh *MovementHandler) Passes() int { return mh.passes }

func (mh *MovementHandler) Reconcile(ctx context.Context, s *swarm.Swarm) error {
	mh.Stats = MovementStats{}
	if s.Comm().Size() == 1 {
		return mh.reconcileSingle(s)
	}
	if err := mh.reconcile(ctx, s); err != nil {
		return err
	}
	mh.passes++
	return nil
}

// reconcileSingle deletes particles that left the only domain
func (mh *MovementHandler) reconcileSingle(s *swarm.Swarm) error {
	outside := s.OutsideParticles()
	mh.Stats.Left = len(outside)
	if err := compact(s, outside); err != nil {
		return err
	}
	mh.passes++
	if len(outside) > 0 {
		s.Logger().Debug("particles left the domain", zap.Int("deleted", len(outside)))
	}
	return s.Realloc()
}

func (mh *MovementHandler) reconcile(ctx context.Context, s *swarm.Swarm) error {
	c := s.Comm()
	cl := s.CellLayout()
	si := cl.ShadowInfo()
	ex := newExchange(c, si.Neighbours, tagMovementCounts, tagMovementPayload, s.Stride())

	// Particles that left every local and shadow cell, found before the
	// departing ones are flagged
	outside := s.OutsideParticles()
	mh.Stats.Left = len(outside)

	// Counts: mine are the particles now listed in my shadow cells
	outCounts := make([][]int32, len(si.Neighbours))
	for n := range si.Neighbours {
		outCounts[n] = make([]int32, len(si.ShadowCells[n]))
		for k, cell := range si.ShadowCells[n] {
			outCounts[n][k] = int32(s.CellParticleCount(cell))
		}
	}
	pc, err := ex.beginCounts(ctx, outCounts)
	if err != nil {
		return err
	}
	expect := make([]int, len(si.Neighbours))
	for n := range si.Neighbours {
		expect[n] = len(si.ShadowedCells[n])
	}
	in, err := pc.complete(ctx, expect)
	if err != nil {
		return err
	}

	// Payload: pack in shadow cell order, then empty those tables
	payload := make([][]byte, len(si.Neighbours))
	vacancies := slices.Clone(outside)
	for n := range si.Neighbours {
		payload[n] = make([]byte, 0, pc.sent[n]*s.Stride())
		for _, cell := range si.ShadowCells[n] {
			for _, p := range s.CellParticles(cell) {
				payload[n] = append(payload[n], s.Record(p)...)
			}
			gone, err := s.ClearCell(cell)
			if err != nil {
				return err
			}
			vacancies = append(vacancies, gone...)
			mh.Stats.Sent += len(gone)
		}
	}
	pp, err := ex.beginPayload(ctx, in, pc.sent, payload)
	if err != nil {
		return err
	}

	var claims []claim
	var fallback *fallbackResult
	if mh.GlobalFallback {
		if fallback, err = gatherDepartures(ctx, s, outside); err != nil {
			return err
		}
		claims = fallback.claims
		mh.Stats.Claimed = len(claims)
	}

	arrived, err := pp.complete(ctx)
	if err != nil {
		return err
	}
	for n := range arrived {
		mh.Stats.Received += in.totals[n]
	}

	// Arrivals refill vacated slots lowest first, then append
	slices.Sort(vacancies)
	next := 0
	place := func(cell int, rec []byte) error {
		if next < len(vacancies) {
			slot := vacancies[next]
			next++
			mh.Stats.Reused++
			return s.DeleteParticleAndReplaceWithNew(slot, cell, rec)
		}
		_, err := s.AppendParticle(cell, rec)
		return err
	}
	if err := forEachArrival(in, arrived, s.Stride(), si.ShadowedCells, place); err != nil {
		return err
	}
	for _, cm := range claims {
		if err := place(cm.cell, cm.record); err != nil {
			return err
		}
	}

	if mh.CheckConservation {
		if err := mh.checkConservation(ctx, s, fallback); err != nil {
			return err
		}
	}

	if err := compact(s, vacancies[next:]); err != nil {
		return err
	}
	if err := s.Realloc(); err != nil {
		return err
	}
	s.Logger().Debug("movement pass",
		zap.Int("pass", mh.passes),
		zap.Int("sent", mh.Stats.Sent),
		zap.Int("received", mh.Stats.Received),
		zap.Int("left", mh.Stats.Left),
		zap.Int("claimed", mh.Stats.Claimed),
		zap.Int("particles", s.LocalCount()))
	return comm.Barrier(ctx, c)
}

// compact fills the vacancies below the surviving count with the highest
// surviving particles, then truncates. vacancies must be ascending and
// distinct.
func compact(s *swarm.Swarm, vacancies []int) error {
	if len(vacancies) == 0 {
		return nil
	}
	count := s.LocalCount() - len(vacancies)
	vacantAbove := make(map[int]bool)
	for _, v := range vacancies {
		if v >= count {
			vacantAbove[v] = true
		}
	}
	donor := s.LocalCount() - 1
	for _, v := range vacancies {
		if v >= count {
			break
		}
		for donor >= count && vacantAbove[donor] {
			donor--
		}
		if donor < count {
			return fmt.Errorf("%w: no surviving particle above %d to fill vacancy %d", swarm.ErrFatal, count, v)
		}
		if err := s.MoveParticle(v, donor); err != nil {
			return err
		}
		donor--
	}
	return s.Truncate(count)
}

// checkConservation fails the pass if the particles handed to neighbours
// and the particles received disagree across all ranks, or if a departure
// was claimed by more than one rank
func (mh *MovementHandler) checkConservation(ctx context.Context, s *swarm.Swarm, fb *fallbackResult) error {
	c := s.Comm()
	totals, err := comm.AllreduceInt64s(ctx, c, []int64{int64(mh.Stats.Sent), int64(mh.Stats.Received)}, comm.OpSum)
	if err != nil {
		return err
	}
	if totals[0] != totals[1] {
		return fmt.Errorf("%w: rank %d: %d particles sent to neighbours, %d received",
			swarm.ErrFatal, c.Rank(), totals[0], totals[1])
	}
	if fb == nil {
		return nil
	}

	// One slot per departure. Ranks that gathered a different number of
	// departures fail the reduction on the vector length.
	vec := make([]int64, fb.total)
	for _, cm := range fb.claims {
		vec[cm.index]++
	}
	sum, err := comm.AllreduceInt64s(ctx, c, vec, comm.OpSum)
	if err != nil {
		return err
	}
	unclaimed := 0
	for i, n := range sum {
		switch {
		case n > 1:
			return fmt.Errorf("%w: rank %d: departure %d claimed by %d ranks", swarm.ErrFatal, c.Rank(), i, n)
		case n == 0:
			unclaimed++
		}
	}
	if c.Rank() == 0 {
		mh.Stats.Dropped = unclaimed
		if unclaimed > 0 {
			s.Logger().Info("particles left the global domain",
				zap.Int("departed", fb.total), zap.Int("dropped", unclaimed))
		}
	}
	return nil
}

// claim is a departure from another rank that falls in one of my cells
type claim struct {
	index  int // position in the all-gathered departure list
	cell   int
	record []byte
}

type fallbackResult struct {
	total  int
	claims []claim
}

// gatherDepartures all-gathers every rank's departed records and claims
// those located in my local cells
func gatherDepartures(ctx context.Context, s *swarm.Swarm, outside []int) (*fallbackResult, error) {
	c := s.Comm()
	stride := s.Stride()
	mine := make([]byte, 0, len(outside)*stride)
	for _, p := range outside {
		mine = append(mine, s.Record(p)...)
	}
	all, err := comm.Allgather(ctx, c, mine)
	if err != nil {
		return nil, fmt.Errorf("gathering departed particles: %w", err)
	}

	cl := s.CellLayout()
	fb := &fallbackResult{}
	for r, buf := range all {
		if len(buf)%stride != 0 {
			return nil, fmt.Errorf("%w: rank %d gathered %d bytes of departures, stride is %d",
				swarm.ErrFatal, r, len(buf), stride)
		}
		for off := 0; off < len(buf); off += stride {
			rec := buf[off : off+stride]
			idx := fb.total
			fb.total++
			if r == c.Rank() {
				continue
			}
			cell := cl.CellOf(swarm.RecordPosition(rec), celllayout.OutsideCell)
			if cell >= 0 && cell < cl.CellLocalCount() {
				fb.claims = append(fb.claims, claim{index: idx, cell: cell, record: rec})
			}
		}
	}
	return fb, nil
}
