package particlelayout

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/notargets/PICSwarm/swarm"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/samplemv"
)

// SpaceFillerLayout spreads Total particles over the global bounds along a
// scrambled Halton sequence. Every rank draws the same sequence and keeps
// the points inside its local cells.
type SpaceFillerLayout struct {
	Total int
	Seed  uint64
	// CheckGlobalCount sums the placed particles over the ranks and fails
	// unless they add up to Total
	CheckGlobalCount bool

	plan
}

func NewSpaceFillerLayout(total int, seed uint64, checkGlobalCount bool) *SpaceFillerLayout {
	return &SpaceFillerLayout{Total: total, Seed: seed, CheckGlobalCount: checkGlobalCount}
}

// boxQuantile maps the unit cube onto a box
type boxQuantile struct {
	lo, ext []float64
}

func newBoxQuantile(dim int, lo, hi r3.Vec) *boxQuantile {
	bq := &boxQuantile{lo: make([]float64, dim), ext: make([]float64, dim)}
	for k := 0; k < dim; k++ {
		bq.lo[k] = component(lo, k)
		bq.ext[k] = component(hi, k) - bq.lo[k]
	}
	return bq
}

func (bq *boxQuantile) Quantile(x, p []float64) []float64 {
	if x == nil {
		x = make([]float64, len(p))
	}
	floats.MulTo(x, p, bq.ext)
	floats.Add(x, bq.lo)
	return x
}

// HaltonPoints returns n points of the Owen scrambled Halton sequence over
// the box [lo,hi] in dim dimensions
func HaltonPoints(n, dim int, lo, hi r3.Vec, seed uint64) []r3.Vec {
	if n == 0 {
		return nil
	}
	batch := mat.NewDense(n, dim, nil)
	samplemv.Halton{
		Kind: samplemv.Owen,
		Q:    newBoxQuantile(dim, lo, hi),
		Src:  rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
	}.Sample(batch)

	pts := make([]r3.Vec, n)
	for i := range pts {
		pts[i] = lo
		for k, x := range batch.RawRowView(i) {
			setComponent(&pts[i], k, x)
		}
	}
	return pts
}

func (sf *SpaceFillerLayout) SetInitialCounts(ctx context.Context, s *swarm.Swarm) error {
	if sf.Total < 0 {
		return fmt.Errorf("space filler layout needs a non-negative total, have %d", sf.Total)
	}
	cl := s.CellLayout()
	lo, hi := cl.Bounds()
	sf.placements = sf.placements[:0]
	for _, pos := range HaltonPoints(sf.Total, activeAxes(cl), lo, hi, sf.Seed) {
		if cell := localCell(cl, pos); cell >= 0 {
			sf.placements = append(sf.placements, placement{cell: cell, pos: pos})
		}
	}
	if sf.CheckGlobalCount {
		if err := checkGlobalCount(ctx, s.Comm(), len(sf.placements), sf.Total); err != nil {
			return fmt.Errorf("space filler layout: %w", err)
		}
	}
	return sf.reserve(s)
}

func (sf *SpaceFillerLayout) InitialiseParticles(_ context.Context, s *swarm.Swarm) error {
	return sf.place(s)
}
