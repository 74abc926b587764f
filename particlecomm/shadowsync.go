package particlecomm

import (
	"context"

	"github.com/notargets/PICSwarm/comm"
	"github.com/notargets/PICSwarm/swarm"
	"go.uber.org/zap"
)

// ShadowSync refreshes the shadow particles of every shadow cell with
// copies of the particles its owner holds. Shadow storage is replaced
// wholesale each pass; shadow particles have no identity across passes.
type ShadowSync struct {
	passes int
}

func NewShadowSync() *ShadowSync { return &ShadowSync{} }

func (ss *ShadowSync) Name() string { return "shadow-sync" }
func (ss *ShadowSync) Passes() int  { return ss.passes }

func (ss *ShadowSync) Reconcile(ctx context.Context, s *swarm.Swarm) error {
	c := s.Comm()
	if c.Size() == 1 {
		ss.passes++
		return nil
	}
	si := s.CellLayout().ShadowInfo()
	ex := newExchange(c, si.Neighbours, tagShadowCounts, tagShadowPayload, s.Stride())

	// I export the particles of the local cells each neighbour shadows
	outCounts := make([][]int32, len(si.Neighbours))
	for n := range si.Neighbours {
		outCounts[n] = make([]int32, len(si.ShadowedCells[n]))
		for k, cell := range si.ShadowedCells[n] {
			outCounts[n][k] = int32(s.CellParticleCount(cell))
		}
	}
	pc, err := ex.beginCounts(ctx, outCounts)
	if err != nil {
		return err
	}
	expect := make([]int, len(si.Neighbours))
	for n := range si.Neighbours {
		expect[n] = len(si.ShadowCells[n])
	}
	in, err := pc.complete(ctx, expect)
	if err != nil {
		return err
	}

	payload := make([][]byte, len(si.Neighbours))
	for n := range si.Neighbours {
		payload[n] = make([]byte, 0, pc.sent[n]*s.Stride())
		for _, cell := range si.ShadowedCells[n] {
			for _, p := range s.CellParticles(cell) {
				payload[n] = append(payload[n], s.Record(p)...)
			}
		}
	}
	pp, err := ex.beginPayload(ctx, in, pc.sent, payload)
	if err != nil {
		return err
	}
	arrived, err := pp.complete(ctx)
	if err != nil {
		return err
	}

	if err := s.ResetShadows(sum(in.totals)); err != nil {
		return err
	}
	err = forEachArrival(in, arrived, s.Stride(), si.ShadowCells, func(cell int, rec []byte) error {
		_, err := s.AddShadowParticle(cell, rec)
		return err
	})
	if err != nil {
		return err
	}
	s.Logger().Debug("shadow sync pass",
		zap.Int("pass", ss.passes),
		zap.Int("exported", sum(pc.sent)),
		zap.Int("shadows", s.ShadowParticleCount()))
	ss.passes++
	return comm.Barrier(ctx, c)
}

func sum(xs []int) int {
	t := 0
	for _, x := range xs {
		t += x
	}
	return t
}
