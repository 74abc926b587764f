package particlecomm

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/notargets/PICSwarm/celllayout"
	"github.com/notargets/PICSwarm/comm"
	"github.com/notargets/PICSwarm/mesh"
	"github.com/notargets/PICSwarm/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runRanks drives fn once per rank of an in-process world
func runRanks(t *testing.T, n int, fn func(ctx context.Context, c comm.Communicator) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range comm.NewLocalWorld(n) {
		g.Go(func() error { return fn(gctx, c) })
	}
	require.NoError(t, g.Wait())
}

type rankStack struct {
	cl *celllayout.ElementCellLayout
	s  *swarm.Swarm
	mh *MovementHandler
	ss *ShadowSync
}

func newRankStack(c comm.Communicator, m mesh.Mesh, mh *MovementHandler) (*rankStack, error) {
	return newRankStackWith(c, m, mh, swarm.Config{Name: "materials"})
}

func newRankStackWith(c comm.Communicator, m mesh.Mesh, mh *MovementHandler, cfg swarm.Config) (*rankStack, error) {
	cl, err := celllayout.NewElementCellLayout(m)
	if err != nil {
		return nil, err
	}
	s, err := swarm.New(cfg, cl, nil, c, nil)
	if err != nil {
		return nil, err
	}
	if _, err := s.RegisterExtension(swarm.ExtensionSpec{Name: "Payload", DataType: swarm.Float64, Dof: 2}); err != nil {
		return nil, err
	}
	rs := &rankStack{cl: cl, s: s, mh: mh, ss: NewShadowSync()}
	s.AddCommHandler(rs.mh)
	s.AddCommHandler(rs.ss)
	return rs, nil
}

func (rs *rankStack) add(pos r3.Vec) (int, error) {
	return rs.s.AddParticle(pos, rs.cl.CellOf(pos, celllayout.OutsideCell))
}

func TestMovement_TwoRankBoundaryTransfer(t *testing.T) {
	var (
		sent     []byte
		counts   [2][2]int
		received []byte
		shadows  [2]int
	)
	runRanks(t, 2, func(ctx context.Context, c comm.Communicator) error {
		r := c.Rank()
		bm, err := mesh.NewBoxMesh(3, [3]int{4, 1, 1}, r3.Vec{}, r3.Vec{X: 4, Y: 1, Z: 1}, 2, r, mesh.BlockPartition)
		if err != nil {
			return err
		}
		rs, err := newRankStack(c, bm, NewMovementHandler(false, true))
		if err != nil {
			return err
		}
		xs := map[int][]float64{0: {1.5, 1.2, 0.5}, 1: {2.5, 3.5}}[r]
		for i, x := range xs {
			p, err := rs.add(r3.Vec{X: x, Y: 0.5, Z: 0.5})
			if err != nil {
				return err
			}
			v, _ := rs.s.Variable("Payload")
			v.SetFloat64(p, 0, float64(10*r+i))
			v.SetFloat64(p, 1, -x)
		}
		counts[r][0] = rs.s.LocalCount()

		if r == 0 {
			// Boundary cell 1 into rank 1's cell, a shadow here
			rs.s.SetPosition(0, r3.Vec{X: 2.4, Y: 0.5, Z: 0.5})
			sent = bytes.Clone(rs.s.Record(0))
		}
		if err := rs.s.UpdateAllParticleOwners(ctx); err != nil {
			return err
		}
		if err := rs.s.CheckInvariants(); err != nil {
			return err
		}
		counts[r][1] = rs.s.LocalCount()
		shadows[r] = rs.s.ShadowParticleCount()

		if r == 1 {
			for p := 0; p < rs.s.LocalCount(); p++ {
				if rs.s.Position(p) == (r3.Vec{X: 2.4, Y: 0.5, Z: 0.5}) {
					received = bytes.Clone(rs.s.Record(p))
					assert.Equal(t, 0, rs.s.OwningCell(p))
				}
			}
			assert.Equal(t, 1, rs.mh.Stats.Received)
			assert.Equal(t, r3.Vec{X: 1.2, Y: 0.5, Z: 0.5}, rs.s.ShadowPosition(0))
			assert.Equal(t, 1, rs.s.ShadowCellCount(2))
		} else {
			assert.Equal(t, 1, rs.mh.Stats.Sent)
			assert.Equal(t, 2, rs.s.ShadowCellCount(2))
		}
		return nil
	})

	assert.Equal(t, counts[0][0]-1, counts[0][1])
	assert.Equal(t, counts[1][0]+1, counts[1][1])
	require.NotNil(t, received)
	assert.Equal(t, sent[swarm.PositionOffset:], received[swarm.PositionOffset:])
	assert.Equal(t, [2]int{2, 1}, shadows)
}

func TestMovement_ConservesParticles(t *testing.T) {
	const ranks = 3
	runRanks(t, ranks, func(ctx context.Context, c comm.Communicator) error {
		bm, err := mesh.NewBoxMesh(2, [3]int{6, 2, 1}, r3.Vec{}, r3.Vec{X: 6, Y: 2}, ranks, c.Rank(), mesh.BlockPartition)
		if err != nil {
			return err
		}
		rs, err := newRankStack(c, bm, NewMovementHandler(true, true))
		if err != nil {
			return err
		}
		for cell := 0; cell < rs.cl.CellLocalCount(); cell++ {
			lo, _ := rs.cl.CellBounds(cell)
			for i := 0; i < 3; i++ {
				pos := r3.Add(lo, r3.Vec{X: 0.25 + 0.25*float64(i), Y: 0.2 + 0.2*float64(i)})
				if _, err := rs.add(pos); err != nil {
					return err
				}
			}
		}
		before, err := rs.s.GlobalCount(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(36), before)

		steps := []r3.Vec{{X: 0.6, Y: 0.45}, {X: -0.55, Y: -0.4}, {X: 0.3, Y: -0.7}}
		for _, d := range steps {
			for p := 0; p < rs.s.LocalCount(); p++ {
				pos := r3.Add(rs.s.Position(p), d)
				if pos.X > 0 && pos.X < 6 && pos.Y > 0 && pos.Y < 2 {
					rs.s.SetPosition(p, pos)
				}
			}
			if err := rs.s.UpdateAllParticleOwners(ctx); err != nil {
				return err
			}
			after, err := rs.s.GlobalCount(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, before, after)
			if err := rs.s.CheckInvariants(); err != nil {
				return err
			}
			for p := 0; p < rs.s.LocalCount(); p++ {
				cell := rs.s.OwningCell(p)
				assert.Less(t, cell, rs.cl.CellLocalCount(), "rank %d particle %d", c.Rank(), p)
				assert.True(t, rs.cl.IsInCell(cell, rs.s.Position(p)), "rank %d particle %d", c.Rank(), p)
			}
		}
		assert.Equal(t, len(steps), rs.mh.Passes())
		assert.Equal(t, len(steps), rs.ss.Passes())
		return nil
	})
}

func TestMovement_LeavingGlobalDomain(t *testing.T) {
	var dropped int
	runRanks(t, 2, func(ctx context.Context, c comm.Communicator) error {
		r := c.Rank()
		bm, err := mesh.NewBoxMesh(3, [3]int{4, 1, 1}, r3.Vec{}, r3.Vec{X: 4, Y: 1, Z: 1}, 2, r, mesh.BlockPartition)
		if err != nil {
			return err
		}
		rs, err := newRankStack(c, bm, NewMovementHandler(true, true))
		if err != nil {
			return err
		}
		for _, x := range []float64{0.5, 1.5, 2.5, 3.5} {
			pos := r3.Vec{X: x, Y: 0.5, Z: 0.5}
			if cell := rs.cl.CellOf(pos, celllayout.OutsideCell); cell >= 0 && cell < rs.cl.CellLocalCount() {
				if _, err := rs.add(pos); err != nil {
					return err
				}
			}
		}
		if r == 0 {
			rs.s.SetPosition(0, r3.Vec{X: -5, Y: 0.5, Z: 0.5})
		}
		if err := rs.s.UpdateAllParticleOwners(ctx); err != nil {
			return err
		}
		n, err := rs.s.GlobalCount(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(3), n)
		assert.Equal(t, []int{1, 2}[r], rs.s.LocalCount())
		for p := 0; p < rs.s.LocalCount(); p++ {
			assert.NotEqual(t, -5.0, rs.s.Position(p).X)
		}
		if r == 0 {
			assert.Equal(t, 1, rs.mh.Stats.Left)
			dropped = rs.mh.Stats.Dropped
		}
		return rs.s.CheckInvariants()
	})
	assert.Equal(t, 1, dropped)
}

func TestMovement_GlobalFallbackClaimsDistantDeparture(t *testing.T) {
	for _, fallback := range []bool{true, false} {
		var final [3]int
		runRanks(t, 3, func(ctx context.Context, c comm.Communicator) error {
			r := c.Rank()
			bm, err := mesh.NewBoxMesh(2, [3]int{6, 1, 1}, r3.Vec{}, r3.Vec{X: 6, Y: 1}, 3, r, mesh.BlockPartition)
			if err != nil {
				return err
			}
			rs, err := newRankStack(c, bm, NewMovementHandler(fallback, true))
			if err != nil {
				return err
			}
			for cell := 0; cell < rs.cl.CellLocalCount(); cell++ {
				lo, hi := rs.cl.CellBounds(cell)
				if _, err := rs.add(r3.Scale(0.5, r3.Add(lo, hi))); err != nil {
					return err
				}
			}
			if r == 0 {
				// Two domains away: outside every cell this rank knows
				rs.s.SetPosition(0, r3.Vec{X: 5.25, Y: 0.5})
			}
			if err := rs.s.UpdateAllParticleOwners(ctx); err != nil {
				return err
			}
			final[r] = rs.s.LocalCount()
			if fallback && r == 2 {
				assert.Equal(t, 1, rs.mh.Stats.Claimed)
				found := false
				for p := 0; p < rs.s.LocalCount(); p++ {
					found = found || rs.s.Position(p) == r3.Vec{X: 5.25, Y: 0.5}
				}
				assert.True(t, found)
			}
			return rs.s.CheckInvariants()
		})
		if fallback {
			assert.Equal(t, [3]int{1, 2, 3}, final)
		} else {
			assert.Equal(t, [3]int{1, 2, 2}, final)
		}
	}
}

func TestMovement_ArrivalsGrowFullArena(t *testing.T) {
	var got []float64
	runRanks(t, 2, func(ctx context.Context, c comm.Communicator) error {
		r := c.Rank()
		bm, err := mesh.NewBoxMesh(3, [3]int{4, 1, 1}, r3.Vec{}, r3.Vec{X: 4, Y: 1, Z: 1}, 2, r, mesh.BlockPartition)
		if err != nil {
			return err
		}
		rs, err := newRankStackWith(c, bm, NewMovementHandler(false, true), swarm.Config{Name: "materials", MinArenaDelta: 1})
		if err != nil {
			return err
		}
		xs := map[int][]float64{0: {0.5, 1.2, 1.5}, 1: {2.5, 3.5}}[r]
		for _, x := range xs {
			if _, err := rs.add(r3.Vec{X: x, Y: 0.5, Z: 0.5}); err != nil {
				return err
			}
		}
		if r == 1 {
			assert.Equal(t, rs.s.LocalCount(), rs.s.Capacity(), "receiver starts full")
		} else {
			for p, x := range []float64{2.2, 2.4, 2.6} {
				rs.s.SetPosition(p, r3.Vec{X: x, Y: 0.5, Z: 0.5})
			}
		}
		if err := rs.s.UpdateAllParticleOwners(ctx); err != nil {
			return err
		}
		if r == 1 {
			assert.Equal(t, 3, rs.mh.Stats.Received)
			assert.Equal(t, 5, rs.s.LocalCount())
			assert.GreaterOrEqual(t, rs.s.Capacity(), 5)
			assert.Equal(t, 4, rs.s.CellParticleCount(0))
			for p := 0; p < rs.s.LocalCount(); p++ {
				got = append(got, rs.s.Position(p).X)
			}
		} else {
			assert.Zero(t, rs.s.LocalCount())
		}
		return rs.s.CheckInvariants()
	})
	assert.ElementsMatch(t, []float64{2.2, 2.4, 2.5, 2.6, 3.5}, got)
}

func TestMovement_FallbackOnTetMeshClaimsSharedFaceOnce(t *testing.T) {
	const ranks = 4
	var final [ranks]int
	runRanks(t, ranks, func(ctx context.Context, c comm.Communicator) error {
		r := c.Rank()
		// One layer of six tets per rank along z
		tm, err := mesh.NewTetBoxMesh([3]int{1, 1, 4}, r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, ranks, r, mesh.BlockPartition)
		if err != nil {
			return err
		}
		rs, err := newRankStack(c, tm, NewMovementHandler(true, true))
		if err != nil {
			return err
		}
		if _, err := rs.add(r3.Vec{X: 0.3, Y: 0.6, Z: 0.25*float64(r) + 0.125}); err != nil {
			return err
		}
		if r == 0 {
			// On the face between the layers of ranks 2 and 3
			rs.s.SetPosition(0, r3.Vec{X: 0.3, Y: 0.6, Z: 0.75})
		}
		if err := rs.s.UpdateAllParticleOwners(ctx); err != nil {
			return err
		}
		n, err := rs.s.GlobalCount(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(ranks), n)
		final[r] = rs.s.LocalCount()
		if r == 2 {
			assert.Equal(t, 1, rs.mh.Stats.Claimed)
		}
		return rs.s.CheckInvariants()
	})
	assert.Equal(t, [ranks]int{0, 1, 2, 1}, final)
}

func TestMovement_SingleRankDeletesOutsiders(t *testing.T) {
	bm, err := mesh.NewBoxMesh(2, [3]int{2, 2, 1}, r3.Vec{}, r3.Vec{X: 2, Y: 2}, 1, 0, mesh.BlockPartition)
	require.NoError(t, err)
	rs, err := newRankStack(comm.NewLocalWorld(1)[0], bm, NewMovementHandler(true, true))
	require.NoError(t, err)
	xs := []float64{0.1, 0.3, 0.5, 0.7, 0.9, 1.1, 1.3}
	for _, x := range xs {
		_, err := rs.add(r3.Vec{X: x, Y: 0.5})
		require.NoError(t, err)
	}
	rs.s.SetPosition(1, r3.Vec{X: -1, Y: 0.5})
	rs.s.SetPosition(4, r3.Vec{X: 1, Y: 9})

	require.NoError(t, rs.s.UpdateAllParticleOwners(context.Background()))
	assert.Equal(t, 5, rs.s.LocalCount())
	assert.Equal(t, 2, rs.mh.Stats.Left)
	require.NoError(t, rs.s.CheckInvariants())

	var got []float64
	for p := 0; p < rs.s.LocalCount(); p++ {
		got = append(got, rs.s.Position(p).X)
	}
	assert.ElementsMatch(t, []float64{0.1, 0.5, 0.7, 1.1, 1.3}, got)
	assert.Zero(t, rs.s.ShadowParticleCount())
}

func TestCompact_FillsLowestVacancyFromHighestDonor(t *testing.T) {
	bm, err := mesh.NewBoxMesh(2, [3]int{2, 1, 1}, r3.Vec{}, r3.Vec{X: 2, Y: 1}, 1, 0, mesh.BlockPartition)
	require.NoError(t, err)
	rs, err := newRankStack(comm.NewLocalWorld(1)[0], bm, NewMovementHandler(false, false))
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		// Even particles in cell 0, odd in cell 1
		_, err := rs.add(r3.Vec{X: 0.5 + float64(i%2), Y: 0.1 * float64(i+1)})
		require.NoError(t, err)
	}
	vacancies, err := rs.s.ClearCell(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, vacancies)

	require.NoError(t, compact(rs.s, vacancies))
	assert.Equal(t, 3, rs.s.LocalCount())
	assert.InDelta(t, 0.5, rs.s.Position(1).Y, 1e-12, "particle 4 moved into slot 1")
	assert.ElementsMatch(t, []int{0, 1, 2}, rs.s.CellParticles(0))
	require.NoError(t, rs.s.CheckInvariants())
}

func TestExchange_RejectsDesync(t *testing.T) {
	for name, outgoing := range map[string][2][]int32{
		"length":   {{1}, {1, 2}},
		"negative": {{0}, {-1}},
	} {
		t.Run(name, func(t *testing.T) {
			world := comm.NewLocalWorld(2)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			errs := make([]error, 2)
			for r, c := range world {
				g.Go(func() error {
					ex := newExchange(c, []int{1 - r}, tagMovementCounts, tagMovementPayload, swarm.BaseRecordSize)
					pc, err := ex.beginCounts(gctx, [][]int32{outgoing[r]})
					if err != nil {
						return err
					}
					_, errs[r] = pc.complete(gctx, []int{1})
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.ErrorIs(t, errs[0], swarm.ErrFatal)
			assert.NoError(t, errs[1])
		})
	}
}

func TestExchange_RejectsPayloadSizeMismatch(t *testing.T) {
	c := comm.NewLocalWorld(2)[0]
	ex := newExchange(c, []int{1}, tagMovementCounts, tagMovementPayload, swarm.BaseRecordSize)
	in := &counts{perCell: [][]int32{{0}}, totals: []int{0}}
	_, err := ex.beginPayload(context.Background(), in, []int{2}, [][]byte{make([]byte, swarm.BaseRecordSize)})
	assert.ErrorIs(t, err, swarm.ErrFatal)
}
