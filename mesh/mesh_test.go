package mesh

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	unitLo = r3.Vec{}
	unitHi = r3.Vec{X: 1, Y: 1, Z: 1}
)

func TestPartitionBuilder_Strategies(t *testing.T) {
	g := (&BoxMesh{dim: 3, n: [3]int{4, 4, 2}, lo: unitLo, hi: unitHi,
		h: r3.Vec{X: 0.25, Y: 0.25, Z: 0.5}}).generate()

	for _, strategy := range []PartitionStrategy{BlockPartition, RoundRobin, SpaceFillingCurve} {
		t.Run(strategy.String(), func(t *testing.T) {
			pb := &PartitionBuilder{Mesh: g, NumPartitions: 3, Strategy: strategy}
			layout, err := pb.BuildPartitions()
			require.NoError(t, err)

			// Test 1: every element assigned once
			assert.Len(t, layout.EToP, 32)
			stats := layout.PartitionStatistics()
			if stats.MaxElements-stats.MinElements > 1 {
				t.Errorf("unbalanced %s partition: %+v", strategy, stats)
			}
			assert.LessOrEqual(t, stats.Imbalance, 11.0/(32.0/3.0)+1e-12)

			// Test 2: lookups agree with partition membership
			for _, p := range layout.Partitions {
				for _, k := range p.Elements {
					if layout.GetPartition(k) != p.ID {
						t.Errorf("element %d listed in partition %d but EToP says %d",
							k, p.ID, layout.GetPartition(k))
					}
				}
			}
			assert.Equal(t, -1, layout.GetPartition(-1))
		})
	}
}

func TestPartitionBuilder_TooManyPartitions(t *testing.T) {
	g := (&BoxMesh{dim: 2, n: [3]int{2, 1, 1}, h: r3.Vec{X: 1, Y: 1}}).generate()
	_, err := (&PartitionBuilder{Mesh: g, NumPartitions: 3}).BuildPartitions()
	assert.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	for name, want := range map[string]PartitionStrategy{
		"": BlockPartition, "block": BlockPartition, "roundrobin": RoundRobin, "morton": SpaceFillingCurve,
	} {
		got, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseStrategy("metis")
	assert.Error(t, err)
}

func TestBoxMesh_TwoRankTopology(t *testing.T) {
	// Four elements in a row, split two and two
	var meshes [2]*BoxMesh
	for r := range meshes {
		bm, err := NewBoxMesh(3, [3]int{4, 1, 1}, unitLo, r3.Vec{X: 4, Y: 1, Z: 1}, 2, r, BlockPartition)
		require.NoError(t, err)
		meshes[r] = bm
	}

	m0, m1 := meshes[0], meshes[1]
	assert.Equal(t, 2, m0.LocalElementCount())
	assert.Equal(t, 1, m0.ShadowElementCount())
	assert.Equal(t, 3, m0.DomainElementCount())
	if diff := cmp.Diff([]int{0, 1, 2}, m0.DomainToGlobal); diff != "" {
		t.Errorf("rank 0 domain numbering (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3, 1}, m1.DomainToGlobal); diff != "" {
		t.Errorf("rank 1 domain numbering (-want +got):\n%s", diff)
	}

	ct0, ct1 := m0.CommTopology(), m1.CommTopology()
	assert.Equal(t, []int{1}, ct0.Neighbours)
	assert.Equal(t, []int{0}, ct1.Neighbours)
	assert.Equal(t, [][]int{{1}}, ct0.Shared) // local element 1 (global 1)
	assert.Equal(t, [][]int{{2}}, ct0.Remote) // shadow domain 2 (global 2)
	assert.Equal(t, [][]int{{0}}, ct1.Shared) // local element 0 (global 2)
	assert.Equal(t, [][]int{{2}}, ct1.Remote) // shadow domain 2 (global 1)

	require.NoError(t, VerifyDecompositions([]*Decomposition{m0.Decomposition, m1.Decomposition}))

	// Element 1 of rank 0 touches its local neighbour and the shadow
	assert.Equal(t, []int{0, 2}, m0.ElementNeighbours(1))
	assert.Nil(t, m0.ElementNeighbours(7))
}

func TestBoxMesh_Decompositions(t *testing.T) {
	for _, tc := range []struct {
		dim      int
		n        [3]int
		ranks    int
		strategy PartitionStrategy
	}{
		{2, [3]int{6, 5, 1}, 4, BlockPartition},
		{2, [3]int{3, 3, 1}, 2, RoundRobin},
		{3, [3]int{4, 3, 3}, 5, SpaceFillingCurve},
		{3, [3]int{2, 2, 2}, 1, BlockPartition},
	} {
		t.Run(fmt.Sprintf("%dD-%v-%d-%s", tc.dim, tc.n, tc.ranks, tc.strategy), func(t *testing.T) {
			decomps := make([]*Decomposition, tc.ranks)
			for r := range decomps {
				bm, err := NewBoxMesh(tc.dim, tc.n, unitLo, unitHi, tc.ranks, r, tc.strategy)
				require.NoError(t, err)
				decomps[r] = bm.Decomposition
				if tc.ranks == 1 {
					assert.Zero(t, bm.ShadowElementCount())
					assert.Empty(t, bm.CommTopology().Neighbours)
				}
			}
			require.NoError(t, VerifyDecompositions(decomps))
		})
	}
}

func TestVerifyDecompositions_DetectsAsymmetry(t *testing.T) {
	decomps := make([]*Decomposition, 2)
	for r := range decomps {
		bm, err := NewBoxMesh(2, [3]int{4, 1, 1}, unitLo, unitHi, 2, r, BlockPartition)
		require.NoError(t, err)
		decomps[r] = bm.Decomposition
	}
	decomps[1].Topology.Shared[0] = append(decomps[1].Topology.Shared[0], 1)
	assert.Error(t, VerifyDecompositions(decomps))
}

func TestBoxMesh_FindElement(t *testing.T) {
	bm, err := NewBoxMesh(3, [3]int{4, 2, 2}, unitLo, unitHi, 1, 0, BlockPartition)
	require.NoError(t, err)
	assert.True(t, bm.IsRegular())

	for e := 0; e < bm.DomainElementCount(); e++ {
		lo, hi := bm.ElementBounds(e)
		centre := r3.Scale(0.5, r3.Add(lo, hi))
		assert.Equal(t, e, bm.FindElement(centre))
		assert.True(t, bm.ElementContains(e, centre))
		assert.True(t, bm.ElementContains(e, bm.MapReference(e, r3.Vec{X: 0.3, Y: -0.9, Z: 0.1})))
	}
	// Faces belong to the upper element, the outer boundary to the last one
	assert.Equal(t, 1, bm.FindElement(r3.Vec{X: 0.25, Y: 0.1, Z: 0.1}))
	assert.Equal(t, 3, bm.FindElement(r3.Vec{X: 1, Y: 0.1, Z: 0.1}))
	assert.Equal(t, -1, bm.FindElement(r3.Vec{X: 1.01, Y: 0.1, Z: 0.1}))
	assert.Equal(t, -1, bm.FindElement(r3.Vec{X: 0.5, Y: -0.1, Z: 0.1}))
}

func TestBoxMesh_FindElementOutsideDomain(t *testing.T) {
	// Three elements in a row over three ranks: rank 0 sees globals 0 and 1
	bm, err := NewBoxMesh(2, [3]int{3, 1, 1}, unitLo, r3.Vec{X: 3, Y: 1}, 3, 0, BlockPartition)
	require.NoError(t, err)
	assert.Equal(t, 1, bm.FindElement(r3.Vec{X: 1.5, Y: 0.5}))  // shadow
	assert.Equal(t, -1, bm.FindElement(r3.Vec{X: 2.5, Y: 0.5})) // in the box, not in the domain
}

func TestTetBoxMesh(t *testing.T) {
	const ranks = 3
	decomps := make([]*Decomposition, ranks)
	for r := 0; r < ranks; r++ {
		tm, err := NewTetBoxMesh([3]int{3, 2, 2}, unitLo, unitHi, ranks, r, SpaceFillingCurve)
		require.NoError(t, err)
		decomps[r] = tm.Decomposition
		assert.False(t, tm.IsRegular())
		assert.Equal(t, 72, tm.GlobalElementCount())

		for e := 0; e < tm.DomainElementCount(); e++ {
			c := tm.Global().Centroid(tm.GlobalElementIndex(e))
			if got := tm.FindElement(c); got != e {
				t.Errorf("rank %d: centroid of element %d located in %d", r, e, got)
			}
			// Interior reference point lands inside
			p := tm.MapReference(e, r3.Vec{X: -0.2, Y: 0.1, Z: -0.5})
			assert.True(t, tm.ElementContains(e, p), "rank %d element %d", r, e)

			w := tm.Barycentric(e, c)
			for _, l := range w {
				assert.InDelta(t, 0.25, l, 1e-12)
			}
		}
		assert.Equal(t, -1, tm.FindElement(r3.Vec{X: 2, Y: 2, Z: 2}))
	}
	require.NoError(t, VerifyDecompositions(decomps))
}

func TestTetMesh_SharedFaceHasOneOwner(t *testing.T) {
	// Two layers of six tets, one per rank; z=0.5 is the face between them
	p := r3.Vec{X: 0.3, Y: 0.6, Z: 0.5}
	var owners int
	var global []int
	for r := 0; r < 2; r++ {
		tm, err := NewTetBoxMesh([3]int{1, 1, 2}, unitLo, unitHi, 2, r, BlockPartition)
		require.NoError(t, err)
		e := tm.FindElement(p)
		require.GreaterOrEqual(t, e, 0, "rank %d", r)

		containing := 0
		for d := 0; d < tm.DomainElementCount(); d++ {
			if tm.ElementContains(d, p) {
				containing++
				assert.Equal(t, e, tm.OwningElement(d, p), "rank %d element %d", r, d)
			}
		}
		assert.Equal(t, 2, containing, "rank %d", r)
		if e < tm.LocalElementCount() {
			owners++
		}
		global = append(global, tm.GlobalElementIndex(e))
	}
	assert.Equal(t, 1, owners)
	assert.Equal(t, global[0], global[1])
	assert.Less(t, global[0], 6, "the lower layer owns the face")
}

func TestTetMesh_RejectsDegenerate(t *testing.T) {
	g := &Global{
		Dim:      3,
		Vertices: []r3.Vec{{}, {X: 1}, {X: 2}, {X: 3}},
		Elements: [][]int{{0, 1, 2, 3}},
	}
	_, err := NewTetMesh(g, 1, 0, BlockPartition)
	assert.Error(t, err)
}

func TestDecompose_Errors(t *testing.T) {
	g := &Global{Dim: 2, Vertices: []r3.Vec{{}, {X: 1}, {Y: 1}}, Elements: [][]int{{0, 1, 2}}}
	_, err := Decompose(g, []int{0, 0}, 0)
	assert.Error(t, err)
	_, err = Decompose(g, []int{-1}, 0)
	assert.Error(t, err)

	g.Elements[0][2] = 9
	_, err = Decompose(g, []int{0}, 0)
	assert.Error(t, err)
}
