package mesh

import (
	"fmt"
	"slices"
)

// Decomposition is one rank's slice of a partitioned global mesh
type Decomposition struct {
	Rank     int
	NumRanks int

	// Element numbering
	NumLocal       int   // Elements owned by this rank
	NumShadow      int   // Neighbour-owned elements sharing a vertex with a local element
	DomainToGlobal []int // [domain] -> global element; locals first, then shadows, each ascending
	GlobalToDomain []int // [global] -> domain element, -1 when outside this rank's domain

	// Domain adjacency through shared vertices
	Adjacency [][]int

	Topology *CommTopology
}

// Decompose builds rank's view of g given the element to rank map eToP
func Decompose(g *Global, eToP []int, rank int) (*Decomposition, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	K := len(g.Elements)
	if len(eToP) != K {
		return nil, fmt.Errorf("EToP length %d does not match K=%d", len(eToP), K)
	}
	numRanks := 0
	for k, p := range eToP {
		if p < 0 {
			return nil, fmt.Errorf("element %d assigned to negative rank %d", k, p)
		}
		numRanks = max(numRanks, p+1)
	}
	if rank < 0 {
		return nil, fmt.Errorf("invalid rank %d", rank)
	}
	numRanks = max(numRanks, rank+1)

	vToE := vertexToElements(g)

	d := &Decomposition{
		Rank:           rank,
		NumRanks:       numRanks,
		GlobalToDomain: make([]int, K),
	}
	for k := range d.GlobalToDomain {
		d.GlobalToDomain[k] = -1
	}

	// Locals, and for each neighbouring rank the locals it will shadow
	sharedWith := make(map[int][]int)
	shadowSet := make(map[int]struct{})
	for k := 0; k < K; k++ {
		if eToP[k] != rank {
			continue
		}
		d.GlobalToDomain[k] = len(d.DomainToGlobal)
		d.DomainToGlobal = append(d.DomainToGlobal, k)

		owners := make(map[int]struct{})
		for _, v := range g.Elements[k] {
			for _, k2 := range vToE[v] {
				if p := eToP[k2]; p != rank {
					owners[p] = struct{}{}
					shadowSet[k2] = struct{}{}
				}
			}
		}
		for p := range owners {
			sharedWith[p] = append(sharedWith[p], len(d.DomainToGlobal)-1)
		}
	}
	d.NumLocal = len(d.DomainToGlobal)

	shadows := make([]int, 0, len(shadowSet))
	for k := range shadowSet {
		shadows = append(shadows, k)
	}
	slices.Sort(shadows)
	for _, k := range shadows {
		d.GlobalToDomain[k] = len(d.DomainToGlobal)
		d.DomainToGlobal = append(d.DomainToGlobal, k)
	}
	d.NumShadow = len(shadows)

	d.Topology = buildTopology(rank, eToP, d, shadows, sharedWith)
	d.Adjacency = buildAdjacency(g, vToE, d)
	return d, nil
}

func vertexToElements(g *Global) [][]int {
	vToE := make([][]int, len(g.Vertices))
	for k, verts := range g.Elements {
		for _, v := range verts {
			vToE[v] = append(vToE[v], k)
		}
	}
	return vToE
}

func buildTopology(rank int, eToP []int, d *Decomposition, shadows []int, sharedWith map[int][]int) *CommTopology {
	ct := &CommTopology{Rank: rank}
	remote := make(map[int][]int)
	for _, k := range shadows {
		p := eToP[k]
		remote[p] = append(remote[p], d.GlobalToDomain[k])
	}
	for p := range remote {
		ct.Neighbours = append(ct.Neighbours, p)
	}
	slices.Sort(ct.Neighbours)
	ct.Shared = make([][]int, len(ct.Neighbours))
	ct.Remote = make([][]int, len(ct.Neighbours))
	for i, p := range ct.Neighbours {
		// Both lists were built walking global indices in ascending order
		ct.Shared[i] = sharedWith[p]
		ct.Remote[i] = remote[p]
	}
	return ct
}

func buildAdjacency(g *Global, vToE [][]int, d *Decomposition) [][]int {
	adj := make([][]int, len(d.DomainToGlobal))
	for e, k := range d.DomainToGlobal {
		seen := map[int]struct{}{e: {}}
		for _, v := range g.Elements[k] {
			for _, k2 := range vToE[v] {
				e2 := d.GlobalToDomain[k2]
				if e2 < 0 {
					continue
				}
				if _, ok := seen[e2]; ok {
					continue
				}
				seen[e2] = struct{}{}
				adj[e] = append(adj[e], e2)
			}
		}
		slices.Sort(adj[e])
	}
	return adj
}

// Methods shared by every decomposed mesh

func (d *Decomposition) LocalElementCount() int  { return d.NumLocal }
func (d *Decomposition) ShadowElementCount() int { return d.NumShadow }
func (d *Decomposition) DomainElementCount() int { return len(d.DomainToGlobal) }
func (d *Decomposition) GlobalElementCount() int { return len(d.GlobalToDomain) }
func (d *Decomposition) CommTopology() *CommTopology {
	return d.Topology
}

func (d *Decomposition) GlobalElementIndex(e int) int {
	if e < 0 || e >= len(d.DomainToGlobal) {
		return -1
	}
	return d.DomainToGlobal[e]
}

func (d *Decomposition) ElementNeighbours(e int) []int {
	if e < 0 || e >= len(d.Adjacency) {
		return nil
	}
	return d.Adjacency[e]
}

// VerifyDecompositions checks that the per-rank decompositions of one mesh
// are consistent: every element is local on exactly one rank, and if rank A
// shadows n elements of rank B, then B shares exactly those n elements with A.
func VerifyDecompositions(decomps []*Decomposition) error {
	if len(decomps) == 0 {
		return fmt.Errorf("no decompositions")
	}
	K := len(decomps[0].GlobalToDomain)
	owner := make([]int, K)
	for k := range owner {
		owner[k] = -1
	}
	for r, d := range decomps {
		if d.Rank != r {
			return fmt.Errorf("decomposition %d reports rank %d", r, d.Rank)
		}
		for e := 0; e < d.NumLocal; e++ {
			k := d.DomainToGlobal[e]
			if owner[k] >= 0 {
				return fmt.Errorf("element %d local on ranks %d and %d", k, owner[k], r)
			}
			owner[k] = r
		}
	}
	for k, r := range owner {
		if r < 0 {
			return fmt.Errorf("element %d is not local on any rank", k)
		}
	}

	for receiver, d := range decomps {
		ct := d.Topology
		for i, sender := range ct.Neighbours {
			if sender >= len(decomps) {
				return fmt.Errorf("rank %d lists missing neighbour %d", receiver, sender)
			}
			other := decomps[sender].Topology
			j := other.NeighbourIndex(receiver)
			if j < 0 {
				return fmt.Errorf("rank %d expects to receive from %d, but %d doesn't send",
					receiver, sender, sender)
			}
			remote, shared := ct.Remote[i], other.Shared[j]
			if len(remote) != len(shared) {
				return fmt.Errorf("count mismatch: rank %d shares %d with %d, but %d shadows %d",
					sender, len(shared), receiver, receiver, len(remote))
			}
			for n := range remote {
				gr := d.DomainToGlobal[remote[n]]
				gs := decomps[sender].DomainToGlobal[shared[n]]
				if gr != gs {
					return fmt.Errorf("rank %d shadow %d is element %d, rank %d shared %d is element %d",
						receiver, n, gr, sender, n, gs)
				}
			}
		}
	}
	return nil
}
