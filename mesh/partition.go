package mesh

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"
)

// PartitionStrategy defines how elements are assigned to ranks
type PartitionStrategy int

const (
	BlockPartition    PartitionStrategy = iota // Consecutive elements
	RoundRobin                                 // Distribute cyclically
	SpaceFillingCurve                          // Morton order of element centroids, then blocks
)

// ParseStrategy maps a configuration name onto a PartitionStrategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	switch name {
	case "", "block":
		return BlockPartition, nil
	case "roundrobin", "round-robin":
		return RoundRobin, nil
	case "morton", "sfc":
		return SpaceFillingCurve, nil
	}
	return 0, fmt.Errorf("unknown partition strategy %q", name)
}

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "roundrobin"
	case SpaceFillingCurve:
		return "morton"
	}
	return fmt.Sprintf("PartitionStrategy(%d)", int(s))
}

// Partition is the set of elements one rank owns
type Partition struct {
	ID          int
	Elements    []int // Global element indices in this partition
	NumElements int
}

// PartitionLayout manages the complete mesh decomposition
type PartitionLayout struct {
	Partitions    []Partition
	TotalElements int
	NumPartitions int

	// Element to partition mapping
	EToP []int // Length TotalElements: element k belongs to partition EToP[k]
}

// PartitionBuilder constructs partitions from mesh connectivity
type PartitionBuilder struct {
	Mesh          *Global
	NumPartitions int
	Strategy      PartitionStrategy
}

// BuildPartitions creates a partition layout
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	K := len(pb.Mesh.Elements)
	if pb.NumPartitions < 1 {
		return nil, fmt.Errorf("invalid partition count %d", pb.NumPartitions)
	}
	if K < pb.NumPartitions {
		return nil, fmt.Errorf("%d elements cannot fill %d partitions", K, pb.NumPartitions)
	}

	eToP, err := pb.partitionElements()
	if err != nil {
		return nil, err
	}

	layout := &PartitionLayout{
		Partitions:    make([]Partition, pb.NumPartitions),
		TotalElements: K,
		NumPartitions: pb.NumPartitions,
		EToP:          eToP,
	}
	for i := range layout.Partitions {
		layout.Partitions[i].ID = i
	}
	for elem, part := range eToP {
		layout.Partitions[part].Elements = append(layout.Partitions[part].Elements, elem)
		layout.Partitions[part].NumElements++
	}

	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	return layout, nil
}

func (pb *PartitionBuilder) partitionElements() ([]int, error) {
	K := len(pb.Mesh.Elements)
	eToP := make([]int, K)

	switch pb.Strategy {
	case BlockPartition:
		blockAssign(eToP, identityOrder(K), pb.NumPartitions)

	case RoundRobin:
		for i := 0; i < K; i++ {
			eToP[i] = i % pb.NumPartitions
		}

	case SpaceFillingCurve:
		blockAssign(eToP, mortonOrder(pb.Mesh), pb.NumPartitions)

	default:
		return nil, fmt.Errorf("unsupported partition strategy %v", pb.Strategy)
	}
	return eToP, nil
}

// blockAssign gives consecutive runs of order to each partition, sizes
// differing by at most one element
func blockAssign(eToP, order []int, numPartitions int) {
	K := len(order)
	base, extra := K/numPartitions, K%numPartitions
	pos := 0
	for p := 0; p < numPartitions; p++ {
		n := base
		if p < extra {
			n++
		}
		for _, k := range order[pos : pos+n] {
			eToP[k] = p
		}
		pos += n
	}
}

func identityOrder(K int) []int {
	order := make([]int, K)
	for i := range order {
		order[i] = i
	}
	return order
}

// mortonOrder sorts elements along the Z-order curve of their centroids
func mortonOrder(g *Global) []int {
	const bits = 10
	lo, hi := g.VertexBounds()
	ext := r3.Sub(hi, lo)
	scale := func(x, l, e float64) uint32 {
		if e <= 0 {
			return 0
		}
		v := (x - l) / e * float64(1<<bits-1)
		return uint32(math.Max(0, math.Min(v, float64(1<<bits-1))))
	}

	keys := make([]uint64, len(g.Elements))
	for k := range g.Elements {
		c := g.Centroid(k)
		keys[k] = interleave3(scale(c.X, lo.X, ext.X), scale(c.Y, lo.Y, ext.Y), scale(c.Z, lo.Z, ext.Z))
	}
	order := identityOrder(len(g.Elements))
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case keys[a] < keys[b]:
			return -1
		case keys[a] > keys[b]:
			return 1
		}
		return 0
	})
	return order
}

func interleave3(x, y, z uint32) uint64 {
	var key uint64
	for b := 0; b < 21; b++ {
		key |= uint64(x>>b&1) << (3 * b)
		key |= uint64(y>>b&1) << (3*b + 1)
		key |= uint64(z>>b&1) << (3*b + 2)
	}
	return key
}

// GetPartition returns the partition containing element k
func (pl *PartitionLayout) GetPartition(elementID int) int {
	if elementID < 0 || elementID >= len(pl.EToP) {
		return -1
	}
	return pl.EToP[elementID]
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	total := 0
	for _, p := range pl.Partitions {
		if p.NumElements == 0 {
			return fmt.Errorf("partition %d is empty", p.ID)
		}
		if p.NumElements != len(p.Elements) {
			return fmt.Errorf("partition %d: NumElements %d != len(Elements) %d",
				p.ID, p.NumElements, len(p.Elements))
		}
		total += p.NumElements
	}
	if total != pl.TotalElements {
		return fmt.Errorf("partitions hold %d elements, mesh has %d", total, pl.TotalElements)
	}
	return nil
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: pl.NumPartitions,
		MinElements:   math.MaxInt32,
		MaxElements:   0,
		AvgElements:   float64(pl.TotalElements) / float64(pl.NumPartitions),
	}

	for _, p := range pl.Partitions {
		if p.NumElements < stats.MinElements {
			stats.MinElements = p.NumElements
		}
		if p.NumElements > stats.MaxElements {
			stats.MaxElements = p.NumElements
		}
	}

	stats.Imbalance = float64(stats.MaxElements) / stats.AvgElements
	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinElements   int
	MaxElements   int
	AvgElements   float64
	Imbalance     float64 // MaxElements / AvgElements
}
