package swarm

// cellTable lists the particles of one cell. len(particles) is the
// capacity, the first count entries are live.
type cellTable struct {
	particles []int
	count     int
}

func (ct *cellTable) capacity() int { return len(ct.particles) }

// live returns the live entries; the slice is invalidated by add and remove
func (ct *cellTable) live() []int { return ct.particles[:ct.count] }

// add appends p, growing the capacity by delta when full
func (ct *cellTable) add(p, delta int) int {
	if ct.count == len(ct.particles) {
		grown := make([]int, len(ct.particles)+delta)
		copy(grown, ct.particles[:ct.count])
		ct.particles = grown
	}
	ct.particles[ct.count] = p
	ct.count++
	return ct.count - 1
}

// removeAt swap-removes entry i and returns the particle it held. Capacity
// shrinks by delta once at least two deltas are unused.
func (ct *cellTable) removeAt(i, delta int) int {
	p := ct.particles[i]
	ct.count--
	ct.particles[i] = ct.particles[ct.count]
	if len(ct.particles)-ct.count >= 2*delta {
		shrunk := make([]int, len(ct.particles)-delta)
		copy(shrunk, ct.particles[:ct.count])
		ct.particles = shrunk
	}
	return p
}

// find returns the entry index holding p, or -1
func (ct *cellTable) find(p int) int {
	for i := 0; i < ct.count; i++ {
		if ct.particles[i] == p {
			return i
		}
	}
	return -1
}

// reserve grows the capacity to at least n, rounded up to a multiple of delta
func (ct *cellTable) reserve(n, delta int) {
	if n <= len(ct.particles) {
		return
	}
	n = alignUp(n, delta)
	grown := make([]int, n)
	copy(grown, ct.particles[:ct.count])
	ct.particles = grown
}

// clear drops every entry and releases the storage
func (ct *cellTable) clear() {
	ct.particles = nil
	ct.count = 0
}
