package comm

import (
	"context"
	"fmt"
	"sync/atomic"
)

// LocalComm is a rank of an in-process world. Each rank is expected to be
// driven by its own goroutine.
type LocalComm struct {
	rank   int
	world  *localWorld
	closed atomic.Bool
}

type localWorld struct {
	boxes []*mailbox
}

// NewLocalWorld creates size connected in-process ranks
func NewLocalWorld(size int) []*LocalComm {
	if size < 1 {
		panic(fmt.Sprintf("local world needs at least one rank, got %d", size))
	}
	w := &localWorld{boxes: make([]*mailbox, size)}
	for i := range w.boxes {
		w.boxes[i] = newMailbox()
	}
	comms := make([]*LocalComm, size)
	for i := range comms {
		comms[i] = &LocalComm{rank: i, world: w}
	}
	return comms
}

func (c *LocalComm) Rank() int { return c.rank }

func (c *LocalComm) Size() int { return len(c.world.boxes) }

// Isend copies data straight into the destination mailbox, so the returned
// request is already complete.
func (c *LocalComm) Isend(ctx context.Context, dest int, tag Tag, data []byte) (*Request, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkPeer(c, dest); err != nil {
		return nil, err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.world.boxes[dest].deliver(c.rank, tag, buf)
	return completedRequest(dest, tag, nil), nil
}

func (c *LocalComm) Irecv(ctx context.Context, src int, tag Tag) (*Request, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkPeer(c, src); err != nil {
		return nil, err
	}
	return c.world.boxes[c.rank].post(src, tag), nil
}

// Close fails any receive still pending on this rank
func (c *LocalComm) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.world.boxes[c.rank].fail(ErrClosed)
	}
	return nil
}

// Pending reports posted-but-unmatched receives and delivered-but-unclaimed
// messages. A quiescent world has both at zero.
func (c *LocalComm) Pending() (posted, unexpected int) {
	return c.world.boxes[c.rank].pending()
}
