// Package particlecomm reconciles particle ownership and shadow copies
// between neighbouring ranks.
//
// Every pass is one exchange per neighbour in two phases with distinct
// tags: first the per-cell particle counts, then the packed records. The
// counts size every receive buffer exactly before any payload is posted.
package particlecomm

import (
	"context"
	"fmt"

	"github.com/notargets/PICSwarm/comm"
	"github.com/notargets/PICSwarm/swarm"
)

const (
	tagMovementCounts  comm.Tag = 100
	tagMovementPayload comm.Tag = 101
	tagShadowCounts    comm.Tag = 200
	tagShadowPayload   comm.Tag = 201
)

// exchange is one counts-then-payload round with every neighbour
type exchange struct {
	c          comm.Communicator
	neighbours []int
	countTag   comm.Tag
	payloadTag comm.Tag
	stride     int
}

func newExchange(c comm.Communicator, neighbours []int, countTag, payloadTag comm.Tag, stride int) *exchange {
	return &exchange{c: c, neighbours: neighbours, countTag: countTag, payloadTag: payloadTag, stride: stride}
}

// pendingCounts holds the posted count receives of a pass
type pendingCounts struct {
	ex    *exchange
	recvs []*comm.Request
	sent  []int
}

// counts are the per-cell particle counts announced by every neighbour
type counts struct {
	perCell [][]int32
	totals  []int
}

// beginCounts posts a count receive from every neighbour, then sends
// outgoing[n] to neighbour n and waits for the sends to complete
func (ex *exchange) beginCounts(ctx context.Context, outgoing [][]int32) (*pendingCounts, error) {
	pc := &pendingCounts{ex: ex, recvs: make([]*comm.Request, len(ex.neighbours)), sent: make([]int, len(ex.neighbours))}
	for n, nbr := range ex.neighbours {
		req, err := ex.c.Irecv(ctx, nbr, ex.countTag)
		if err != nil {
			return nil, fmt.Errorf("posting count receive from rank %d: %w", nbr, err)
		}
		pc.recvs[n] = req
	}
	for n, nbr := range ex.neighbours {
		for _, k := range outgoing[n] {
			pc.sent[n] += int(k)
		}
		if err := comm.Send(ctx, ex.c, nbr, ex.countTag, comm.EncodeInt32s(outgoing[n])); err != nil {
			return nil, fmt.Errorf("sending counts to rank %d: %w", nbr, err)
		}
	}
	return pc, nil
}

// complete waits for every neighbour's counts. Neighbour n must announce
// exactly expect[n] cells, none negative.
func (pc *pendingCounts) complete(ctx context.Context, expect []int) (*counts, error) {
	bufs, err := comm.WaitAll(ctx, pc.recvs)
	if err != nil {
		return nil, fmt.Errorf("waiting for counts: %w", err)
	}
	in := &counts{perCell: make([][]int32, len(bufs)), totals: make([]int, len(bufs))}
	for n, buf := range bufs {
		nbr := pc.ex.neighbours[n]
		vals, err := comm.DecodeInt32s(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: counts from rank %d: %v", swarm.ErrFatal, nbr, err)
		}
		if len(vals) != expect[n] {
			return nil, fmt.Errorf("%w: rank %d sent counts for %d cells, %d are shared",
				swarm.ErrFatal, nbr, len(vals), expect[n])
		}
		for k, v := range vals {
			if v < 0 {
				return nil, fmt.Errorf("%w: rank %d sent count %d for shared cell %d", swarm.ErrFatal, nbr, v, k)
			}
			in.totals[n] += int(v)
		}
		in.perCell[n] = vals
	}
	return in, nil
}

// pendingPayload holds the posted payload receives and sends of a pass
type pendingPayload struct {
	ex     *exchange
	in     *counts
	recvs  []*comm.Request
	sends  []*comm.Request
	expect []int
}

// beginPayload posts a receive sized by the announced counts from every
// neighbour with something to send, then posts the packed sends. Empty
// transfers are skipped on both sides.
func (ex *exchange) beginPayload(ctx context.Context, in *counts, sent []int, outgoing [][]byte) (*pendingPayload, error) {
	pp := &pendingPayload{ex: ex, in: in, recvs: make([]*comm.Request, len(ex.neighbours))}
	for n, nbr := range ex.neighbours {
		if in.totals[n] == 0 {
			continue
		}
		req, err := ex.c.Irecv(ctx, nbr, ex.payloadTag)
		if err != nil {
			return nil, fmt.Errorf("posting payload receive from rank %d: %w", nbr, err)
		}
		pp.recvs[n] = req
	}
	for n, nbr := range ex.neighbours {
		if len(outgoing[n]) != sent[n]*ex.stride {
			return nil, fmt.Errorf("%w: packed %d bytes for rank %d, announced %d particles of %d bytes",
				swarm.ErrFatal, len(outgoing[n]), nbr, sent[n], ex.stride)
		}
		if sent[n] == 0 {
			continue
		}
		req, err := ex.c.Isend(ctx, nbr, ex.payloadTag, outgoing[n])
		if err != nil {
			return nil, fmt.Errorf("posting payload send to rank %d: %w", nbr, err)
		}
		pp.sends = append(pp.sends, req)
	}
	return pp, nil
}

// complete waits for every payload transfer and checks each received
// buffer against the announced counts
func (pp *pendingPayload) complete(ctx context.Context) ([][]byte, error) {
	if _, err := comm.WaitAll(ctx, pp.sends); err != nil {
		return nil, fmt.Errorf("waiting for payload sends: %w", err)
	}
	out := make([][]byte, len(pp.recvs))
	for n, req := range pp.recvs {
		if req == nil {
			continue
		}
		buf, err := req.Wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for payload from rank %d: %w", pp.ex.neighbours[n], err)
		}
		if want := pp.in.totals[n] * pp.ex.stride; len(buf) != want {
			return nil, fmt.Errorf("%w: rank %d sent %d payload bytes, expected %d particles of %d bytes",
				swarm.ErrFatal, pp.ex.neighbours[n], len(buf), pp.in.totals[n], pp.ex.stride)
		}
		out[n] = buf
	}
	return out, nil
}

// forEachArrival walks the received records in the order they were packed:
// per neighbour, per shared cell, per particle. cells[n][k] names the cell
// of the k-th announced count of neighbour n.
func forEachArrival(in *counts, payload [][]byte, stride int, cells [][]int, fn func(cell int, rec []byte) error) error {
	for n, buf := range payload {
		off := 0
		for k, cnt := range in.perCell[n] {
			for i := 0; i < int(cnt); i++ {
				if err := fn(cells[n][k], buf[off:off+stride]); err != nil {
					return err
				}
				off += stride
			}
		}
	}
	return nil
}
