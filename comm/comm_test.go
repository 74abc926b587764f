package comm

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runRanks drives fn once per rank, each on its own goroutine
func runRanks(t *testing.T, comms []Communicator, fn func(ctx context.Context, c Communicator) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range comms {
		g.Go(func() error { return fn(gctx, c) })
	}
	require.NoError(t, g.Wait())
}

func localComms(n int) []Communicator {
	world := NewLocalWorld(n)
	out := make([]Communicator, n)
	for i, c := range world {
		out[i] = c
	}
	return out
}

func TestLocalWorld_FIFOPerTag(t *testing.T) {
	ctx := context.Background()
	world := NewLocalWorld(2)
	a, b := world[0], world[1]

	// Payload tag sent before the counts tag must not be matched by it
	require.NoError(t, Send(ctx, a, 1, 7, []byte("payload-1")))
	require.NoError(t, Send(ctx, a, 1, 3, []byte("counts")))
	require.NoError(t, Send(ctx, a, 1, 7, []byte("payload-2")))

	got, err := Recv(ctx, b, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, "counts", string(got))

	first, err := b.Irecv(ctx, 0, 7)
	require.NoError(t, err)
	second, err := b.Irecv(ctx, 0, 7)
	require.NoError(t, err)
	data, err := WaitAll(ctx, []*Request{first, second})
	require.NoError(t, err)
	assert.Equal(t, "payload-1", string(data[0]))
	assert.Equal(t, "payload-2", string(data[1]))

	posted, unexpected := b.Pending()
	assert.Zero(t, posted)
	assert.Zero(t, unexpected)
}

func TestLocalWorld_ReceivePostedBeforeSend(t *testing.T) {
	ctx := context.Background()
	world := NewLocalWorld(2)
	r, err := world[1].Irecv(ctx, 0, 1)
	require.NoError(t, err)
	assert.False(t, r.Test())

	buf := []byte{1, 2, 3}
	require.NoError(t, Send(ctx, world[0], 1, 1, buf))
	buf[0] = 99 // sender may reuse its buffer

	got, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestLocalWorld_CloseFailsPendingReceive(t *testing.T) {
	ctx := context.Background()
	world := NewLocalWorld(2)
	r, err := world[0].Irecv(ctx, 1, 0)
	require.NoError(t, err)
	require.NoError(t, world[0].Close())
	_, err = r.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = world[0].Isend(ctx, 1, 0, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocalWorld_WaitHonoursContext(t *testing.T) {
	world := NewLocalWorld(2)
	r, err := world[0].Irecv(context.Background(), 1, 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalWorld_PeerOutOfRange(t *testing.T) {
	world := NewLocalWorld(2)
	_, err := world[0].Isend(context.Background(), 2, 0, nil)
	assert.Error(t, err)
	_, err = world[0].Irecv(context.Background(), -1, 0)
	assert.Error(t, err)
}

func TestCollectives(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("ranks=%d", n), func(t *testing.T) {
			runRanks(t, localComms(n), func(ctx context.Context, c Communicator) error {
				return checkCollectives(ctx, c)
			})
		})
	}
}

func checkCollectives(ctx context.Context, c Communicator) error {
	n := c.Size()
	all, err := Allgather(ctx, c, []byte{byte(c.Rank())})
	if err != nil {
		return err
	}
	for src, d := range all {
		if len(d) != 1 || int(d[0]) != src {
			return fmt.Errorf("rank %d: allgather slot %d holds %v", c.Rank(), src, d)
		}
	}

	sum, err := AllreduceInt64(ctx, c, int64(c.Rank()+1), OpSum)
	if err != nil {
		return err
	}
	if want := int64(n * (n + 1) / 2); sum != want {
		return fmt.Errorf("rank %d: sum %d, want %d", c.Rank(), sum, want)
	}

	vals, err := AllreduceInt64s(ctx, c, []int64{int64(c.Rank()), -int64(c.Rank())}, OpMax)
	if err != nil {
		return err
	}
	if vals[0] != int64(n-1) || vals[1] != 0 {
		return fmt.Errorf("rank %d: max %v", c.Rank(), vals)
	}
	low, err := AllreduceInt64(ctx, c, int64(10+c.Rank()), OpMin)
	if err != nil {
		return err
	}
	if low != 10 {
		return fmt.Errorf("rank %d: min %d", c.Rank(), low)
	}

	// Back to back collectives of the same kind stay in order
	for round := 0; round < 3; round++ {
		all, err = Allgather(ctx, c, []byte{byte(round)})
		if err != nil {
			return err
		}
		for src, d := range all {
			if int(d[0]) != round {
				return fmt.Errorf("rank %d round %d: slot %d holds round %d", c.Rank(), round, src, d[0])
			}
		}
	}
	return Barrier(ctx, c)
}

func TestAllreduce_LengthMismatch(t *testing.T) {
	world := NewLocalWorld(2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make(chan error, 2)
	for r, c := range world {
		go func() {
			vals := make([]int64, r+1)
			_, err := AllreduceInt64s(ctx, c, vals, OpSum)
			errs <- err
		}()
	}
	assert.Error(t, <-errs)
	assert.Error(t, <-errs)
}

func TestInt32Codec(t *testing.T) {
	vals := []int32{0, -1, 7, 1 << 30}
	got, err := DecodeInt32s(EncodeInt32s(vals))
	require.NoError(t, err)
	assert.Equal(t, vals, got)

	_, err = DecodeInt32s([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = DecodeInt64s([]byte{1, 2, 3})
	assert.Error(t, err)
}

func tcpWorld(t *testing.T, n int) []Communicator {
	t.Helper()
	listeners := make([]net.Listener, n)
	addrs := make([]string, n)
	for i := range listeners {
		ln, err := ListenTCP("127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		addrs[i] = ln.Addr().String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	comms := make([]Communicator, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range comms {
		g.Go(func() error {
			c, err := ConnectTCP(gctx, i, listeners[i], addrs, nil)
			if err != nil {
				return err
			}
			comms[i] = c
			return nil
		})
	}
	require.NoError(t, g.Wait())
	return comms
}

func TestTCPWorld(t *testing.T) {
	comms := tcpWorld(t, 3)
	defer func() {
		for _, c := range comms {
			assert.NoError(t, c.Close())
		}
	}()

	runRanks(t, comms, func(ctx context.Context, c Communicator) error {
		next := (c.Rank() + 1) % c.Size()
		prev := (c.Rank() + c.Size() - 1) % c.Size()
		r, err := c.Irecv(ctx, prev, 5)
		if err != nil {
			return err
		}
		big := make([]byte, 1<<16)
		for i := range big {
			big[i] = byte(c.Rank() + i)
		}
		if err = Send(ctx, c, next, 5, big); err != nil {
			return err
		}
		got, err := r.Wait(ctx)
		if err != nil {
			return err
		}
		for i := range got {
			if got[i] != byte(prev+i) {
				return fmt.Errorf("rank %d: byte %d from rank %d corrupt", c.Rank(), i, prev)
			}
		}
		// self send
		if err = Send(ctx, c, c.Rank(), 9, []byte("me")); err != nil {
			return err
		}
		if self, err := Recv(ctx, c, c.Rank(), 9); err != nil || string(self) != "me" {
			return fmt.Errorf("rank %d: self send %q %v", c.Rank(), self, err)
		}
		return checkCollectives(ctx, c)
	})
}
