package comm

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	frameHeaderSize = 12
	maxFrameSize    = 1 << 30
	dialRetry       = 50 * time.Millisecond
)

// TCPComm is a rank whose peers are other OS processes reached over TCP.
// Frames on the wire are [src int32][tag int32][len uint32][payload].
type TCPComm struct {
	rank int
	size int
	box  *mailbox
	ln   net.Listener
	log  *zap.Logger

	peers   []*tcpPeer // nil at own rank
	readers sync.WaitGroup
	closing atomic.Bool
}

type tcpPeer struct {
	rank int
	conn net.Conn
	wmu  sync.Mutex
	w    *bufio.Writer
}

// ListenTCP opens the listener a rank accepts its higher-ranked peers on
func ListenTCP(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// ConnectTCP joins rank to the world described by addrs (one address per
// rank, addrs[rank] being ln's address). Rank r dials every lower rank and
// accepts every higher rank; the call returns once the full mesh is up.
func ConnectTCP(ctx context.Context, rank int, ln net.Listener, addrs []string, log *zap.Logger) (*TCPComm, error) {
	if log == nil {
		log = zap.NewNop()
	}
	size := len(addrs)
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("rank %d out of range for %d addresses", rank, size)
	}
	c := &TCPComm{
		rank:  rank,
		size:  size,
		box:   newMailbox(),
		ln:    ln,
		log:   log.With(zap.Int("rank", rank)),
		peers: make([]*tcpPeer, size),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for peer := 0; peer < rank; peer++ {
		g.Go(func() error {
			conn, err := dialPeer(gctx, addrs[peer])
			if err != nil {
				return fmt.Errorf("rank %d dialing rank %d at %s: %w", rank, peer, addrs[peer], err)
			}
			var hello [4]byte
			binary.LittleEndian.PutUint32(hello[:], uint32(rank))
			if _, err = conn.Write(hello[:]); err != nil {
				conn.Close()
				return fmt.Errorf("rank %d handshake to rank %d: %w", rank, peer, err)
			}
			mu.Lock()
			c.peers[peer] = newTCPPeer(peer, conn)
			mu.Unlock()
			return nil
		})
	}
	if higher := size - rank - 1; higher > 0 {
		g.Go(func() error {
			return c.acceptPeers(gctx, higher, &mu)
		})
	}
	if err := g.Wait(); err != nil {
		c.closePeers()
		return nil, err
	}

	for _, p := range c.peers {
		if p == nil {
			continue
		}
		c.readers.Add(1)
		go c.readLoop(p)
	}
	c.log.Debug("tcp world connected", zap.Int("size", size))
	return c, nil
}

func dialPeer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		case <-time.After(dialRetry):
		}
	}
}

func (c *TCPComm) acceptPeers(ctx context.Context, n int, mu *sync.Mutex) error {
	stop := context.AfterFunc(ctx, func() {
		if dl, ok := c.ln.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(time.Now())
		}
	})
	defer stop()
	for i := 0; i < n; i++ {
		conn, err := c.ln.Accept()
		if err != nil {
			return fmt.Errorf("rank %d accepting peer: %w", c.rank, err)
		}
		var hello [4]byte
		if _, err = io.ReadFull(conn, hello[:]); err != nil {
			conn.Close()
			return fmt.Errorf("rank %d reading handshake: %w", c.rank, err)
		}
		peer := int(binary.LittleEndian.Uint32(hello[:]))
		if peer <= c.rank || peer >= c.size {
			conn.Close()
			return fmt.Errorf("rank %d: unexpected handshake from rank %d", c.rank, peer)
		}
		mu.Lock()
		dup := c.peers[peer] != nil
		if !dup {
			c.peers[peer] = newTCPPeer(peer, conn)
		}
		mu.Unlock()
		if dup {
			conn.Close()
			return fmt.Errorf("rank %d: duplicate connection from rank %d", c.rank, peer)
		}
	}
	return nil
}

func newTCPPeer(rank int, conn net.Conn) *tcpPeer {
	return &tcpPeer{rank: rank, conn: conn, w: bufio.NewWriter(conn)}
}

func (c *TCPComm) readLoop(p *tcpPeer) {
	defer c.readers.Done()
	r := bufio.NewReader(p.conn)
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			c.peerFailed(p, err)
			return
		}
		src := int(int32(binary.LittleEndian.Uint32(hdr[0:])))
		tag := Tag(int32(binary.LittleEndian.Uint32(hdr[4:])))
		n := binary.LittleEndian.Uint32(hdr[8:])
		if src != p.rank || n > maxFrameSize {
			c.peerFailed(p, fmt.Errorf("corrupt frame from rank %d: src=%d len=%d", p.rank, src, n))
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			c.peerFailed(p, err)
			return
		}
		c.box.deliver(src, tag, payload)
	}
}

func (c *TCPComm) peerFailed(p *tcpPeer, err error) {
	if c.closing.Load() {
		return
	}
	c.log.Error("peer connection lost", zap.Int("peer", p.rank), zap.Error(err))
	c.box.fail(fmt.Errorf("connection to rank %d lost: %w", p.rank, err))
}

func (c *TCPComm) Rank() int { return c.rank }

func (c *TCPComm) Size() int { return c.size }

// Isend writes the frame before returning; the peer's reader drains its
// socket continuously, so the write cannot wait on the peer's progress.
func (c *TCPComm) Isend(ctx context.Context, dest int, tag Tag, data []byte) (*Request, error) {
	if c.closing.Load() {
		return nil, ErrClosed
	}
	if err := checkPeer(c, dest); err != nil {
		return nil, err
	}
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("message of %d bytes to rank %d exceeds frame limit", len(data), dest)
	}
	if dest == c.rank {
		buf := make([]byte, len(data))
		copy(buf, data)
		c.box.deliver(c.rank, tag, buf)
		return completedRequest(dest, tag, nil), nil
	}

	p := c.peers[dest]
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(int32(c.rank)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(int32(tag)))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(data)))

	p.wmu.Lock()
	defer p.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(dl)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	_, err := p.w.Write(hdr[:])
	if err == nil {
		_, err = p.w.Write(data)
	}
	if err == nil {
		err = p.w.Flush()
	}
	if err != nil {
		err = fmt.Errorf("sending %d bytes to rank %d tag %d: %w", len(data), dest, tag, err)
	}
	return completedRequest(dest, tag, err), nil
}

func (c *TCPComm) Irecv(ctx context.Context, src int, tag Tag) (*Request, error) {
	if c.closing.Load() {
		return nil, ErrClosed
	}
	if err := checkPeer(c, src); err != nil {
		return nil, err
	}
	return c.box.post(src, tag), nil
}

// Close tears down every peer connection and the listener, then waits for
// the reader goroutines to exit.
func (c *TCPComm) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := c.closePeers()
	c.readers.Wait()
	c.box.fail(ErrClosed)
	return err
}

func (c *TCPComm) closePeers() error {
	var errs []error
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if c.ln != nil {
		if err := c.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
