// Package comm provides ranked, tagged point-to-point messaging with
// non-blocking request handles, and the collectives built on top of it.
//
// Messages between a (source, tag) pair are matched in the order they were
// sent, so two exchanges that use different tags can complete in any order
// without one being mistaken for the other.
package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Tag distinguishes message streams between the same pair of ranks.
// Non-negative tags belong to callers; negative tags are reserved for
// collectives.
type Tag int32

// ErrClosed is returned for operations on a closed communicator.
var ErrClosed = errors.New("communicator closed")

// Communicator is one rank's endpoint in a group of cooperating ranks
type Communicator interface {
	Rank() int
	Size() int

	// Isend posts a send of data to dest. The caller may reuse data as soon
	// as Isend returns.
	Isend(ctx context.Context, dest int, tag Tag, data []byte) (*Request, error)

	// Irecv posts a receive of the next message from src carrying tag.
	Irecv(ctx context.Context, src int, tag Tag) (*Request, error)

	Close() error
}

// Request is the handle of a posted send or receive
type Request struct {
	Peer int
	Tag  Tag

	done chan struct{}
	once sync.Once
	data []byte
	err  error
}

func newRequest(peer int, tag Tag) *Request {
	return &Request{
		Peer: peer,
		Tag:  tag,
		done: make(chan struct{}),
	}
}

func completedRequest(peer int, tag Tag, err error) *Request {
	r := newRequest(peer, tag)
	r.complete(nil, err)
	return r
}

func (r *Request) complete(data []byte, err error) {
	r.once.Do(func() {
		r.data = data
		r.err = err
		close(r.done)
	})
}

// Wait blocks until the request completes or ctx is done. For receives it
// returns the message payload.
func (r *Request) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting on peer %d tag %d: %w", r.Peer, r.Tag, ctx.Err())
	}
}

// Test reports whether the request has completed, without blocking
func (r *Request) Test() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// WaitAll waits on every request in order and returns their payloads
func WaitAll(ctx context.Context, reqs []*Request) ([][]byte, error) {
	out := make([][]byte, len(reqs))
	for i, r := range reqs {
		if r == nil {
			continue
		}
		data, err := r.Wait(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// Send is a blocking send
func Send(ctx context.Context, c Communicator, dest int, tag Tag, data []byte) error {
	r, err := c.Isend(ctx, dest, tag, data)
	if err != nil {
		return err
	}
	_, err = r.Wait(ctx)
	return err
}

// Recv is a blocking receive
func Recv(ctx context.Context, c Communicator, src int, tag Tag) ([]byte, error) {
	r, err := c.Irecv(ctx, src, tag)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx)
}

func checkPeer(c Communicator, peer int) error {
	if peer < 0 || peer >= c.Size() {
		return fmt.Errorf("rank %d: peer %d out of range [0,%d)", c.Rank(), peer, c.Size())
	}
	return nil
}

type mailboxKey struct {
	src int
	tag Tag
}

// mailbox matches delivered messages against posted receives, FIFO per
// (source, tag).
type mailbox struct {
	mu         sync.Mutex
	unexpected map[mailboxKey][][]byte
	posted     map[mailboxKey][]*Request
	failure    error
}

func newMailbox() *mailbox {
	return &mailbox{
		unexpected: make(map[mailboxKey][][]byte),
		posted:     make(map[mailboxKey][]*Request),
	}
}

func (m *mailbox) deliver(src int, tag Tag, data []byte) {
	key := mailboxKey{src: src, tag: tag}
	m.mu.Lock()
	if waiting := m.posted[key]; len(waiting) > 0 {
		r := waiting[0]
		if len(waiting) == 1 {
			delete(m.posted, key)
		} else {
			m.posted[key] = waiting[1:]
		}
		m.mu.Unlock()
		r.complete(data, nil)
		return
	}
	m.unexpected[key] = append(m.unexpected[key], data)
	m.mu.Unlock()
}

func (m *mailbox) post(src int, tag Tag) *Request {
	key := mailboxKey{src: src, tag: tag}
	r := newRequest(src, tag)
	m.mu.Lock()
	defer m.mu.Unlock()
	if queued := m.unexpected[key]; len(queued) > 0 {
		data := queued[0]
		if len(queued) == 1 {
			delete(m.unexpected, key)
		} else {
			m.unexpected[key] = queued[1:]
		}
		r.complete(data, nil)
		return r
	}
	if m.failure != nil {
		r.complete(nil, m.failure)
		return r
	}
	m.posted[key] = append(m.posted[key], r)
	return r
}

// fail completes every pending receive with err; later receives that
// cannot be satisfied from queued messages fail immediately.
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	if m.failure == nil {
		m.failure = err
	}
	posted := m.posted
	m.posted = make(map[mailboxKey][]*Request)
	m.mu.Unlock()
	for _, reqs := range posted {
		for _, r := range reqs {
			r.complete(nil, err)
		}
	}
}

func (m *mailbox) pending() (posted, unexpected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reqs := range m.posted {
		posted += len(reqs)
	}
	for _, msgs := range m.unexpected {
		unexpected += len(msgs)
	}
	return
}
