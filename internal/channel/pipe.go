package channel

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPipeBuffer is the per-direction buffer of an in-memory pipe.
const DefaultPipeBuffer = 8

// Pipe returns the two endpoints of an in-memory duplex link. Messages are
// handed over by reference and never serialized.
func Pipe[A, B any]() (*PipeEnd[A, B], *PipeEnd[B, A]) {
	ab := make(chan A, DefaultPipeBuffer)
	ba := make(chan B, DefaultPipeBuffer)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	left := &PipeEnd[A, B]{out: ab, in: ba, closed: aClosed, peerClosed: bClosed}
	right := &PipeEnd[B, A]{out: ba, in: ab, closed: bClosed, peerClosed: aClosed}
	return left, right
}

// PipeEnd is one endpoint of an in-memory Pipe.
type PipeEnd[Out, In any] struct {
	out        chan<- Out
	in         <-chan In
	closed     chan struct{}
	peerClosed <-chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	pending *In

	sends    atomic.Int64
	receives atomic.Int64
	polls    atomic.Int64
}

var _ Conn[int, string] = (*PipeEnd[int, string])(nil)

// Send sends a message to the peer.
func (p *PipeEnd[Out, In]) Send(ctx context.Context, msg Out) error {
	if p.isClosed() {
		return ErrClosed
	}
	select {
	case <-p.peerClosed:
		return ErrPeerClosed
	default:
	}

	select {
	case p.out <- msg:
		p.sends.Add(1)
		return nil
	case <-p.peerClosed:
		return ErrPeerClosed
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll reports whether a message is ready, waiting at most timeout.
func (p *PipeEnd[Out, In]) Poll(timeout time.Duration) (bool, error) {
	p.polls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil {
		return true, nil
	}
	if p.isClosed() {
		return false, ErrClosed
	}

	// Drain before reporting EOF so nothing the peer sent is lost.
	select {
	case v := <-p.in:
		p.pending = &v
		return true, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-p.in:
		p.pending = &v
		return true, nil
	case <-p.peerClosed:
		select {
		case v := <-p.in:
			p.pending = &v
			return true, nil
		default:
			return false, io.EOF
		}
	case <-p.closed:
		return false, ErrClosed
	case <-timer.C:
		return false, nil
	}
}

// Recv receives the next message.
func (p *PipeEnd[Out, In]) Recv(ctx context.Context) (In, error) {
	var zero In
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil {
		v := *p.pending
		p.pending = nil
		p.receives.Add(1)
		return v, nil
	}
	if p.isClosed() {
		return zero, ErrClosed
	}

	select {
	case v := <-p.in:
		p.receives.Add(1)
		return v, nil
	case <-p.peerClosed:
		select {
		case v := <-p.in:
			p.receives.Add(1)
			return v, nil
		default:
			return zero, io.EOF
		}
	case <-p.closed:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close closes this endpoint. The peer observes io.EOF after draining.
func (p *PipeEnd[Out, In]) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	return nil
}

// Stats returns endpoint statistics.
func (p *PipeEnd[Out, In]) Stats() Stats {
	return Stats{
		Sends:    p.sends.Load(),
		Receives: p.receives.Load(),
		Polls:    p.polls.Load(),
	}
}

func (p *PipeEnd[Out, In]) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
