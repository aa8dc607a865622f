package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// StreamConn is a Conn over a byte stream, typically the stdin/stdout pipes
// of a worker process. Each message is one JSON document; numbers are kept
// as json.Number so integers survive the round trip unchanged.
type StreamConn[Out, In any] struct {
	w       io.WriteCloser
	r       io.ReadCloser
	writeMu sync.Mutex
	enc     *json.Encoder
	bw      *bufio.Writer

	frames    chan frame[In]
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending *frame[In]
	eof     error

	sends    atomic.Int64
	receives atomic.Int64
	polls    atomic.Int64
}

type frame[T any] struct {
	msg T
	err error
}

var _ Conn[int, string] = (*StreamConn[int, string])(nil)

// NewStreamConn starts reading from r in the background and writes to w.
func NewStreamConn[Out, In any](r io.ReadCloser, w io.WriteCloser) *StreamConn[Out, In] {
	bw := bufio.NewWriter(w)
	c := &StreamConn[Out, In]{
		w:      w,
		r:      r,
		bw:     bw,
		enc:    json.NewEncoder(bw),
		frames: make(chan frame[In], DefaultPipeBuffer),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// NewStdioConn wraps the current process's stdin and stdout.
func NewStdioConn[Out, In any]() *StreamConn[Out, In] {
	return NewStreamConn[Out, In](os.Stdin, os.Stdout)
}

func (c *StreamConn[Out, In]) readLoop() {
	dec := json.NewDecoder(bufio.NewReader(c.r))
	dec.UseNumber()
	for {
		var msg In
		err := dec.Decode(&msg)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				err = io.EOF
			}
			select {
			case c.frames <- frame[In]{err: err}:
			case <-c.closed:
			}
			return
		}
		select {
		case c.frames <- frame[In]{msg: msg}:
		case <-c.closed:
			return
		}
	}
}

// Send encodes msg and flushes it to the stream.
func (c *StreamConn[Out, In]) Send(ctx context.Context, msg Out) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if err := c.bw.Flush(); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrPeerClosed
		}
		return fmt.Errorf("write message: %w", err)
	}
	c.sends.Add(1)
	return nil
}

// Poll reports whether a message is ready, waiting at most timeout.
func (c *StreamConn[Out, In]) Poll(timeout time.Duration) (bool, error) {
	c.polls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		return true, nil
	}
	if c.isClosed() {
		return false, ErrClosed
	}
	if c.eof != nil {
		return false, c.eof
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		if f.err != nil {
			c.eof = f.err
			return false, f.err
		}
		c.pending = &f
		return true, nil
	case <-c.closed:
		return false, ErrClosed
	case <-timer.C:
		return false, nil
	}
}

// Recv receives the next message.
func (c *StreamConn[Out, In]) Recv(ctx context.Context) (In, error) {
	var zero In
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		f := c.pending
		c.pending = nil
		c.receives.Add(1)
		return f.msg, nil
	}
	if c.isClosed() {
		return zero, ErrClosed
	}
	if c.eof != nil {
		return zero, c.eof
	}

	select {
	case f := <-c.frames:
		if f.err != nil {
			c.eof = f.err
			return zero, f.err
		}
		c.receives.Add(1)
		return f.msg, nil
	case <-c.closed:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close closes both halves of the stream. Closing twice is a no-op.
func (c *StreamConn[Out, In]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = errors.Join(c.w.Close(), c.r.Close())
	})
	return err
}

// Stats returns endpoint statistics.
func (c *StreamConn[Out, In]) Stats() Stats {
	return Stats{
		Sends:    c.sends.Load(),
		Receives: c.receives.Load(),
		Polls:    c.polls.Load(),
	}
}

func (c *StreamConn[Out, In]) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
