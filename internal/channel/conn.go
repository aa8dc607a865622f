// Package channel provides the duplex message transports that connect a
// batch orchestrator to its workers.
package channel

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on an endpoint that was closed locally.
	ErrClosed = errors.New("channel is closed")
	// ErrPeerClosed is returned by Send once the other endpoint has gone away.
	ErrPeerClosed = errors.New("channel peer is closed")
	// ErrEncode is returned by Send when a message cannot be serialised.
	// Nothing was written and the endpoint stays usable.
	ErrEncode = errors.New("channel: cannot encode message")
)

// Conn is one endpoint of a private two-endpoint duplex link. Out is the
// message type this endpoint sends, In the type it receives.
//
// A Conn is owned by a single goroutine; Poll and Recv are not meant to be
// called concurrently with each other.
type Conn[Out, In any] interface {
	// Send delivers a message to the peer.
	Send(ctx context.Context, msg Out) error
	// Poll waits up to timeout for a message to become available. It
	// returns io.EOF once the peer is closed and nothing is left to read.
	Poll(timeout time.Duration) (bool, error)
	// Recv blocks until a message arrives.
	Recv(ctx context.Context) (In, error)
	// Close releases the endpoint. Closing twice is a no-op.
	Close() error
}

// Stats contains endpoint statistics.
type Stats struct {
	Sends    int64 `json:"sends"`
	Receives int64 `json:"receives"`
	Polls    int64 `json:"polls"`
}
