package core

import "errors"

// Frame is one encoded signaling message.
type Frame []byte

// ErrBackpressure is returned by TrySend when the peer's send buffer is full.
var ErrBackpressure = errors.New("backpressure")

// ErrConnClosed is returned by TrySend after Close.
var ErrConnClosed = errors.New("connection closed")

// SignalConnection abstracts the messaging transport of one participant.
// Owned by the adapter; TrySend never blocks.
type SignalConnection interface {
	TrySend(Frame) error
	// Close flushes already queued frames and then drops the transport.
	Close()
}
