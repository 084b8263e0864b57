package core

import "errors"

// Frame is one encoded wire message.
type Frame []byte

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

// SignalConnection abstracts a client's messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks; a full buffer yields ErrBackpressure.
	TrySend(Frame) error
	Close()
}
