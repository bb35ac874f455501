// Package flow turns a raw byte stream into typed, goroutine-backed queues.
//
// A [Sender] owns the write side of a stream: callers enqueue messages and a
// single goroutine encodes them in order. A [Receiver] owns the read side: a
// single goroutine decodes messages and buffers them until they are read.
package flow

import (
	"errors"
	"io"
)

var (
	ErrFlowClosed = errors.New("flow closed")
)

// RawSender is the write side of a stream. It is only used by the
// goroutine of a [Sender].
type RawSender interface {
	io.Writer
	Close() error
}

// RawReceiver is the read side of a stream. It is only used by the
// goroutine of a [Receiver].
type RawReceiver interface {
	io.Reader
	Close() error
}

// Encoder writes one message on a stream.
// It is supposed to return an error only when a final error is
// encountered.
type Encoder[T any] interface {
	Encode(io.Writer, T) error
}

// Decoder reads one message from a stream.
// It is supposed to return an error only when a final error is
// encountered.
type Decoder[T any] interface {
	Decode(io.Reader) (T, error)
}

// Raw is a bidirectional raw flow.
//
// Most users should not use it directly but wrap it
// in a [Sender] and [Receiver] for a better DX.
type Raw struct {
	RawReceiver
	RawSender
}

func (r Raw) Close() error {
	return errors.Join(r.RawReceiver.Close(), r.RawSender.Close())
}
