package flow

import (
	"bufio"
	"context"
	"errors"
	"sync"
)

const defaultWriteBufferSize = 64 << 10

// Sender is a thread-safe and typed flow writer.
//
// Messages are written in the order they were accepted by [Sender.Send].
type Sender[T any] struct {
	raw RawSender
	enc Encoder[T]
	buf *bufio.Writer

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writer    sync.WaitGroup
	closeOnce sync.Once
	err       error
	closeErr  error
	lk        sync.Mutex
}

func NewSender[T any](raw RawSender, enc Encoder[T], bufferSize uint) *Sender[T] {
	w := &Sender[T]{
		raw: raw,
		enc: enc,
		buf: bufio.NewWriterSize(raw, defaultWriteBufferSize),

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

// Send enqueues msg. It only blocks when the queue is full.
func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return w.err
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return w.Err()
	case w.writeCh <- msg:
	}

	return nil
}

// Err returns the reason the sender stopped accepting messages, if any.
func (w *Sender[T]) Err() error {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.err
}

// Close stops accepting messages, writes what is still queued, then closes
// the underlying stream.
func (w *Sender[T]) Close() error {
	w.lk.Lock()
	if w.err == nil {
		w.err = ErrFlowClosed
		close(w.closeCh)
	}
	w.lk.Unlock()

	w.closeOnce.Do(func() {
		w.writer.Wait()
		close(w.writeCh)
	})
	w.mainLoopWg.Wait()
	return w.closeErr
}

func (w *Sender[T]) fail(cause error) {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.err != nil {
		return
	}
	w.err = cause
	close(w.closeCh)
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	var failed error
	for msg := range w.writeCh {
		if failed != nil {
			// drop, the stream is broken.
			continue
		}

		err := w.enc.Encode(w.buf, msg)
		if err == nil && len(w.writeCh) == 0 {
			err = w.buf.Flush()
		}
		if err != nil {
			failed = err
			w.fail(err)
		}
	}

	if failed == nil {
		failed = w.buf.Flush()
	}
	w.closeErr = errors.Join(failed, w.raw.Close())
}
