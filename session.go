package sparse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/sparse/pkg/flow"
	"github.com/raskyld/sparse/pkg/wire"
)

var errSessionClosed = errors.New("session: closed locally")

type Perspective int

const (
	ClientPerspective Perspective = iota
	ServerPerspective
)

func (p Perspective) String() string {
	if p == ServerPerspective {
		return "server"
	}
	return "client"
}

type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Handler is called by the receive loop of a session for every inbound
// message, in arrival order. It must not block for long: the next frame is
// not dispatched until it returns.
type Handler func(sess *Session, msg wire.Message)

// Session is a duplex channel of frames with a single peer.
//
// It is backed by a QUIC connection carrying exactly one bidirectional
// stream. Writes go through an ordered outbound queue, reads through a
// receive loop started by [Session.Serve].
type Session struct {
	id          string
	perspective Perspective
	peer        Hostname
	conn        quic.Connection

	logger     *slog.Logger
	msink      metrics.MetricSink
	labels     []metrics.Label
	codec      flow.FrameCodec
	maxPayload uint32
	queueSize  uint
	linger     time.Duration

	state    atomic.Int32
	stream   quic.Stream
	rawRecv  flow.RawReceiver
	sender   *flow.Sender[wire.Message]
	receiver *flow.Receiver[wire.Message]
	onClose  func(*Session, error)
	err      error
	lk       sync.Mutex

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newSession(t *Transport, conn quic.Connection, p Perspective, peer Hostname) *Session {
	id := uuid.NewString()
	peerAddr := conn.RemoteAddr().String()
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{
		id:          id,
		perspective: p,
		peer:        peer,
		conn:        conn,
		logger: t.logger.With(
			LabelSessionID.L(id),
			LabelPeerName.L(peer),
			LabelPeerAddr.L(peerAddr),
			LabelPerspective.L(p.String()),
		),
		msink: t.msink,
		labels: withLabels(t.cfg.MetricLabels,
			LabelPeerName.M(string(peer)),
			LabelPerspective.M(p.String()),
		),
		codec:      flow.NewFrameCodec(t.cfg.MaxPayload),
		maxPayload: t.cfg.MaxPayload,
		queueSize:  t.cfg.QueueSize,
		linger:     t.cfg.LingerTimeout,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (s *Session) open(stream quic.Stream) {
	raw := flow.NewRemote(stream)
	s.stream = stream
	s.rawRecv = raw.RawReceiver
	s.sender = flow.NewSender[wire.Message](raw.RawSender, s.codec, s.queueSize)
	s.state.Store(int32(SessionOpen))
	s.logger.Debug("session opened")
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Peer() Hostname            { return s.peer }
func (s *Session) Perspective() Perspective  { return s.perspective }
func (s *Session) RemoteAddr() net.Addr      { return s.conn.RemoteAddr() }
func (s *Session) State() SessionState       { return SessionState(s.state.Load()) }
func (s *Session) Done() <-chan struct{}     { return s.done }
func (s *Session) Context() context.Context  { return s.ctx }
func (s *Session) Logger() *slog.Logger      { return s.logger }

// Err returns why the session closed, always wrapping [ErrConnectionLost],
// or nil while it is still usable.
func (s *Session) Err() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.err
}

// Send enqueues msg on the outbound queue. It returns once the message is
// queued, and only blocks while the queue is full.
func (s *Session) Send(ctx context.Context, msg wire.Message) error {
	if s.State() != SessionOpen {
		if err := s.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnectionLost, errSessionClosed)
	}

	size := wire.Size(msg)
	if size == 0 {
		return fmt.Errorf("%w: %T", wire.ErrUnknownKind, msg)
	}
	if !wire.Fits(msg, s.maxPayload) {
		return fmt.Errorf("%w: %d bytes", wire.ErrTooLargeFrame, size)
	}

	if err := s.sender.Send(ctx, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !errors.Is(err, flow.ErrFlowClosed) {
			// the stream is broken, nothing else will be written on it.
			go s.closeWith(err, QErrInternal)
		}
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	s.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(size), s.labels)
	return nil
}

// Serve starts the receive loop. Every inbound message is passed to handler.
// onClose is called exactly once when the session ends, whatever the reason,
// including when it already ended before Serve was called.
func (s *Session) Serve(handler Handler, onClose func(*Session, error)) {
	s.lk.Lock()
	if s.receiver != nil {
		s.lk.Unlock()
		return
	}
	s.onClose = onClose
	closed := s.State() == SessionClosed
	if !closed {
		s.receiver = flow.NewReceiver[wire.Message](s.rawRecv, s.codec, s.queueSize)
		go s.dispatch(handler, s.receiver)
	}
	err := s.err
	s.lk.Unlock()

	if closed && onClose != nil {
		onClose(s, err)
	}
}

func (s *Session) dispatch(handler Handler, recv *flow.Receiver[wire.Message]) {
	for {
		msg, err := recv.Recv(context.Background())
		if err != nil {
			code := QErrNone
			if errors.Is(err, wire.ErrProtocol) {
				code = QErrProtocolViolation
			}
			s.closeWith(err, code)
			return
		}

		s.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(wire.Size(msg)), s.labels)
		handler(s, msg)
	}
}

// Close gracefully closes the session: queued frames are flushed, the stream
// is half-closed and we wait for the peer to close its side before tearing
// the connection down.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(int32(SessionOpen), int32(SessionClosing)) {
		if s.State() == SessionConnecting {
			s.closeWith(errSessionClosed, QErrNone)
		}
		<-s.done
		return nil
	}

	err := s.sender.Close()

	s.lk.Lock()
	served := s.receiver != nil
	s.lk.Unlock()

	if served {
		timer := time.NewTimer(s.linger)
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Debug("peer did not close the session in time")
		}
		timer.Stop()
	}

	s.closeWith(errSessionClosed, QErrNone)
	if errors.Is(err, flow.ErrFlowClosed) {
		return nil
	}
	return err
}

func (s *Session) closeWith(cause error, code QuicApplicationError) {
	s.lk.Lock()
	if s.State() == SessionClosed {
		s.lk.Unlock()
		return
	}
	prev := SessionState(s.state.Swap(int32(SessionClosed)))
	onClose := s.onClose
	recv := s.receiver

	err := cause
	if !errors.Is(err, ErrConnectionLost) {
		err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	s.err = err
	s.lk.Unlock()

	s.cancel(err)

	switch {
	case errors.Is(cause, errSessionClosed), errors.Is(cause, ErrShutdown):
		s.logger.Debug("session closed")
	case errors.Is(cause, io.EOF):
		s.logger.Debug("peer closed the session")
	case prev == SessionClosing:
		s.logger.Debug("session closed while closing", LabelError.L(cause))
	default:
		s.logger.Warn("session lost", LabelError.L(cause))
		s.msink.IncrCounterWithLabels(MetricSessionLostCount, 1.0, s.labels)
	}

	msg := "bye"
	if code.Code != QErrNone.Code {
		msg = cause.Error()
	}
	code.Close(s.conn, msg)

	if s.sender != nil {
		_ = s.sender.Close()
	}
	if recv != nil {
		_ = recv.Close()
	}
	close(s.done)

	if onClose != nil {
		onClose(s, err)
	}
}
