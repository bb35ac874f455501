package sparse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/sparse/pkg/wire"
)

const (
	defaultUDPBufferSize int = 1 << 21

	// ALPN is the application protocol negotiated by pipeline nodes.
	ALPN = "sparse/1"
)

// TransportConfig represents configuration for the pipeline transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the node listens and dials from.
	// A zero BindPort picks an ephemeral port.
	BindAddr string
	BindPort int

	// PeerResolver to resolve peer names from their certificates.
	PeerResolver PeerResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout bounds the QUIC handshake.
	DialTimeout time.Duration

	// IdleTimeout closes sessions whose peer went silent. Keep-alives are
	// sent well before it expires.
	IdleTimeout time.Duration

	// LingerTimeout is how long a gracefully closing session waits for the
	// peer to acknowledge the end of the stream.
	LingerTimeout time.Duration

	// MaxPayload bounds the payload of inbound frames.
	MaxPayload uint32

	// QueueSize is the number of frames buffered per direction and session.
	QueueSize uint

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport owns the UDP socket of a node. It is shared by the QUIC
// listener and every outbound session.
type Transport struct {
	cfg      *TransportConfig
	logger   *slog.Logger
	msink    metrics.MetricSink
	tlsConf  *tls.Config
	quicConf *quic.Config

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	lk sync.Mutex
	ln *Listener

	// QUIC layer
	tr *quic.Transport

	// UDP layer
	udpLn *net.UDPConn
}

func NewTransport(cfg *TransportConfig) (*Transport, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t := &Transport{
		cfg: cfg,
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = &metrics.BlackholeSink{}
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 1 * time.Minute
	}
	if cfg.LingerTimeout == 0 {
		cfg.LingerTimeout = 2 * time.Second
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = wire.DefaultMaxPayload
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if cfg.PeerResolver == nil {
		cfg.PeerResolver = CommonNameResolver
	}

	t.tlsConf = cfg.TlsConfig.Clone()
	t.tlsConf.NextProtos = []string{ALPN}

	t.quicConf = &quic.Config{
		Versions:             []quic.Version{quic.Version2, quic.Version1},
		HandshakeIdleTimeout: cfg.DialTimeout,
		MaxIdleTimeout:       cfg.IdleTimeout,
		KeepAlivePeriod:      cfg.IdleTimeout / 3,
		// A session is exactly one bidirectional stream.
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		if cfg.BindAddr != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, cfg.BindAddr)
		}
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: cfg.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		t.Close()
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}
	return t, nil
}

// Addr is the local UDP address of the transport.
func (t *Transport) Addr() net.Addr {
	return t.udpLn.LocalAddr()
}

// Listen starts accepting inbound sessions. A transport has at most one
// listener.
func (t *Transport) Listen() (*Listener, error) {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if t.ln != nil {
		return t.ln, nil
	}

	ln, err := t.tr.Listen(t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.ln = &Listener{
		t:      t,
		ln:     ln,
		ctx:    ctx,
		cancel: cancel,
		sessCh: make(chan *Session),
	}
	t.ln.wg.Add(1)
	go t.ln.acceptCx()
	return t.ln, nil
}

// Dial opens an outbound session with the node listening on addr.
func (t *Transport) Dial(ctx context.Context, addr string) (*Session, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(addr), LabelPerspective.M(ClientPerspective.String()))

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := t.tr.Dial(ctx, udpAddr, t.tlsConf, t.quicConf)
	if t.gracefulTerm.Load() {
		if conn != nil {
			QErrShutdown.Close(conn, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("dial")),
		)
		return nil, err
	}

	peer, err := t.resolvePeer(conn)
	if err != nil {
		return nil, err
	}

	sess := newSession(t, conn, ClientPerspective, peer)
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("cannot_open_stream")),
		)
		QErrInternal.Close(conn, "could not open the session stream")
		return nil, err
	}
	sess.open(stream)

	t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, mLabels)
	return sess, nil
}

// Close tears down every connection of the transport, no grace period is
// observed. Owners of sessions should close them first.
func (t *Transport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.lk.Lock()
	ln := t.ln
	t.lk.Unlock()

	var errs []error
	if ln != nil {
		errs = append(errs, ln.Close())
	}

	if t.tr != nil {
		errs = append(errs, t.tr.Close())
	}

	if t.udpLn != nil {
		if err := t.udpLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) resolvePeer(conn quic.Connection) (Hostname, error) {
	peer := conn.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(peer))
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer))

	name, uerr, err := t.cfg.PeerResolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve peer name", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("name_resolution")),
		)
		if uerr == "" {
			QErrHostname.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return "", fmt.Errorf("%w: %w", ErrHostnameResolve, err)
	}
	return name, nil
}

// Listener hands out inbound sessions.
type Listener struct {
	t      *Transport
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
	sessCh chan *Session

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Accept waits for the next inbound session. A session is only handed out
// once the peer sent its first frame.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrShutdown
	case sess := <-l.sessCh:
		return sess, nil
	}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new sessions. Established sessions are left
// untouched.
func (l *Listener) Close() (err error) {
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.ln.Close()
		l.wg.Wait()
	})
	return
}

func (l *Listener) acceptCx() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil && !l.t.gracefulTerm.Load() {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called, that's why we make assumptions but
				// that's not a good design.
				l.t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn quic.Connection) {
	defer l.wg.Done()
	peerAddr := conn.RemoteAddr().String()
	mLabels := withLabels(l.t.cfg.MetricLabels, LabelPeerAddr.M(peerAddr), LabelPerspective.M(ServerPerspective.String()))

	peer, err := l.t.resolvePeer(conn)
	if err != nil {
		return
	}

	sess := newSession(l.t, conn, ServerPerspective, peer)
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			QErrShutdown.Close(conn, "listener closed")
			return
		}
		l.t.logger.Debug("connection closed before a session was opened",
			LabelPeerAddr.L(peerAddr),
			LabelError.L(err),
		)
		l.t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("no_stream")),
		)
		return
	}
	sess.open(stream)

	select {
	case l.sessCh <- sess:
		l.t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, mLabels)
	case <-l.ctx.Done():
		sess.closeWith(ErrShutdown, QErrShutdown)
	}
}
