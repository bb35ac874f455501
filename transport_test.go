package sparse

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/sparse/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestTransportSession(t *testing.T) {
	env := newTestEnv(t)
	ts1 := env.transport("node1")
	ts2 := env.transport("node2")

	ln, err := ts1.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ts2.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	require.Equal(t, Hostname("node1"), client.Peer())
	require.Equal(t, SessionOpen, client.State())

	responses := make(chan *wire.Response, 4)
	clientClosed := make(chan error, 1)
	client.Serve(func(_ *Session, msg wire.Message) {
		responses <- msg.(*wire.Response)
	}, func(_ *Session, err error) {
		clientClosed <- err
	})

	// the server only sees the session once the first frame is sent.
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, client.Send(ctx, &wire.Request{CorrelationID: i, Payload: []byte("ping")}))
	}

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, Hostname("node2"), server.Peer())

	serverClosed := make(chan error, 1)
	server.Serve(func(s *Session, msg wire.Message) {
		req := msg.(*wire.Request)
		_ = s.Send(ctx, &wire.Response{
			CorrelationID: req.CorrelationID,
			Payload:       append(req.Payload, " pong"...),
		})
	}, func(_ *Session, err error) {
		serverClosed <- err
	})

	t.Run("frames are delivered in order", func(t *testing.T) {
		for i := uint64(1); i <= 3; i++ {
			select {
			case res := <-responses:
				require.Equal(t, i, res.CorrelationID)
				require.Equal(t, "ping pong", string(res.Payload))
			case <-ctx.Done():
				t.Fatalf("timed out")
			}
		}
	})

	t.Run("oversized frames are rejected locally", func(t *testing.T) {
		err := client.Send(ctx, &wire.Request{Payload: make([]byte, wire.DefaultMaxPayload+1024)})
		require.ErrorIs(t, err, wire.ErrTooLargeFrame)
		require.Equal(t, SessionOpen, client.State())
	})

	t.Run("graceful close is observed by both ends", func(t *testing.T) {
		require.NoError(t, client.Close())
		require.Equal(t, SessionClosed, client.State())

		select {
		case err := <-serverClosed:
			require.ErrorIs(t, err, ErrConnectionLost)
			require.ErrorIs(t, err, io.EOF)
		case <-ctx.Done():
			t.Fatalf("server never noticed the session closed")
		}
		select {
		case err := <-clientClosed:
			require.ErrorIs(t, err, ErrConnectionLost)
		case <-ctx.Done():
			t.Fatalf("client onClose never called")
		}

		err := client.Send(ctx, &wire.Request{CorrelationID: 9})
		require.ErrorIs(t, err, ErrConnectionLost)
	})

	require.Greater(t, counterSum(env.msink, MetricConnEstCount), 0.0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ts1.Close()
	}()
	go func() {
		defer wg.Done()
		ts2.Close()
	}()
	wg.Wait()

	_, err = ts1.Listen()
	require.ErrorIs(t, err, ErrShutdown)
	_, err = ts2.Dial(ctx, ln.Addr().String())
	require.ErrorIs(t, err, ErrShutdown)
}

func TestServeAfterClose(t *testing.T) {
	env := newTestEnv(t)
	ts1 := env.transport("node1")
	ts2 := env.transport("node2")
	ln, err := ts1.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ts2.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	called := make(chan error, 1)
	client.Serve(func(*Session, wire.Message) {}, func(_ *Session, err error) {
		called <- err
	})
	select {
	case err := <-called:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-ctx.Done():
		t.Fatalf("onClose must be called even when the session is already closed")
	}
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	env := newTestEnv(t)
	ln, err := env.transport("node1").Listen()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := ln.Accept(context.Background())
		errCh <- err
	}()

	require.NoError(t, ln.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(5 * time.Second):
		t.Fatalf("Accept still blocked")
	}
}

func TestTransportRequiresTLS(t *testing.T) {
	_, err := NewTransport(&TransportConfig{BindAddr: "127.0.0.1"})
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = NewTransport(&TransportConfig{
		BindAddr:  "not an ip",
		TlsConfig: newTestPKI(t).tlsConfig(t, "node"),
	})
	require.ErrorIs(t, err, ErrInvalidAddr)
}

func TestNewNodePortInUse(t *testing.T) {
	holder, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer holder.Close()

	cfg := testConfig(RoleWorker)
	cfg.Listen.Port = holder.LocalAddr().(*net.UDPAddr).Port

	var n *Node
	require.NotPanics(t, func() {
		n, err = NewNode(cfg, WithTlsConfig(newTestPKI(t).tlsConfig(t, "busy")))
	})
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.Nil(t, n)

	_, err = NewTransport(&TransportConfig{
		BindAddr:   "127.0.0.1",
		BindPort:   cfg.Listen.Port,
		TlsConfig:  newTestPKI(t).tlsConfig(t, "busy"),
		LogHandler: testLogHandler("busy"),
	})
	require.Error(t, err)
}

func TestCommonNameResolver(t *testing.T) {
	name, _, err := CommonNameResolver([]*x509.Certificate{
		{Subject: pkix.Name{CommonName: "worker-a"}},
	})
	require.NoError(t, err)
	require.Equal(t, Hostname("worker-a"), name)

	_, reason, err := CommonNameResolver(nil)
	require.True(t, errors.Is(err, ErrHostnameResolve))
	require.NotEmpty(t, reason)
}
