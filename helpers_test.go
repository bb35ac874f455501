package sparse

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// testPKI issues mTLS configurations signed by a per-test CA.
type testPKI struct {
	ca    *x509.Certificate
	caKey *ecdsa.PrivateKey
	pool  *x509.CertPool
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caKey := generateKeyPair(t)
	ca, err := x509.ParseCertificate(generateCa(t, caKey))
	require.NoError(t, err, "failed to parse CA")

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &testPKI{ca: ca, caKey: caKey, pool: pool}
}

func (p *testPKI) tlsConfig(t *testing.T, cn string) *tls.Config {
	t.Helper()
	key := generateKeyPair(t)
	der := generateLeaf(t, p.ca, p.caKey, key, cn)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err, "failed to parse leaf")

	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{der},
				Leaf:        leaf,
				PrivateKey:  key,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  p.pool,
		RootCAs:    p.pool,
	}
}

func testLogHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func newTestSink() *metrics.InmemSink {
	return metrics.NewInmemSink(time.Second, 5*time.Minute)
}

// counterSum adds up every counter of sink named name, whatever its labels.
func counterSum(sink *metrics.InmemSink, name []string) float64 {
	prefix := strings.Join(name, ".")
	var sum float64
	for _, intv := range sink.Data() {
		intv.RLock()
		for key, val := range intv.Counters {
			if key == prefix || strings.HasPrefix(key, prefix+";") {
				sum += val.Sum
			}
		}
		intv.RUnlock()
	}
	return sum
}

func testConfig(role Role) NodeConfig {
	cfg := DefaultNodeConfig()
	cfg.Role = role
	cfg.Listen = Address{Host: "127.0.0.1"}
	cfg.Retry = RetryConfig{
		MaxRetries: 3,
		BaseDelay:  20 * time.Millisecond,
		MaxDelay:   200 * time.Millisecond,
	}
	cfg.DialTimeout = 2 * time.Second
	cfg.GracePeriod = 2 * time.Second
	return cfg
}

type testEnv struct {
	t     *testing.T
	pki   *testPKI
	msink *metrics.InmemSink
}

func newTestEnv(t *testing.T) *testEnv {
	return &testEnv{
		t:     t,
		pki:   newTestPKI(t),
		msink: newTestSink(),
	}
}

// node creates and starts a node, it is stopped when the test ends.
func (e *testEnv) node(name string, cfg NodeConfig, opts ...Option) *Node {
	e.t.Helper()
	cfg.ID = name
	opts = append([]Option{
		WithTlsConfig(e.pki.tlsConfig(e.t, name)),
		WithLog(testLogHandler(name)),
		WithMetricSink(e.msink),
	}, opts...)

	n, err := NewNode(cfg, opts...)
	require.NoError(e.t, err, "failed to create node %s", name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(e.t, n.Start(ctx), "failed to start node %s", name)

	e.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n.Stop(ctx)
	})
	return n
}

// transport creates a bare transport on an ephemeral port.
func (e *testEnv) transport(name string) *Transport {
	e.t.Helper()
	tr, err := NewTransport(&TransportConfig{
		TlsConfig:     e.pki.tlsConfig(e.t, name),
		BindAddr:      "127.0.0.1",
		MetricSink:    e.msink,
		LogHandler:    testLogHandler(name),
		DialTimeout:   2 * time.Second,
		LingerTimeout: 500 * time.Millisecond,
	})
	require.NoError(e.t, err, "failed to start transport %s", name)
	e.t.Cleanup(func() { tr.Close() })
	return tr
}

func addrOf(n *Node) Address {
	return Address{Host: "127.0.0.1", Port: n.Addr().(*net.UDPAddr).Port}
}

// unusedAddr returns a local address nobody listens on.
func unusedAddr(t *testing.T) Address {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return Address{Host: "127.0.0.1", Port: port}
}
