package sparse

import (
	"crypto/tls"
	"log/slog"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

type config struct {
	mlCfg         *memberlist.Config
	trCfg         TransportConfig
	logHandler    slog.Handler
	msink         metrics.MetricSink
	metricLabels  []metrics.Label
	neighbours    []string
	executor      Executor
	writers       []RecordWriter
	onUnavailable func(error)
}

// Option to pass to `NewNode`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// TODO(raskyld): Wait for the buildflag to always use the
		// hashicorp version so we don't need to do the translation.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by every session of the node.
// Peers authenticate each other with their certificates, so the config
// should require and verify client certificates.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithPeerResolver overrides how peer names are derived from their
// certificates. See `CommonNameResolver` for the default.
func WithPeerResolver(resolver PeerResolver) Option {
	return func(c *config) error {
		if resolver == nil {
			resolver = CommonNameResolver
		}
		c.trCfg.PeerResolver = resolver
		return nil
	}
}

// WithUDPBuffer requests a kernel buffer of size bytes for the node socket.
// If enforce is true, the node fails to start when the kernel refuses it.
func WithUDPBuffer(size int, enforce bool) Option {
	return func(c *config) error {
		if size < 0 {
			return ErrInvalidCfg
		}
		c.trCfg.BufferSize = size
		c.trCfg.EnforceBufferSize = enforce
		return nil
	}
}

// WithExecutor sets the stage computation run by a worker for every task.
// Workers default to `Passthrough`.
func WithExecutor(exec Executor) Option {
	return func(c *config) error {
		if exec == nil {
			return ErrInvalidCfg
		}
		c.executor = exec
		return nil
	}
}

// WithRecordWriter mirrors every statistics record collected by a monitor
// node to w.
func WithRecordWriter(w RecordWriter) Option {
	return func(c *config) error {
		if w == nil {
			return ErrInvalidCfg
		}
		c.writers = append(c.writers, w)
		return nil
	}
}

// WithUpstreamUnavailableHandler is called once, with an error wrapping
// `ErrUpstreamUnavailable`, when the downstream of a node cannot be reached
// anymore after exhausting its retries.
func WithUpstreamUnavailableHandler(fn func(error)) Option {
	return func(c *config) error {
		c.onUnavailable = fn
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// membership cluster. It has no effect if gossip is disabled.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = append(c.neighbours, neighbours...)
		return nil
	}
}
