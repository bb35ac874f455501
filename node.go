package sparse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// Node is a pipeline process: a source deploying tasks, a worker executing
// them or a monitor collecting statistics.
type Node struct {
	cfg      NodeConfig
	config   *config
	identity Identity
	logger   *slog.Logger

	tr         *Transport
	emitter    *Emitter
	deployer   *Deployer
	worker     *Worker
	monitor    *Monitor
	membership *Membership

	lk      sync.Mutex
	started bool
	stopped bool
}

// NewNode binds the node socket and wires the components of its role.
// Nothing is accepted nor dialed before `Node.Start`.
func NewNode(cfg NodeConfig, opts ...Option) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	c := &config{
		mlCfg: memberlist.DefaultLocalConfig(),
		trCfg: TransportConfig{
			DialTimeout: cfg.DialTimeout,
			IdleTimeout: cfg.IdleTimeout,
			MaxPayload:  cfg.MaxPayload,
			QueueSize:   cfg.QueueSize,
		},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if c.trCfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	n := &Node{cfg: cfg, config: c}
	if c.logHandler != nil {
		n.logger = slog.New(c.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With(LabelNodeID.L(cfg.ID), LabelRole.L(string(cfg.Role)))
	c.trCfg.LogHandler = n.logger.Handler()

	if c.msink == nil {
		c.msink = &metrics.BlackholeSink{}
		c.trCfg.MetricSink = c.msink
	}
	c.trCfg.MetricLabels = withLabels(c.metricLabels, LabelNodeID.M(cfg.ID), LabelRole.M(string(cfg.Role)))

	bindIP, err := resolveBindAddr(cfg.Listen.Host)
	if err != nil {
		return nil, err
	}
	c.trCfg.BindAddr = bindIP
	c.trCfg.BindPort = cfg.Listen.Port

	tr, err := NewTransport(&c.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.tr = tr

	n.identity = Identity{
		ID:         cfg.ID,
		Role:       cfg.Role,
		Listen:     tr.Addr().String(),
		Downstream: cfg.Downstream.String(),
		Monitor:    cfg.Monitor.String(),
	}

	if !cfg.Monitor.IsZero() {
		n.emitter = newEmitter(tr, cfg.Monitor.String(), cfg.StatsBuffer, cfg.Retry, cfg.DialTimeout)
	}

	var downstream *Deployer
	if !cfg.Downstream.IsZero() {
		downstream = newDeployer(tr, deployerConfig{
			target:      cfg.Downstream.String(),
			nodeID:      cfg.ID,
			role:        cfg.Role,
			maxInFlight: cfg.MaxInFlight,
			retry:       cfg.Retry,
			dialTimeout: cfg.DialTimeout,
			taskTimeout: cfg.TaskTimeout,
		}, n.emitter, c.onUnavailable)
	}

	switch cfg.Role {
	case RoleSource:
		n.deployer = downstream
	case RoleWorker:
		n.worker = newWorker(tr, cfg.ID, c.executor, downstream, n.emitter, cfg.GracePeriod)
	case RoleMonitor:
		n.monitor = newMonitor(tr, c.writers)
	}

	if cfg.Gossip.Enabled {
		n.membership, err = newMembership(c, n.logger, n.identity, cfg.Gossip)
		if err != nil {
			tr.Close()
			return nil, err
		}
	}

	return n, nil
}

func resolveBindAddr(host string) (string, error) {
	if host == "" || net.ParseIP(host) != nil {
		return host, nil
	}
	ip, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	return ip.String(), nil
}

// Start accepts sessions, for workers and monitors, and connects the
// downstream and monitor sessions in the background. Nothing is left
// running when it fails.
func (n *Node) Start(ctx context.Context) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.stopped {
		return ErrShutdown
	}
	if n.started {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	switch n.cfg.Role {
	case RoleSource:
		n.deployer.Start()
	case RoleWorker:
		err = n.worker.Start()
	case RoleMonitor:
		err = n.monitor.Start()
	}
	if err != nil {
		return err
	}
	n.emitter.Start()

	if n.membership != nil && ctx.Err() == nil {
		neighbours := append(append([]string(nil), n.cfg.Gossip.Neighbours...), n.config.neighbours...)
		if err := n.membership.Join(neighbours); err != nil {
			n.logger.Warn("could not join the membership cluster", LabelError.L(err))
		}
	}

	n.started = true
	n.logger.Info("node started", "identity", n.identity)
	return nil
}

// Stop drains the node: no new task is accepted, in-flight tasks are given
// the grace period to complete, then every session is closed.
func (n *Node) Stop(ctx context.Context) error {
	n.lk.Lock()
	if n.stopped {
		n.lk.Unlock()
		return nil
	}
	n.stopped = true
	n.lk.Unlock()

	n.logger.Info("shutting down...")
	var errs []error
	switch {
	case n.worker != nil:
		errs = append(errs, n.worker.Stop(ctx))
	case n.monitor != nil:
		errs = append(errs, n.monitor.Stop(ctx))
	case n.deployer != nil:
		errs = append(errs, n.deployer.Close())
	}

	errs = append(errs, n.emitter.Close())
	if n.membership != nil {
		errs = append(errs, n.membership.Leave(n.cfg.GracePeriod))
	}
	errs = append(errs, n.tr.Close())

	err := errors.Join(errs...)
	if err != nil {
		n.logger.Warn("shutdown completed with errors", LabelError.L(err))
	} else {
		n.logger.Info("shutdown completed")
	}
	return err
}

func (n *Node) Identity() Identity {
	return n.identity
}

func (n *Node) Addr() net.Addr {
	return n.tr.Addr()
}

// Deploy runs payload through the pipeline. Only sources deploy tasks.
func (n *Node) Deploy(ctx context.Context, payload []byte) ([]byte, error) {
	if n.deployer == nil || n.cfg.Role != RoleSource {
		return nil, ErrRole
	}
	return n.deployer.Deploy(ctx, payload)
}

// DeployTask is like `Node.Deploy` but returns the full result.
func (n *Node) DeployTask(ctx context.Context, payload []byte) (*Result, error) {
	if n.deployer == nil || n.cfg.Role != RoleSource {
		return nil, ErrRole
	}
	return n.deployer.DeployTask(ctx, payload)
}

// Monitor returns the statistics monitor of a monitor node, nil otherwise.
func (n *Node) Monitor() *Monitor {
	return n.monitor
}

// Members lists the nodes known by the membership layer, nil when gossip
// is disabled.
func (n *Node) Members() []Member {
	if n.membership == nil {
		return nil
	}
	return n.membership.Members()
}

// GossipAddr is where other nodes can join our membership cluster.
func (n *Node) GossipAddr() string {
	if n.membership == nil {
		return ""
	}
	return n.membership.Addr()
}
