package sparse

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/memberlist"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	identityFieldID         protowire.Number = 1
	identityFieldRole       protowire.Number = 2
	identityFieldListen     protowire.Number = 3
	identityFieldDownstream protowire.Number = 4
	identityFieldMonitor    protowire.Number = 5
)

// Identity of a running node.
type Identity struct {
	ID         string
	Role       Role
	Listen     string
	Downstream string
	Monitor    string
}

func (id Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", id.ID),
		slog.String("role", string(id.Role)),
		slog.String("listen", id.Listen),
		slog.String("downstream", id.Downstream),
	)
}

func (id Identity) marshal() []byte {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		val string
	}{
		{identityFieldID, id.ID},
		{identityFieldRole, string(id.Role)},
		{identityFieldListen, id.Listen},
		{identityFieldDownstream, id.Downstream},
		{identityFieldMonitor, id.Monitor},
	} {
		if f.val == "" {
			continue
		}
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendString(b, f.val)
	}
	return b
}

func unmarshalIdentity(b []byte) (Identity, error) {
	var id Identity
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return id, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return id, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return id, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case identityFieldID:
			id.ID = v
		case identityFieldRole:
			id.Role = Role(v)
		case identityFieldListen:
			id.Listen = v
		case identityFieldDownstream:
			id.Downstream = v
		case identityFieldMonitor:
			id.Monitor = v
		}
	}
	return id, nil
}

// Member is a pipeline node seen by the membership layer.
type Member struct {
	Identity
	// Gossip is the address of its membership endpoint.
	Gossip string
}

// Membership lets pipeline nodes discover each other. It is purely
// informational: tasks are always routed by the static topology.
type Membership struct {
	ml     *memberlist.Memberlist
	logger *slog.Logger
}

func newMembership(c *config, logger *slog.Logger, id Identity, gcfg GossipConfig) (*Membership, error) {
	meta := id.marshal()
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("%w: node identity does not fit in gossip metadata", ErrInvalidCfg)
	}

	mlCfg := c.mlCfg
	mlCfg.Name = id.ID
	mlCfg.BindAddr = gcfg.BindAddr
	if mlCfg.BindAddr == "" {
		mlCfg.BindAddr = "0.0.0.0"
	}
	mlCfg.BindPort = gcfg.BindPort
	mlCfg.AdvertisePort = gcfg.BindPort
	mlCfg.Delegate = &metaDelegate{meta: meta}
	mlCfg.Events = &gossip{logger: logger}
	mlCfg.LogOutput = nil
	if c.logHandler != nil {
		mlCfg.Logger = slog.NewLogLogger(c.logHandler, slog.LevelDebug)
	} else {
		mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return &Membership{ml: ml, logger: logger}, nil
}

// Addr is where neighbours can join us.
func (m *Membership) Addr() string {
	node := m.ml.LocalNode()
	return node.Address()
}

func (m *Membership) Join(neighbours []string) error {
	if len(neighbours) == 0 {
		return nil
	}
	joined, err := m.ml.Join(neighbours)
	if err != nil {
		return fmt.Errorf("membership: could not join: %w", err)
	}
	if joined != len(neighbours) {
		m.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return nil
}

// Members lists the live nodes, ourselves included.
func (m *Membership) Members() []Member {
	nodes := m.ml.Members()
	members := make([]Member, 0, len(nodes))
	for _, node := range nodes {
		id, err := unmarshalIdentity(node.Meta)
		if err != nil {
			withLogNode(m.logger, node).Warn("invalid node metadata", LabelError.L(err))
			continue
		}
		members = append(members, Member{Identity: id, Gossip: node.Address()})
	}
	return members
}

func (m *Membership) Leave(timeout time.Duration) error {
	err := m.ml.Leave(timeout)
	if serr := m.ml.Shutdown(); err == nil {
		err = serr
	}
	return err
}

type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

type gossip struct {
	logger *slog.Logger
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelNodeID.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}
