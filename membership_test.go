package sparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdentityMetadata(t *testing.T) {
	in := Identity{
		ID:         "worker-a",
		Role:       RoleWorker,
		Listen:     "127.0.0.1:7001",
		Downstream: "127.0.0.1:7002",
	}
	out, err := unmarshalIdentity(in.marshal())
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = unmarshalIdentity([]byte{0xFF})
	require.Error(t, err)
}

func TestMembership(t *testing.T) {
	env := newTestEnv(t)

	gossip := func(cfg NodeConfig, neighbours ...string) NodeConfig {
		cfg.Gossip = GossipConfig{
			Enabled:    true,
			BindAddr:   "127.0.0.1",
			Neighbours: neighbours,
		}
		return cfg
	}

	worker := env.node("worker", gossip(testConfig(RoleWorker)))
	require.NotEmpty(t, worker.GossipAddr())

	scfg := testConfig(RoleSource)
	scfg.Downstream = addrOf(worker)
	source := env.node("source", gossip(scfg, worker.GossipAddr()))

	for _, n := range []*Node{worker, source} {
		require.Eventually(t, func() bool {
			return len(n.Members()) == 2
		}, 10*time.Second, 50*time.Millisecond)
	}

	roles := map[string]Role{}
	for _, m := range worker.Members() {
		roles[m.ID] = m.Role
	}
	require.Equal(t, map[string]Role{"worker": RoleWorker, "source": RoleSource}, roles)

	for _, m := range source.Members() {
		if m.ID == "source" {
			require.Equal(t, addrOf(worker).String(), m.Downstream)
		}
	}
}
