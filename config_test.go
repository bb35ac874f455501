package sparse

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: worker-a
role: Worker
listen:
  host: 127.0.0.1
  port: 7001
downstream:
  host: 127.0.0.1
  port: 7002
monitor:
  host: 127.0.0.1
  port: 7100
max_inflight: 8
task_timeout: 2s
retry:
  max_retries: 10
  base_delay: 50ms
gossip:
  enabled: true
  bind_port: 7946
  neighbours:
    - 127.0.0.1:7947
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "worker-a", cfg.ID)
	require.Equal(t, RoleWorker, cfg.Role)
	require.Equal(t, "127.0.0.1:7001", cfg.Listen.String())
	require.Equal(t, "127.0.0.1:7002", cfg.Downstream.String())
	require.Equal(t, 8, cfg.MaxInFlight)
	require.Equal(t, 2*time.Second, cfg.TaskTimeout)
	require.Equal(t, 10, cfg.Retry.MaxRetries)
	require.Equal(t, 50*time.Millisecond, cfg.Retry.BaseDelay)
	require.True(t, cfg.Gossip.Enabled)
	require.Equal(t, []string{"127.0.0.1:7947"}, cfg.Gossip.Neighbours)

	// missing keys keep their defaults.
	def := DefaultNodeConfig()
	require.Equal(t, def.Retry.MaxDelay, cfg.Retry.MaxDelay)
	require.Equal(t, def.GracePeriod, cfg.GracePeriod)
	require.Equal(t, def.MaxPayload, cfg.MaxPayload)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, ErrInvalidCfg)

	path := filepath.Join(dir, "source.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"role": "source"}`), 0o600))
	_, err = LoadConfig(path)
	require.ErrorIs(t, err, ErrInvalidCfg, "a source needs a downstream")
}

func TestValidate(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.Role = "oracle"
	require.ErrorIs(t, cfg.Validate(), ErrInvalidCfg)

	cfg.Role = RoleMonitor
	require.NoError(t, cfg.Validate())
	cfg.Downstream = Address{Host: "127.0.0.1", Port: 1}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidCfg)

	cfg = DefaultNodeConfig()
	cfg.Role = RoleWorker
	cfg.Retry.MaxDelay = time.Millisecond
	require.ErrorIs(t, cfg.Validate(), ErrInvalidCfg)
}

func TestRetryBackoff(t *testing.T) {
	r := RetryConfig{MaxRetries: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	require.Equal(t, 100*time.Millisecond, r.Backoff(1))
	require.Equal(t, 200*time.Millisecond, r.Backoff(2))
	require.Equal(t, 800*time.Millisecond, r.Backoff(4))
	require.Equal(t, time.Second, r.Backoff(5))
	require.Equal(t, time.Second, r.Backoff(50))
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("10.0.0.1:7001")
	require.NoError(t, err)
	require.Equal(t, Address{Host: "10.0.0.1", Port: 7001}, addr)

	_, err = ParseAddress("10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidAddr)
	_, err = ParseAddress("10.0.0.1:http")
	require.ErrorIs(t, err, ErrInvalidAddr)
}

func TestNewNodeOptions(t *testing.T) {
	cfg := testConfig(RoleWorker)

	_, err := NewNode(cfg)
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = NewNode(cfg, WithExecutor(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewNode(cfg, WithUDPBuffer(-1, false))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
