package sparse

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/raskyld/sparse/pkg/wire"
	"github.com/spf13/viper"
)

// Role of a node in a pipeline.
type Role string

const (
	RoleSource  Role = "source"
	RoleWorker  Role = "worker"
	RoleMonitor Role = "monitor"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSource, RoleWorker, RoleMonitor:
		return true
	}
	return false
}

// Address of a node. A zero port on a listen address picks an ephemeral one.
type Address struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ParseAddress parses a "host:port" string.
func ParseAddress(hostport string) (Address, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return Address{}, fmt.Errorf("%w: bad port %q", ErrInvalidAddr, port)
	}
	return Address{Host: host, Port: p}, nil
}

func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// RetryConfig bounds the reconnection attempts of an outbound session.
// The delay between two attempts starts at BaseDelay and doubles up to
// MaxDelay.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// Backoff returns the delay to observe before the given attempt, starting
// at 1.
func (r RetryConfig) Backoff(attempt int) time.Duration {
	delay := r.BaseDelay
	for i := 1; i < attempt && delay < r.MaxDelay; i++ {
		delay *= 2
	}
	if delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	return delay
}

// GossipConfig enables the membership layer.
type GossipConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	BindAddr   string   `mapstructure:"bind_addr"`
	BindPort   int      `mapstructure:"bind_port"`
	Neighbours []string `mapstructure:"neighbours"`
}

// NodeConfig is the static configuration of a pipeline node.
type NodeConfig struct {
	// ID identifies the node in statistics and membership. A random UUID
	// is used when empty.
	ID   string `mapstructure:"id"`
	Role Role   `mapstructure:"role"`

	// Listen is where workers and monitors accept sessions, and where
	// sources bind their socket.
	Listen Address `mapstructure:"listen"`

	// Downstream is the next hop. Required for sources, optional for
	// workers: a worker without downstream is the terminal stage.
	Downstream Address `mapstructure:"downstream"`

	// Monitor receives the statistics of the node when set.
	Monitor Address `mapstructure:"monitor"`

	// MaxInFlight bounds the number of tasks pending on the downstream.
	MaxInFlight int         `mapstructure:"max_inflight"`
	Retry       RetryConfig `mapstructure:"retry"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// TaskTimeout bounds how long a deployed task may stay pending.
	// Zero disables it.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// GracePeriod bounds how long Stop waits for in-flight tasks.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	MaxPayload  uint32 `mapstructure:"max_payload"`
	QueueSize   uint   `mapstructure:"queue_size"`
	StatsBuffer int    `mapstructure:"stats_buffer"`

	Gossip GossipConfig `mapstructure:"gossip"`
}

// DefaultNodeConfig returns a configuration with every tunable set.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		MaxInFlight: 64,
		Retry: RetryConfig{
			MaxRetries: 5,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		DialTimeout: 5 * time.Second,
		GracePeriod: 10 * time.Second,
		IdleTimeout: 1 * time.Minute,
		MaxPayload:  wire.DefaultMaxPayload,
		QueueSize:   256,
		StatsBuffer: 1024,
	}
}

// withDefaults fills every zero tunable from `DefaultNodeConfig`.
func (c NodeConfig) withDefaults() NodeConfig {
	def := DefaultNodeConfig()
	if c.MaxInFlight == 0 {
		c.MaxInFlight = def.MaxInFlight
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
	if c.StatsBuffer == 0 {
		c.StatsBuffer = def.StatsBuffer
	}
	return c
}

// Validate checks the configuration is usable for the node role.
func (c NodeConfig) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidCfg, c.Role)
	}
	if c.Role == RoleSource && c.Downstream.IsZero() {
		return fmt.Errorf("%w: a source needs a downstream", ErrInvalidCfg)
	}
	if c.Role == RoleMonitor && !c.Downstream.IsZero() {
		return fmt.Errorf("%w: a monitor has no downstream", ErrInvalidCfg)
	}
	if c.Role == RoleMonitor && !c.Monitor.IsZero() {
		return fmt.Errorf("%w: a monitor does not report to another monitor", ErrInvalidCfg)
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("%w: max_inflight must be positive", ErrInvalidCfg)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("%w: invalid retry policy", ErrInvalidCfg)
	}
	if c.TaskTimeout < 0 || c.GracePeriod < 0 || c.DialTimeout < 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalidCfg)
	}
	for _, addr := range []Address{c.Listen, c.Downstream, c.Monitor} {
		if addr.Port < 0 || addr.Port > 65535 {
			return fmt.Errorf("%w: %w: port %d", ErrInvalidCfg, ErrInvalidAddr, addr.Port)
		}
	}
	return nil
}

// LoadConfig reads a node configuration from a YAML, JSON or TOML file.
// Keys missing from the file keep their `DefaultNodeConfig` value.
func LoadConfig(path string) (NodeConfig, error) {
	v := viper.New()
	def := DefaultNodeConfig()
	v.SetDefault("max_inflight", def.MaxInFlight)
	v.SetDefault("retry.max_retries", def.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", def.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", def.Retry.MaxDelay)
	v.SetDefault("dial_timeout", def.DialTimeout)
	v.SetDefault("grace_period", def.GracePeriod)
	v.SetDefault("idle_timeout", def.IdleTimeout)
	v.SetDefault("max_payload", def.MaxPayload)
	v.SetDefault("queue_size", def.QueueSize)
	v.SetDefault("stats_buffer", def.StatsBuffer)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return NodeConfig{}, fmt.Errorf("%w: reading %s: %w", ErrInvalidCfg, path, err)
	}

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("%w: decoding %s: %w", ErrInvalidCfg, path, err)
	}
	cfg.Role = Role(strings.ToLower(string(cfg.Role)))

	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}
