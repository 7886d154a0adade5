package conio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultGroupName         = "coGroup"
	DefaultBacklog           = 1000
	DefaultBufferSize        = 4096
	DefaultPoolName          = "PullChanPool"
	DefaultMaxWait           = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// BackendKind selects the I/O backend of a Group.
type BackendKind int

const (
	// CompletionBackend issues every operation asynchronously and
	// collects completions on a result queue.
	CompletionBackend BackendKind = iota
	// ReadinessBackend waits for socket readiness with epoll.
	ReadinessBackend
)

func (k BackendKind) String() string {
	switch k {
	case CompletionBackend:
		return "completion"
	case ReadinessBackend:
		return "readiness"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

// ParseBackendKind accepts "completion" (or "aio") and "readiness"
// (or "nio").
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "completion", "aio":
		return CompletionBackend, nil
	case "readiness", "nio":
		return ReadinessBackend, nil
	default:
		return 0, configError("unknown backend %q", s)
	}
}

func (k BackendKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *BackendKind) UnmarshalText(text []byte) error {
	v, err := ParseBackendKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// GroupConfig configures a Group. Zero values of Name, Backlog,
// BufferSize, Logger and Clock are replaced by defaults; Port 0 binds
// an ephemeral port.
type GroupConfig struct {
	Name       string      `yaml:"name"`
	Backend    BackendKind `yaml:"backend"`
	Daemon     bool        `yaml:"daemon"`
	Host       string      `yaml:"host"`
	Port       int         `yaml:"port"`
	Backlog    int         `yaml:"backlog"`
	BufferSize int         `yaml:"buffer_size"`

	Initializer ChannelInitializer    `yaml:"-"`
	Logger      *zap.Logger           `yaml:"-"`
	Clock       clock.Clock           `yaml:"-"`
	Registerer  prometheus.Registerer `yaml:"-"`
}

// DefaultGroupConfig returns a client-only configuration on the
// completion backend.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		Name:       DefaultGroupName,
		Backend:    CompletionBackend,
		Backlog:    DefaultBacklog,
		BufferSize: DefaultBufferSize,
	}
}

func (c GroupConfig) withDefaults() GroupConfig {
	if c.Name == "" {
		c.Name = DefaultGroupName
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Validate reports the first invalid setting.
func (c GroupConfig) Validate() error {
	switch c.Backend {
	case CompletionBackend, ReadinessBackend:
	default:
		return configError("unknown backend %v", c.Backend)
	}
	if c.Backend == ReadinessBackend && runtime.GOOS != "linux" {
		return configError("%s backend is only available on linux", c.Backend)
	}
	if c.Port < 0 || c.Port > 65535 {
		return configError("port %d", c.Port)
	}
	if c.Backlog < 0 {
		return configError("backlog %d", c.Backlog)
	}
	if c.BufferSize < 0 {
		return configError("buffer size %d", c.BufferSize)
	}
	if c.Host != "" && c.Initializer == nil {
		return configError("group %q listens on %s but has no channel initializer", c.Name, c.Host)
	}
	return nil
}

// PoolConfig configures a Pool. A positive HeartbeatInterval enables
// the heartbeat and requires HeartbeatCodec.
type PoolConfig struct {
	Name              string        `yaml:"name"`
	MaxSize           int           `yaml:"max_size"`
	MaxWait           time.Duration `yaml:"max_wait"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	HeartbeatCodec HeartbeatCodec        `yaml:"-"`
	Logger         *zap.Logger           `yaml:"-"`
	Registerer     prometheus.Registerer `yaml:"-"`
}

// DefaultPoolConfig sizes the pool after the number of CPUs and
// leaves the heartbeat disabled.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Name:    DefaultPoolName,
		MaxSize: runtime.NumCPU()<<2 + 1,
		MaxWait: DefaultMaxWait,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Name == "" {
		c.Name = DefaultPoolName
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Validate reports the first invalid setting.
func (c PoolConfig) Validate() error {
	if c.MaxSize < 1 {
		return configError("pool %q: max size %d", c.Name, c.MaxSize)
	}
	if c.MaxWait <= 0 {
		return configError("pool %q: max wait %v", c.Name, c.MaxWait)
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatCodec == nil {
		return configError("pool %q: heartbeat enabled without codec", c.Name)
	}
	return nil
}

// LogConfig selects the zap logger built by NewLogger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// NewLogger builds a zap logger from c.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, configError("log level %q", c.Level)
		}
		zc.Level = level
	}
	return zc.Build()
}

// FileConfig is the on-disk configuration of a Group, an optional
// Pool and logging.
type FileConfig struct {
	Group GroupConfig `yaml:"group"`
	Pool  PoolConfig  `yaml:"pool"`
	Log   LogConfig   `yaml:"log"`
}

// LoadConfig decodes YAML from r on top of the defaults. Unknown
// keys are rejected.
func LoadConfig(r io.Reader) (*FileConfig, error) {
	fc := &FileConfig{
		Group: DefaultGroupConfig(),
		Pool:  DefaultPoolConfig(),
		Log:   LogConfig{Level: "info"},
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return fc, nil
}

// LoadConfigFile reads and decodes the YAML file at path.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadConfig(bytes.NewReader(data))
}
