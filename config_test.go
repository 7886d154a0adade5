package conio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfig = `
group:
  name: edge
  backend: nio
  daemon: true
  host: 127.0.0.1
  port: 9400
  backlog: 64
pool:
  name: upstream
  max_size: 4
  max_wait: 2s
  heartbeat_interval: 10s
log:
  level: debug
`

func TestLoadConfig(t *testing.T) {
	r := require.New(t)

	fc, err := LoadConfig(strings.NewReader(testConfig))
	r.NoError(err)

	r.Equal("edge", fc.Group.Name)
	r.Equal(ReadinessBackend, fc.Group.Backend)
	r.True(fc.Group.Daemon)
	r.Equal("127.0.0.1", fc.Group.Host)
	r.Equal(9400, fc.Group.Port)
	r.Equal(64, fc.Group.Backlog)
	r.Equal(DefaultBufferSize, fc.Group.BufferSize)

	r.Equal("upstream", fc.Pool.Name)
	r.Equal(4, fc.Pool.MaxSize)
	r.Equal(2*time.Second, fc.Pool.MaxWait)
	r.Equal(10*time.Second, fc.Pool.HeartbeatInterval)

	r.Equal("debug", fc.Log.Level)
	log, err := NewLogger(fc.Log)
	r.NoError(err)
	r.NotNil(log)
}

func TestLoadConfigFile(t *testing.T) {
	r := require.New(t)

	path := filepath.Join(t.TempDir(), "conio.yaml")
	r.NoError(os.WriteFile(path, []byte("group:\n  name: file\n"), 0o600))

	fc, err := LoadConfigFile(path)
	r.NoError(err)
	r.Equal("file", fc.Group.Name)
	r.Equal(CompletionBackend, fc.Group.Backend)
	r.Equal(DefaultPoolName, fc.Pool.Name)
	r.Equal(DefaultMaxWait, fc.Pool.MaxWait)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	r.Error(err)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	r := require.New(t)

	_, err := LoadConfig(strings.NewReader("group:\n  colour: blue\n"))
	r.ErrorIs(err, ErrInvalidConfig)

	_, err = LoadConfig(strings.NewReader("group:\n  backend: io_uring\n"))
	r.ErrorIs(err, ErrInvalidConfig)

	fc, err := LoadConfig(strings.NewReader(""))
	r.NoError(err)
	r.Equal(DefaultGroupConfig(), fc.Group)
}

func TestGroupConfigValidate(t *testing.T) {
	r := require.New(t)

	r.NoError(DefaultGroupConfig().Validate())

	server := DefaultGroupConfig()
	server.Host = "127.0.0.1"
	r.ErrorIs(server.Validate(), ErrInvalidConfig)

	_, err := NewGroup(server)
	r.ErrorIs(err, ErrInvalidConfig)

	server.Initializer = InitializerFunc(func(Channel, bool) {})
	r.NoError(server.Validate())

	bad := DefaultGroupConfig()
	bad.Port = 70000
	r.ErrorIs(bad.Validate(), ErrInvalidConfig)

	bad = DefaultGroupConfig()
	bad.Backend = BackendKind(9)
	r.ErrorIs(bad.Validate(), ErrInvalidConfig)
}

func TestPoolConfigValidate(t *testing.T) {
	r := require.New(t)

	r.NoError(DefaultPoolConfig().Validate())
	r.GreaterOrEqual(DefaultPoolConfig().MaxSize, 5)

	cfg := DefaultPoolConfig()
	cfg.MaxSize = 0
	r.ErrorIs(cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultPoolConfig()
	cfg.MaxWait = 0
	r.ErrorIs(cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultPoolConfig()
	cfg.HeartbeatInterval = time.Second
	r.ErrorIs(cfg.Validate(), ErrInvalidConfig)

	cfg.HeartbeatCodec = DefaultLinePingCodec
	r.NoError(cfg.Validate())
}

func TestParseBackendKind(t *testing.T) {
	r := require.New(t)

	for in, want := range map[string]BackendKind{
		"":           CompletionBackend,
		"aio":        CompletionBackend,
		"Completion": CompletionBackend,
		"nio":        ReadinessBackend,
		" readiness": ReadinessBackend,
	} {
		got, err := ParseBackendKind(in)
		r.NoError(err, in)
		r.Equal(want, got, in)
	}

	_, err := ParseBackendKind("epoll")
	r.ErrorIs(err, ErrInvalidConfig)
	r.Equal("BackendKind(7)", BackendKind(7).String())

	_, err = NewLogger(LogConfig{Level: "loud"})
	r.ErrorIs(err, ErrInvalidConfig)
}
