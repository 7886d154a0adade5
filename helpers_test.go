package conio

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testTimeout = 10 * time.Second

// backendKinds returns the backends available on this platform.
func backendKinds() []BackendKind {
	if runtime.GOOS == "linux" {
		return []BackendKind{CompletionBackend, ReadinessBackend}
	}
	return []BackendKind{CompletionBackend}
}

// eachBackend runs fn as a subtest for every available backend.
func eachBackend(t *testing.T, fn func(t *testing.T, kind BackendKind)) {
	for _, kind := range backendKinds() {
		t.Run(kind.String(), func(t *testing.T) {
			fn(t, kind)
		})
	}
}

func startGroup(t *testing.T, cfg GroupConfig) *Group {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	g, err := NewGroup(cfg)
	require.NoError(t, err)
	require.NoError(t, g.Start())

	t.Cleanup(func() {
		g.Shutdown()
		select {
		case <-g.Done():
		case <-time.After(testTimeout):
			t.Errorf("group %s did not stop", g.Name())
		}
	})
	return g
}

func startClient(t *testing.T, kind BackendKind) *Group {
	t.Helper()
	return startGroup(t, GroupConfig{Name: "client", Backend: kind})
}

// startServer runs a server group on an ephemeral loopback port that
// drives every accepted channel with h.
func startServer(t *testing.T, kind BackendKind, h HandlerFunc) (*Group, string) {
	t.Helper()

	g := startGroup(t, GroupConfig{
		Name:    "server",
		Backend: kind,
		Host:    "127.0.0.1",
		Initializer: InitializerFunc(func(ch Channel, serverSide bool) {
			ch.SetHandler(h)
		}),
	})
	require.NotNil(t, g.Addr())
	return g, g.Addr().String()
}

// runIn runs fn in a coroutine of g and waits for it to return. fn
// must not call require: assertions belong to the test goroutine.
func runIn(t *testing.T, g *Group, fn func(co *Co)) {
	t.Helper()

	done := make(chan struct{})
	require.NoError(t, g.Go(t.Name(), func(co *Co) {
		defer close(done)
		fn(co)
	}))

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("coroutine did not finish")
	}
}

func echo(co *Co, ch Channel) {
	buf := ch.InBuffer()
	for {
		n, err := ch.Read(co, buf)
		if err != nil {
			return
		}
		if err := WriteFull(co, ch, buf[:n]); err != nil {
			return
		}
	}
}

func pong(co *Co, ch Channel) {
	for {
		line, err := ReadLine(co, ch)
		if err != nil || string(line) != "PING" {
			return
		}
		if err := WriteFull(co, ch, []byte("PONG\n")); err != nil {
			return
		}
	}
}

func hangup(*Co, Channel) {}
