package main

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/webriots/conio"
	"go.uber.org/zap/zaptest"
)

func startGroup(t *testing.T, cfg conio.GroupConfig) *conio.Group {
	t.Helper()

	cfg.Logger = zaptest.NewLogger(t)
	g, err := conio.NewGroup(cfg)
	require.NoError(t, err)
	require.NoError(t, g.Start())
	t.Cleanup(func() {
		g.Shutdown()
		g.Await()
	})
	return g
}

func serverWith(t *testing.T, h conio.HandlerFunc) string {
	t.Helper()

	g := startGroup(t, conio.GroupConfig{
		Name: "server",
		Host: "127.0.0.1",
		Initializer: conio.InitializerFunc(func(ch conio.Channel, _ bool) {
			ch.SetHandler(h)
		}),
	})
	return g.Addr().String()
}

type trip struct {
	sent, echoed int
	err          error
}

func roundTrips(t *testing.T, addr string, msgs ...string) []trip {
	t.Helper()

	client := startGroup(t, conio.GroupConfig{Name: "client"})
	pool, err := conio.NewPool(client, conio.PoolConfig{
		Name:       "echo",
		MaxSize:    1,
		MaxWait:    10 * time.Second,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	done := make(chan []trip, 1)
	require.NoError(t, client.Go("trips", func(co *conio.Co) {
		var trips []trip
		for _, msg := range msgs {
			var tr trip
			tr.sent, tr.echoed, tr.err = roundTrip(co, pool, addr, msg)
			trips = append(trips, tr)
		}
		done <- trips
	}))

	select {
	case trips := <-done:
		return trips
	case <-time.After(10 * time.Second):
		t.Fatal("round trips did not finish")
		return nil
	}
}

func TestRoundTripCountsEchoedBytes(t *testing.T) {
	r := require.New(t)

	addr := serverWith(t, echoLines)
	trips := roundTrips(t, addr, "hello", "PING", "second line")

	r.Len(trips, 3)
	for i, want := range []int{6, 5, 12} {
		r.Equal(want, trips[i].sent, "trip %d", i)
		r.Equal(want, trips[i].echoed, "trip %d", i)
	}
	r.NoError(trips[0].err)
	r.ErrorContains(trips[1].err, "echo mismatch") // PING is answered with PONG
	r.NoError(trips[2].err)
}

func TestRoundTripReportsShortReply(t *testing.T) {
	r := require.New(t)

	addr := serverWith(t, func(co *conio.Co, ch conio.Channel) {
		for {
			if _, err := conio.ReadLine(co, ch); err != nil {
				return
			}
			if err := conio.WriteFull(co, ch, []byte("ok\n")); err != nil {
				return
			}
		}
	})
	trips := roundTrips(t, addr, "hello world")

	r.Len(trips, 1)
	r.Equal(12, trips[0].sent)
	r.Equal(3, trips[0].echoed)
	r.ErrorContains(trips[0].err, "echo mismatch")
}
