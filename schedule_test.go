package conio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestSchedulePeriodicAndCancel(t *testing.T) {
	r := require.New(t)

	mock := clock.NewMock()
	g := startGroup(t, GroupConfig{Name: "sched", Clock: mock})

	var fired atomic.Int32
	sf, err := g.Schedule("tick", time.Second, 2*time.Second, func(*Co) {
		fired.Add(1)
	})
	r.NoError(err)
	r.Equal(time.Second, sf.Delay())

	mock.Add(time.Second)
	r.Eventually(func() bool { return fired.Load() == 1 }, testTimeout, time.Millisecond)
	r.Eventually(func() bool { return sf.Delay() == 2*time.Second }, testTimeout, time.Millisecond)

	mock.Add(2 * time.Second)
	r.Eventually(func() bool { return fired.Load() == 2 }, testTimeout, time.Millisecond)
	r.EqualValues(2, sf.Firings())

	r.True(sf.Cancel())
	r.False(sf.Cancel())
	r.True(sf.IsCancelled())
	r.Zero(sf.Delay())

	var getErr error
	runIn(t, g, func(co *Co) {
		_, getErr = sf.Get(co)
	})
	r.ErrorIs(getErr, ErrCancelled)

	mock.Add(10 * time.Second)
	runIn(t, g, func(*Co) {})
	r.EqualValues(2, fired.Load())
}

func TestScheduleOneShotResolves(t *testing.T) {
	r := require.New(t)

	mock := clock.NewMock()
	g := startGroup(t, GroupConfig{Name: "once", Clock: mock})

	sf, err := g.Schedule("once", 500*time.Millisecond, 0, func(co *Co) {
		co.Yield()
	})
	r.NoError(err)

	mock.Add(500 * time.Millisecond)

	var getErr error
	runIn(t, g, func(co *Co) {
		_, getErr = sf.Get(co)
	})
	r.NoError(getErr)
	r.True(sf.IsDone())
	r.EqualValues(1, sf.Firings())
}
