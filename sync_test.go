package conio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMutexHandsOffInOrder(t *testing.T) {
	r := require.New(t)
	g := startClient(t, CompletionBackend)

	var (
		order    []string
		tried    bool
		waitersN int
	)
	runIn(t, g, func(co *Co) {
		var mu Mutex
		if err := mu.Lock(co); err != nil {
			return
		}

		for _, name := range []string{"x", "y"} {
			co.Spawn(name, func(c *Co) {
				if err := mu.Lock(c); err != nil {
					return
				}
				order = append(order, name)
				mu.Unlock()
			})
		}

		tried = mu.TryLock(co)
		waitersN = mu.WaitCount()
		order = append(order, "main")
		mu.Unlock()
		co.Yield()

		if err := mu.Lock(co); err == nil {
			mu.Unlock()
		}
	})

	r.False(tried)
	r.Equal(2, waitersN)
	r.Equal([]string{"main", "x", "y"}, order)
}

func TestWaitGroupWaitsForChildren(t *testing.T) {
	r := require.New(t)
	g := startClient(t, CompletionBackend)

	var finished, seen int
	runIn(t, g, func(co *Co) {
		var wg WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			co.Spawn("child", func(c *Co) {
				defer wg.Done()
				c.Yield()
				finished++
			})
		}
		if err := wg.Wait(co); err == nil {
			seen = finished
		}
	})

	r.Equal(3, seen)
	r.Panics(func() {
		var wg WaitGroup
		wg.Done()
	})
}

func TestErrGroupReportsFirstError(t *testing.T) {
	r := require.New(t)
	g := startClient(t, CompletionBackend)

	first := errors.New("first")
	second := errors.New("second")

	var err, cause error
	runIn(t, g, func(co *Co) {
		eg := co.ErrGroup()
		eg.Go("ok", func(c *Co) error {
			c.Yield()
			return nil
		})
		eg.Go("first", func(c *Co) error {
			c.Yield()
			return first
		})
		eg.Go("second", func(c *Co) error {
			c.Yield()
			c.Yield()
			return second
		})
		err = eg.Wait()
		cause = context.Cause(eg.Context())
	})

	r.ErrorIs(err, first)
	r.ErrorIs(cause, first)
}

func TestYieldRunsBehindReadyCoroutines(t *testing.T) {
	r := require.New(t)
	g := startClient(t, CompletionBackend)

	var order []int
	runIn(t, g, func(co *Co) {
		for i := 1; i <= 3; i++ {
			co.Spawn("yielder", func(c *Co) {
				c.Yield()
				order = append(order, i)
			})
		}
		co.Yield()
		order = append(order, 0)
	})

	r.Equal([]int{1, 2, 3, 0}, order)
}
