package conio

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFutureResolvedGetDoesNotPark(t *testing.T) {
	r := require.New(t)

	f := ResolvedFuture(3, nil)
	v, err := f.Get(nil)
	r.NoError(err)
	r.Equal(3, v)

	boom := errors.New("boom")
	_, err = ResolvedFuture(0, boom).Get(nil)
	r.ErrorIs(err, boom)

	_, err = NewFuture[int]().Get(nil)
	r.ErrorIs(err, ErrNotInGroup)
}

func TestFutureWakesInRegistrationOrder(t *testing.T) {
	r := require.New(t)
	g := startClient(t, CompletionBackend)

	var (
		order   []string
		waiting int
		second  bool
	)
	runIn(t, g, func(co *Co) {
		f := NewFuture[int]()
		f.AddListener(func(v int, err error) {
			order = append(order, fmt.Sprintf("listener=%d", v))
		})
		for _, name := range []string{"a", "b"} {
			co.Spawn(name, func(c *Co) {
				v, _ := f.Get(c)
				order = append(order, fmt.Sprintf("%s=%d", name, v))
			})
		}
		waiting = f.Waiting()

		f.Complete(7, nil)
		second = f.Complete(8, nil)
		f.AddListener(func(v int, err error) {
			order = append(order, fmt.Sprintf("late=%d", v))
		})

		co.Yield()
	})

	r.Equal(2, waiting)
	r.False(second)
	r.Equal([]string{"listener=7", "late=7", "a=7", "b=7"}, order)
}

func TestContextCarriesCoroutine(t *testing.T) {
	r := require.New(t)
	g := startClient(t, CompletionBackend)

	var same, found bool
	var name string
	runIn(t, g, func(co *Co) {
		child := co.Spawn("child", func(c *Co) {
			got, ok := CoFromContext(c.Context())
			found = ok
			same = got == c
		})
		name = child.Name()
	})

	r.True(found)
	r.True(same)
	r.Equal("child", name)

	_, ok := CoFromContext(context.Background())
	r.False(ok)
	r.Panics(func() { MustCoFromContext(context.Background()) })
}
