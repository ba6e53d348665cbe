package reactive_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/appcheck/reactive"
)

func TestCellStartsUnset(t *testing.T) {
	cell := reactive.NewCell[string]()

	val, ok := cell.Get()
	require.False(t, ok)
	require.Empty(t, val)
	require.Zero(t, cell.Version())
}

func TestCellLastWriteWins(t *testing.T) {
	cell := reactive.NewCell[string]()

	cell.Set("abc")
	cell.Set("xyz")

	val, ok := cell.Get()
	require.True(t, ok)
	require.Equal(t, "xyz", val)
	require.Equal(t, uint64(2), cell.Version())
}

func TestCellNotifiesEveryWrite(t *testing.T) {
	cell := reactive.NewCell[string]()

	var seen []string
	unsubscribe := cell.Subscribe(func(v string) {
		seen = append(seen, v)
	})

	cell.Set("same")
	cell.Set("same")
	require.Equal(t, []string{"same", "same"}, seen, "equal values must still notify")

	unsubscribe()
	unsubscribe()
	cell.Set("after")
	require.Len(t, seen, 2)
}

func TestCellObserversRunInSubscriptionOrder(t *testing.T) {
	cell := reactive.NewCell[int]()

	var order []string
	cell.Subscribe(func(int) { order = append(order, "first") })
	cancel := cell.Subscribe(func(int) { order = append(order, "second") })
	cell.Subscribe(func(int) { order = append(order, "third") })

	cell.Set(1)
	require.Equal(t, []string{"first", "second", "third"}, order)

	cancel()
	order = nil
	cell.Set(2)
	require.Equal(t, []string{"first", "third"}, order)
}

func TestCellChangedAndWait(t *testing.T) {
	cell := reactive.NewCell[string]()
	changed := cell.Changed()

	var wg sync.WaitGroup
	wg.Add(1)

	var (
		got     string
		version uint64
		waitErr error
	)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, version, waitErr = cell.Wait(ctx, 0)
	}()

	cell.Set("token")
	wg.Wait()

	require.NoError(t, waitErr)
	require.Equal(t, "token", got)
	require.Equal(t, uint64(1), version)

	select {
	case <-changed:
	default:
		t.Fatal("changed channel should be closed after a write")
	}
}

func TestCellWaitHonoursContext(t *testing.T) {
	cell := reactive.NewCell[string]()
	cell.Set("v1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, version, err := cell.Wait(ctx, cell.Version())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, uint64(1), version)
}
