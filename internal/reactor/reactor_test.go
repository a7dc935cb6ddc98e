package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostRunsOnLoop(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	require.NoError(t, r.Post(func() {
		close(done)
		cancel()
	}))

	go func() { _ = r.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted handler never ran")
	}
}

func TestScheduleRepeatingFiresNTimes(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fires := make(chan struct{}, 10)
	_, err = r.ScheduleRepeating(5*time.Millisecond, 3, func() {
		fires <- struct{}{}
	})
	require.NoError(t, err)

	go func() { _ = r.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-fires:
		case <-time.After(2 * time.Second):
			t.Fatalf("timer fired only %d/3 times", i)
		}
	}
}

func TestSpawnDeliversOnLoop(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	delivered := make(chan struct{})

	r.Spawn(ctx, func(ctx context.Context, deliver func(Handler)) error {
		deliver(func() {
			close(delivered)
			cancel()
		})
		return nil
	})

	go func() { _ = r.Run(ctx) }()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("pump event never delivered")
	}

	require.NoError(t, r.Shutdown(context.Background()))
}

func TestAwaitPromiseDeliversResult(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := r.Promisify(ctx, func(ctx context.Context) (any, error) {
		return 42, nil
	})

	result := make(chan any, 1)
	r.AwaitPromise(ctx, p, func(v any) { result <- v })

	go func() { _ = r.Run(ctx) }()

	select {
	case v := <-result:
		require.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("promise result never delivered")
	}
}
