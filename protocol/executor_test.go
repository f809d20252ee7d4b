package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineExecutor(t *testing.T) {
	ran := false
	require.NoError(t, InlineExecutor{}.Go(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran = false
	assert.ErrorIs(t, InlineExecutor{}.Go(ctx, func() { ran = true }), context.Canceled)
	assert.False(t, ran)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	got, err := dispatch(ctx, GoExecutor{}, func(context.Context) int { return 42 }, func(int) {})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = dispatch(ctx, InlineExecutor{}, func(context.Context) int { return 7 }, func(int) {})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestDispatch_CancelledDrainsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	discarded := make(chan int, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := dispatch(ctx, GoExecutor{},
			func(context.Context) int {
				close(started)
				<-release
				return 9
			},
			func(v int) { discarded <- v },
		)
		errc <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	select {
	case v := <-discarded:
		assert.Equal(t, 9, v)
	case <-time.After(2 * time.Second):
		t.Fatal("late result was not drained")
	}
}
