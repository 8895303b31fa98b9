package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	ch := make(chan any, 1)
	unsubscribe, err := bus.Subscribe("vm", ch)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "vm", "hello"))
	assert.Equal(t, "hello", <-ch)
	assert.Equal(t, 1, bus.Subscribers("vm"))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.Subscribers("vm"))

	require.NoError(t, bus.Publish(context.Background(), "vm", "ignored"))
	assert.Empty(t, ch)
}

func TestPublishDropsForFullSubscriber(t *testing.T) {
	bus := New()
	ch := make(chan any, 1)
	_, err := bus.Subscribe("vm", ch)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "vm", 1))
	require.NoError(t, bus.Publish(ctx, "vm", 2))
	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, 1, <-ch)
}

func TestSubscribeRejectsNil(t *testing.T) {
	_, err := New().Subscribe("vm", nil)
	require.Error(t, err)
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, New().Publish(ctx, "vm", 1), context.Canceled)
}
