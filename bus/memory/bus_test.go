package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"choreosaga/identity"
	"choreosaga/saga"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(16, 2)
	defer b.Close()

	var received atomic.Int32
	b.Subscribe("saga:order", func(ctx context.Context, event saga.ChoreographyEvent) error {
		received.Add(1)
		return nil
	})

	ctx := context.Background()
	sagaCtx := saga.NewContext(identity.NewSagaID(), "order", identity.PeerIDFromStepName("init"), 1, "")
	err := b.Publish(ctx, "saga:order", saga.NewSagaStarted(sagaCtx, identity.NewTraceID(), nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, time.Millisecond)
}

func TestPublishFullQueueReturnsError(t *testing.T) {
	b := New(1, 0)
	defer b.Close()

	ctx := context.Background()
	sagaCtx := saga.NewContext(identity.NewSagaID(), "order", identity.PeerIDFromStepName("init"), 1, "")
	require.NoError(t, b.Publish(ctx, "saga:order", saga.NewSagaStarted(sagaCtx, identity.NewTraceID(), nil)))

	err := b.Publish(ctx, "saga:order", saga.NewSagaStarted(sagaCtx, identity.NewTraceID(), nil))
	assert.Error(t, err)
}

func TestSubscribersAreIsolatedByTopic(t *testing.T) {
	b := New(16, 2)
	defer b.Close()

	var orderCount, shipCount atomic.Int32
	b.Subscribe("saga:order", func(ctx context.Context, event saga.ChoreographyEvent) error {
		orderCount.Add(1)
		return nil
	})
	b.Subscribe("saga:ship", func(ctx context.Context, event saga.ChoreographyEvent) error {
		shipCount.Add(1)
		return nil
	})

	ctx := context.Background()
	sagaCtx := saga.NewContext(identity.NewSagaID(), "order", identity.PeerIDFromStepName("init"), 1, "")
	require.NoError(t, b.Publish(ctx, "saga:order", saga.NewSagaStarted(sagaCtx, identity.NewTraceID(), nil)))

	require.Eventually(t, func() bool { return orderCount.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), shipCount.Load())
}
