package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/prompthook/pkg/channels/gochannel"
	"github.com/dukex/prompthook/pkg/eventbus"
	"github.com/dukex/prompthook/pkg/events"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	defer func() { _ = bus.Close() }()

	received := make(chan *events.BatchProgressed, 1)

	require.NoError(t, bus.Handle(events.BatchProgressedEvent, func(_ context.Context, event eventbus.Event) error {
		received <- event.(*events.BatchProgressed)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	published := events.BatchProgressed{
		BaseEvent: events.NewBaseEvent(events.BatchProgressedEvent, 1),
		BatchID:   "batch-1",
		Progress:  models.BatchProgress{InitialTotal: 3, Total: 3, Completed: 3, Enqueued: 3},
		Finished:  true,
	}

	require.NoError(t, bus.Publish(ctx, "batch-1", published))

	select {
	case event := <-received:
		assert.Equal(t, "batch-1", event.BatchID)
		assert.True(t, event.Finished)
		assert.Equal(t, int64(3), event.Progress.Completed)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	defer func() { _ = bus.Close() }()

	require.NoError(t, bus.Subscribe(ctx))

	err = bus.Publish(ctx, "trigger-1", events.TriggerCreated{
		BaseEvent:   events.NewBaseEvent(events.TriggerCreatedEvent, 1),
		TriggerUUID: "trigger-1",
	})
	assert.NoError(t, err)
}
