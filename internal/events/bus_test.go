package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventStamps(t *testing.T) {
	ev := NewEvent(EventTaskStatusChanged, 7, map[string]interface{}{"task_id": int64(3)})
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, int64(7), ev.AccountID)
}

func TestLocalBusDeliversByType(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	var got []*Event
	b.Subscribe(EventTaskStatusChanged, func(ctx context.Context, ev *Event) {
		got = append(got, ev)
	})

	require.NoError(t, b.Publish(context.Background(), NewEvent(EventTaskStatusChanged, 1, nil)))
	require.NoError(t, b.Publish(context.Background(), NewEvent(EventRunStatusChanged, 1, nil)))

	require.Len(t, got, 1)
	assert.Equal(t, EventTaskStatusChanged, got[0].Type)
}

func TestLocalBusUnsubscribe(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	calls := 0
	unsub := b.Subscribe(EventRunNodeChanged, func(ctx context.Context, ev *Event) {
		calls++
	})

	require.NoError(t, b.Publish(context.Background(), NewEvent(EventRunNodeChanged, 1, nil)))
	unsub()
	require.NoError(t, b.Publish(context.Background(), NewEvent(EventRunNodeChanged, 1, nil)))

	assert.Equal(t, 1, calls)
}

func TestLocalBusCloseDropsEvents(t *testing.T) {
	b := NewLocalBus()

	calls := 0
	b.Subscribe(EventRechargeConfirmed, func(ctx context.Context, ev *Event) {
		calls++
	})
	require.NoError(t, b.Close())

	require.NoError(t, b.Publish(context.Background(), NewEvent(EventRechargeConfirmed, 1, nil)))
	assert.Zero(t, calls)
}
