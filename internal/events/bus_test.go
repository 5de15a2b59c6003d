package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus(4)
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Type: TypeFill, Pair: "BTC_USDT"})

	for _, ch := range []chan Event{a, b} {
		select {
		case ev := <-ch:
			require.Equal(t, TypeFill, ev.Type)
			require.Equal(t, "BTC_USDT", ev.Pair)
			require.False(t, ev.Timestamp.IsZero())
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishKeepsExplicitTimestamp(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: TypeRotation, Timestamp: ts})

	ev := <-ch
	require.Equal(t, ts, ev.Timestamp)
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	bus := NewBus(1)
	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Publish(Event{Type: TypeFill})
		bus.Publish(Event{Type: TypeFill}) // buffer full, must not block
		bus.Publish(Event{Type: TypeFill})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// only the buffered event survives
	require.Len(t, slow, 1)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()

	bus.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)

	// double unsubscribe is a no-op
	bus.Unsubscribe(ch)

	// publishing after unsubscribe must not panic
	bus.Publish(Event{Type: TypeCircuit})
}

func TestSendFillsCommandInbox(t *testing.T) {
	bus := NewBus(1)

	for i := 0; i < 16; i++ {
		require.True(t, bus.Send(Command{Type: CommandPause}))
	}
	require.False(t, bus.Send(Command{Type: CommandPause}), "full inbox must reject")

	cmd := <-bus.Commands()
	require.Equal(t, CommandPause, cmd.Type)
	require.True(t, bus.Send(Command{Type: CommandResume}))
}

func TestBufferDefaultsWhenInvalid(t *testing.T) {
	bus := NewBus(0)
	require.Equal(t, 64, bus.buffer)
}
