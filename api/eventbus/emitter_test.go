package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testEvent uint

func (t testEvent) String() string { return "test" }
func (t testEvent) Value() uint    { return uint(t) }

func TestBusPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub := bus.Subscribe(testEvent(1))
	require.True(t, sub.IsActive())
	defer sub.Unsubscribe()

	bus.Publish(testEvent(1), "hello")
	bus.Publish(testEvent(2), "ignored")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, ok := sub.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "hello", data)
}

func TestBusDisabled(t *testing.T) {
	bus := New()
	bus.Disable()

	sub := bus.Subscribe(testEvent(1))
	require.False(t, sub.IsActive())

	_, ok := sub.Next(context.Background())
	require.False(t, ok)
}

func TestBusIndependentInstances(t *testing.T) {
	a, b := New(), New()
	defer a.Close()
	defer b.Close()

	subB := b.Subscribe(testEvent(1))
	defer subB.Unsubscribe()

	a.Publish(testEvent(1), "only-a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok := subB.Next(ctx)
	require.False(t, ok)
}

func TestNilBus(t *testing.T) {
	var bus *Bus

	bus.Publish(testEvent(1), "nothing")
	require.False(t, bus.Subscribe(testEvent(1)).IsActive())
}
