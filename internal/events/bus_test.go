package events_test

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/events/eventstest"
)

func TestBus_RoutesByTopic(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())

	var got []interface{}
	bus.Subscribe(events.TopicDeviceAlert, func(evt events.Event) {
		got = append(got, evt.Payload)
	})

	bus.Publish(events.TopicSensorReading, "reading")
	bus.Publish(events.TopicDeviceAlert, "alert")

	require.Len(t, got, 1)
	assert.Equal(t, "alert", got[0])
}

func TestBus_SubscribeAllAndUnsubscribe(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	rec := eventstest.NewRecorder(bus)

	sub := bus.Subscribe(events.TopicDeviceOffline, func(events.Event) {})
	assert.Equal(t, 2, bus.SubscriberCount())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Publish(events.TopicDeviceOffline, events.DeviceOffline{DeviceID: "d1"})
	bus.Publish(events.TopicDeviceRegistered, nil)

	assert.Equal(t, 2, rec.Count(""))
	assert.Equal(t, 1, rec.Count(events.TopicDeviceOffline))

	rec.Stop()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_CloseDetachesEverything(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	calls := 0
	bus.SubscribeAll(func(events.Event) { calls++ })
	bus.Subscribe(events.TopicDeviceAlert, func(events.Event) { calls++ })

	bus.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(events.TopicDeviceAlert, nil)
	bus.Subscribe(events.TopicDeviceAlert, func(events.Event) { calls++ })
	bus.Publish(events.TopicDeviceAlert, nil)

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	bus.Subscribe(events.TopicDeviceAlert, func(events.Event) { panic("bad handler") })

	delivered := false
	bus.Subscribe(events.TopicDeviceAlert, func(events.Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(events.TopicDeviceAlert, nil) })
	assert.True(t, delivered)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	rec := eventstest.NewRecorder(bus)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(events.TopicSensorReading, j)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, rec.Count(events.TopicSensorReading))
}
