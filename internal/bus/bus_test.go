package bus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phytolab/scrubber-controller/internal/bus"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := bus.New()
	var first, second []bus.Event
	b.Subscribe(func(e bus.Event) { first = append(first, e) })
	b.Subscribe(func(e bus.Event) { second = append(second, e) })

	b.Publish(bus.EventRelayConfirmed, bus.RelayConfirmedPayload{Relay: "i4", State: 1})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, bus.EventRelayConfirmed, first[0].Type)
	assert.False(t, first[0].Timestamp.IsZero())

	payload, ok := first[0].Payload.(bus.RelayConfirmedPayload)
	require.True(t, ok)
	assert.Equal(t, "i4", payload.Relay)
}

func TestSubscribeDuringDeliveryTakesEffectNextPublish(t *testing.T) {
	b := bus.New()
	var late []bus.Event
	b.Subscribe(func(bus.Event) {
		b.Subscribe(func(e bus.Event) { late = append(late, e) })
	})

	b.Publish(bus.EventDeviceStatus, bus.DeviceStatusPayload{Online: true})
	assert.Empty(t, late)

	b.Publish(bus.EventDeviceStatus, bus.DeviceStatusPayload{Online: false})
	// one handler was added per publish
	assert.Len(t, late, 1)
}

func TestPublishWithNoSubscribers(t *testing.T) {
	b := bus.New()
	assert.NotPanics(t, func() {
		b.Publish(bus.EventDeviceUpdate, bus.DeviceUpdatePayload{})
	})
}
