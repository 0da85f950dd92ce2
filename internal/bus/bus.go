// Package bus is the boundary-layer publish mechanism: core services
// publish typed events, observers (MQTT bridge, notifications, API
// websockets) subscribe.
package bus

import (
	"sync"
	"time"

	"github.com/phytolab/scrubber-controller/internal/model"
)

type EventType string

const (
	EventDeviceUpdate        EventType = "deviceUpdate"
	EventDeviceStatus        EventType = "deviceStatus"
	EventAutomationTriggered EventType = "automationTriggered"
	EventRelayConfirmed      EventType = "relayConfirmed"
	EventRelayFailed         EventType = "relayFailed"
)

// Event is one published occurrence. Payload is one of the *Payload
// structs below, matching Type.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// DeviceUpdatePayload carries the latest calibrated reading and derived
// gas-exchange metrics.
type DeviceUpdatePayload struct {
	Reading model.CalibratedReading `json:"reading"`
	Totals  model.AccumulatedTotals `json:"totals"`
}

type DeviceStatusPayload struct {
	Online     bool      `json:"online"`
	LastUpdate time.Time `json:"lastUpdate"`
}

type AutomationTriggeredPayload struct {
	RuleID string `json:"ruleId"`
	Relay  string `json:"relay"`
	State  int    `json:"state"`
	Reason string `json:"reason"`
}

type RelayConfirmedPayload struct {
	Relay string `json:"relay"`
	State int    `json:"state"`
}

type RelayFailedPayload struct {
	Relay   string `json:"relay"`
	Desired int    `json:"desired"`
	Actual  int    `json:"actual"`
	Retries int    `json:"retries"`
}

// Handler receives every published event. Handlers run synchronously on
// the publisher's goroutine and must not block.
type Handler func(Event)

type Bus struct {
	mu   sync.RWMutex
	subs []Handler
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Publish fans the event out to every subscriber.
func (b *Bus) Publish(evtType EventType, payload any) {
	evt := Event{Type: evtType, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	subs := make([]Handler, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, h := range subs {
		h(evt)
	}
}
