// Package mqtt republishes controller events to an MQTT broker so
// dashboards and recorders can observe the scrubber without touching the
// controller's API.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/internal/bus"
)

type Bridge struct {
	client      paho.Client
	topicPrefix string
}

// NewBridge connects to the broker. The paho client handles its own
// reconnection; publish failures are logged and dropped, never fatal.
func NewBridge(broker, clientID, topicPrefix string) (*Bridge, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	log.Info().Str("broker", broker).Str("prefix", topicPrefix).Msg("MQTT event bridge connected")
	return &Bridge{client: client, topicPrefix: topicPrefix}, nil
}

// HandleEvent publishes one bus event; subscribe it to the event bus.
func (b *Bridge) HandleEvent(evt bus.Event) {
	payload, err := json.Marshal(map[string]any{
		"type":      string(evt.Type),
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339),
		"data":      evt.Payload,
	})
	if err != nil {
		log.Warn().Err(err).Str("event", string(evt.Type)).Msg("Failed to marshal event for MQTT")
		return
	}

	topic := fmt.Sprintf("%s/events/%s", b.topicPrefix, evt.Type)

	// QoS 0, not retained: observers want the live stream, state is
	// recoverable from the API. Completion is checked off the
	// publisher's goroutine so a slow broker never stalls the frame
	// pipeline.
	token := b.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			log.Warn().Str("topic", topic).Msg("MQTT publish timeout")
			return
		}
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// Close disconnects from the broker.
func (b *Bridge) Close() error {
	b.client.Disconnect(1000)
	return nil
}
