package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/internal/bus"
)

// Notifier pushes operator alerts to ntfy.sh. A Notifier with an empty
// topic is valid and drops everything.
type Notifier struct {
	client *http.Client
	topic  string
}

func New(topic string) *Notifier {
	if topic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return &Notifier{}
	}

	log.Info().Str("topic", topic).Msg("Ntfy notifications initialized")
	return &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
		topic:  topic,
	}
}

// Send sends a notification to ntfy.sh.
func (n *Notifier) Send(title, message string) error {
	if n.topic == "" {
		return nil
	}

	url := fmt.Sprintf("https://ntfy.sh/%s", n.topic)

	payload := map[string]interface{}{
		"topic":   n.topic,
		"title":   title,
		"message": message,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}

// HandleEvent forwards relay failures and offline transitions to the
// operator. Subscribe it to the event bus.
func (n *Notifier) HandleEvent(evt bus.Event) {
	switch evt.Type {
	case bus.EventRelayFailed:
		p, ok := evt.Payload.(bus.RelayFailedPayload)
		if !ok {
			return
		}
		msg := fmt.Sprintf("Relay %s did not reach state %d after %d retries (device reports %d)",
			p.Relay, p.Desired, p.Retries, p.Actual)
		if err := n.Send("Scrubber relay failure", msg); err != nil {
			log.Warn().Err(err).Msg("Failed to send relay failure notification")
		}

	case bus.EventDeviceStatus:
		p, ok := evt.Payload.(bus.DeviceStatusPayload)
		if !ok || p.Online {
			return
		}
		msg := fmt.Sprintf("Scrubber offline, last update %s", p.LastUpdate.Format(time.RFC3339))
		if err := n.Send("Scrubber offline", msg); err != nil {
			log.Warn().Err(err).Msg("Failed to send offline notification")
		}
	}
}
