// Package poller is the pull-based fallback for the realtime channel:
// while the device looks stale it fetches the most recent raw reading
// over HTTP and feeds it through the same pipeline.
package poller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/internal/model"
	"github.com/phytolab/scrubber-controller/internal/statestore"
)

// Handler matches the connection manager's frame handler.
type Handler func(model.RawReading, time.Time)

type Poller struct {
	client  *http.Client
	url     string
	handler Handler
	store   *statestore.Store
}

func New(url string, handler Handler, store *statestore.Store) *Poller {
	return &Poller{
		client:  &http.Client{Timeout: 10 * time.Second},
		url:     url,
		handler: handler,
		store:   store,
	}
}

// Poll fetches one reading if the realtime channel has gone stale.
// Scheduled as a periodic job; errors are logged and retried next cycle.
func (p *Poller) Poll() {
	if p.url == "" {
		return
	}
	if p.store.Online(time.Now()) {
		return
	}

	reading, err := p.fetch()
	if err != nil {
		log.Warn().Err(err).Msg("Fallback fetch failed")
		return
	}

	log.Info().Int("channels", len(reading)).Msg("Fallback fetch delivered a reading")
	p.handler(reading, time.Now())
}

func (p *Poller) fetch() (model.RawReading, error) {
	resp, err := p.client.Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("fetch latest reading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch latest reading: status %d", resp.StatusCode)
	}

	var reading model.RawReading
	if err := json.NewDecoder(resp.Body).Decode(&reading); err != nil {
		return nil, fmt.Errorf("decode latest reading: %w", err)
	}
	if len(reading) == 0 {
		return nil, fmt.Errorf("latest reading is empty")
	}
	return reading, nil
}
