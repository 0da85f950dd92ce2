// Package pipeline is the single serialized path every telemetry frame
// takes: transform, cache, accumulate, reconcile, broadcast. One frame
// at a time, in arrival order.
package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/internal/accumulator"
	"github.com/phytolab/scrubber-controller/internal/bus"
	"github.com/phytolab/scrubber-controller/internal/model"
	"github.com/phytolab/scrubber-controller/internal/relay"
	"github.com/phytolab/scrubber-controller/internal/statestore"
	"github.com/phytolab/scrubber-controller/internal/transform"
)

// ReadingSaver persists the last raw/calibrated reading pair.
type ReadingSaver interface {
	SaveLastReading(raw model.RawReading, calibrated model.CalibratedReading, at time.Time) error
}

type Pipeline struct {
	mu sync.Mutex

	transform  *transform.Pipeline
	store      *statestore.Store
	accum      *accumulator.Accumulator
	reconciler *relay.Reconciler
	events     *bus.Bus
	saver      ReadingSaver

	// last published online state; nil until the first status event
	lastOnline *bool
}

func New(t *transform.Pipeline, store *statestore.Store, accum *accumulator.Accumulator,
	reconciler *relay.Reconciler, events *bus.Bus, saver ReadingSaver) *Pipeline {
	return &Pipeline{
		transform:  t,
		store:      store,
		accum:      accum,
		reconciler: reconciler,
		events:     events,
		saver:      saver,
	}
}

// HandleFrame processes one telemetry frame end to end.
func (p *Pipeline) HandleFrame(raw model.RawReading, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	calibrated := p.transform.Apply(raw, at)
	p.store.SetReading(raw, calibrated, at)

	inlet, haveInlet := calibrated.Values[model.ChannelCO2Inlet]
	outlet, haveOutlet := calibrated.Values[model.ChannelCO2Outlet]
	if haveInlet && haveOutlet {
		p.accum.Process(inlet, outlet, at)
	}
	totals := p.accum.Totals()
	p.store.SetTotals(totals)

	p.reconciler.Verify(calibrated.Relays, at)

	if p.saver != nil {
		if err := p.saver.SaveLastReading(raw, calibrated, at); err != nil {
			log.Error().Err(err).Msg("Failed to persist last reading")
		}
	}

	p.events.Publish(bus.EventDeviceUpdate, bus.DeviceUpdatePayload{Reading: calibrated, Totals: totals})
	p.publishStatusLocked(at)
}

// RefreshStatus publishes a deviceStatus event when the derived
// online/offline state changes; scheduled periodically so staleness is
// noticed even with no frames arriving.
func (p *Pipeline) RefreshStatus() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishStatusLocked(time.Now())
}

func (p *Pipeline) publishStatusLocked(now time.Time) {
	status := p.store.Status(now)
	if p.lastOnline != nil && *p.lastOnline == status.Online {
		return
	}
	online := status.Online
	p.lastOnline = &online

	log.Info().Bool("online", status.Online).Time("last_update", status.LastUpdate).Msg("Device status changed")
	p.events.Publish(bus.EventDeviceStatus, bus.DeviceStatusPayload{
		Online:     status.Online,
		LastUpdate: status.LastUpdate,
	})
}
