// Package transform maps raw telemetry frames to calibrated readings
// using dated, append-only per-channel transform tables. Historical
// reprocessing picks the version active at the record's own timestamp.
package transform

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/internal/model"
)

// Func converts one channel's raw value. The full raw reading is passed
// so transforms can reference sibling channels (e.g. deriving an outlet
// value from the inlet). A returned error or panic falls that single
// field back to its raw value.
type Func func(raw float64, reading model.RawReading) (float64, error)

// Version is one dated transform table. EffectiveFrom is inclusive,
// EffectiveTo exclusive; a zero EffectiveTo means open-ended.
type Version struct {
	Number        int
	EffectiveFrom time.Time
	EffectiveTo   time.Time
	Funcs         map[string]Func
}

// Registry holds transform versions ordered by effective-from.
// Versions are append-only.
type Registry struct {
	mu       sync.RWMutex
	versions []Version
}

func NewRegistry(versions ...Version) (*Registry, error) {
	r := &Registry{}
	for _, v := range versions {
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a version. Its effective-from must not precede the
// previously registered version's.
func (r *Registry) Register(v Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.versions); n > 0 {
		prev := r.versions[n-1]
		if v.EffectiveFrom.Before(prev.EffectiveFrom) {
			return fmt.Errorf("transform version %d effective-from %s precedes version %d",
				v.Number, v.EffectiveFrom.Format(time.RFC3339), prev.Number)
		}
	}
	r.versions = append(r.versions, v)
	return nil
}

// Active returns the version in effect at t: the most recent whose
// effective-from <= t and whose effective-to (if set) is still ahead of t.
func (r *Registry) Active(t time.Time) (Version, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.versions) - 1; i >= 0; i-- {
		v := r.versions[i]
		if v.EffectiveFrom.After(t) {
			continue
		}
		if !v.EffectiveTo.IsZero() && !t.Before(v.EffectiveTo) {
			continue
		}
		return v, true
	}
	return Version{}, false
}

// Pipeline applies the active transform version plus the independent pH
// calibration path to raw readings.
type Pipeline struct {
	registry *Registry

	mu sync.RWMutex
	ph *model.PHProfile
}

func NewPipeline(registry *Registry, ph *model.PHProfile) *Pipeline {
	return &Pipeline{registry: registry, ph: ph}
}

// SetPHProfile swaps the active pH calibration (explicit recalibration).
func (p *Pipeline) SetPHProfile(profile *model.PHProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ph = profile
}

// PHProfile returns the active pH calibration, nil if none configured.
func (p *Pipeline) PHProfile() *model.PHProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ph
}

// Apply produces a calibrated reading from raw using the version active
// at time at. A failing per-channel transform never aborts the frame:
// the affected field keeps its raw value.
func (p *Pipeline) Apply(raw model.RawReading, at time.Time) model.CalibratedReading {
	out := model.CalibratedReading{
		Values:    make(map[string]float64, len(raw)),
		Relays:    make(map[string]int),
		Timestamp: at,
	}

	version, haveVersion := p.registry.Active(at)
	ph := p.PHProfile()

	for id, value := range raw {
		if model.IsRelayChannel(id) {
			if value >= 0.5 {
				out.Relays[id] = 1
			} else {
				out.Relays[id] = 0
			}
			continue
		}

		// The pH probe has its own calibration path and bypasses the
		// transform table entirely.
		if id == model.ChannelPH && ph != nil {
			out.Values[id] = ApplyPH(ph, value)
			continue
		}

		if haveVersion {
			if fn, ok := version.Funcs[id]; ok {
				out.Values[id] = safeApply(fn, id, value, raw, version.Number)
				continue
			}
		}
		out.Values[id] = value
	}

	return out
}

func safeApply(fn Func, id string, raw float64, reading model.RawReading, version int) (result float64) {
	result = raw
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("channel", id).
				Int("transform_version", version).
				Interface("panic", r).
				Msg("Transform panicked, keeping raw value")
			result = raw
		}
	}()

	v, err := fn(raw, reading)
	if err != nil {
		log.Warn().
			Str("channel", id).
			Int("transform_version", version).
			Err(err).
			Msg("Transform failed, keeping raw value")
		return raw
	}
	return v
}
