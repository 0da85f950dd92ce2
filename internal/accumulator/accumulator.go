// Package accumulator integrates the inlet/outlet CO2 differential over
// time into cumulative absorbed-CO2 mass and generated-O2 volume.
package accumulator

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/internal/datadog"
	"github.com/phytolab/scrubber-controller/internal/model"
)

// Physical constants for the conversion chain. CO2 mass per ppm of
// concentration per cubic meter of air at 25C; O2/CO2 molar mass ratio;
// O2 gas volume per gram at 25C.
const (
	co2GramsPerPPMCubicMeter = 0.0018
	o2MassRatio              = 32.0 / 44.0
	o2LitersPerGram          = 0.70
)

// Persister writes totals through to durable storage.
type Persister interface {
	SaveTotals(model.AccumulatedTotals) error
}

type Config struct {
	AirflowRateM3H    float64
	NoiseFloorPPM     float64
	CaptureEfficiency float64
	MaxElapsed        time.Duration
	DefaultInterval   time.Duration
	HistorySize       int
}

type Accumulator struct {
	// Process runs on the serialized frame path, but Totals/Reset and
	// the periodic persistence job run on other goroutines.
	mu        sync.Mutex
	cfg       Config
	persister Persister

	totals model.AccumulatedTotals
}

// New restores an accumulator from previously persisted totals, or
// starts fresh when initial is nil.
func New(cfg Config, persister Persister, initial *model.AccumulatedTotals) *Accumulator {
	a := &Accumulator{cfg: cfg, persister: persister}
	if initial != nil {
		a.totals = *initial
	}
	a.totals.AirflowRate = cfg.AirflowRateM3H
	return a
}

// Increment is the result of one processing step.
type Increment struct {
	CO2Grams float64
	O2Liters float64
}

// Process integrates one inlet/outlet concentration pair. Differentials
// at or below the noise floor advance the calculation clock without
// banking elapsed time into a later increment. Elapsed time is capped so
// restarts and missed ticks cannot inflate a single step.
func (a *Accumulator) Process(inletPPM, outletPPM float64, now time.Time) Increment {
	a.mu.Lock()
	defer a.mu.Unlock()

	diff := inletPPM - outletPPM
	if diff < 0 {
		diff = 0
	}

	if diff <= a.cfg.NoiseFloorPPM {
		a.advanceClock(now)
		return Increment{}
	}

	elapsed := a.cfg.DefaultInterval
	if !a.totals.LastCalculation.IsZero() {
		elapsed = now.Sub(a.totals.LastCalculation)
		if elapsed < 0 {
			// out-of-order frame; contribute nothing, keep the clock
			return Increment{}
		}
		if elapsed > a.cfg.MaxElapsed {
			elapsed = a.cfg.MaxElapsed
		}
	}

	hours := elapsed.Hours()
	co2Grams := diff * a.cfg.AirflowRateM3H * hours * co2GramsPerPPMCubicMeter
	o2Liters := co2Grams * o2MassRatio * a.cfg.CaptureEfficiency * o2LitersPerGram

	a.totals.CO2AbsorbedGrams += co2Grams
	a.totals.O2GeneratedLiters += o2Liters
	a.totals.LastCalculation = now

	a.totals.History = append(a.totals.History, model.HistoryEntry{
		Timestamp:    now,
		CO2Grams:     co2Grams,
		O2Liters:     o2Liters,
		DiffPPM:      diff,
		ElapsedHours: hours,
	})
	if n := len(a.totals.History); n > a.cfg.HistorySize {
		a.totals.History = a.totals.History[n-a.cfg.HistorySize:]
	}

	datadog.Gauge("accumulator.co2_absorbed_grams", a.totals.CO2AbsorbedGrams)
	datadog.Gauge("accumulator.o2_generated_liters", a.totals.O2GeneratedLiters)

	// persist on every nonzero increment, not just the periodic timer,
	// to minimize loss across a crash
	if co2Grams > 0 {
		if err := a.persist(); err != nil {
			log.Error().Err(err).Msg("Failed to persist accumulated totals")
		}
	}

	return Increment{CO2Grams: co2Grams, O2Liters: o2Liters}
}

func (a *Accumulator) advanceClock(now time.Time) {
	if a.totals.LastCalculation.IsZero() || now.After(a.totals.LastCalculation) {
		a.totals.LastCalculation = now
	}
}

// Totals returns a copy of the current totals.
func (a *Accumulator) Totals() model.AccumulatedTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

func (a *Accumulator) snapshot() model.AccumulatedTotals {
	t := a.totals
	t.History = append([]model.HistoryEntry(nil), a.totals.History...)
	return t
}

// Reset zeroes the cumulative quantities and clears the history. This is
// the only operation allowed to decrease totals.
func (a *Accumulator) Reset(now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	log.Info().
		Float64("co2_absorbed_grams", a.totals.CO2AbsorbedGrams).
		Float64("o2_generated_liters", a.totals.O2GeneratedLiters).
		Msg("Resetting accumulated totals")

	a.totals.CO2AbsorbedGrams = 0
	a.totals.O2GeneratedLiters = 0
	a.totals.History = nil
	a.totals.LastCalculation = now
	return a.persist()
}

// Persist writes the current totals through to storage; used by the
// periodic persistence job as a safety net alongside increment writes.
func (a *Accumulator) Persist() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persist()
}

// persist requires a.mu held.
func (a *Accumulator) persist() error {
	if a.persister == nil {
		return nil
	}
	return a.persister.SaveTotals(a.snapshot())
}
