package transform

import (
	"fmt"
	"time"

	"github.com/phytolab/scrubber-controller/internal/model"
)

// DefaultRegistry returns the scrubber's transform history. Versions are
// append-only: recalibrating the fleet means adding a new dated version
// here, never editing an old one, so reprocessed historical frames keep
// their period-correct calibration.
func DefaultRegistry() *Registry {
	v1 := Version{
		Number:        1,
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EffectiveTo:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Funcs: map[string]Func{
			// probe reports tenths of a degree / tenths of a percent
			model.ChannelAirTemp:   scale(0.1),
			model.ChannelWaterTemp: scale(0.1),
			model.ChannelHumidity:  scale(0.1),
			model.ChannelFlowRate:  scale(0.01),
		},
	}

	v2 := Version{
		Number:        2,
		EffectiveFrom: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Funcs: map[string]Func{
			model.ChannelAirTemp:   offsetScale(0.1, -0.3), // probe drift measured 2025-02
			model.ChannelWaterTemp: scale(0.1),
			model.ChannelHumidity:  scale(0.1),
			model.ChannelFlowRate:  scale(0.01),
			model.ChannelCO2Outlet: deriveOutlet,
		},
	}

	r, err := NewRegistry(v1, v2)
	if err != nil {
		panic(err)
	}
	return r
}

func scale(factor float64) Func {
	return func(raw float64, _ model.RawReading) (float64, error) {
		return raw * factor, nil
	}
}

func offsetScale(factor, offset float64) Func {
	return func(raw float64, _ model.RawReading) (float64, error) {
		return raw*factor + offset, nil
	}
}

// deriveOutlet estimates the outlet CO2 concentration from the inlet
// when the outlet NDIR sensor drops to zero (known dropout failure mode
// on long duty cycles).
func deriveOutlet(raw float64, reading model.RawReading) (float64, error) {
	if raw > 0 {
		return raw, nil
	}
	inlet, ok := reading[model.ChannelCO2Inlet]
	if !ok {
		return 0, fmt.Errorf("outlet sensor dropped out and no inlet reading present")
	}
	return inlet * 0.85, nil
}
