package model

import "time"

// RawReading is one telemetry frame's channel values, keyed by channel id.
// The device reports sensor channels ("d1".."d32") and relay channels
// ("i1".."i8"). Immutable once received.
type RawReading map[string]float64

// Sensor channel ids reported by the scrubber.
const (
	ChannelAirTemp   = "d1"
	ChannelHumidity  = "d2"
	ChannelWaterTemp = "d3"
	ChannelLight     = "d5"
	ChannelCO2Inlet  = "d9"
	ChannelCO2Outlet = "d10"
	ChannelPH        = "d12"
	ChannelFlowRate  = "d14"
)

// RelayChannels lists the digital output channels the device exposes.
var RelayChannels = []string{"i1", "i2", "i3", "i4", "i5", "i6", "i7", "i8"}

// IsRelayChannel reports whether id names a known relay output.
func IsRelayChannel(id string) bool {
	for _, r := range RelayChannels {
		if r == id {
			return true
		}
	}
	return false
}

// CalibratedReading is a RawReading with the active transform version
// applied, plus the relay-state submap split out of the channel space.
type CalibratedReading struct {
	Values    map[string]float64 `json:"values"`
	Relays    map[string]int     `json:"relays"`
	Timestamp time.Time          `json:"timestamp"`
}

// RelayState returns the last reported state of a relay, or -1 if the
// device has never reported it.
func (c CalibratedReading) RelayState(relay string) int {
	if v, ok := c.Relays[relay]; ok {
		return v
	}
	return -1
}

// RuleMode selects how an automation rule computes its relay target.
type RuleMode string

const (
	RuleModeManual RuleMode = "manual"
	RuleModeSensor RuleMode = "sensor"
	RuleModeTime   RuleMode = "time"
)

// AutomationRule drives a relay from a sensor threshold or a time window.
// Manual rules exist only as operator bookmarks and are never evaluated.
type AutomationRule struct {
	ID      string   `json:"id"`
	Relay   string   `json:"relay"`
	Mode    RuleMode `json:"mode"`
	Enabled bool     `json:"enabled"`

	// sensor mode
	Sensor    string  `json:"sensor,omitempty"`
	Operator  string  `json:"operator,omitempty"` // "<" or ">"
	Threshold float64 `json:"threshold,omitempty"`

	// time mode, "HH:MM" wall clock; start > end wraps midnight
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// AccumulatedTotals is the persisted output of the gas-exchange
// accumulator. The two cumulative fields never decrease except on an
// explicit reset.
type AccumulatedTotals struct {
	CO2AbsorbedGrams  float64        `json:"co2_absorbed_grams"`
	O2GeneratedLiters float64        `json:"o2_generated_liters"`
	AirflowRate       float64        `json:"airflow_rate"`
	LastCalculation   time.Time      `json:"last_calculation_time"`
	History           []HistoryEntry `json:"history"`
}

// HistoryEntry records one nonzero accumulation step.
type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	CO2Grams     float64   `json:"co2_grams"`
	O2Liters     float64   `json:"o2_liters"`
	DiffPPM      float64   `json:"diff_ppm"`
	ElapsedHours float64   `json:"elapsed_hours"`
}

// PHPoint pairs a buffer solution's reference pH with the raw probe value
// observed in it.
type PHPoint struct {
	Reference float64 `json:"reference"`
	Raw       float64 `json:"raw"`
}

// PHProfile holds the linear calibration derived from a 2- or 3-point
// probe calibration. Mutated only via explicit recalibration.
type PHProfile struct {
	Type   string    `json:"type"` // "2-point" or "3-point"
	Points []PHPoint `json:"points"`
	Slope  float64   `json:"slope"`
	Offset float64   `json:"offset"`
}

// DeviceStatus is derived, never stored: online iff a reading arrived
// within the freshness window.
type DeviceStatus struct {
	Online     bool      `json:"online"`
	LastUpdate time.Time `json:"lastUpdate"`
}
