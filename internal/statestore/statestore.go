// Package statestore caches the device's most recent readings and
// derives online/offline status from reading freshness.
package statestore

import (
	"sync"
	"time"

	"github.com/phytolab/scrubber-controller/internal/model"
)

type Store struct {
	mu sync.RWMutex

	lastRaw        model.RawReading
	lastCalibrated model.CalibratedReading
	lastTotals     model.AccumulatedTotals
	lastUpdate     time.Time

	freshness time.Duration
}

func New(freshness time.Duration) *Store {
	return &Store{freshness: freshness}
}

// SetReading records the latest raw and calibrated reading pair.
func (s *Store) SetReading(raw model.RawReading, calibrated model.CalibratedReading, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRaw = raw
	s.lastCalibrated = calibrated
	s.lastUpdate = at
}

// SetTotals records the latest derived gas-exchange metrics.
func (s *Store) SetTotals(t model.AccumulatedTotals) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTotals = t
}

// LastRaw returns the most recent raw reading, false if none received yet.
func (s *Store) LastRaw() (model.RawReading, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRaw, s.lastUpdate, s.lastRaw != nil
}

// LastCalibrated returns the most recent calibrated reading, false if
// none received yet.
func (s *Store) LastCalibrated() (model.CalibratedReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCalibrated, !s.lastUpdate.IsZero()
}

// Totals returns the last derived gas-exchange metrics.
func (s *Store) Totals() model.AccumulatedTotals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTotals
}

// RelayState returns the last reported state of a relay, -1 if unknown.
func (s *Store) RelayState(relay string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCalibrated.RelayState(relay)
}

// SensorValue returns the last calibrated value for a sensor channel.
func (s *Store) SensorValue(channel string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastCalibrated.Values == nil {
		return 0, false
	}
	v, ok := s.lastCalibrated.Values[channel]
	return v, ok
}

// Status derives online/offline from reading freshness at the given time.
func (s *Store) Status(now time.Time) model.DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	online := !s.lastUpdate.IsZero() && now.Sub(s.lastUpdate) <= s.freshness
	return model.DeviceStatus{Online: online, LastUpdate: s.lastUpdate}
}

// Online reports whether the device is within the freshness window.
func (s *Store) Online(now time.Time) bool {
	return s.Status(now).Online
}
