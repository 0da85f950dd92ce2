package db

import (
	"fmt"
	"time"

	"github.com/phytolab/scrubber-controller/internal/model"
)

// Names of the persisted surfaces.
const (
	keyLastReading = "last_reading"
	keyTotals      = "accumulated_totals"
	keyRules       = "automation_rules"
	keyPHProfile   = "ph_calibration"
)

// LastReading is the persisted raw/calibrated pair with its timestamp.
type LastReading struct {
	Raw        model.RawReading        `json:"raw"`
	Calibrated model.CalibratedReading `json:"calibrated"`
	Timestamp  time.Time               `json:"timestamp"`
}

func (s *Store) SaveLastReading(raw model.RawReading, calibrated model.CalibratedReading, at time.Time) error {
	return s.Set(keyLastReading, LastReading{Raw: raw, Calibrated: calibrated, Timestamp: at})
}

func (s *Store) GetLastReading() (*LastReading, error) {
	var r LastReading
	ok, err := s.Get(keyLastReading, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// SaveTotals implements accumulator.Persister.
func (s *Store) SaveTotals(t model.AccumulatedTotals) error {
	return s.Set(keyTotals, t)
}

func (s *Store) GetTotals() (*model.AccumulatedTotals, error) {
	var t model.AccumulatedTotals
	ok, err := s.Get(keyTotals, &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (s *Store) SavePHProfile(p *model.PHProfile) error {
	return s.Set(keyPHProfile, p)
}

func (s *Store) GetPHProfile() (*model.PHProfile, error) {
	var p model.PHProfile
	ok, err := s.Get(keyPHProfile, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// The rule set is persisted as one blob keyed by rule id.

func (s *Store) loadRules() (map[string]model.AutomationRule, error) {
	rules := make(map[string]model.AutomationRule)
	if _, err := s.Get(keyRules, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// ListRules returns all rules; implements automation.RuleSource.
func (s *Store) ListRules() ([]model.AutomationRule, error) {
	rules, err := s.loadRules()
	if err != nil {
		return nil, err
	}
	out := make([]model.AutomationRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) GetRule(id string) (*model.AutomationRule, error) {
	rules, err := s.loadRules()
	if err != nil {
		return nil, err
	}
	r, ok := rules[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// SaveRule creates or replaces a rule.
func (s *Store) SaveRule(rule model.AutomationRule) error {
	rules, err := s.loadRules()
	if err != nil {
		return err
	}
	rules[rule.ID] = rule
	return s.Set(keyRules, rules)
}

// DeleteRule removes a rule; deleting an unknown id is an error so the
// API can 404.
func (s *Store) DeleteRule(id string) error {
	rules, err := s.loadRules()
	if err != nil {
		return err
	}
	if _, ok := rules[id]; !ok {
		return fmt.Errorf("rule %s not found", id)
	}
	delete(rules, id)
	return s.Set(keyRules, rules)
}
