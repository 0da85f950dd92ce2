// Package automation periodically evaluates operator-defined rules
// against calibrated readings and wall-clock time, driving relay changes
// through the reconciler.
package automation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/internal/bus"
	"github.com/phytolab/scrubber-controller/internal/model"
	"github.com/phytolab/scrubber-controller/internal/statestore"
)

// Controller submits desired relay changes; satisfied by relay.Reconciler.
type Controller interface {
	Control(relay string, state int) error
}

// RuleSource lists the current rule set; satisfied by db.Store.
type RuleSource interface {
	ListRules() ([]model.AutomationRule, error)
}

type Evaluator struct {
	rules      RuleSource
	store      *statestore.Store
	controller Controller
	events     *bus.Bus

	now func() time.Time

	mu sync.Mutex
	// per-rule dedup for time-mode rules: last calendar minute and
	// target submitted. Memory-only; a restart may resubmit once, which
	// the reconciler absorbs.
	lastMinute map[string]string
	lastTarget map[string]int
}

func New(rules RuleSource, store *statestore.Store, controller Controller, events *bus.Bus) *Evaluator {
	return &Evaluator{
		rules:      rules,
		store:      store,
		controller: controller,
		events:     events,
		now:        time.Now,
		lastMinute: make(map[string]string),
		lastTarget: make(map[string]int),
	}
}

// NewForTest overrides the evaluator's clock.
func NewForTest(rules RuleSource, store *statestore.Store, controller Controller, events *bus.Bus, now func() time.Time) *Evaluator {
	e := New(rules, store, controller, events)
	e.now = now
	return e
}

// Sweep evaluates every enabled non-manual rule once and submits relay
// changes where the computed target differs from the last known actual
// state. Runs on the scheduler's cooperative timer.
func (e *Evaluator) Sweep() {
	rules, err := e.rules.ListRules()
	if err != nil {
		log.Error().Err(err).Msg("Could not load automation rules for sweep")
		return
	}

	now := e.now()
	for _, rule := range rules {
		if !rule.Enabled || rule.Mode == model.RuleModeManual {
			continue
		}

		target, reason, ok := e.evaluate(rule, now)
		if !ok {
			continue
		}

		actual := e.store.RelayState(rule.Relay)
		if actual == target {
			continue
		}

		if rule.Mode == model.RuleModeTime && e.firedThisMinute(rule.ID, target, now) {
			continue
		}

		if err := e.controller.Control(rule.Relay, target); err != nil {
			log.Warn().
				Err(err).
				Str("rule", rule.ID).
				Str("relay", rule.Relay).
				Msg("Automation rule could not submit relay change")
			continue
		}

		log.Info().
			Str("rule", rule.ID).
			Str("relay", rule.Relay).
			Int("state", target).
			Str("reason", reason).
			Msg("Automation rule triggered")

		e.events.Publish(bus.EventAutomationTriggered, bus.AutomationTriggeredPayload{
			RuleID: rule.ID,
			Relay:  rule.Relay,
			State:  target,
			Reason: reason,
		})
	}
}

func (e *Evaluator) evaluate(rule model.AutomationRule, now time.Time) (int, string, bool) {
	switch rule.Mode {
	case model.RuleModeSensor:
		value, ok := e.store.SensorValue(rule.Sensor)
		if !ok {
			return 0, "", false
		}
		target := 0
		if (rule.Operator == ">" && value > rule.Threshold) ||
			(rule.Operator == "<" && value < rule.Threshold) {
			target = 1
		}
		reason := fmt.Sprintf("sensor %s reads %.1f (threshold %s %.1f)",
			rule.Sensor, value, rule.Operator, rule.Threshold)
		return target, reason, true

	case model.RuleModeTime:
		on, err := inWindow(rule.Start, rule.End, now)
		if err != nil {
			log.Warn().Err(err).Str("rule", rule.ID).Msg("Time rule has unparseable window")
			return 0, "", false
		}
		target := 0
		state := "outside"
		if on {
			target = 1
			state = "inside"
		}
		reason := fmt.Sprintf("%s window %s-%s at %s", state, rule.Start, rule.End, now.Format("15:04"))
		return target, reason, true
	}
	return 0, "", false
}

// firedThisMinute reports and records whether the same target was
// already submitted for this rule during the current calendar minute.
func (e *Evaluator) firedThisMinute(ruleID string, target int, now time.Time) bool {
	minute := now.Format("2006-01-02 15:04")

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastMinute[ruleID] == minute && e.lastTarget[ruleID] == target {
		return true
	}
	e.lastMinute[ruleID] = minute
	e.lastTarget[ruleID] = target
	return false
}

// inWindow evaluates a [start, end) minutes-of-day window. start > end
// wraps midnight: on iff now >= start or now < end.
func inWindow(start, end string, now time.Time) (bool, error) {
	startMin, err := parseMinutes(start)
	if err != nil {
		return false, err
	}
	endMin, err := parseMinutes(end)
	if err != nil {
		return false, err
	}

	nowMin := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin, nil
	}
	return nowMin >= startMin || nowMin < endMin, nil
}

func parseMinutes(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ValidateRule rejects incomplete or malformed rules before they are
// persisted.
func ValidateRule(rule model.AutomationRule) error {
	if rule.ID == "" {
		return errors.New("rule id is required")
	}
	if !model.IsRelayChannel(rule.Relay) {
		return fmt.Errorf("unknown relay channel %q", rule.Relay)
	}

	switch rule.Mode {
	case model.RuleModeManual:
		return nil
	case model.RuleModeSensor:
		if rule.Sensor == "" {
			return errors.New("sensor rule requires a sensor channel")
		}
		if rule.Operator != "<" && rule.Operator != ">" {
			return fmt.Errorf("sensor rule operator must be < or >, got %q", rule.Operator)
		}
		return nil
	case model.RuleModeTime:
		if _, err := parseMinutes(rule.Start); err != nil {
			return fmt.Errorf("time rule start: %w", err)
		}
		if _, err := parseMinutes(rule.End); err != nil {
			return fmt.Errorf("time rule end: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown rule mode %q", rule.Mode)
	}
}
