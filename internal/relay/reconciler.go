// Package relay converges the device's relay outputs to requested
// states. Commands are requests, never assumed successful: the only
// source of truth for relay state is the next telemetry frame, which is
// matched against pending desired states with bounded retries.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/internal/bus"
	"github.com/phytolab/scrubber-controller/internal/datadog"
	"github.com/phytolab/scrubber-controller/internal/model"
)

var (
	ErrUnknownRelay  = errors.New("unknown relay channel")
	ErrInvalidState  = errors.New("relay state must be 0 or 1")
	ErrDeviceOffline = errors.New("device is offline")
)

// Sender issues a relay command to the device. Implementations must
// enforce their own send timeout; a hung send must not block callers
// indefinitely.
type Sender interface {
	SendRelayCommand(relay string, state int) error
}

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	Staleness  time.Duration
}

type pendingCommand struct {
	target      int
	requestedAt time.Time
	retries     int
	retryTimer  *time.Timer
}

type Reconciler struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	events  *bus.Bus
	online  func(time.Time) bool
	pending map[string]*pendingCommand
	stopped bool

	// injectable for tests
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

func New(cfg Config, sender Sender, events *bus.Bus, online func(time.Time) bool) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		sender:    sender,
		events:    events,
		online:    online,
		pending:   make(map[string]*pendingCommand),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// TestDeps overrides the clock and timer factory for tests.
type TestDeps struct {
	Now       func() time.Time
	AfterFunc func(time.Duration, func()) *time.Timer
}

func NewForTest(cfg Config, sender Sender, events *bus.Bus, online func(time.Time) bool, deps *TestDeps) *Reconciler {
	r := New(cfg, sender, events, online)
	if deps.Now != nil {
		r.now = deps.Now
	}
	if deps.AfterFunc != nil {
		r.afterFunc = deps.AfterFunc
	}
	return r
}

// Control validates and records a desired relay state, sends the command
// and returns without waiting for confirmation. Confirmation only ever
// arrives through Verify.
func (r *Reconciler) Control(relay string, state int) error {
	if !model.IsRelayChannel(relay) {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, relay)
	}
	if state != 0 && state != 1 {
		return fmt.Errorf("%w: %d", ErrInvalidState, state)
	}

	now := r.now()
	if !r.online(now) {
		return ErrDeviceOffline
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return errors.New("reconciler stopped")
	}
	if prev, ok := r.pending[relay]; ok {
		// superseding request: the old retry cycle is dead
		cancelTimer(prev)
	}
	r.pending[relay] = &pendingCommand{target: state, requestedAt: now}
	r.mu.Unlock()

	log.Info().Str("relay", relay).Int("state", state).Msg("Relay command requested")
	datadog.Count("relay.commands", 1, "relay:"+relay)

	if err := r.sender.SendRelayCommand(relay, state); err != nil {
		// transport faults are non-fatal; the pending record stays and
		// the next telemetry frame drives a resubmission
		log.Warn().Err(err).Str("relay", relay).Msg("Relay command send failed, awaiting verify cycle")
	}
	return nil
}

// Verify matches a fresh telemetry frame's relay states against pending
// desired states: confirm on match, silently drop stale requests,
// resubmit with bounded retries on mismatch, fail loudly when exhausted.
func (r *Reconciler) Verify(actual map[string]int, at time.Time) {
	type failure struct {
		relay   string
		desired int
		actual  int
		retries int
	}
	type confirmation struct {
		relay string
		state int
	}
	var confirmed []confirmation
	var failed []failure

	r.mu.Lock()
	for relay, cmd := range r.pending {
		reported, ok := actual[relay]
		if !ok {
			continue
		}

		if reported == cmd.target {
			cancelTimer(cmd)
			delete(r.pending, relay)
			confirmed = append(confirmed, confirmation{relay: relay, state: cmd.target})
			continue
		}

		if at.Sub(cmd.requestedAt) > r.cfg.Staleness {
			// operator likely moved on; drop without an event
			cancelTimer(cmd)
			delete(r.pending, relay)
			log.Debug().Str("relay", relay).Msg("Pending relay request went stale, clearing")
			continue
		}

		if cmd.retries < r.cfg.MaxRetries {
			if cmd.retryTimer != nil {
				// a delayed resubmission is already in flight
				continue
			}
			cmd.retries++
			relay, target, attempt := relay, cmd.target, cmd.retries
			cmd.retryTimer = r.afterFunc(r.cfg.RetryDelay, func() {
				r.resend(relay, target, attempt)
			})
			continue
		}

		cancelTimer(cmd)
		delete(r.pending, relay)
		failed = append(failed, failure{relay: relay, desired: cmd.target, actual: reported, retries: cmd.retries})
	}
	r.mu.Unlock()

	for _, c := range confirmed {
		log.Info().Str("relay", c.relay).Int("state", c.state).Msg("Relay state confirmed by telemetry")
		datadog.Count("relay.confirmed", 1, "relay:"+c.relay)
		r.events.Publish(bus.EventRelayConfirmed, bus.RelayConfirmedPayload{Relay: c.relay, State: c.state})
	}
	for _, f := range failed {
		log.Error().
			Str("relay", f.relay).
			Int("desired", f.desired).
			Int("actual", f.actual).
			Int("retries", f.retries).
			Msg("Relay command unconfirmed after max retries")
		datadog.Count("relay.failed", 1, "relay:"+f.relay)
		r.events.Publish(bus.EventRelayFailed, bus.RelayFailedPayload{
			Relay:   f.relay,
			Desired: f.desired,
			Actual:  f.actual,
			Retries: f.retries,
		})
	}
}

func (r *Reconciler) resend(relay string, state int, attempt int) {
	r.mu.Lock()
	cmd, ok := r.pending[relay]
	if !ok || cmd.target != state || r.stopped {
		r.mu.Unlock()
		return
	}
	cmd.retryTimer = nil
	r.mu.Unlock()

	log.Info().Str("relay", relay).Int("state", state).Int("attempt", attempt).Msg("Resubmitting relay command")
	datadog.Count("relay.resubmissions", 1, "relay:"+relay)

	if err := r.sender.SendRelayCommand(relay, state); err != nil {
		log.Warn().Err(err).Str("relay", relay).Msg("Relay resubmission send failed")
	}
}

// Pending returns the desired state for a relay if a request is
// unconfirmed.
func (r *Reconciler) Pending(relay string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.pending[relay]
	if !ok {
		return 0, false
	}
	return cmd.target, true
}

// Stop cancels all in-flight delayed retries and clears pending state.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for relay, cmd := range r.pending {
		cancelTimer(cmd)
		delete(r.pending, relay)
	}
}

func cancelTimer(cmd *pendingCommand) {
	if cmd.retryTimer != nil {
		cmd.retryTimer.Stop()
		cmd.retryTimer = nil
	}
}
