// Package conn owns the persistent WebSocket channel to the scrubber's
// telemetry/command endpoint: reconnect with backoff, heartbeat, inbound
// dispatch and outbound command writes.
package conn

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/internal/bus"
	"github.com/phytolab/scrubber-controller/internal/datadog"
	"github.com/phytolab/scrubber-controller/internal/model"
	"github.com/phytolab/scrubber-controller/internal/statestore"
)

// FrameHandler receives each well-formed telemetry frame, synchronously
// on the read loop. Frames are therefore processed strictly in arrival
// order.
type FrameHandler func(model.RawReading, time.Time)

type Config struct {
	URL         string
	Heartbeat   time.Duration
	BaseDelay   time.Duration
	DelayCap    int
	MaxAttempts int
	ResetCycle  time.Duration
	SendTimeout time.Duration
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Manager struct {
	cfg     Config
	handler FrameHandler
	events  *bus.Bus
	store   *statestore.Store

	mu             sync.Mutex
	conn           *websocket.Conn
	heartbeatStop  chan struct{}
	started        bool
	stopped        bool
	attempt        int
	reconnectTimer *time.Timer

	// serializes data-frame writes; control frames (pings) may be
	// written concurrently per gorilla's contract
	writeMu sync.Mutex
}

func New(cfg Config, handler FrameHandler, events *bus.Bus, store *statestore.Store) *Manager {
	return &Manager{
		cfg:     cfg,
		handler: handler,
		events:  events,
		store:   store,
	}
}

// Backoff returns the reconnect delay for the given 1-based attempt:
// base * min(attempt, cap).
func Backoff(attempt int, base time.Duration, cap int) time.Duration {
	if attempt > cap {
		attempt = cap
	}
	return base * time.Duration(attempt)
}

// Start opens the channel. Idempotent; reconnection is handled
// internally from then on.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.connect()
}

func (m *Manager) connect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	url := m.cfg.URL
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	c, _, err := dialer.Dial(url, nil)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("Telemetry channel dial failed")
		m.scheduleReconnect()
		return
	}

	stop := make(chan struct{})

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		c.Close()
		return
	}
	m.conn = c
	m.heartbeatStop = stop
	m.attempt = 0
	m.mu.Unlock()

	log.Info().Str("url", url).Msg("Telemetry channel connected")
	status := m.store.Status(time.Now())
	m.events.Publish(bus.EventDeviceStatus, bus.DeviceStatusPayload{Online: true, LastUpdate: status.LastUpdate})

	go m.heartbeat(c, stop)
	go m.readLoop(c)
}

// heartbeat pings the device periodically to keep the channel from
// idle-timeout closure. Write errors are left for the read loop to
// observe as a connection failure.
func (m *Manager) heartbeat(c *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.cfg.SendTimeout)
			if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Msg("Heartbeat ping failed")
			}
		}
	}
}

func (m *Manager) readLoop(c *websocket.Conn) {
	for {
		_, payload, err := c.ReadMessage()
		if err != nil {
			m.handleDisconnect(c, err)
			return
		}
		m.dispatch(payload)
	}
}

// dispatch decodes one inbound message. Malformed payloads are dropped
// with a log line and never affect connection or pipeline state.
func (m *Manager) dispatch(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed telemetry payload")
		datadog.Count("conn.malformed_messages", 1)
		return
	}

	if env.Type != "telemetry" {
		log.Debug().Str("type", env.Type).Msg("Ignoring non-telemetry message")
		return
	}

	var reading model.RawReading
	if err := json.Unmarshal(env.Data, &reading); err != nil || len(reading) == 0 {
		log.Warn().Err(err).Msg("Dropping telemetry frame with malformed data")
		datadog.Count("conn.malformed_messages", 1)
		return
	}

	datadog.Count("conn.frames", 1)
	m.handler(reading, time.Now())
}

func (m *Manager) handleDisconnect(c *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
		if m.heartbeatStop != nil {
			close(m.heartbeatStop)
			m.heartbeatStop = nil
		}
	}
	stopped := m.stopped
	m.mu.Unlock()

	c.Close()
	if stopped {
		return
	}

	log.Warn().Err(err).Msg("Telemetry channel closed")
	m.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer: linear backoff up
// to the cap, then — once attempts run out — a long-period reset cycle
// that starts the ladder over rather than giving up.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	m.attempt++
	exhausted := m.attempt > m.cfg.MaxAttempts

	if exhausted {
		m.reconnectTimer = time.AfterFunc(m.cfg.ResetCycle, func() {
			m.mu.Lock()
			m.attempt = 0
			m.mu.Unlock()
			m.connect()
		})
	} else {
		delay := Backoff(m.attempt, m.cfg.BaseDelay, m.cfg.DelayCap)
		log.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("Scheduling reconnect")
		m.reconnectTimer = time.AfterFunc(delay, m.connect)
	}
	attempts := m.attempt
	m.mu.Unlock()

	datadog.Count("conn.reconnect_attempts", 1)

	if exhausted {
		status := m.store.Status(time.Now())
		log.Error().
			Int("attempts", attempts-1).
			Dur("reset_cycle", m.cfg.ResetCycle).
			Msg("Reconnect attempts exhausted, marking device offline")
		m.events.Publish(bus.EventDeviceStatus, bus.DeviceStatusPayload{Online: false, LastUpdate: status.LastUpdate})
	}
}

// SendRelayCommand writes a command message for one relay with a write
// deadline so a hung send cannot stall callers.
func (m *Manager) SendRelayCommand(relay string, state int) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()

	if c == nil {
		return errors.New("telemetry channel not connected")
	}

	msg := envelope{Type: "command"}
	data, err := json.Marshal(map[string]int{relay: state})
	if err != nil {
		return err
	}
	msg.Data = data

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	c.SetWriteDeadline(time.Now().Add(m.cfg.SendTimeout))
	if err := c.WriteJSON(msg); err != nil {
		return err
	}
	return nil
}

// Stop closes the channel and cancels all reconnect timers. No timer
// fires after Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	c := m.conn
	m.conn = nil
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	log.Info().Msg("Telemetry channel stopped")
}
