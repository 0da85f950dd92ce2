package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phytolab/scrubber-controller/db"
	"github.com/phytolab/scrubber-controller/internal/accumulator"
	"github.com/phytolab/scrubber-controller/internal/api"
	"github.com/phytolab/scrubber-controller/internal/bus"
	"github.com/phytolab/scrubber-controller/internal/model"
	"github.com/phytolab/scrubber-controller/internal/relay"
	"github.com/phytolab/scrubber-controller/internal/statestore"
	"github.com/phytolab/scrubber-controller/internal/transform"
)

type recordingSender struct {
	sends int
}

func (r *recordingSender) SendRelayCommand(string, int) error {
	r.sends++
	return nil
}

type apiHarness struct {
	server *httptest.Server
	store  *db.Store
	state  *statestore.Store
	accum  *accumulator.Accumulator
	sender *recordingSender
}

func newAPIHarness(t *testing.T) *apiHarness {
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	h := &apiHarness{
		store:  db.NewStore(conn),
		state:  statestore.New(90 * time.Second),
		sender: &recordingSender{},
	}
	h.accum = accumulator.New(accumulator.Config{
		AirflowRateM3H:    12,
		NoiseFloorPPM:     5,
		CaptureEfficiency: 0.9,
		MaxElapsed:        5 * time.Minute,
		DefaultInterval:   30 * time.Second,
		HistorySize:       10,
	}, h.store, nil)

	reconciler := relay.New(relay.Config{
		MaxRetries: 3,
		RetryDelay: time.Hour,
		Staleness:  30 * time.Second,
	}, h.sender, bus.New(), h.state.Online)
	t.Cleanup(reconciler.Stop)

	transforms := transform.NewPipeline(transform.DefaultRegistry(), nil)

	h.server = httptest.NewServer(api.NewServer(h.store, h.state, h.accum, reconciler, transforms).Handler())
	t.Cleanup(h.server.Close)
	return h
}

func (h *apiHarness) markOnline() {
	now := time.Now()
	h.state.SetReading(model.RawReading{"d9": 400}, model.CalibratedReading{
		Values:    map[string]float64{"d9": 400},
		Relays:    map[string]int{"i4": 0},
		Timestamp: now,
	}, now)
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStatusEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[api.StatusResponse](t, resp)
	assert.False(t, status.Online)

	h.markOnline()
	resp = h.do(t, http.MethodGet, "/api/status", nil)
	status = decode[api.StatusResponse](t, resp)
	assert.True(t, status.Online)
}

func TestLatestReadingEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodGet, "/api/readings/latest", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h.markOnline()
	resp = h.do(t, http.MethodGet, "/api/readings/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reading := decode[model.CalibratedReading](t, resp)
	assert.Equal(t, 400.0, reading.Values["d9"])
}

func TestTotalsAndReset(t *testing.T) {
	h := newAPIHarness(t)
	h.accum.Process(1200, 1000, time.Now())

	resp := h.do(t, http.MethodGet, "/api/totals", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	totals := decode[model.AccumulatedTotals](t, resp)
	assert.Greater(t, totals.CO2AbsorbedGrams, 0.0)

	resp = h.do(t, http.MethodPost, "/api/totals/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/totals", nil)
	totals = decode[model.AccumulatedTotals](t, resp)
	assert.Zero(t, totals.CO2AbsorbedGrams)
}

func TestRelayControl(t *testing.T) {
	h := newAPIHarness(t)

	// offline device refuses commands
	resp := h.do(t, http.MethodPost, "/api/relays/i4", api.RelayRequest{State: 1})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, h.sender.sends)

	h.markOnline()
	resp = h.do(t, http.MethodPost, "/api/relays/i4", api.RelayRequest{State: 1})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, h.sender.sends)

	resp = h.do(t, http.MethodPost, "/api/relays/d9", api.RelayRequest{State: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/relays/i4", api.RelayRequest{State: 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/relays/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRuleCRUD(t *testing.T) {
	h := newAPIHarness(t)
	rule := model.AutomationRule{
		ID: "co2-purge", Relay: "i3", Mode: model.RuleModeSensor,
		Enabled: true, Sensor: "d9", Operator: ">", Threshold: 1000,
	}

	resp := h.do(t, http.MethodPost, "/api/rules", rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rules := decode[[]model.AutomationRule](t, resp)
	require.Len(t, rules, 1)

	resp = h.do(t, http.MethodGet, "/api/rules/co2-purge", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.AutomationRule](t, resp)
	assert.Equal(t, rule, got)

	rule.Threshold = 1200
	resp = h.do(t, http.MethodPut, "/api/rules/co2-purge", rule)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/rules/co2-purge", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/rules/co2-purge", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(t, http.MethodDelete, "/api/rules/co2-purge", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(t, http.MethodPut, "/api/rules/co2-purge", rule)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRuleValidationRejected(t *testing.T) {
	h := newAPIHarness(t)
	bad := model.AutomationRule{ID: "bad", Relay: "d1", Mode: model.RuleModeSensor}

	resp := h.do(t, http.MethodPost, "/api/rules", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPHCalibrationEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodGet, "/api/calibration/ph", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/calibration/ph", api.PHCalibrationRequest{
		Points: []model.PHPoint{{Reference: 4.0, Raw: 1588}, {Reference: 7.0, Raw: 2353}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := decode[model.PHProfile](t, resp)
	assert.Equal(t, "2-point", profile.Type)
	assert.InDelta(t, 0.003922, profile.Slope, 1e-3)

	resp = h.do(t, http.MethodGet, "/api/calibration/ph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// survives a restart via the database
	stored, err := h.store.GetPHProfile()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, profile.Slope, stored.Slope, 1e-9)

	resp = h.do(t, http.MethodPost, "/api/calibration/ph", api.PHCalibrationRequest{
		Points: []model.PHPoint{{Reference: 4.0, Raw: 1588}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	h := newAPIHarness(t)

	req, err := http.NewRequest(http.MethodOptions, h.server.URL+"/api/status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	h := newAPIHarness(t)

	for path, method := range map[string]string{
		"/api/status":       http.MethodPost,
		"/api/totals":       http.MethodDelete,
		"/api/relays/i4":    http.MethodGet,
		"/api/totals/reset": http.MethodGet,
	} {
		resp := h.do(t, method, path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode,
			fmt.Sprintf("%s %s", method, path))
	}
}
