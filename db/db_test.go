package db_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phytolab/scrubber-controller/db"
	"github.com/phytolab/scrubber-controller/internal/model"
)

func newTestStore(t *testing.T) *db.Store {
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return db.NewStore(conn)
}

func TestGetMissingKeyReturnsFalseWithoutError(t *testing.T) {
	s := newTestStore(t)

	var out map[string]string
	ok, err := s.Get("never_stored", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetOverwritesExistingValue(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("counter", 1))
	require.NoError(t, s.Set("counter", 2))

	var got int
	ok, err := s.Get("counter", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestTotalsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	missing, err := s.GetTotals()
	require.NoError(t, err)
	assert.Nil(t, missing)

	totals := model.AccumulatedTotals{
		CO2AbsorbedGrams:  123.4,
		O2GeneratedLiters: 56.7,
		AirflowRate:       12,
		LastCalculation:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		History: []model.HistoryEntry{
			{Timestamp: time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC), CO2Grams: 0.4},
		},
	}
	require.NoError(t, s.SaveTotals(totals))

	got, err := s.GetTotals()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, totals, *got)
}

func TestLastReadingRoundTrip(t *testing.T) {
	s := newTestStore(t)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := model.RawReading{"d9": 4125, "i4": 1}
	calibrated := model.CalibratedReading{
		Values:    map[string]float64{"d9": 412.5},
		Relays:    map[string]int{"i4": 1},
		Timestamp: at,
	}
	require.NoError(t, s.SaveLastReading(raw, calibrated, at))

	got, err := s.GetLastReading()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, raw, got.Raw)
	assert.Equal(t, calibrated, got.Calibrated)
	assert.Equal(t, at, got.Timestamp)
}

func TestPHProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)

	missing, err := s.GetPHProfile()
	require.NoError(t, err)
	assert.Nil(t, missing)

	profile := &model.PHProfile{
		Type:   "2-point",
		Points: []model.PHPoint{{Reference: 4.0, Raw: 1588}, {Reference: 7.0, Raw: 2353}},
		Slope:  0.003922,
		Offset: -2.2275,
	}
	require.NoError(t, s.SavePHProfile(profile))

	got, err := s.GetPHProfile()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, profile, got)
}

func TestRuleLifecycle(t *testing.T) {
	s := newTestStore(t)

	rules, err := s.ListRules()
	require.NoError(t, err)
	assert.Empty(t, rules)

	rule := model.AutomationRule{
		ID: "co2-purge", Relay: "i3", Mode: model.RuleModeSensor,
		Enabled: true, Sensor: "d9", Operator: ">", Threshold: 1000,
	}
	require.NoError(t, s.SaveRule(rule))

	got, err := s.GetRule("co2-purge")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rule, *got)

	// replace
	rule.Threshold = 1200
	require.NoError(t, s.SaveRule(rule))
	got, err = s.GetRule("co2-purge")
	require.NoError(t, err)
	assert.Equal(t, 1200.0, got.Threshold)

	rules, err = s.ListRules()
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, s.DeleteRule("co2-purge"))
	got, err = s.GetRule("co2-purge")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteUnknownRuleFails(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteRule("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
