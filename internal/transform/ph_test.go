package transform_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phytolab/scrubber-controller/internal/model"
	"github.com/phytolab/scrubber-controller/internal/transform"
)

func TestTwoPointCalibration(t *testing.T) {
	profile, err := transform.NewPHProfile([]model.PHPoint{
		{Reference: 4.0, Raw: 1588},
		{Reference: 7.0, Raw: 2353},
	})
	require.NoError(t, err)

	assert.Equal(t, "2-point", profile.Type)
	assert.InDelta(t, 0.003922, profile.Slope, 1e-3)
	assert.InDelta(t, -2.2275, profile.Offset, 1e-3)

	assert.InDelta(t, 4.0, transform.ApplyPH(profile, 1588), 0.05)
	assert.InDelta(t, 7.0, transform.ApplyPH(profile, 2353), 0.05)
}

func TestThreePointCalibration(t *testing.T) {
	// perfectly linear points: the fit must reproduce the line
	profile, err := transform.NewPHProfile([]model.PHPoint{
		{Reference: 4.0, Raw: 1000},
		{Reference: 7.0, Raw: 2000},
		{Reference: 10.0, Raw: 3000},
	})
	require.NoError(t, err)

	assert.Equal(t, "3-point", profile.Type)
	assert.InDelta(t, 0.003, profile.Slope, 1e-9)
	assert.InDelta(t, 1.0, profile.Offset, 1e-9)
	assert.InDelta(t, 7.0, transform.ApplyPH(profile, 2000), 0.05)
}

func TestApplyPHClampsAndRounds(t *testing.T) {
	profile, err := transform.NewPHProfile([]model.PHPoint{
		{Reference: 4.0, Raw: 1588},
		{Reference: 7.0, Raw: 2353},
	})
	require.NoError(t, err)

	assert.Equal(t, 0.0, transform.ApplyPH(profile, -50000))
	assert.Equal(t, 14.0, transform.ApplyPH(profile, 50000))

	// one decimal place
	v := transform.ApplyPH(profile, 2000)
	assert.Equal(t, v, math.Round(v*10)/10)
}

func TestCalibrationRejectsBadPoints(t *testing.T) {
	_, err := transform.NewPHProfile([]model.PHPoint{{Reference: 4.0, Raw: 1588}})
	assert.Error(t, err)

	_, err = transform.NewPHProfile([]model.PHPoint{
		{Reference: 4.0, Raw: 1588},
		{Reference: 7.0, Raw: 1588},
	})
	assert.Error(t, err)
}
