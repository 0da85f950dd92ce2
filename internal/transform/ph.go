package transform

import (
	"fmt"
	"math"

	"github.com/phytolab/scrubber-controller/internal/model"
)

// NewPHProfile fits a linear calibration to 2 or 3 (reference, raw)
// buffer points. Two points give an exact line; three use least squares.
func NewPHProfile(points []model.PHPoint) (*model.PHProfile, error) {
	switch len(points) {
	case 2:
		if points[1].Raw == points[0].Raw {
			return nil, fmt.Errorf("calibration points have identical raw values (%v)", points[0].Raw)
		}
		slope := (points[1].Reference - points[0].Reference) / (points[1].Raw - points[0].Raw)
		offset := points[0].Reference - slope*points[0].Raw
		return &model.PHProfile{
			Type:   "2-point",
			Points: points,
			Slope:  slope,
			Offset: offset,
		}, nil

	case 3:
		var sumX, sumY, sumXY, sumXX float64
		for _, p := range points {
			sumX += p.Raw
			sumY += p.Reference
			sumXY += p.Raw * p.Reference
			sumXX += p.Raw * p.Raw
		}
		n := float64(len(points))
		denom := n*sumXX - sumX*sumX
		if denom == 0 {
			return nil, fmt.Errorf("calibration points are degenerate")
		}
		slope := (n*sumXY - sumX*sumY) / denom
		offset := (sumY - slope*sumX) / n
		return &model.PHProfile{
			Type:   "3-point",
			Points: points,
			Slope:  slope,
			Offset: offset,
		}, nil

	default:
		return nil, fmt.Errorf("pH calibration requires 2 or 3 points, got %d", len(points))
	}
}

// ApplyPH converts a raw probe value: value*slope + offset, clamped to
// the pH scale and rounded to one decimal.
func ApplyPH(profile *model.PHProfile, raw float64) float64 {
	v := raw*profile.Slope + profile.Offset
	if v < 0 {
		v = 0
	}
	if v > 14 {
		v = 14
	}
	return math.Round(v*10) / 10
}
