// Package fallback supplies deterministic synthetic gas-price data when both
// live RPC and the cache/upstream API are unreachable. It is the single
// shared pattern table for the whole service — call sites must not carry
// their own copies.
//
// Fallback is a backstop, never a silent override: it is consulted only
// after the primary source has failed, and everything it produces is tagged
// SourceFallback so consumers can show a degraded-data indicator.
package fallback

import (
	"time"

	"github.com/gasline/gasline/internal/types"
)

// hourlyAvgGwei holds historically-observed average base fees on Base,
// indexed by UTC hour of day. Quiet overnight, building to an evening peak.
var hourlyAvgGwei = [24]float64{
	0.002300, 0.002155, 0.002000, 0.001845, 0.001700, 0.001576,
	0.001480, 0.001420, 0.001400, 0.001420, 0.001480, 0.001576,
	0.001700, 0.001845, 0.002000, 0.002155, 0.002300, 0.002424,
	0.002520, 0.002580, 0.002600, 0.002580, 0.002520, 0.002424,
}

// Spread band multipliers around the hourly average.
const (
	P25Factor = 0.85
	P75Factor = 1.15
)

// GweiAt returns the pattern-table average for the UTC hour containing t.
func GweiAt(t time.Time) float64 {
	return hourlyAvgGwei[t.UTC().Hour()]
}

// Observation returns a synthetic observation for time t. BlockNumber is
// zero: no block backs this value.
func Observation(t time.Time) types.GasObservation {
	return types.GasObservation{
		Timestamp:   t.UTC().Unix(),
		BaseFeeGwei: GweiAt(t),
		Source:      types.SourceFallback,
	}
}

// Point returns a synthetic point with p25/p75 bands for time t.
func Point(t time.Time) types.GasPoint {
	avg := GweiAt(t)
	return types.GasPoint{
		Timestamp:    t.UTC().Unix(),
		AvgGwei:      avg,
		Percentile25: avg * P25Factor,
		Percentile75: avg * P75Factor,
		Source:       types.SourceFallback,
	}
}

// Series returns hourly synthetic points covering the hours leading up to
// and including t, oldest first. hours below 1 is treated as 1 so callers
// always get a non-empty series.
func Series(t time.Time, hours int) []types.GasPoint {
	if hours < 1 {
		hours = 1
	}

	points := make([]types.GasPoint, 0, hours)
	start := t.UTC().Truncate(time.Hour).Add(-time.Duration(hours-1) * time.Hour)
	for i := 0; i < hours; i++ {
		points = append(points, Point(start.Add(time.Duration(i)*time.Hour)))
	}
	return points
}
