package presence

import (
	"math"
	"sort"

	"p2p_presence/pkg/config"
)

// CooldownParams are the adaptive cooldown bounds, expressed in
// presence-window units.
type CooldownParams struct {
	Min              int
	Mid              int
	Max              int
	SmoothWindows    int
	MaxChangePercent int
}

// ParamsFromConfig extracts the cooldown parameters from the presence
// section.
func ParamsFromConfig(cfg config.PresenceConfig) CooldownParams {
	return CooldownParams{
		Min:              cfg.CooldownMin,
		Mid:              cfg.CooldownMid,
		Max:              cfg.CooldownMax,
		SmoothWindows:    cfg.SmoothWindows,
		MaxChangePercent: cfg.MaxChangePercent,
	}
}

// RawCooldown maps the registration pressure ratio onto the two-segment
// piecewise-linear curve. Ratio at or below 1 interpolates Min..Mid;
// above 1 it interpolates Mid..Max. The result is clamped to [Min, Max].
// A non-positive smoothed median means there is no usable history yet,
// which falls back to Min.
func RawCooldown(p CooldownParams, count int, smoothedMedian float64) int {
	if smoothedMedian <= 0 {
		return p.Min
	}
	ratio := float64(count) / smoothedMedian

	var cd float64
	if ratio <= 1 {
		cd = float64(p.Min) + ratio*float64(p.Mid-p.Min)
	} else {
		cd = float64(p.Mid) + (ratio-1)*float64(p.Max-p.Mid)
	}

	if cd < float64(p.Min) {
		cd = float64(p.Min)
	}
	if cd > float64(p.Max) {
		cd = float64(p.Max)
	}
	return int(math.Round(cd))
}

// LimitChange rate-limits the applied cooldown against the previous
// window's value: the result moves at most MaxChangePercent toward the
// raw target per window, in either direction. One manufactured extreme
// window therefore cannot swing the cooldown.
func LimitChange(p CooldownParams, raw, previous int) int {
	if previous <= 0 {
		return raw
	}
	delta := float64(previous) * float64(p.MaxChangePercent) / 100.0
	lower := int(math.Floor(float64(previous) - delta))
	upper := int(math.Ceil(float64(previous) + delta))
	if raw < lower {
		return lower
	}
	if raw > upper {
		return upper
	}
	return raw
}

// Median returns the median of per-window registration counts.
func Median(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	sorted := make([]int, len(counts))
	copy(sorted, counts)
	sort.Ints(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

// Mean averages the trailing per-window medians into the smoothed
// median.
func Mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
