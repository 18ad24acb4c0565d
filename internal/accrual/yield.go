package accrual

import "vault-state-engine/internal/domain"

const (
	daysPerYear   = 365.0
	secondsPerDay = 86400.0
)

// ComputeYield returns one YieldPoint per DerivedPoint.
//
// For point i the base is point i-min(i, Window). When the base price is
// positive:
//
//	yield = (current/base - 1) * (365 / windowDays) * 100
//
// otherwise the yield is 0. Under IndexWindow, windowDays is WindowDays (or
// Window when unset) for every point, so sparse or bursty event logs make the
// result an approximation of a calendar window. Under ElapsedTime,
// windowDays is the real time between base and current point; a zero span
// yields 0.
func ComputeYield(points []domain.DerivedPoint, cfg Config) []domain.YieldPoint {
	window := cfg.Window
	if window < 1 {
		window = DefaultWindow
	}
	windowDays := cfg.WindowDays
	if windowDays <= 0 {
		windowDays = float64(window)
	}

	result := make([]domain.YieldPoint, len(points))
	for i, p := range points {
		lookback := i
		if lookback > window {
			lookback = window
		}
		base := points[i-lookback]

		result[i] = domain.YieldPoint{Timestamp: p.Timestamp}
		if base.PricePerShare <= 0 {
			continue
		}

		days := windowDays
		if cfg.Mode == ElapsedTime {
			days = float64(p.Timestamp-base.Timestamp) / secondsPerDay
			if days <= 0 {
				continue
			}
		}

		result[i].AnnualizedYieldPct = (p.PricePerShare/base.PricePerShare - 1) * (daysPerYear / days) * 100
	}
	return result
}
