package detect

import (
	"github.com/ccfos/alarmflow/models"
)

const (
	defaultTriggerCount  = 1
	defaultTriggerWindow = 1
)

// TriggerOf returns the (window, count) of a level, falling back to one hit in one interval.
func TriggerOf(strategy *models.Strategy, level int) (int, int) {
	window, count := defaultTriggerWindow, defaultTriggerCount
	if dc := strategy.DetectByLevel(level); dc != nil {
		if dc.TriggerConfig.CheckWindow > 0 {
			window = dc.TriggerConfig.CheckWindow
		}
		if dc.TriggerConfig.Count > 0 {
			count = dc.TriggerConfig.Count
		}
	}
	if count > window {
		window = count
	}
	return window, count
}

// TriggerRange is the window [t-(W*I-1), t] the point at t is judged on.
func TriggerRange(t int64, window int, interval int64) (int64, int64) {
	return t - (int64(window)*interval - 1), t
}

func CountAnomalies(results []CheckResult, from, to int64) int {
	n := 0
	for _, r := range results {
		if r.Timestamp >= from && r.Timestamp <= to && r.IsAnomaly() {
			n++
		}
	}
	return n
}

// Triggered tells whether the window ending at t holds at least count anomalies.
func Triggered(results []CheckResult, t int64, window, count int, interval int64) bool {
	from, to := TriggerRange(t, window, interval)
	return CountAnomalies(results, from, to) >= count
}
