package common

import (
	"fmt"
	"math"
	"strings"
)

func ReadableValue(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	ret := fmt.Sprintf("%.5f", v)
	ret = strings.TrimRight(ret, "0")
	return strings.TrimRight(ret, ".")
}

// AlignTs aligns ts down to the interval.
func AlignTs(ts, interval int64) int64 {
	if interval <= 0 {
		return ts
	}
	return ts - ts%interval
}

func MaxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func MinInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
