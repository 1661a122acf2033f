package models

import (
	"sort"
	"strings"

	"github.com/toolkits/pkg/str"
)

// DataPoint is one aggregated sample of an item's query.
type DataPoint struct {
	Timestamp  int64             `json:"timestamp"`
	Value      float64           `json:"value"`
	Dimensions map[string]string `json:"dimensions"`
}

func (p DataPoint) DimensionsMD5() string {
	return DimensionsMD5(p.Dimensions)
}

// DetectTask is the unit consumed from the detect queue: a batch of points of one item.
type DetectTask struct {
	StrategyId int64       `json:"strategy_id"`
	ItemId     int64       `json:"item_id"`
	Points     []DataPoint `json:"points"`
	Requeued   bool        `json:"requeued,omitempty"`
}

// DimensionsMD5 hashes the dimensions sorted by key.
func DimensionsMD5(dims map[string]string) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(dims[k])
	}
	return str.MD5(sb.String())
}

// SubDimensions keeps the given keys; ok is false when a key is missing.
func SubDimensions(dims map[string]string, keys []string) (map[string]string, bool) {
	sub := make(map[string]string, len(keys))
	for _, k := range keys {
		v, has := dims[k]
		if !has {
			return nil, false
		}
		sub[k] = v
	}
	return sub, true
}
