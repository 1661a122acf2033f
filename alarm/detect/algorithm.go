package detect

import (
	"fmt"
	"math"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/models"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

var ErrUnknownAlgorithm = errors.New("unknown algorithm")

const (
	defaultLackingThreshold         = 0.1
	defaultIntelligentHistoryOffset = 60
)

// Series is the history of one dimension set keyed by timestamp.
type Series map[int64]float64

// Input is what an algorithm sees for one point.
type Input struct {
	Item   *models.Item
	Point  models.DataPoint
	Series Series
	// Intelligent holds the anomaly scores of the intelligent model for the same dimensions
	Intelligent Series
}

func (in *Input) interval() int64 {
	return in.Item.Interval()
}

type Algorithm interface {
	Type() string
	Level() int
	// Check reports whether the point is anomalous, with a message describing why
	Check(in *Input) (bool, string)
	// HistoryOffsets are the seconds back the algorithm compares against
	HistoryOffsets(interval int64) []int64
	// LackingThreshold is the missing-count ratio above which a drop is blamed on missing data
	LackingThreshold() float64
}

// Reducer algorithms rewrite the points of a batch before checking.
type Reducer interface {
	Reduce(item *models.Item, points []models.DataPoint) []models.DataPoint
}

func decode(input map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// NewAlgorithm decodes one algorithm config.
func NewAlgorithm(cfg models.AlgorithmConfig) (Algorithm, error) {
	base := algorithmBase{level: cfg.Level}
	var (
		a   Algorithm
		err error
	)
	switch cfg.Type {
	case models.AlgorithmThreshold:
		t := &Threshold{algorithmBase: base}
		err = decode(cfg.Config, t)
		a = t
	case models.AlgorithmSimpleRingRatio:
		r := &SimpleRingRatio{algorithmBase: base}
		err = decode(cfg.Config, r)
		a = r
	case models.AlgorithmAdvancedRingRatio:
		r := &AdvancedRingRatio{algorithmBase: base}
		err = decode(cfg.Config, r)
		a = r
	case models.AlgorithmIntelligent:
		i := &Intelligent{algorithmBase: base}
		err = decode(cfg.Config, i)
		a = i
	case models.AlgorithmPartialNodes:
		p := &PartialNodes{algorithmBase: base}
		err = decode(cfg.Config, p)
		a = p
	case models.AlgorithmHostAnomaly:
		a = &HostAnomaly{algorithmBase: base}
	default:
		return nil, errors.WithMessagef(ErrUnknownAlgorithm, "type %q", cfg.Type)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode %s config", cfg.Type)
	}
	return a, nil
}

type algorithmBase struct {
	level int
}

func (b algorithmBase) Level() int {
	return b.level
}

func (b algorithmBase) HistoryOffsets(interval int64) []int64 {
	return []int64{interval}
}

func (b algorithmBase) LackingThreshold() float64 {
	return defaultLackingThreshold
}

type ThresholdCondition struct {
	Method    string  `json:"method"`
	Threshold float64 `json:"threshold"`
}

func (c ThresholdCondition) match(v float64) bool {
	switch c.Method {
	case "gt":
		return v > c.Threshold
	case "gte":
		return v >= c.Threshold
	case "lt":
		return v < c.Threshold
	case "lte":
		return v <= c.Threshold
	case "eq":
		return v == c.Threshold
	case "neq":
		return v != c.Threshold
	}
	return false
}

var methodSymbols = map[string]string{
	"gt": ">", "gte": ">=", "lt": "<", "lte": "<=", "eq": "=", "neq": "!=",
}

func (c ThresholdCondition) String() string {
	return fmt.Sprintf("%s %s", methodSymbols[c.Method], common.ReadableValue(c.Threshold))
}

// Threshold is an OR of AND groups of conditions.
type Threshold struct {
	algorithmBase
	Thresholds [][]ThresholdCondition `json:"thresholds"`
}

func (t *Threshold) Type() string {
	return models.AlgorithmThreshold
}

func (t *Threshold) Match(v float64) (bool, string) {
	for _, group := range t.Thresholds {
		if len(group) == 0 {
			continue
		}
		hit := true
		desc := ""
		for i, c := range group {
			if !c.match(v) {
				hit = false
				break
			}
			if i > 0 {
				desc += " and "
			}
			desc += c.String()
		}
		if hit {
			return true, desc
		}
	}
	return false, ""
}

func (t *Threshold) Check(in *Input) (bool, string) {
	hit, desc := t.Match(in.Point.Value)
	if !hit {
		return false, ""
	}
	return true, fmt.Sprintf("current value %s %s", common.ReadableValue(in.Point.Value), desc)
}

// SimpleRingRatio compares with the point one interval back, floor and ceil are percents.
type SimpleRingRatio struct {
	algorithmBase
	Floor float64 `json:"floor"`
	Ceil  float64 `json:"ceil"`
}

func (r *SimpleRingRatio) Type() string {
	return models.AlgorithmSimpleRingRatio
}

func (r *SimpleRingRatio) Check(in *Input) (bool, string) {
	prev, ok := in.Series[in.Point.Timestamp-in.interval()]
	if !ok || prev == 0 {
		return false, ""
	}
	return ringRatio(in.Point.Value, prev, r.Floor, r.Ceil, "previous value")
}

func (r *SimpleRingRatio) LackingThreshold() float64 {
	return lackingThreshold(r.Floor)
}

// AdvancedRingRatio compares the average of the last Window points with the same window Period seconds earlier.
type AdvancedRingRatio struct {
	algorithmBase
	Window int     `json:"window"`
	Period int64   `json:"period"`
	Floor  float64 `json:"floor"`
	Ceil   float64 `json:"ceil"`
}

func (r *AdvancedRingRatio) Type() string {
	return models.AlgorithmAdvancedRingRatio
}

func (r *AdvancedRingRatio) window() int {
	if r.Window <= 0 {
		return 1
	}
	return r.Window
}

func (r *AdvancedRingRatio) period(interval int64) int64 {
	if r.Period <= 0 {
		return int64(r.window()) * interval
	}
	return r.Period
}

func (r *AdvancedRingRatio) Check(in *Input) (bool, string) {
	iv := in.interval()
	period := r.period(iv)
	cur, ok := average(in.Series, in.Point.Timestamp, r.window(), iv)
	if !ok {
		return false, ""
	}
	prev, ok := average(in.Series, in.Point.Timestamp-period, r.window(), iv)
	if !ok || prev == 0 {
		return false, ""
	}
	return ringRatio(cur, prev, r.Floor, r.Ceil, fmt.Sprintf("average of %ds ago", period))
}

// HistoryOffsets spans (period, period + (window-1)*interval).
func (r *AdvancedRingRatio) HistoryOffsets(interval int64) []int64 {
	period := r.period(interval)
	offsets := make([]int64, 0, r.window())
	for i := 0; i < r.window(); i++ {
		offsets = append(offsets, period+int64(i)*interval)
	}
	return offsets
}

func (r *AdvancedRingRatio) LackingThreshold() float64 {
	return lackingThreshold(r.Floor)
}

// Intelligent reads anomaly scores computed by an external model.
type Intelligent struct {
	algorithmBase
	HistoryOffset int64   `json:"history_offset"`
	AnomalyScore  float64 `json:"anomaly_score"`
}

func (i *Intelligent) Type() string {
	return models.AlgorithmIntelligent
}

func (i *Intelligent) Check(in *Input) (bool, string) {
	score, ok := in.Intelligent[in.Point.Timestamp]
	if !ok || math.IsNaN(score) {
		return false, ""
	}
	threshold := i.AnomalyScore
	if threshold <= 0 {
		threshold = 1
	}
	if score < threshold {
		return false, ""
	}
	return true, fmt.Sprintf("intelligent model detected anomaly, current value %s", common.ReadableValue(in.Point.Value))
}

func (i *Intelligent) HistoryOffsets(int64) []int64 {
	if i.HistoryOffset > 0 {
		return []int64{i.HistoryOffset}
	}
	return []int64{defaultIntelligentHistoryOffset}
}

// PartialNodes fires when at least Count target instances hit the threshold at the same time.
type PartialNodes struct {
	algorithmBase
	Count      int                    `json:"count"`
	Thresholds [][]ThresholdCondition `json:"thresholds"`
}

func (p *PartialNodes) Type() string {
	return models.AlgorithmPartialNodes
}

// Reduce drops the target axes and turns each group into the number of hit instances.
func (p *PartialNodes) Reduce(item *models.Item, points []models.DataPoint) []models.DataPoint {
	axes := make(map[string]struct{})
	for _, a := range item.TargetAxes() {
		axes[a] = struct{}{}
	}
	threshold := &Threshold{Thresholds: p.Thresholds}

	type group struct {
		dims  map[string]string
		ts    int64
		count int
	}
	groups := make(map[string]*group)
	var order []string
	for _, pt := range points {
		dims := make(map[string]string, len(pt.Dimensions))
		for k, v := range pt.Dimensions {
			if _, ok := axes[k]; !ok {
				dims[k] = v
			}
		}
		key := fmt.Sprintf("%s.%d", models.DimensionsMD5(dims), pt.Timestamp)
		g, ok := groups[key]
		if !ok {
			g = &group{dims: dims, ts: pt.Timestamp}
			groups[key] = g
			order = append(order, key)
		}
		if hit, _ := threshold.Match(pt.Value); hit {
			g.count++
		}
	}

	out := make([]models.DataPoint, 0, len(order))
	for _, key := range order {
		g := groups[key]
		out = append(out, models.DataPoint{Timestamp: g.ts, Value: float64(g.count), Dimensions: g.dims})
	}
	return out
}

func (p *PartialNodes) Check(in *Input) (bool, string) {
	count := p.Count
	if count <= 0 {
		count = 1
	}
	if int(in.Point.Value) < count {
		return false, ""
	}
	return true, fmt.Sprintf("%d target instances hit the threshold, at least %d configured", int(in.Point.Value), count)
}

// HostAnomaly consumes host level anomaly flags, a positive value is an anomaly.
type HostAnomaly struct {
	algorithmBase
}

func (h *HostAnomaly) Type() string {
	return models.AlgorithmHostAnomaly
}

// Reduce keeps the host axes only.
func (h *HostAnomaly) Reduce(item *models.Item, points []models.DataPoint) []models.DataPoint {
	axes := item.TargetAxes()
	if len(axes) == 0 {
		return points
	}
	out := make([]models.DataPoint, 0, len(points))
	for _, pt := range points {
		dims, ok := models.SubDimensions(pt.Dimensions, axes)
		if !ok {
			continue
		}
		out = append(out, models.DataPoint{Timestamp: pt.Timestamp, Value: pt.Value, Dimensions: dims})
	}
	return out
}

func (h *HostAnomaly) Check(in *Input) (bool, string) {
	if in.Point.Value <= 0 {
		return false, ""
	}
	return true, "host anomaly detected"
}

func ringRatio(cur, prev, floor, ceil float64, against string) (bool, string) {
	ratio := (cur - prev) / math.Abs(prev) * 100
	switch {
	case ceil > 0 && ratio >= ceil:
		return true, fmt.Sprintf("current value %s, %s %s, up %s%%", common.ReadableValue(cur), against, common.ReadableValue(prev), common.ReadableValue(ratio))
	case floor > 0 && -ratio >= floor:
		return true, fmt.Sprintf("current value %s, %s %s, down %s%%", common.ReadableValue(cur), against, common.ReadableValue(prev), common.ReadableValue(-ratio))
	}
	return false, ""
}

func average(s Series, end int64, n int, interval int64) (float64, bool) {
	var sum float64
	cnt := 0
	for i := 0; i < n; i++ {
		if v, ok := s[end-int64(i)*interval]; ok {
			sum += v
			cnt++
		}
	}
	if cnt == 0 {
		return 0, false
	}
	return sum / float64(cnt), true
}

func lackingThreshold(floor float64) float64 {
	if floor <= 0 {
		return defaultLackingThreshold
	}
	return floor / 100
}
