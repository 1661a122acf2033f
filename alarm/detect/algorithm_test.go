package detect

import (
	"errors"
	"testing"

	"github.com/ccfos/alarmflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem() *models.Item {
	return &models.Item{
		Id: 1,
		QueryConfigs: []models.QueryConfig{{
			MetricField:  "cpu_usage",
			AggMethod:    "sum",
			AggInterval:  60,
			AggDimension: []string{"bk_target_ip", "bk_target_cloud_id"},
		}},
	}
}

func TestNewAlgorithmThreshold(t *testing.T) {
	a, err := NewAlgorithm(models.AlgorithmConfig{
		Type:  models.AlgorithmThreshold,
		Level: 2,
		Config: map[string]interface{}{
			"thresholds": []interface{}{
				[]interface{}{
					map[string]interface{}{"method": "gte", "threshold": "90"},
					map[string]interface{}{"method": "lt", "threshold": 100},
				},
				[]interface{}{
					map[string]interface{}{"method": "eq", "threshold": 0},
				},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Level())

	check := func(v float64) bool {
		hit, _ := a.Check(&Input{Item: testItem(), Point: models.DataPoint{Timestamp: 60, Value: v}})
		return hit
	}
	assert.True(t, check(95))
	assert.False(t, check(100))
	assert.True(t, check(0))
	assert.False(t, check(50))

	_, msg := a.Check(&Input{Item: testItem(), Point: models.DataPoint{Value: 95}})
	assert.Equal(t, "current value 95 >= 90 and < 100", msg)
}

func TestNewAlgorithmUnknown(t *testing.T) {
	_, err := NewAlgorithm(models.AlgorithmConfig{Type: "Nope"})
	assert.True(t, errors.Is(err, ErrUnknownAlgorithm))
}

func TestSimpleRingRatio(t *testing.T) {
	a := &SimpleRingRatio{Floor: 50, Ceil: 100}
	in := &Input{Item: testItem(), Series: Series{0: 100}}

	in.Point = models.DataPoint{Timestamp: 60, Value: 40}
	hit, msg := a.Check(in)
	assert.True(t, hit)
	assert.Contains(t, msg, "down 60%")

	in.Point = models.DataPoint{Timestamp: 60, Value: 80}
	hit, _ = a.Check(in)
	assert.False(t, hit)

	in.Point = models.DataPoint{Timestamp: 60, Value: 200}
	hit, _ = a.Check(in)
	assert.True(t, hit)

	// no previous point
	in.Point = models.DataPoint{Timestamp: 600, Value: 1}
	hit, _ = a.Check(in)
	assert.False(t, hit)

	assert.Equal(t, 0.5, a.LackingThreshold())
	assert.Equal(t, defaultLackingThreshold, (&SimpleRingRatio{}).LackingThreshold())
	assert.Equal(t, []int64{60}, a.HistoryOffsets(60))
}

func TestAdvancedRingRatio(t *testing.T) {
	a := &AdvancedRingRatio{Window: 2, Period: 600, Ceil: 50}
	assert.Equal(t, []int64{600, 660}, a.HistoryOffsets(60))

	in := &Input{
		Item:   testItem(),
		Series: Series{1000: 20, 1060: 20, 1600: 40, 1660: 40},
		Point:  models.DataPoint{Timestamp: 1660, Value: 40},
	}
	hit, msg := a.Check(in)
	assert.True(t, hit)
	assert.Contains(t, msg, "up 100%")

	in.Series[1600] = 20
	in.Series[1660] = 20
	in.Point.Value = 20
	hit, _ = a.Check(in)
	assert.False(t, hit)
}

func TestIntelligent(t *testing.T) {
	a := &Intelligent{}
	assert.Equal(t, []int64{60}, a.HistoryOffsets(300))

	in := &Input{Item: testItem(), Point: models.DataPoint{Timestamp: 60, Value: 3}, Intelligent: Series{60: 1}}
	hit, _ := a.Check(in)
	assert.True(t, hit)

	in.Intelligent = Series{60: 0}
	hit, _ = a.Check(in)
	assert.False(t, hit)
}

func TestPartialNodesReduce(t *testing.T) {
	p := &PartialNodes{Count: 2, Thresholds: [][]ThresholdCondition{{{Method: "gt", Threshold: 80}}}}
	item := testItem()
	item.QueryConfigs[0].AggDimension = []string{"bk_target_ip", "bk_target_cloud_id", "module"}

	points := []models.DataPoint{
		{Timestamp: 60, Value: 90, Dimensions: map[string]string{"bk_target_ip": "1", "bk_target_cloud_id": "0", "module": "a"}},
		{Timestamp: 60, Value: 95, Dimensions: map[string]string{"bk_target_ip": "2", "bk_target_cloud_id": "0", "module": "a"}},
		{Timestamp: 60, Value: 10, Dimensions: map[string]string{"bk_target_ip": "3", "bk_target_cloud_id": "0", "module": "a"}},
		{Timestamp: 60, Value: 99, Dimensions: map[string]string{"bk_target_ip": "4", "bk_target_cloud_id": "0", "module": "b"}},
	}
	reduced := p.Reduce(item, points)
	require.Len(t, reduced, 2)
	assert.Equal(t, map[string]string{"module": "a"}, reduced[0].Dimensions)
	assert.Equal(t, float64(2), reduced[0].Value)

	hit, _ := p.Check(&Input{Item: item, Point: reduced[0]})
	assert.True(t, hit)
	hit, _ = p.Check(&Input{Item: item, Point: reduced[1]})
	assert.False(t, hit)
}

func TestDetectorConnector(t *testing.T) {
	strategy := &models.Strategy{
		Id:      1,
		Detects: []models.DetectConfig{{Level: 1, Connector: "or"}, {Level: 2}},
	}
	item := testItem()
	item.Algorithms = []models.AlgorithmConfig{
		{Type: models.AlgorithmThreshold, Level: 1, Config: map[string]interface{}{"thresholds": [][]map[string]interface{}{{{"method": "gt", "threshold": 90}}}}},
		{Type: models.AlgorithmThreshold, Level: 1, Config: map[string]interface{}{"thresholds": [][]map[string]interface{}{{{"method": "lt", "threshold": 1}}}}},
		{Type: models.AlgorithmThreshold, Level: 2, Config: map[string]interface{}{"thresholds": [][]map[string]interface{}{{{"method": "gt", "threshold": 50}}}}},
		{Type: models.AlgorithmThreshold, Level: 2, Config: map[string]interface{}{"thresholds": [][]map[string]interface{}{{{"method": "lt", "threshold": 60}}}}},
	}
	d, err := NewDetector(strategy, item)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, d.Levels())

	res := d.Evaluate(&Input{Item: item, Point: models.DataPoint{Value: 55}})
	assert.False(t, res[0].Hit)
	assert.True(t, res[1].Hit)

	res = d.Evaluate(&Input{Item: item, Point: models.DataPoint{Value: 0}})
	assert.True(t, res[0].Hit)
	assert.False(t, res[1].Hit)
}

func TestTriggered(t *testing.T) {
	results := []CheckResult{
		{Timestamp: 60, Label: models.CheckResultAnomaly},
		{Timestamp: 120, Label: "3"},
		{Timestamp: 180, Label: models.CheckResultAnomaly},
	}
	from, to := TriggerRange(180, 3, 60)
	assert.Equal(t, int64(1), from)
	assert.Equal(t, int64(180), to)
	assert.True(t, Triggered(results, 180, 3, 2, 60))
	assert.False(t, Triggered(results, 180, 2, 2, 60))

	r, ok := ParseMember("1700000060|95.5")
	require.True(t, ok)
	v, ok := r.Value()
	assert.True(t, ok)
	assert.Equal(t, 95.5, v)
	_, ok = ParseMember("bad")
	assert.False(t, ok)
}
