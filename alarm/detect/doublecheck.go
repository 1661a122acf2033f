package detect

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/models"

	"github.com/toolkits/pkg/logger"
)

// max span of the count query, in intervals
const doubleCheckMaxIntervals = 30

var doubleCheckAlgorithms = []string{
	models.AlgorithmIntelligent,
	models.AlgorithmAdvancedRingRatio,
	models.AlgorithmSimpleRingRatio,
	models.AlgorithmThreshold,
}

// NeedDoubleCheck applies to SUM items judged by a drop sensitive algorithm.
func NeedDoubleCheck(d *Detector) bool {
	return d.Item.AggMethod() == models.AggMethodSum && d.HasAlgorithm(doubleCheckAlgorithms...)
}

func (d *Detector) doubleCheckAlgorithm(level int) Algorithm {
	for _, t := range doubleCheckAlgorithms {
		for _, a := range d.algorithms[level] {
			if a.Type() == t {
				return a
			}
		}
	}
	return nil
}

func pointKey(md5 string, ts int64) string {
	return fmt.Sprintf("%s.%d", md5, ts)
}

func indexPoints(points []models.DataPoint) map[string]float64 {
	out := make(map[string]float64, len(points))
	for _, p := range points {
		out[pointKey(p.DimensionsMD5(), p.Timestamp)] = p.Value
	}
	return out
}

// DoubleCheck compares sample counts with history to tell a real drop of a SUM from missing data.
// When requeue is true the batch was cleared and pushed back to the detect queue with fresh points.
func (s *Service) DoubleCheck(ctx context.Context, d *Detector, points []models.DataPoint, events []*models.Event) ([]*models.Event, bool, error) {
	if s.querier == nil || len(events) == 0 {
		return events, false, nil
	}
	item := d.Item
	interval := item.Interval()

	type plan struct {
		event   *models.Event
		algo    Algorithm
		offsets []int64
	}
	plans := make([]plan, 0, len(events))
	start, end := int64(math.MaxInt64), int64(0)
	for _, e := range events {
		algo := d.doubleCheckAlgorithm(e.Level)
		if algo == nil {
			continue
		}
		offsets := algo.HistoryOffsets(interval)
		for _, off := range offsets {
			if e.Time-off < start {
				start = e.Time - off
			}
		}
		if e.Time+interval > end {
			end = e.Time + interval
		}
		plans = append(plans, plan{event: e, algo: algo, offsets: offsets})
	}
	if len(plans) == 0 {
		return events, false, nil
	}
	if end-start > doubleCheckMaxIntervals*interval {
		start = end - doubleCheckMaxIntervals*interval
	}

	countPoints, err := s.querier.QueryCount(ctx, item, start, end)
	if err != nil {
		return events, false, err
	}
	counts := indexPoints(countPoints)

	batchStart, batchEnd := start, end
	for _, p := range points {
		if p.Timestamp < batchStart {
			batchStart = p.Timestamp
		}
		if p.Timestamp+interval > batchEnd {
			batchEnd = p.Timestamp + interval
		}
	}
	fresh, err := s.querier.Query(ctx, item, batchStart, batchEnd)
	if err != nil {
		return events, false, err
	}
	freshValues := indexPoints(fresh)

	changed := false
	for _, pl := range plans {
		e := pl.event
		nowCount := counts[pointKey(e.DimensionsMD5, e.Time)]
		var formerCount float64
		for _, off := range pl.offsets {
			formerCount += counts[pointKey(e.DimensionsMD5, e.Time-off)]
		}
		formerCount /= float64(len(pl.offsets))

		if formerCount > 0 && nowCount < formerCount {
			ratio := (formerCount - nowCount) / formerCount
			if ratio >= pl.algo.LackingThreshold() {
				offs := make([]string, 0, len(pl.offsets))
				for _, off := range pl.offsets {
					offs = append(offs, fmt.Sprint(off))
				}
				e.SetContext(models.ContextDoubleCheck, models.DoubleCheckSuspectedMissing)
				e.AnomalyMessage += fmt.Sprintf(", after double-check, suspected missing points: compared with %ss ago, data was missing", strings.Join(offs, ","))
				continue
			}
		}

		if v, ok := freshValues[pointKey(e.DimensionsMD5, e.Time)]; ok && v != e.Value {
			changed = true
		}
	}

	if !changed {
		return events, false, nil
	}

	byMD5 := make(map[string][]int64)
	for _, p := range points {
		md5 := p.DimensionsMD5()
		byMD5[md5] = append(byMD5[md5], p.Timestamp)
	}
	for md5, tss := range byMD5 {
		if err := s.Results.ClearAnomaly(ctx, d.Strategy.Id, item.Id, md5, d.Levels(), tss); err != nil {
			logger.Warningf("alarm_detect: strategy:%d item:%d failed to clear check results: %v", d.Strategy.Id, item.Id, err)
		}
	}

	task := models.DetectTask{StrategyId: d.Strategy.Id, ItemId: item.Id, Points: fresh, Requeued: true}
	bs, err := json.Marshal(task)
	if err != nil {
		return events, false, err
	}
	if err := s.queues[queue.Detect].Push(ctx, bs); err != nil {
		return events, false, err
	}
	logger.Infof("alarm_detect: strategy:%d item:%d data still arriving, %d fresh points requeued", d.Strategy.Id, item.Id, len(fresh))
	return nil, true, nil
}
