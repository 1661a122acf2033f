package detect

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/storage"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/toolkits/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const stageDetect = "detect"

// StrategyGetter is the in-memory strategy table.
type StrategyGetter interface {
	Get(id int64) *models.Strategy
	GetAll() []*models.Strategy
}

type Service struct {
	conf       aconf.DetectConfig
	keys       common.KeyFactory
	redis      storage.Redis
	strategies StrategyGetter
	querier    external.MetricQuerier
	cmdb       external.CMDB
	queues     queue.Set
	stats      *astats.Stats

	Results  *CheckResultStore
	Priority *PriorityManager

	now func() time.Time
}

func NewService(conf aconf.DetectConfig, keys common.KeyFactory, r storage.Redis, strategies StrategyGetter,
	querier external.MetricQuerier, cmdb external.CMDB, queues queue.Set, stats *astats.Stats) *Service {
	return &Service{
		conf:       conf,
		keys:       keys,
		redis:      r,
		strategies: strategies,
		querier:    querier,
		cmdb:       cmdb,
		queues:     queues,
		stats:      stats,
		Results:    NewCheckResultStore(r, keys, aconf.Seconds(conf.CheckResultRetention)),
		Priority:   NewPriorityManager(r, keys, conf.PriorityStaleCycles),
		now:        time.Now,
	}
}

type candidate struct {
	point   models.DataPoint
	md5     string
	results []LevelResult
}

// Detect runs one task and pushes the resulting anomaly events to the event queue.
func (s *Service) Detect(ctx context.Context, task *models.DetectTask) ([]*models.Event, error) {
	strategy := s.strategies.Get(task.StrategyId)
	if strategy == nil || !strategy.IsEnabled {
		logger.Debugf("alarm_detect: strategy:%d not found or disabled, %d points skipped", task.StrategyId, len(task.Points))
		return nil, nil
	}
	item := strategy.ItemById(task.ItemId)
	if item == nil {
		return nil, errors.Errorf("strategy:%d has no item:%d", task.StrategyId, task.ItemId)
	}

	d, err := NewDetector(strategy, item)
	if err != nil {
		s.stats.Drop("invalid_algorithm")
		return nil, err
	}
	if len(d.Levels()) == 0 {
		return nil, nil
	}

	now := s.now().Unix()
	interval := item.Interval()
	points := d.Reduce(task.Points)
	series := GroupSeries(points)

	checkpoints, err := s.Results.Checkpoints(ctx, strategy.Id, item.Id)
	if err != nil {
		logger.Warningf("alarm_detect: strategy:%d item:%d failed to load checkpoints: %v", strategy.Id, item.Id, err)
		checkpoints = map[string]int64{}
	}

	intelligent := s.intelligentSeries(ctx, d, points)

	var (
		writes     []checkResultWrite
		candidates []candidate
	)
	newCheckpoints := make(map[string]int64)
	for _, p := range points {
		md5 := p.DimensionsMD5()
		if !task.Requeued && p.Timestamp <= checkpoints[common.LastCheckpointField(md5, d.Levels()[0])] {
			continue
		}

		results := d.Evaluate(&Input{Item: item, Point: p, Series: series[md5], Intelligent: intelligent[md5]})
		hit := false
		for _, r := range results {
			label := strconv.FormatFloat(p.Value, 'f', -1, 64)
			if r.Hit {
				label = models.CheckResultAnomaly
				hit = true
			}
			writes = append(writes, checkResultWrite{key: s.keys.CheckResult(strategy.Id, item.Id, md5, r.Level), ts: p.Timestamp, label: label})
			field := common.LastCheckpointField(md5, r.Level)
			if p.Timestamp > newCheckpoints[field] {
				newCheckpoints[field] = p.Timestamp
			}
		}
		if hit {
			candidates = append(candidates, candidate{point: p, md5: md5, results: results})
		}
	}

	ttl := common.CheckResultTTL(s.retention(), maxWindow(strategy), interval)
	if err := s.Results.Write(ctx, writes, ttl, now); err != nil {
		s.stats.Failed(stageDetect)
		return nil, errors.WithMessage(err, "failed to write check results")
	}
	if err := s.Results.SetCheckpoints(ctx, strategy.Id, item.Id, newCheckpoints); err != nil {
		logger.Warningf("alarm_detect: strategy:%d item:%d failed to set checkpoints: %v", strategy.Id, item.Id, err)
	}
	if item.NoDataConfig.IsEnabled {
		s.recordDataDimensions(ctx, strategy, item, points)
	}

	var events []*models.Event
	for _, c := range candidates {
		e, err := s.trigger(ctx, strategy, item, c, now)
		if err != nil {
			logger.Warningf("alarm_detect: strategy:%d item:%d failed to judge trigger: %v", strategy.Id, item.Id, err)
			continue
		}
		if e == nil {
			continue
		}
		dominated, err := s.Priority.Dominated(ctx, strategy, interval, e.DimensionsMD5, now)
		if err != nil {
			logger.Warningf("alarm_detect: strategy:%d failed to read priority: %v", strategy.Id, err)
		}
		if dominated {
			logger.Debugf("alarm_detect: strategy:%d dimensions:%s held by a higher priority strategy", strategy.Id, e.DimensionsMD5)
			s.stats.Drop("priority")
			continue
		}
		if err := s.Priority.Record(ctx, strategy, interval, e.DimensionsMD5, now); err != nil {
			logger.Warningf("alarm_detect: strategy:%d failed to record priority: %v", strategy.Id, err)
		}
		events = append(events, e)
	}

	if len(events) > 0 && !task.Requeued && s.conf.DoubleCheck && NeedDoubleCheck(d) {
		checked, requeue, err := s.DoubleCheck(ctx, d, points, events)
		if err != nil {
			logger.Warningf("alarm_detect: strategy:%d item:%d double check failed: %v", strategy.Id, item.Id, err)
		} else if requeue {
			return nil, nil
		} else {
			events = checked
		}
	}

	if err := s.emit(ctx, events); err != nil {
		s.stats.Failed(stageDetect)
		return events, err
	}
	s.stats.Success(stageDetect)
	return events, nil
}

func (s *Service) trigger(ctx context.Context, strategy *models.Strategy, item *models.Item, c candidate, now int64) (*models.Event, error) {
	for _, r := range c.results {
		if !r.Hit {
			continue
		}
		window, count := TriggerOf(strategy, r.Level)
		from, to := TriggerRange(c.point.Timestamp, window, item.Interval())
		results, err := s.Results.Range(ctx, s.keys.CheckResult(strategy.Id, item.Id, c.md5, r.Level), from, to)
		if err != nil {
			return nil, err
		}
		if CountAnomalies(results, from, to) < count {
			continue
		}
		return s.newEvent(strategy, item, c.point, r.Level, r.Message, now), nil
	}
	return nil, nil
}

func (s *Service) newEvent(strategy *models.Strategy, item *models.Item, p models.DataPoint, level int, message string, now int64) *models.Event {
	dims := make(map[string]string, len(p.Dimensions))
	for k, v := range p.Dimensions {
		dims[k] = v
	}
	e := &models.Event{
		StrategyId:      strategy.Id,
		ItemId:          item.Id,
		BkBizId:         strategy.BkBizId,
		Level:           level,
		Dimensions:      dims,
		Time:            p.Timestamp,
		AnomalyTime:     now,
		AnomalyMessage:  message,
		Value:           p.Value,
		Status:          models.StatusAbnormal,
		DataTypeLabel:   item.DataTypeLabel(),
		DataSourceLabel: item.DataSourceLabel(),
	}
	e.Normalize()
	return e
}

func (s *Service) intelligentSeries(ctx context.Context, d *Detector, points []models.DataPoint) map[string]Series {
	if s.querier == nil || len(points) == 0 || !d.HasAlgorithm(models.AlgorithmIntelligent) {
		return nil
	}
	start, end := points[0].Timestamp, points[0].Timestamp
	for _, p := range points {
		start = common.MinInt64(start, p.Timestamp)
		end = common.MaxInt64(end, p.Timestamp)
	}
	scores, err := s.querier.QueryIntelligent(ctx, d.Item, start, end+d.Item.Interval())
	if err != nil {
		logger.Warningf("alarm_detect: strategy:%d item:%d failed to query intelligent result: %v", d.Strategy.Id, d.Item.Id, err)
		return nil
	}
	return GroupSeries(scores)
}

func (s *Service) emit(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([][]byte, 0, len(events))
	for _, e := range events {
		bs, err := json.Marshal(e)
		if err != nil {
			logger.Errorf("alarm_detect: failed to marshal event %s: %v", e.EventId, err)
			continue
		}
		msgs = append(msgs, bs)
	}
	return s.queues[queue.Event].Push(ctx, msgs...)
}

// Run consumes detect tasks until ctx is done.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.conf.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queue.Consume(ctx, s.queues[queue.Detect], 20, time.Second, func(msgs [][]byte) {
				for _, msg := range msgs {
					var task models.DetectTask
					if err := json.Unmarshal(msg, &task); err != nil {
						logger.Warningf("alarm_detect: invalid detect task: %v", err)
						s.stats.Drop("invalid_task")
						continue
					}
					if _, err := s.Detect(ctx, &task); err != nil {
						logger.Errorf("alarm_detect: strategy:%d item:%d detect failed: %v", task.StrategyId, task.ItemId, err)
					}
				}
			})
		}()
	}
	wg.Wait()
}

func (s *Service) retention() time.Duration {
	return aconf.Seconds(s.conf.CheckResultRetention)
}

func maxWindow(strategy *models.Strategy) int {
	trigger, recovery := 1, 1
	for _, dc := range strategy.Detects {
		if dc.TriggerConfig.CheckWindow > trigger {
			trigger = dc.TriggerConfig.CheckWindow
		}
		if dc.RecoveryConfig.CheckWindow > recovery {
			recovery = dc.RecoveryConfig.CheckWindow
		}
	}
	return trigger + recovery
}

func (s *Service) queryTimeout() time.Duration {
	if s.conf.QueryTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.conf.QueryTimeout) * time.Millisecond
}
