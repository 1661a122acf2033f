package detect

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/models"

	"github.com/pkg/errors"
	"github.com/toolkits/pkg/concurrent/semaphore"
	"github.com/toolkits/pkg/logger"
)

var ErrDimensionMismatch = errors.New("dimensions do not cover the no-data dimensions")

const defaultNoDataLevel = models.LevelWarning

// dataRecord is the latest point seen for one no-data dimension set.
type dataRecord struct {
	Timestamp  int64             `json:"ts"`
	Value      float64           `json:"value"`
	Dimensions map[string]string `json:"dimensions"`
}

// NoDataKeys are the dimensions no-data is judged on: the item's no-data dimensions,
// narrowed to the target axes when the item has a target selector.
func NoDataKeys(item *models.Item) []string {
	keys := item.NoDataDimensions()
	if item.Target.IsEmpty() {
		return keys
	}
	axes := make(map[string]struct{})
	for _, a := range item.TargetAxes() {
		axes[a] = struct{}{}
	}
	var narrowed []string
	for _, k := range keys {
		if _, ok := axes[k]; ok {
			narrowed = append(narrowed, k)
		}
	}
	if len(narrowed) == 0 {
		return keys
	}
	return narrowed
}

func noDataLevel(item *models.Item) int {
	if item.NoDataConfig.Level >= models.LevelFatal && item.NoDataConfig.Level <= models.LevelInfo {
		return item.NoDataConfig.Level
	}
	return defaultNoDataLevel
}

// recordDataDimensions remembers the latest point of every no-data dimension set.
func (s *Service) recordDataDimensions(ctx context.Context, strategy *models.Strategy, item *models.Item, points []models.DataPoint) {
	keys := NoDataKeys(item)
	latest := make(map[string]*dataRecord)
	for _, p := range points {
		dims, ok := models.SubDimensions(p.Dimensions, keys)
		if !ok {
			logger.Warningf("alarm_detect: strategy:%d item:%d point %v dropped: %v", strategy.Id, item.Id, p.Dimensions, ErrDimensionMismatch)
			continue
		}
		md5 := models.DimensionsMD5(dims)
		if r, ok := latest[md5]; !ok || p.Timestamp > r.Timestamp {
			latest[md5] = &dataRecord{Timestamp: p.Timestamp, Value: p.Value, Dimensions: dims}
		}
	}
	if len(latest) == 0 {
		return
	}

	key := s.keys.NoDataDimensions(strategy.Id, item.Id)
	fields := make([]string, 0, len(latest))
	for md5 := range latest {
		fields = append(fields, md5)
	}
	current, err := s.redis.HMGet(ctx, key, fields...).Result()
	if err != nil {
		logger.Warningf("alarm_detect: strategy:%d item:%d failed to read data dimensions: %v", strategy.Id, item.Id, err)
		return
	}

	values := make(map[string]interface{})
	var recovered []string
	for i, md5 := range fields {
		rec := latest[md5]
		if raw, ok := current[i].(string); ok {
			var old dataRecord
			if json.Unmarshal([]byte(raw), &old) == nil && old.Timestamp >= rec.Timestamp {
				continue
			}
		}
		bs, _ := json.Marshal(rec)
		values[md5] = string(bs)
		recovered = append(recovered, common.NoDataAnomalyField(strategy.Id, item.Id, md5))
	}
	// any data ends a no-data episode raised on the whole item
	recovered = append(recovered, wholeDimensionField(strategy.Id, item.Id))

	pipe := s.redis.Pipeline()
	if len(values) > 0 {
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, s.retention())
	}
	// new data ends the no-data episode
	pipe.HDel(ctx, s.keys.NoDataLastAnomalyCheckpoints(), recovered...)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warningf("alarm_detect: strategy:%d item:%d failed to record data dimensions: %v", strategy.Id, item.Id, err)
	}
}

var wholeDimensionMD5 = models.DimensionsMD5(map[string]string{models.NoDataDimension: "true"})

func wholeDimensionField(strategyId, itemId int64) string {
	return common.NoDataAnomalyField(strategyId, itemId, wholeDimensionMD5)
}

func (s *Service) loadDataRecords(ctx context.Context, strategyId, itemId int64) (map[string]*dataRecord, error) {
	m, err := s.redis.HGetAll(ctx, s.keys.NoDataDimensions(strategyId, itemId)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*dataRecord, len(m))
	for md5, raw := range m {
		var r dataRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out[md5] = &r
	}
	return out, nil
}

// targetInstances expands the target selector to instance dimensions keyed by md5.
func (s *Service) targetInstances(ctx context.Context, strategy *models.Strategy, item *models.Item, keys []string) (map[string]map[string]string, error) {
	if item.Target.IsEmpty() || s.cmdb == nil {
		return nil, nil
	}
	hosts, services, err := s.cmdb.TargetInstances(ctx, strategy.BkBizId, item.Target)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string)
	add := func(dims map[string]string) {
		if len(dims) != len(keys) {
			return
		}
		out[models.DimensionsMD5(dims)] = dims
	}
	for _, h := range hosts {
		add(h.InstanceDimensions(keys))
	}
	for _, svc := range services {
		add(svc.InstanceDimensions(keys))
	}
	return out, nil
}

// CheckNoData emits no-data anomalies of one item and recovers the dimensions that got data again.
func (s *Service) CheckNoData(ctx context.Context, strategy *models.Strategy, item *models.Item) ([]*models.Event, error) {
	if !item.NoDataConfig.IsEnabled {
		return nil, nil
	}
	now := s.now().Unix()
	interval := item.Interval()
	continuous := item.NoDataConfig.Continuous
	if continuous <= 0 {
		continuous = 1
	}
	var delay int64
	if item.HasAlgorithm(models.AlgorithmIntelligent) {
		delay = s.conf.IntelligentDelay
	}
	// data at or before this is too old to count
	threshold := now - int64(continuous)*interval - delay
	level := noDataLevel(item)
	keys := NoDataKeys(item)

	data, err := s.loadDataRecords(ctx, strategy.Id, item.Id)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load data dimensions")
	}
	targets, err := s.targetInstances(ctx, strategy, item, keys)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to expand target")
	}

	instances := targets
	if len(targets) == 0 {
		instances = make(map[string]map[string]string, len(data))
		for md5, r := range data {
			instances[md5] = r.Dimensions
		}
	}
	checkpointKey := s.keys.NoDataLastAnomalyCheckpoints()
	var (
		events      []*models.Event
		writes      []checkResultWrite
		recovered   []string
		checkpoints = make(map[string]int64)
	)
	if len(instances) == 0 {
		instances = map[string]map[string]string{wholeDimensionMD5: {models.NoDataDimension: "true"}}
	} else {
		recovered = append(recovered, wholeDimensionField(strategy.Id, item.Id))
	}

	md5s := make([]string, 0, len(instances))
	for md5 := range instances {
		md5s = append(md5s, md5)
	}
	sort.Strings(md5s)

	for _, md5 := range md5s {
		dims := instances[md5]
		rec, has := data[md5]
		field := common.NoDataAnomalyField(strategy.Id, item.Id, md5)

		if _, ok := dims[models.NoDataDimension]; !ok {
			inScope, err := s.hostInScope(ctx, strategy, dims)
			if err != nil {
				logger.Warningf("alarm_detect: strategy:%d item:%d failed to check host of %v: %v", strategy.Id, item.Id, dims, err)
			} else if !inScope {
				recovered = append(recovered, field)
				continue
			}
		}

		if has && rec.Timestamp > threshold {
			recovered = append(recovered, field)
			writes = append(writes, checkResultWrite{
				key:   s.keys.CheckResult(strategy.Id, item.Id, md5, level),
				ts:    rec.Timestamp,
				label: strconv.FormatFloat(rec.Value, 'f', -1, 64),
			})
			checkpoints[common.LastCheckpointField(md5, level)] = rec.Timestamp
			continue
		}

		first, err := s.redis.HGet(ctx, checkpointKey, field).Int64()
		if err != nil {
			first = now
			if err := s.redis.HSet(ctx, checkpointKey, field, now).Err(); err != nil {
				logger.Warningf("alarm_detect: strategy:%d item:%d failed to set no-data checkpoint: %v", strategy.Id, item.Id, err)
			}
		}
		anomalyPeriod := (now-first)/interval + 1
		noDataPeriod := anomalyPeriod
		if has {
			noDataPeriod = (now - rec.Timestamp) / interval
		}

		e := s.newNoDataEvent(strategy, item, dims, level, now, noDataMessage(item, noDataPeriod, delay/interval))
		e.ExtraInfo = map[string]interface{}{"anomaly_period": anomalyPeriod, "no_data_period": noDataPeriod}
		events = append(events, e)
		writes = append(writes, checkResultWrite{
			key:   s.keys.CheckResult(strategy.Id, item.Id, md5, level),
			ts:    e.Time,
			label: models.CheckResultAnomaly,
		})
	}

	if len(recovered) > 0 {
		if err := s.redis.HDel(ctx, checkpointKey, recovered...).Err(); err != nil {
			logger.Warningf("alarm_detect: strategy:%d item:%d failed to clear no-data checkpoints: %v", strategy.Id, item.Id, err)
		}
	}
	ttl := common.CheckResultTTL(s.retention(), maxWindow(strategy), interval)
	if err := s.Results.Write(ctx, writes, ttl, now); err != nil {
		logger.Warningf("alarm_detect: strategy:%d item:%d failed to write no-data check results: %v", strategy.Id, item.Id, err)
	}
	if err := s.Results.SetCheckpoints(ctx, strategy.Id, item.Id, checkpoints); err != nil {
		logger.Warningf("alarm_detect: strategy:%d item:%d failed to set checkpoints: %v", strategy.Id, item.Id, err)
	}

	if err := s.emit(ctx, events); err != nil {
		return events, err
	}
	return events, nil
}

// hostInScope asks CMDB whether the host of dims still belongs to the strategy's business.
func (s *Service) hostInScope(ctx context.Context, strategy *models.Strategy, dims map[string]string) (bool, error) {
	if s.cmdb == nil {
		return true, nil
	}
	host, hasHost, err := external.HostOfDimensions(ctx, s.cmdb, dims)
	if err != nil || !hasHost {
		return true, err
	}
	return host != nil && host.BkBizId == strategy.BkBizId, nil
}

func (s *Service) newNoDataEvent(strategy *models.Strategy, item *models.Item, dims map[string]string, level int, now int64, message string) *models.Event {
	cp := make(map[string]string, len(dims))
	for k, v := range dims {
		cp[k] = v
	}
	e := &models.Event{
		StrategyId:      strategy.Id,
		ItemId:          item.Id,
		BkBizId:         strategy.BkBizId,
		Level:           level,
		Dimensions:      cp,
		Time:            common.AlignTs(now, item.Interval()),
		AnomalyTime:     now,
		AnomalyMessage:  message,
		Status:          models.StatusAbnormal,
		DataTypeLabel:   item.DataTypeLabel(),
		DataSourceLabel: item.DataSourceLabel(),
		IsNoData:        true,
	}
	e.Normalize()
	return e
}

func noDataMessage(item *models.Item, cycles, delayCycles int64) string {
	name := item.Name
	if name == "" && len(item.QueryConfigs) > 0 {
		name = item.QueryConfigs[0].MetricField
	}
	msg := fmt.Sprintf("indicator %s has had %d cycles without data", name, cycles)
	if delayCycles > 0 {
		msg += fmt.Sprintf(", with %d cycles of upload delay", delayCycles)
	}
	return msg
}

// CheckAllNoData runs the no-data check of every enabled item with bounded concurrency.
func (s *Service) CheckAllNoData(ctx context.Context) {
	sema := semaphore.NewSemaphore(s.conf.NoDataConcurrency)
	var wg sync.WaitGroup
	for _, strategy := range s.strategies.GetAll() {
		if !strategy.IsEnabled {
			continue
		}
		for i := range strategy.Items {
			item := &strategy.Items[i]
			if !item.NoDataConfig.IsEnabled {
				continue
			}
			sema.Acquire()
			wg.Add(1)
			go func(strategy *models.Strategy, item *models.Item) {
				defer func() {
					sema.Release()
					wg.Done()
				}()
				if _, err := s.CheckNoData(ctx, strategy, item); err != nil {
					s.stats.Failed("nodata")
					logger.Errorf("alarm_detect: strategy:%d item:%d no-data check failed: %v", strategy.Id, item.Id, err)
					return
				}
				s.stats.Success("nodata")
			}(strategy, item)
		}
	}
	wg.Wait()
}
