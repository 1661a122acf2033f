package memsto

import (
	"sort"
	"sync"
	"time"

	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/dumper"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/ctx"

	"github.com/pkg/errors"
	"github.com/toolkits/pkg/logger"
)

type StrategyCacheType struct {
	statTotal       int64
	statLastUpdated int64
	ctx             *ctx.Context
	stats           *astats.Stats

	sync.RWMutex
	strategies map[int64]*models.Strategy // key: strategy id
}

func NewStrategyCache(ctx *ctx.Context, stats *astats.Stats) *StrategyCacheType {
	return &StrategyCacheType{
		statTotal:       -1,
		statLastUpdated: -1,
		ctx:             ctx,
		stats:           stats,
		strategies:      make(map[int64]*models.Strategy),
	}
}

func (sc *StrategyCacheType) Start(interval time.Duration) {
	startSync(sc.ctx.Ctx, sc, interval)
}

func (sc *StrategyCacheType) name() string {
	return "alarm_strategies"
}

func (sc *StrategyCacheType) StatChanged(total, lastUpdated int64) bool {
	if sc.statTotal == total && sc.statLastUpdated == lastUpdated {
		return false
	}

	return true
}

func (sc *StrategyCacheType) Set(m map[int64]*models.Strategy, total, lastUpdated int64) {
	sc.Lock()
	sc.strategies = m
	sc.Unlock()

	// only one goroutine used, so no need lock
	sc.statTotal = total
	sc.statLastUpdated = lastUpdated
}

func (sc *StrategyCacheType) Get(id int64) *models.Strategy {
	sc.RLock()
	defer sc.RUnlock()
	return sc.strategies[id]
}

// GetAll returns the enabled strategies ordered by id.
func (sc *StrategyCacheType) GetAll() []*models.Strategy {
	sc.RLock()
	defer sc.RUnlock()

	lst := make([]*models.Strategy, 0, len(sc.strategies))
	for _, s := range sc.strategies {
		if s.IsEnabled {
			lst = append(lst, s)
		}
	}
	sort.Slice(lst, func(i, j int) bool { return lst[i].Id < lst[j].Id })
	return lst
}

func (sc *StrategyCacheType) sync() error {
	start := time.Now()

	stat, err := models.StrategyStatistics(sc.ctx)
	if err != nil {
		dumper.PutSyncRecord(sc.name(), start.Unix(), -1, -1, "failed to query statistics: "+err.Error())
		return errors.WithMessage(err, "failed to exec StrategyStatistics")
	}

	if !sc.StatChanged(stat.Total, stat.LastUpdated) {
		sc.stats.GaugeCronDuration.WithLabelValues("sync_strategies").Set(0)
		sc.stats.GaugeSyncNumber.WithLabelValues("sync_strategies").Set(0)
		dumper.PutSyncRecord(sc.name(), start.Unix(), -1, -1, "not changed")
		return nil
	}

	lst, errs, err := models.StrategyGetsAll(sc.ctx)
	if err != nil {
		dumper.PutSyncRecord(sc.name(), start.Unix(), -1, -1, "failed to query records: "+err.Error())
		return errors.WithMessage(err, "failed to exec StrategyGetsAll")
	}
	for _, e := range errs {
		logger.Warningf("sync strategies: %v", e)
	}

	m := make(map[int64]*models.Strategy, len(lst))
	for _, s := range lst {
		m[s.Id] = s
	}
	sc.Set(m, stat.Total, stat.LastUpdated)

	ms := time.Since(start).Milliseconds()
	sc.stats.GaugeCronDuration.WithLabelValues("sync_strategies").Set(float64(ms))
	sc.stats.GaugeSyncNumber.WithLabelValues("sync_strategies").Set(float64(len(lst)))
	logger.Infof("timer: sync strategies done, cost: %dms, number: %d", ms, len(lst))
	dumper.PutSyncRecord(sc.name(), start.Unix(), ms, len(lst), "success")

	return nil
}
