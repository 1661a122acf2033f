package memsto

import (
	"sync"
	"time"

	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/dumper"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/ctx"

	"github.com/pkg/errors"
	"github.com/toolkits/pkg/logger"
)

type ShieldCacheType struct {
	statTotal       int64
	statLastUpdated int64
	ctx             *ctx.Context
	stats           *astats.Stats

	sync.RWMutex
	shields map[int64][]*models.Shield // key: bk_biz_id
}

func NewShieldCache(ctx *ctx.Context, stats *astats.Stats) *ShieldCacheType {
	return &ShieldCacheType{
		statTotal:       -1,
		statLastUpdated: -1,
		ctx:             ctx,
		stats:           stats,
		shields:         make(map[int64][]*models.Shield),
	}
}

func (sc *ShieldCacheType) Start(interval time.Duration) {
	startSync(sc.ctx.Ctx, sc, interval)
}

func (sc *ShieldCacheType) name() string {
	return "alarm_shields"
}

// Refresh reloads the shields right away instead of waiting for the next sync.
func (sc *ShieldCacheType) Refresh() error {
	return sc.sync()
}

func (sc *ShieldCacheType) StatChanged(total, lastUpdated int64) bool {
	if sc.statTotal == total && sc.statLastUpdated == lastUpdated {
		return false
	}

	return true
}

func (sc *ShieldCacheType) Set(m map[int64][]*models.Shield, total, lastUpdated int64) {
	sc.Lock()
	sc.shields = m
	sc.statTotal = total
	sc.statLastUpdated = lastUpdated
	sc.Unlock()
}

func (sc *ShieldCacheType) GetByBiz(bkBizId int64) []*models.Shield {
	sc.RLock()
	defer sc.RUnlock()
	return sc.shields[bkBizId]
}

func (sc *ShieldCacheType) GetAll() []*models.Shield {
	sc.RLock()
	defer sc.RUnlock()

	var lst []*models.Shield
	for _, ss := range sc.shields {
		lst = append(lst, ss...)
	}
	return lst
}

func (sc *ShieldCacheType) sync() error {
	start := time.Now()

	stat, err := models.ShieldStatistics(sc.ctx)
	if err != nil {
		dumper.PutSyncRecord(sc.name(), start.Unix(), -1, -1, "failed to query statistics: "+err.Error())
		return errors.WithMessage(err, "failed to exec ShieldStatistics")
	}

	sc.RLock()
	changed := sc.StatChanged(stat.Total, stat.LastUpdated)
	sc.RUnlock()
	if !changed {
		sc.stats.GaugeCronDuration.WithLabelValues("sync_shields").Set(0)
		sc.stats.GaugeSyncNumber.WithLabelValues("sync_shields").Set(0)
		dumper.PutSyncRecord(sc.name(), start.Unix(), -1, -1, "not changed")
		return nil
	}

	lst, errs, err := models.ShieldGetsActive(sc.ctx)
	if err != nil {
		dumper.PutSyncRecord(sc.name(), start.Unix(), -1, -1, "failed to query records: "+err.Error())
		return errors.WithMessage(err, "failed to exec ShieldGetsActive")
	}
	for _, e := range errs {
		logger.Warningf("sync shields: %v", e)
	}

	m := make(map[int64][]*models.Shield)
	for _, s := range lst {
		m[s.BkBizId] = append(m[s.BkBizId], s)
	}
	sc.Set(m, stat.Total, stat.LastUpdated)

	ms := time.Since(start).Milliseconds()
	sc.stats.GaugeCronDuration.WithLabelValues("sync_shields").Set(float64(ms))
	sc.stats.GaugeSyncNumber.WithLabelValues("sync_shields").Set(float64(len(lst)))
	logger.Infof("timer: sync shields done, cost: %dms, number: %d", ms, len(lst))
	dumper.PutSyncRecord(sc.name(), start.Unix(), ms, len(lst), "success")

	return nil
}
