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

type AssignRuleCacheType struct {
	statTotal       int64
	statLastUpdated int64
	ctx             *ctx.Context
	stats           *astats.Stats

	sync.RWMutex
	rules map[int64][]*models.AssignRule // key: bk_biz_id, ordered by priority desc
}

func NewAssignRuleCache(ctx *ctx.Context, stats *astats.Stats) *AssignRuleCacheType {
	return &AssignRuleCacheType{
		statTotal:       -1,
		statLastUpdated: -1,
		ctx:             ctx,
		stats:           stats,
		rules:           make(map[int64][]*models.AssignRule),
	}
}

func (ac *AssignRuleCacheType) Start(interval time.Duration) {
	startSync(ac.ctx.Ctx, ac, interval)
}

func (ac *AssignRuleCacheType) name() string {
	return "alarm_assign_rules"
}

func (ac *AssignRuleCacheType) StatChanged(total, lastUpdated int64) bool {
	if ac.statTotal == total && ac.statLastUpdated == lastUpdated {
		return false
	}

	return true
}

func (ac *AssignRuleCacheType) Set(m map[int64][]*models.AssignRule, total, lastUpdated int64) {
	ac.Lock()
	ac.rules = m
	ac.Unlock()

	ac.statTotal = total
	ac.statLastUpdated = lastUpdated
}

func (ac *AssignRuleCacheType) GetByBiz(bkBizId int64) []*models.AssignRule {
	ac.RLock()
	defer ac.RUnlock()
	return ac.rules[bkBizId]
}

func (ac *AssignRuleCacheType) sync() error {
	start := time.Now()

	stat, err := models.AssignRuleStatistics(ac.ctx)
	if err != nil {
		dumper.PutSyncRecord(ac.name(), start.Unix(), -1, -1, "failed to query statistics: "+err.Error())
		return errors.WithMessage(err, "failed to exec AssignRuleStatistics")
	}

	if !ac.StatChanged(stat.Total, stat.LastUpdated) {
		ac.stats.GaugeCronDuration.WithLabelValues("sync_assign_rules").Set(0)
		ac.stats.GaugeSyncNumber.WithLabelValues("sync_assign_rules").Set(0)
		dumper.PutSyncRecord(ac.name(), start.Unix(), -1, -1, "not changed")
		return nil
	}

	lst, errs, err := models.AssignRuleGetsEnabled(ac.ctx)
	if err != nil {
		dumper.PutSyncRecord(ac.name(), start.Unix(), -1, -1, "failed to query records: "+err.Error())
		return errors.WithMessage(err, "failed to exec AssignRuleGetsEnabled")
	}
	for _, e := range errs {
		logger.Warningf("sync assign rules: %v", e)
	}

	m := make(map[int64][]*models.AssignRule)
	for _, r := range lst {
		m[r.BkBizId] = append(m[r.BkBizId], r)
	}
	ac.Set(m, stat.Total, stat.LastUpdated)

	ms := time.Since(start).Milliseconds()
	ac.stats.GaugeCronDuration.WithLabelValues("sync_assign_rules").Set(float64(ms))
	ac.stats.GaugeSyncNumber.WithLabelValues("sync_assign_rules").Set(float64(len(lst)))
	logger.Infof("timer: sync assign rules done, cost: %dms, number: %d", ms, len(lst))
	dumper.PutSyncRecord(ac.name(), start.Unix(), ms, len(lst), "success")

	return nil
}
