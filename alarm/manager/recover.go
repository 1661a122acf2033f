package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/detect"
	"github.com/ccfos/alarmflow/models"

	"github.com/toolkits/pkg/logger"
)

const (
	SetterRecovery       = "recovery"
	SetterClose          = "close"
	SetterRecoveryNoData = "recovery-nodata"
	SetterCloseNoData    = "close-nodata"
)

const defaultRecoveryWindow = 5

const (
	descNoDataRecovered = "new data observed on this dimension, no-data alert recovered"
	descCustomRecovered = "custom recovery event received"
	descRecovering      = "in recovery period, anomaly-time actions suppressed"
	descAbortRecover    = "anomaly detected again in recovery period, recovery aborted"
	descRecovered       = "no anomaly in %d consecutive check windows, alert recovered"
	descRecoveredValue  = ", current value %s"
)

// recoveryOf returns the recovery window size and status setter of a level.
func recoveryOf(strategy *models.Strategy, level int) (int, string) {
	window, setter := defaultRecoveryWindow, SetterRecovery
	if dc := strategy.DetectByLevel(level); dc != nil {
		if dc.RecoveryConfig.CheckWindow > 0 {
			window = dc.RecoveryConfig.CheckWindow
		}
		if dc.RecoveryConfig.StatusSetter != "" {
			setter = dc.RecoveryConfig.StatusSetter
		}
	}
	return window, setter
}

// finish ends the alert with the status chosen by the setter.
func finish(a *models.Alert, setter, desc string, now int64) {
	if strings.HasPrefix(setter, SetterClose) {
		a.Close(now, models.OpClose, desc, now)
		return
	}
	a.Recover(now, desc, now)
}

func (s *Service) recoverCheck(ctx context.Context, a *models.Alert, now int64) {
	if !a.IsAbnormal() || a.DataTypeLabel == models.DataTypeAlert {
		return
	}
	strategy := s.strategies.Get(a.StrategyId)
	if strategy == nil {
		return
	}
	item := strategy.ItemById(a.ItemId)
	if item == nil {
		return
	}

	if a.IsNoData {
		s.recoverNoData(ctx, a, now)
		return
	}
	if item.DataSourceLabel() == models.DataSourceCustom && item.DataTypeLabel() == models.DataTypeEvent {
		s.recoverCustomEvent(ctx, a, item, now)
		return
	}
	dataType := item.DataTypeLabel()
	if dataType != models.DataTypeTimeSeries && dataType != models.DataTypeLog {
		return
	}

	level := alertLevel(a)
	interval := item.Interval()
	window, count := detect.TriggerOf(strategy, level)
	recovery, setter := recoveryOf(strategy, level)
	last := s.lastCheck(ctx, a, level)
	allowNoData := setter == SetterRecoveryNoData || setter == SetterCloseNoData

	if allowNoData && now > last+int64(recovery)*interval+int64(window)*interval+interval {
		finish(a, setter, descNoDataTooLong, now)
		return
	}

	from := last - int64(recovery)*interval - (int64(window)*interval - 1)
	key := s.keys.CheckResult(a.StrategyId, a.ItemId, models.DimensionsMD5(a.Dimensions), level)
	results, err := s.results.Range(ctx, key, from, last)
	if err != nil {
		logger.Warningf("alarm_manager: %s failed to read check results: %v", a, err)
		return
	}
	if len(results) == 0 {
		if dataType == models.DataTypeTimeSeries {
			finish(a, setter, descNoDataTooLong, now)
		}
		return
	}

	for k := 0; k < recovery; k++ {
		if !detect.Triggered(results, last-int64(k)*interval, window, count, interval) {
			continue
		}
		if k == 0 {
			if a.ExtraInfo.IsRecovering {
				abortRecovering(a, now)
			}
			return
		}
		if !a.ExtraInfo.IsRecovering {
			a.ExtraInfo.IsRecovering = true
			a.AddLog(models.OpRecovering, descRecovering, now, "", now)
		}
		return
	}

	desc := fmt.Sprintf(descRecovered, recovery)
	if v, ok := latestValue(results); ok {
		a.ExtraInfo.RecoveryValue = &v
		if !strategy.IsMultiIndicator() || item.IsHostAnomaly() {
			desc += fmt.Sprintf(descRecoveredValue, common.ReadableValue(v))
		}
	}
	a.ExtraInfo.IsRecovering = false
	finish(a, setter, desc, now)
}

func abortRecovering(a *models.Alert, now int64) {
	a.ExtraInfo.IsRecovering = false
	if a.ExtraInfo.IgnoreUnshieldNotice {
		a.ExtraInfo.IgnoreUnshieldNotice = false
		a.ExtraInfo.NeedUnshieldNotice = true
	}
	a.AddLog(models.OpAbortRecover, descAbortRecover, now, "", now)
}

// latestValue is the newest normal value of the results.
func latestValue(results []detect.CheckResult) (float64, bool) {
	for i := len(results) - 1; i >= 0; i-- {
		if v, ok := results[i].Value(); ok {
			return v, true
		}
	}
	return 0, false
}

// recoverNoData recovers once detection has cleared the no-data checkpoint of the dimensions.
func (s *Service) recoverNoData(ctx context.Context, a *models.Alert, now int64) {
	field := common.NoDataAnomalyField(a.StrategyId, a.ItemId, models.DimensionsMD5(a.Dimensions))
	exists, err := s.redis.HExists(ctx, s.keys.NoDataLastAnomalyCheckpoints(), field).Result()
	if err != nil {
		logger.Warningf("alarm_manager: %s failed to read no-data checkpoint: %v", a, err)
		return
	}
	if !exists {
		a.Recover(now, descNoDataRecovered, now)
	}
}

func (s *Service) recoverCustomEvent(ctx context.Context, a *models.Alert, item *models.Item, now int64) {
	if len(item.QueryConfigs) == 0 || len(item.QueryConfigs[0].RecoveryConditions) == 0 {
		return
	}
	n, err := s.store.CountEvents(ctx, a.StrategyId, item.QueryConfigs[0].RecoveryConditions, a.BeginTime)
	if err != nil {
		logger.Warningf("alarm_manager: %s failed to count recovery events: %v", a, err)
		return
	}
	if n > 0 {
		a.Recover(now, descCustomRecovered, now)
	}
}
