package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/ccfos/alarmflow/alarm/detect"
	"github.com/ccfos/alarmflow/models"

	"github.com/toolkits/pkg/logger"
	"golang.org/x/exp/slices"
)

const (
	descSuperseded       = "a newer alert has superseded this one"
	descStrategyDeleted  = "strategy stopped or deleted"
	descMetricChanged    = "metric changed"
	descDimensionChanged = "dimensions changed"
	descLevelRemoved     = "detect config of level %d removed from strategy"
	descConditionChanged = "no-data filter conditions changed"
	descNoDataDisabled   = "no-data detection disabled"
	descTargetMissing    = "CMDB has no such target, probably deleted"
	descTargetLeft       = "target left monitor scope"
	descNoDataTooLong    = "no data during recovery window"
	descNoDataExpired    = "no-data alert lasted longer than %ds without update, closed"
	descHigherPriority   = "a strategy of higher priority holds these dimensions"
)

// closeCheck applies the close rules in order and stops at the first hit.
func (s *Service) closeCheck(ctx context.Context, a *models.Alert, start time.Time) bool {
	now := start.Unix()
	closeWith := func(desc string) bool {
		a.Close(now, models.OpClose, desc, now)
		return true
	}

	strategy := s.strategies.Get(a.StrategyId)
	if strategy == nil || !strategy.IsEnabled {
		return closeWith(descStrategyDeleted)
	}

	if s.calendar != nil {
		ok, reason, err := s.calendar.InAlarmTime(ctx, strategy, start)
		if err != nil {
			logger.Warningf("alarm_manager: %s failed to query calendar: %v", a, err)
		} else if !ok {
			return closeWith(reason)
		}
	}

	if desc := strategyChanged(a, strategy); desc != "" {
		return closeWith(desc)
	}
	item := strategy.ItemById(a.ItemId)

	desc, err := s.targetOutOfScope(ctx, a, item)
	if err != nil {
		logger.Warningf("alarm_manager: %s failed to check target scope: %v", a, err)
	} else if desc != "" {
		return closeWith(desc)
	}

	if a.IsNoData {
		if now-a.LatestTime > s.conf.NoDataAlertExpired {
			return closeWith(fmt.Sprintf(descNoDataExpired, s.conf.NoDataAlertExpired))
		}
	} else if s.noDataTooLong(ctx, a, strategy, item, now) {
		return closeWith(descNoDataTooLong)
	}

	if s.priority != nil {
		dominated, err := s.priority.Dominated(ctx, strategy, item.Interval(), models.DimensionsMD5(a.Dimensions), now)
		if err != nil {
			logger.Warningf("alarm_manager: %s failed to read priority: %v", a, err)
		} else if dominated {
			return closeWith(descHigherPriority)
		}
	}
	return false
}

// alertLevel is the level the alert was raised at.
func alertLevel(a *models.Alert) int {
	if a.TopEvent != nil && a.TopEvent.Level > 0 {
		return a.TopEvent.Level
	}
	return a.Severity
}

// strategyChanged compares the live strategy with the snapshot taken when the alert was created.
func strategyChanged(a *models.Alert, live *models.Strategy) string {
	item := live.ItemById(a.ItemId)
	if item == nil {
		return descMetricChanged
	}
	snapshot := a.ExtraInfo.Strategy
	if snapshot == nil {
		return ""
	}
	if !slices.Equal(snapshot.MetricIds(), live.MetricIds()) {
		return descMetricChanged
	}
	if !slices.Equal(snapshot.AggDimensions(), live.AggDimensions()) {
		return descDimensionChanged
	}

	if !a.IsNoData {
		level := alertLevel(a)
		if live.DetectByLevel(level) == nil && !item.IsHostAnomaly() && a.SeveritySource != models.SeveritySourceRule {
			return fmt.Sprintf(descLevelRemoved, level)
		}
		return ""
	}

	if old := snapshot.ItemById(a.ItemId); old != nil && old.AggConditionMD5() != item.AggConditionMD5() {
		return descConditionChanged
	}
	if !item.NoDataConfig.IsEnabled {
		return descNoDataDisabled
	}
	return ""
}

// lastCheck is the last data timestamp seen for the alert's series, latest_time when unknown.
func (s *Service) lastCheck(ctx context.Context, a *models.Alert, level int) int64 {
	if s.results == nil {
		return a.LatestTime
	}
	ts, err := s.results.Checkpoint(ctx, a.StrategyId, a.ItemId, models.DimensionsMD5(a.Dimensions), level)
	if err != nil {
		logger.Warningf("alarm_manager: %s failed to read checkpoint: %v", a, err)
	}
	if ts == 0 {
		return a.LatestTime
	}
	return ts
}

func (s *Service) noDataTooLong(ctx context.Context, a *models.Alert, strategy *models.Strategy, item *models.Item, now int64) bool {
	dataType := item.DataTypeLabel()
	if dataType != models.DataTypeTimeSeries && dataType != models.DataTypeLog {
		return false
	}
	level := alertLevel(a)
	interval := item.Interval()
	window, _ := detect.TriggerOf(strategy, level)
	tolerance := int64(window) * interval
	if tolerance < s.conf.MinNoDataTolerance {
		tolerance = s.conf.MinNoDataTolerance
	}
	if dataType == models.DataTypeLog {
		r, _ := recoveryOf(strategy, level)
		tolerance += int64(r) * interval
	}
	return s.lastCheck(ctx, a, level)+tolerance < now
}
