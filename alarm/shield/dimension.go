package shield

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/models"

	"github.com/toolkits/pkg/logger"
)

// synonym dimension keys, every key of a group sees the values of the others
var aliases = [][]string{
	{"bk_target_ip", "ip"},
	{"bk_target_cloud_id", "bk_cloud_id"},
	{"bk_target_service_instance_id", "service_instance_id", "bk_service_instance_id"},
}

// AlertView is the dimension view shields are matched against.
func AlertView(a *models.Alert) common.DimensionView {
	view := common.DimensionViewOf(a.Dimensions)
	for k, v := range a.Tags {
		view.Add(k, v)
	}
	view.Set("strategy_id", strconv.FormatInt(a.StrategyId, 10))
	view.Set("level", strconv.Itoa(a.Severity))
	view.Set("alert_id", a.DocId())
	view.Set("dedupe_md5", a.DedupeMD5)
	if e := a.LatestEvent; e != nil {
		view.Add("bk_topo_node", e.BkTopoNode...)
		view.Add("ip", e.Ip)
		view.Add("bk_cloud_id", e.BkCloudId)
		if e.BkHostId > 0 {
			view.Add("bk_host_id", strconv.FormatInt(e.BkHostId, 10))
		}
	}
	if s := a.ExtraInfo.Strategy; s != nil {
		view.Set("metric_id", s.MetricIds()...)
	}

	for _, group := range aliases {
		seen := make(map[string]struct{})
		var values []string
		for _, key := range group {
			for _, v := range view[key] {
				if _, ok := seen[v]; ok {
					continue
				}
				seen[v] = struct{}{}
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		for _, key := range group {
			view.Set(key, values...)
		}
	}
	return view
}

// dynamic group members are cached this long
const dynamicGroupTTL = time.Minute

// DimensionMatcher is the AND of the scope, strategy and dimension conditions of a shield.
type DimensionMatcher struct {
	bkBizId       int64
	static        common.AndCondition
	dynamicGroups []string

	sync.Mutex
	hostIds   []string
	expiredAt time.Time
}

func NewDimensionMatcher(s *models.Shield) *DimensionMatcher {
	m := &DimensionMatcher{bkBizId: s.BkBizId}
	// a required key missing from the config matches nothing
	equal := func(key string, required bool) {
		if values, ok := s.DimensionValues(key); ok || required {
			m.static = append(m.static, common.EqualCondition{Key: key, Values: values})
		}
	}

	switch s.Category {
	case models.ShieldCategoryScope:
		switch s.ScopeType {
		case models.ScopeTypeNode:
			equal("bk_topo_node", true)
		case models.ScopeTypeHost:
			equal("bk_host_id", true)
		case models.ScopeTypeInstance:
			equal("service_instance_id", true)
		case models.ScopeTypeDynamicGroup:
			m.dynamicGroups, _ = s.DimensionValues("dynamic_group")
		}
	case models.ShieldCategoryAlert:
		equal("alert_id", true)
	case models.ShieldCategoryEvent:
		equal("dedupe_md5", true)
	}
	if s.Category != models.ShieldCategoryAlert && s.Category != models.ShieldCategoryEvent {
		equal("strategy_id", s.Category == models.ShieldCategoryStrategy)
		equal("level", false)
	}
	if len(s.DimensionConditions) > 0 {
		m.static = append(m.static, common.ParseConditions(s.DimensionConditions))
	}
	return m
}

func (m *DimensionMatcher) dynamicHosts(ctx context.Context, cmdb external.CMDB, now time.Time) []string {
	m.Lock()
	defer m.Unlock()
	if m.hostIds != nil && now.Before(m.expiredAt) {
		return m.hostIds
	}

	var ids []int64
	if cmdb != nil {
		var err error
		ids, err = cmdb.DynamicGroupHostIds(ctx, m.bkBizId, m.dynamicGroups)
		if err != nil {
			logger.Warningf("alarm_shield: failed to expand dynamic groups %v: %v", m.dynamicGroups, err)
		}
	}
	hosts := make([]string, 0, len(ids))
	for _, id := range ids {
		hosts = append(hosts, strconv.FormatInt(id, 10))
	}
	// an empty group keeps the shield unmatched
	if len(hosts) == 0 {
		hosts = []string{"0"}
	}
	m.hostIds = hosts
	m.expiredAt = now.Add(dynamicGroupTTL)
	return hosts
}

func (m *DimensionMatcher) IsMatch(ctx context.Context, cmdb external.CMDB, view common.DimensionView, now time.Time) bool {
	if !m.static.Match(view) {
		return false
	}
	if len(m.dynamicGroups) == 0 {
		return true
	}
	return common.EqualCondition{Key: "bk_host_id", Values: m.dynamicHosts(ctx, cmdb, now)}.Match(view)
}
