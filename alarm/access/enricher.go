package access

import (
	"context"
	"sort"
	"strconv"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/models"

	"github.com/toolkits/pkg/logger"
)

// Enricher attaches context to events, it may mark events dropped.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, events []*models.Event)
}

// HostEnricher resolves the host or service instance of an event through CMDB.
type HostEnricher struct {
	cmdb external.CMDB
}

func NewHostEnricher(cmdb external.CMDB) *HostEnricher {
	return &HostEnricher{cmdb: cmdb}
}

func (h *HostEnricher) Name() string {
	return "host"
}

func (h *HostEnricher) Enrich(ctx context.Context, events []*models.Event) {
	for _, e := range events {
		if e.Dropped {
			continue
		}
		if raw := e.Dimensions["bk_target_service_instance_id"]; raw != "" {
			h.enrichService(ctx, e, raw)
			continue
		}

		host, hasHost, err := external.HostOfDimensions(ctx, h.cmdb, e.Dimensions)
		if err != nil {
			logger.Warningf("alarm_access: event %s failed to query host: %v", e.EventId, err)
			continue
		}
		if !hasHost || host == nil {
			continue
		}
		if e.BkBizId != 0 && host.BkBizId != e.BkBizId {
			e.Drop("host left business")
			continue
		}
		e.Ip = host.Ip
		e.BkCloudId = strconv.FormatInt(host.BkCloudId, 10)
		e.BkHostId = host.BkHostId
		e.BkTopoNode = models.TopoNodeSet(host.TopoLinks)
	}
}

func (h *HostEnricher) enrichService(ctx context.Context, e *models.Event, raw string) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	svc, err := h.cmdb.ServiceInstanceById(ctx, id)
	if err != nil {
		logger.Warningf("alarm_access: event %s failed to query service instance %d: %v", e.EventId, id, err)
		return
	}
	if svc == nil {
		return
	}
	e.BkHostId = svc.BkHostId
	e.BkTopoNode = models.TopoNodeSet(svc.TopoLinks)
}

// AssignRuleGetter returns the enabled assignment rules of a business, highest priority first.
type AssignRuleGetter interface {
	GetByBiz(bkBizId int64) []*models.AssignRule
}

type compiledRule struct {
	rule    *models.AssignRule
	matcher common.OrCondition
}

// AssignEnricher applies the first matching assignment rule.
type AssignEnricher struct {
	rules AssignRuleGetter
}

func NewAssignEnricher(rules AssignRuleGetter) *AssignEnricher {
	return &AssignEnricher{rules: rules}
}

func (a *AssignEnricher) Name() string {
	return "assign"
}

func (a *AssignEnricher) Enrich(_ context.Context, events []*models.Event) {
	compiled := make(map[int64][]compiledRule)
	for _, e := range events {
		if e.Dropped {
			continue
		}
		rules, ok := compiled[e.BkBizId]
		if !ok {
			for _, r := range a.rules.GetByBiz(e.BkBizId) {
				rules = append(rules, compiledRule{rule: r, matcher: common.ParseConditions(r.Conditions)})
			}
			compiled[e.BkBizId] = rules
		}

		view := EventView(e)
		for _, r := range rules {
			if len(r.matcher) == 0 || !r.matcher.Match(view) {
				continue
			}
			e.AssignRuleIds = append(e.AssignRuleIds, r.rule.Id)
			e.NotifyRuleIds = append(e.NotifyRuleIds, r.rule.NotifyRuleIds...)
			if r.rule.Severity >= models.LevelFatal && r.rule.Severity <= models.LevelInfo {
				e.Severity = r.rule.Severity
				e.SeveritySource = models.SeveritySourceRule
			}
			break
		}
	}
}

// EventView is the dimension view assignment conditions are matched on.
func EventView(e *models.Event) common.DimensionView {
	view := common.DimensionViewOf(e.Dimensions)
	for _, t := range e.Tags {
		view.Add(t.Key, t.Value)
	}
	view.Set("strategy_id", strconv.FormatInt(e.StrategyId, 10))
	view.Set("level", strconv.Itoa(e.Level))
	view.Add("ip", e.Ip)
	view.Add("bk_cloud_id", e.BkCloudId)
	if e.BkHostId > 0 {
		view.Add("bk_host_id", strconv.FormatInt(e.BkHostId, 10))
	}
	topo := append([]string(nil), e.BkTopoNode...)
	sort.Strings(topo)
	view.Add("bk_topo_node", topo...)
	return view
}
