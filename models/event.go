package models

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/toolkits/pkg/str"
)

var ErrInvalidEvent = errors.New("invalid event")

const (
	ContextDoubleCheck          = "DOUBLE_CHECK"
	DoubleCheckSuspectedMissing = "SUSPECTED_MISSING_POINTS"
)

type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Event struct {
	EventId         string            `json:"event_id"`
	StrategyId      int64             `json:"strategy_id"`
	ItemId          int64             `json:"item_id"`
	BkBizId         int64             `json:"bk_biz_id"`
	Level           int               `json:"level"`
	Severity        int               `json:"severity"`
	SeveritySource  string            `json:"severity_source,omitempty"`
	Dimensions      map[string]string `json:"dimensions"`
	DimensionsMD5   string            `json:"dimensions_md5"`
	DedupeMD5       string            `json:"dedupe_md5"`
	Time            int64             `json:"time"`
	AnomalyTime     int64             `json:"anomaly_time"`
	AnomalyMessage  string            `json:"anomaly_message"`
	Value           float64           `json:"value"`
	TargetType      string            `json:"target_type"`
	Target          string            `json:"target"`
	Status          string            `json:"status"`
	DataTypeLabel   string            `json:"data_type_label"`
	DataSourceLabel string            `json:"data_source_label"`
	Topic           string            `json:"topic,omitempty"`
	BkDataId        int64             `json:"bk_data_id,omitempty"`
	IsNoData        bool              `json:"is_no_data,omitempty"`
	Tags            []Tag             `json:"tags,omitempty"`
	Context         map[string]string `json:"context,omitempty"`

	// enrichment
	Ip            string   `json:"ip,omitempty"`
	BkCloudId     string   `json:"bk_cloud_id,omitempty"`
	BkHostId      int64    `json:"bk_host_id,omitempty"`
	BkTopoNode    []string `json:"bk_topo_node,omitempty"`
	AssignRuleIds []int64  `json:"assign_rule_ids,omitempty"`
	NotifyRuleIds []int64  `json:"notify_rule_ids,omitempty"`

	AccessTime   int64                  `json:"access_time,omitempty"`
	RequeueCount int                    `json:"requeue_count,omitempty"`
	ExtraInfo    map[string]interface{} `json:"extra_info,omitempty"`

	Dropped    bool   `json:"-"`
	DropReason string `json:"-"`
}

var knownEventKeys = map[string]struct{}{}

func init() {
	for _, k := range []string{
		"event_id", "strategy_id", "item_id", "bk_biz_id", "level", "severity", "severity_source",
		"dimensions", "dimensions_md5", "dedupe_md5", "time", "anomaly_time", "anomaly_message",
		"value", "target_type", "target", "status", "data_type_label", "data_source_label", "topic",
		"bk_data_id", "is_no_data", "tags", "context", "ip", "bk_cloud_id", "bk_host_id", "bk_topo_node",
		"assign_rule_ids", "notify_rule_ids", "access_time", "requeue_count", "extra_info",
	} {
		knownEventKeys[k] = struct{}{}
	}
}

// ParseEvent validates an ingress json event; unknown top-level keys go to ExtraInfo.
func ParseEvent(data []byte) (*Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.WithMessage(ErrInvalidEvent, "unparseable json")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errors.WithMessage(ErrInvalidEvent, "event is not an object")
	}

	for _, key := range []string{"strategy_id", "item_id", "level", "dimensions", "anomaly_time", "value", "data_source_label", "data_type_label"} {
		if !root.Get(key).Exists() {
			return nil, errors.WithMessagef(ErrInvalidEvent, "missing %s", key)
		}
	}

	dims := root.Get("dimensions")
	if !dims.IsObject() {
		return nil, errors.WithMessage(ErrInvalidEvent, "dimensions is not an object")
	}

	var e Event
	aux := struct {
		*Event
		Dimensions interface{} `json:"dimensions"`
	}{Event: &e}
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, errors.WithMessage(ErrInvalidEvent, err.Error())
	}

	e.Dimensions = make(map[string]string)
	dims.ForEach(func(key, value gjson.Result) bool {
		e.Dimensions[key.String()] = value.String()
		return true
	})

	if e.Level < LevelFatal || e.Level > LevelInfo {
		return nil, errors.WithMessagef(ErrInvalidEvent, "level %d out of range", e.Level)
	}

	root.ForEach(func(key, value gjson.Result) bool {
		if _, known := knownEventKeys[key.String()]; known {
			return true
		}
		if e.ExtraInfo == nil {
			e.ExtraInfo = make(map[string]interface{})
		}
		e.ExtraInfo[key.String()] = value.Value()
		return true
	})

	e.Normalize()
	return &e, nil
}

// Normalize fills derived fields.
func (e *Event) Normalize() {
	if e.Dimensions == nil {
		e.Dimensions = map[string]string{}
	}
	if e.Time == 0 {
		e.Time = e.AnomalyTime
	}
	if e.Severity == 0 {
		e.Severity = e.Level
	}
	if e.SeveritySource == "" {
		e.SeveritySource = SeveritySourceEvent
	}
	if e.Status == "" {
		e.Status = StatusAbnormal
	}
	e.DimensionsMD5 = DimensionsMD5(e.Dimensions)
	e.DedupeMD5 = DedupeMD5(e.StrategyId, e.ItemId, e.DimensionsMD5, e.IsNoData)
	if e.EventId == "" {
		e.EventId = EventId(e.DimensionsMD5, e.Time, e.StrategyId, e.ItemId, e.Level)
	}
	if e.Target == "" {
		e.TargetType, e.Target = TargetOf(e.Dimensions)
	}
}

func (e *Event) IsAbnormal() bool {
	return e.Status == StatusAbnormal
}

func (e *Event) Drop(reason string) {
	e.Dropped = true
	e.DropReason = reason
}

func (e *Event) SetContext(k, v string) {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[k] = v
}

func EventId(dimensionsMD5 string, ts, strategyId, itemId int64, level int) string {
	return fmt.Sprintf("%s.%d.%d.%d.%d", dimensionsMD5, ts, strategyId, itemId, level)
}

func DedupeMD5(strategyId, itemId int64, dimensionsMD5 string, noData bool) string {
	raw := fmt.Sprintf("%d|%d|%s", strategyId, itemId, dimensionsMD5)
	if noData {
		raw += "|nodata"
	}
	return str.MD5(raw)
}

// TargetOf derives the target type and payload from the instance axes of dims.
func TargetOf(dims map[string]string) (string, string) {
	if id := dims["bk_target_service_instance_id"]; id != "" {
		return TargetTypeService, id
	}
	if ip := dims["bk_target_ip"]; ip != "" {
		cloud := dims["bk_target_cloud_id"]
		if cloud == "" {
			cloud = "0"
		}
		return TargetTypeHost, ip + "|" + cloud
	}
	if hostId := dims["bk_host_id"]; hostId != "" {
		if _, err := strconv.ParseInt(hostId, 10, 64); err == nil {
			return TargetTypeHost, hostId
		}
	}
	if obj, inst := dims["bk_obj_id"], dims["bk_inst_id"]; obj != "" && inst != "" {
		return TargetTypeTopo, obj + "|" + inst
	}
	return TargetTypeEmpty, ""
}
