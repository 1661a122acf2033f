package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ccfos/alarmflow/pkg/ctx"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/toolkits/pkg/str"
)

const (
	AlgorithmThreshold         = "Threshold"
	AlgorithmSimpleRingRatio   = "SimpleRingRatio"
	AlgorithmAdvancedRingRatio = "AdvancedRingRatio"
	AlgorithmIntelligent       = "IntelligentDetect"
	AlgorithmPartialNodes      = "PartialNodes"
	AlgorithmHostAnomaly       = "HostAnomalyDetection"
)

const (
	StatusSetterRecovery       = "recovery"
	StatusSetterClose          = "close"
	StatusSetterRecoveryNoData = "recovery-nodata"
	StatusSetterCloseNoData    = "close-nodata"
)

const (
	AggMethodSum   = "SUM"
	AggMethodCount = "COUNT"
	AggMethodAvg   = "AVG"
)

const DefaultAggInterval = 60

// target selector fields
const (
	TargetFieldIp                  = "ip"
	TargetFieldHostId              = "bk_host_id"
	TargetFieldServiceInstance     = "service_instance_id"
	TargetFieldHostTopoNode        = "host_topo_node"
	TargetFieldServiceTopoNode     = "service_topo_node"
	TargetFieldHostTemplateNode    = "host_service_template"
	TargetFieldServiceTemplateNode = "service_service_template"
	TargetFieldDynamicGroup        = "dynamic_group"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Strategy struct {
	Id               int64          `json:"id"`
	BkBizId          int64          `json:"bk_biz_id"`
	Name             string         `json:"name"`
	Scenario         string         `json:"scenario"`
	IsEnabled        bool           `json:"is_enabled"`
	Priority         int            `json:"priority"`
	PriorityGroupKey string         `json:"priority_group_key"`
	Items            []Item         `json:"items"`
	Detects          []DetectConfig `json:"detects"`
	Labels           []string       `json:"labels"`
	TimeRanges       []string       `json:"time_ranges"`
	CalendarIds      []int64        `json:"calendar_ids"`
	UpdateAt         int64          `json:"update_at"`
}

type Item struct {
	Id           int64             `json:"id"`
	Name         string            `json:"name"`
	QueryConfigs []QueryConfig     `json:"query_configs"`
	Algorithms   []AlgorithmConfig `json:"algorithms"`
	NoDataConfig NoDataConfig      `json:"no_data_config"`
	Target       TargetSelector    `json:"target"`
}

type QueryConfig struct {
	DataSourceLabel    string      `json:"data_source_label"`
	DataTypeLabel      string      `json:"data_type_label"`
	MetricId           string      `json:"metric_id"`
	MetricField        string      `json:"metric_field"`
	ResultTableId      string      `json:"result_table_id"`
	Promql             string      `json:"promql"`
	AggMethod          string      `json:"agg_method"`
	AggInterval        int64       `json:"agg_interval"`
	AggDimension       []string    `json:"agg_dimension"`
	AggCondition       []Condition `json:"agg_condition"`
	RecoveryConditions []Condition `json:"recovery_conditions,omitempty"`
}

// Condition is one (key, method, value) filter; Condition holds the connector to the previous one.
type Condition struct {
	Key       string   `json:"key"`
	Method    string   `json:"method"`
	Value     []string `json:"value"`
	Condition string   `json:"condition,omitempty"`
}

type AlgorithmConfig struct {
	Type   string                 `json:"type"`
	Level  int                    `json:"level"`
	Config map[string]interface{} `json:"config"`
}

type TriggerConfig struct {
	Count       int `json:"count"`
	CheckWindow int `json:"check_window"`
}

type RecoveryConfig struct {
	CheckWindow  int    `json:"check_window"`
	StatusSetter string `json:"status_setter"`
}

type DetectConfig struct {
	Level          int            `json:"level"`
	Connector      string         `json:"connector"`
	TriggerConfig  TriggerConfig  `json:"trigger_config"`
	RecoveryConfig RecoveryConfig `json:"recovery_config"`
}

type NoDataConfig struct {
	IsEnabled    bool     `json:"is_enabled"`
	Continuous   int      `json:"continuous"`
	Level        int      `json:"level"`
	AggDimension []string `json:"agg_dimension"`
}

type TopoNode struct {
	BkObjId  string `json:"bk_obj_id"`
	BkInstId int64  `json:"bk_inst_id"`
}

func (n TopoNode) String() string {
	return fmt.Sprintf("%s|%d", n.BkObjId, n.BkInstId)
}

type HostTarget struct {
	Ip        string `json:"ip"`
	BkCloudId int64  `json:"bk_cloud_id"`
	BkHostId  int64  `json:"bk_host_id"`
}

type TargetSelector struct {
	Field              string       `json:"field"`
	Hosts              []HostTarget `json:"hosts,omitempty"`
	ServiceInstanceIds []int64      `json:"service_instance_ids,omitempty"`
	Nodes              []TopoNode   `json:"nodes,omitempty"`
	TemplateIds        []int64      `json:"template_ids,omitempty"`
	DynamicGroupIds    []string     `json:"dynamic_group_ids,omitempty"`
}

func (t *TargetSelector) IsEmpty() bool {
	return t.Field == ""
}

// IsHostTarget reports whether instances of this selector are hosts.
func (t *TargetSelector) IsHostTarget() bool {
	switch t.Field {
	case TargetFieldIp, TargetFieldHostId, TargetFieldHostTopoNode, TargetFieldHostTemplateNode, TargetFieldDynamicGroup:
		return true
	}
	return false
}

func (t *TargetSelector) IsServiceTarget() bool {
	switch t.Field {
	case TargetFieldServiceInstance, TargetFieldServiceTopoNode, TargetFieldServiceTemplateNode:
		return true
	}
	return false
}

func (s *Strategy) ItemById(id int64) *Item {
	for i := range s.Items {
		if s.Items[i].Id == id {
			return &s.Items[i]
		}
	}
	return nil
}

func (s *Strategy) DetectByLevel(level int) *DetectConfig {
	for i := range s.Detects {
		if s.Detects[i].Level == level {
			return &s.Detects[i]
		}
	}
	return nil
}

func (s *Strategy) Levels() []int {
	levels := make([]int, 0, len(s.Detects))
	for _, d := range s.Detects {
		levels = append(levels, d.Level)
	}
	sort.Ints(levels)
	return levels
}

// MetricIds is the sorted metric id set of every item.
func (s *Strategy) MetricIds() []string {
	set := make(map[string]struct{})
	for _, item := range s.Items {
		for _, qc := range item.QueryConfigs {
			if qc.MetricId != "" {
				set[qc.MetricId] = struct{}{}
			}
		}
	}
	return sortedKeys(set)
}

// AggDimensions is the sorted group-by dimension set of every item.
func (s *Strategy) AggDimensions() []string {
	set := make(map[string]struct{})
	for _, item := range s.Items {
		for _, qc := range item.QueryConfigs {
			for _, d := range qc.AggDimension {
				set[d] = struct{}{}
			}
		}
	}
	return sortedKeys(set)
}

func (s *Strategy) IsMultiIndicator() bool {
	return len(s.Items) > 0 && len(s.Items[0].QueryConfigs) > 1
}

func (s *Strategy) Clone() *Strategy {
	var cp Strategy
	bs, _ := json.Marshal(s)
	_ = json.Unmarshal(bs, &cp)
	return &cp
}

func (it *Item) primary() QueryConfig {
	if len(it.QueryConfigs) == 0 {
		return QueryConfig{}
	}
	return it.QueryConfigs[0]
}

// Interval is the aggregation interval in seconds.
func (it *Item) Interval() int64 {
	iv := it.primary().AggInterval
	if iv <= 0 {
		return DefaultAggInterval
	}
	return iv
}

func (it *Item) AggMethod() string {
	return strings.ToUpper(it.primary().AggMethod)
}

func (it *Item) DataTypeLabel() string {
	return it.primary().DataTypeLabel
}

func (it *Item) DataSourceLabel() string {
	return it.primary().DataSourceLabel
}

func (it *Item) AggDimension() []string {
	return it.primary().AggDimension
}

func (it *Item) AlgorithmsByLevel(level int) []AlgorithmConfig {
	var lst []AlgorithmConfig
	for _, a := range it.Algorithms {
		if a.Level == level {
			lst = append(lst, a)
		}
	}
	return lst
}

func (it *Item) HasAlgorithm(typ string) bool {
	for _, a := range it.Algorithms {
		if a.Type == typ {
			return true
		}
	}
	return false
}

func (it *Item) IsHostAnomaly() bool {
	return it.HasAlgorithm(AlgorithmHostAnomaly)
}

// TargetAxes are the dimensions identifying one target instance.
func (it *Item) TargetAxes() []string {
	dims := it.AggDimension()
	has := func(k string) bool {
		for _, d := range dims {
			if d == k {
				return true
			}
		}
		return false
	}
	switch {
	case has("bk_target_service_instance_id"):
		return []string{"bk_target_service_instance_id"}
	case has("bk_target_ip") && has("bk_target_cloud_id"):
		return []string{"bk_target_ip", "bk_target_cloud_id"}
	case has("bk_target_ip"):
		return []string{"bk_target_ip"}
	case has("bk_host_id"):
		return []string{"bk_host_id"}
	}
	return nil
}

// NoDataDimensions is the configured no-data dimension list reduced to agg_dimension.
func (it *Item) NoDataDimensions() []string {
	aggDims := it.AggDimension()
	if len(it.NoDataConfig.AggDimension) == 0 {
		out := make([]string, len(aggDims))
		copy(out, aggDims)
		sort.Strings(out)
		return out
	}
	allowed := make(map[string]struct{}, len(aggDims))
	for _, d := range aggDims {
		allowed[d] = struct{}{}
	}
	var out []string
	for _, d := range it.NoDataConfig.AggDimension {
		if _, ok := allowed[d]; ok {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// AggConditionMD5 hashes key/value/method/connector of the primary query, ignoring the first connector.
func (it *Item) AggConditionMD5() string {
	var parts []string
	for i, c := range it.primary().AggCondition {
		values := append([]string(nil), c.Value...)
		sort.Strings(values)
		connector := strings.ToLower(c.Condition)
		if i == 0 {
			connector = ""
		}
		parts = append(parts, fmt.Sprintf("%s:%s:%s:%s", c.Key, c.Method, strings.Join(values, ","), connector))
	}
	return str.MD5(strings.Join(parts, ";"))
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StrategyRecord is the db row of a strategy, its body is stored as json.
type StrategyRecord struct {
	Id        int64  `json:"id" gorm:"primaryKey"`
	BkBizId   int64  `json:"bk_biz_id"`
	Name      string `json:"name"`
	IsEnabled int    `json:"is_enabled"`
	Config    string `json:"config"`
	UpdateAt  int64  `json:"update_at"`
}

func (StrategyRecord) TableName() string {
	return "alarm_strategy"
}

func (r *StrategyRecord) ToStrategy() (*Strategy, error) {
	var s Strategy
	if err := json.Unmarshal([]byte(r.Config), &s); err != nil {
		return nil, errors.Wrapf(err, "strategy(%d) config is invalid", r.Id)
	}
	s.Id = r.Id
	s.BkBizId = r.BkBizId
	s.Name = r.Name
	s.IsEnabled = r.IsEnabled == 1
	s.UpdateAt = r.UpdateAt
	return &s, nil
}

func NewStrategyRecord(s *Strategy) (*StrategyRecord, error) {
	bs, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	enabled := 0
	if s.IsEnabled {
		enabled = 1
	}
	return &StrategyRecord{
		Id:        s.Id,
		BkBizId:   s.BkBizId,
		Name:      s.Name,
		IsEnabled: enabled,
		Config:    string(bs),
		UpdateAt:  s.UpdateAt,
	}, nil
}

func StrategyStatistics(ctx *ctx.Context) (*Statistics, error) {
	return StatisticsGet[StrategyRecord](ctx, "")
}

// StrategyGetsAll loads every strategy, rows with broken config are skipped by the caller via errs.
func StrategyGetsAll(ctx *ctx.Context) ([]*Strategy, []error, error) {
	var records []*StrategyRecord
	if err := DB(ctx).Find(&records).Error; err != nil {
		return nil, nil, err
	}

	var errs []error
	lst := make([]*Strategy, 0, len(records))
	for _, r := range records {
		s, err := r.ToStrategy()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lst = append(lst, s)
	}
	return lst, errs, nil
}
