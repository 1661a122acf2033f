package models

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	SignalAbnormal  = "abnormal"
	SignalRecovered = "recovered"
	SignalClosed    = "closed"
	SignalAck       = "ack"
	SignalNoData    = "no_data"
	SignalCollect   = "collect"
)

const (
	QosStatusNormal  = "normal"
	QosStatusBlocked = "blocked"
)

// AlertExtraInfo holds the known mutable fields of an alert, Extra keeps everything else.
type AlertExtraInfo struct {
	Strategy             *Strategy `json:"strategy,omitempty"`
	RecoveryValue        *float64  `json:"recovery_value,omitempty"`
	IsRecovering         bool      `json:"is_recovering,omitempty"`
	IsBlocked            bool      `json:"is_blocked,omitempty"`
	NeedUnshieldNotice   bool      `json:"need_unshield_notice,omitempty"`
	IgnoreUnshieldNotice bool      `json:"ignore_unshield_notice,omitempty"`
	QosStatus            string    `json:"qos_status,omitempty"`
	IsShielded           bool      `json:"is_shielded,omitempty"`
	ShieldIds            []int64   `json:"shield_ids,omitempty"`

	// newest last, at most MaxRecentEventIds
	RecentEventIds []string `json:"recent_event_ids,omitempty"`

	Extra map[string]interface{} `json:"-"`
}

var knownExtraKeys = []string{
	"strategy", "recovery_value", "is_recovering", "is_blocked", "need_unshield_notice",
	"ignore_unshield_notice", "qos_status", "is_shielded", "shield_ids", "recent_event_ids",
}

// MaxRecentEventIds bounds the event ids an alert remembers for replay detection.
const MaxRecentEventIds = 100

func (x AlertExtraInfo) MarshalJSON() ([]byte, error) {
	type plain AlertExtraInfo
	bs, err := json.Marshal(plain(x))
	if err != nil || len(x.Extra) == 0 {
		return bs, err
	}

	merged := make(map[string]interface{}, len(x.Extra)+len(knownExtraKeys))
	for k, v := range x.Extra {
		merged[k] = v
	}
	var typed map[string]interface{}
	if err := json.Unmarshal(bs, &typed); err != nil {
		return nil, err
	}
	for k, v := range typed {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (x *AlertExtraInfo) UnmarshalJSON(bs []byte) error {
	type plain AlertExtraInfo
	var p plain
	if err := json.Unmarshal(bs, &p); err != nil {
		return err
	}

	var all map[string]interface{}
	if err := json.Unmarshal(bs, &all); err != nil {
		return err
	}
	for _, k := range knownExtraKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	*x = AlertExtraInfo(p)
	return nil
}

type AlertLog struct {
	AlertId     int64  `json:"alert_id"`
	Op          string `json:"op_type"`
	Time        int64  `json:"time"`
	Description string `json:"description"`
	EventId     string `json:"event_id,omitempty"`
	Severity    int    `json:"severity,omitempty"`
	CreateTime  int64  `json:"create_time"`
}

type Alert struct {
	Id               int64             `json:"id"`
	DedupeMD5        string            `json:"dedupe_md5"`
	StrategyId       int64             `json:"strategy_id"`
	ItemId           int64             `json:"item_id"`
	BkBizId          int64             `json:"bk_biz_id"`
	AlertName        string            `json:"alert_name"`
	Severity         int               `json:"severity"`
	EventSeverity    int               `json:"event_severity"`
	SeveritySource   string            `json:"severity_source"`
	Status           string            `json:"status"`
	BeginTime        int64             `json:"begin_time"`
	FirstAnomalyTime int64             `json:"first_anomaly_time"`
	LatestTime       int64             `json:"latest_time"`
	EndTime          int64             `json:"end_time,omitempty"`
	CreateTime       int64             `json:"create_time"`
	UpdateTime       int64             `json:"update_time"`
	Duration         int64             `json:"duration"`
	Description      string            `json:"description"`
	DataTypeLabel    string            `json:"data_type_label"`
	DataSourceLabel  string            `json:"data_source_label"`
	TargetType       string            `json:"target_type"`
	Target           string            `json:"target"`
	IsNoData         bool              `json:"is_no_data,omitempty"`
	Dimensions       map[string]string `json:"dimensions"`
	Tags             map[string]string `json:"tags,omitempty"`
	EventCount       int               `json:"event_count"`
	TopEvent         *Event            `json:"top_event"`
	LatestEvent      *Event            `json:"event"`
	ExtraInfo        AlertExtraInfo    `json:"extra_info"`

	// logs produced by the current processing round, flushed by the store
	Logs []AlertLog `json:"-"`

	IsNew      bool   `json:"-"`
	origStatus string `json:"-"`
}

// NewAlert builds an abnormal alert from its first event.
func NewAlert(id int64, e *Event, strategy *Strategy, now int64) *Alert {
	a := &Alert{
		Id:               id,
		DedupeMD5:        e.DedupeMD5,
		StrategyId:       e.StrategyId,
		ItemId:           e.ItemId,
		BkBizId:          e.BkBizId,
		Severity:         e.Severity,
		EventSeverity:    e.Severity,
		SeveritySource:   e.SeveritySource,
		Status:           StatusAbnormal,
		BeginTime:        e.Time,
		FirstAnomalyTime: e.Time,
		LatestTime:       e.Time,
		CreateTime:       now,
		UpdateTime:       now,
		Description:      e.AnomalyMessage,
		DataTypeLabel:    e.DataTypeLabel,
		DataSourceLabel:  e.DataSourceLabel,
		TargetType:       e.TargetType,
		Target:           e.Target,
		IsNoData:         e.IsNoData,
		Dimensions:       copyDims(e.Dimensions),
		Tags:             flattenTags(e),
		EventCount:       1,
		TopEvent:         e,
		LatestEvent:      e,
		IsNew:            true,
	}
	if strategy != nil {
		a.AlertName = strategy.Name
		a.ExtraInfo.Strategy = strategy.Clone()
		if a.BkBizId == 0 {
			a.BkBizId = strategy.BkBizId
		}
	}
	if a.SeveritySource == "" {
		a.SeveritySource = SeveritySourceEvent
	}
	a.rememberEvent(e.EventId)
	a.AddLog(OpCreate, e.AnomalyMessage, e.Time, e.EventId, now)
	return a
}

// HasEvent tells whether the event was already folded into the alert.
func (a *Alert) HasEvent(eventId string) bool {
	if eventId == "" {
		return false
	}
	for _, id := range a.ExtraInfo.RecentEventIds {
		if id == eventId {
			return true
		}
	}
	return false
}

// InheritEvents carries the event ids of the alert this one replaces.
func (a *Alert) InheritEvents(old *Alert) {
	ids := append(append([]string(nil), old.ExtraInfo.RecentEventIds...), a.ExtraInfo.RecentEventIds...)
	if n := len(ids) - MaxRecentEventIds; n > 0 {
		ids = ids[n:]
	}
	a.ExtraInfo.RecentEventIds = ids
}

func (a *Alert) rememberEvent(eventId string) {
	if eventId == "" {
		return
	}
	ids := append(a.ExtraInfo.RecentEventIds, eventId)
	if n := len(ids) - MaxRecentEventIds; n > 0 {
		ids = ids[n:]
	}
	a.ExtraInfo.RecentEventIds = ids
}

// Mark records the loaded status so that transitions can be detected later.
func (a *Alert) Mark() {
	a.origStatus = a.Status
	a.IsNew = false
}

func (a *Alert) IsAbnormal() bool {
	return a.Status == StatusAbnormal
}

func (a *Alert) IsEnded() bool {
	return a.Status == StatusRecovered || a.Status == StatusClosed
}

func (a *Alert) DocId() string {
	return strconv.FormatInt(a.Id, 10)
}

func (a *Alert) AddLog(op, desc string, ts int64, eventId string, now int64) {
	// log entries never go backwards in time
	if n := len(a.Logs); n > 0 && ts < a.Logs[n-1].Time {
		ts = a.Logs[n-1].Time
	}
	a.Logs = append(a.Logs, AlertLog{
		AlertId:     a.Id,
		Op:          op,
		Time:        ts,
		Description: desc,
		EventId:     eventId,
		Severity:    a.Severity,
		CreateTime:  now,
	})
}

// Merge folds a later abnormal event into the alert, an event already folded in is ignored.
func (a *Alert) Merge(e *Event, now int64) bool {
	if a.HasEvent(e.EventId) {
		return false
	}
	if e.Time > a.LatestTime {
		a.LatestTime = e.Time
	}
	a.EventSeverity = e.Severity
	a.EventCount++
	a.LatestEvent = e
	a.Description = e.AnomalyMessage
	a.UpdateTime = now
	a.Duration = a.LatestTime - a.BeginTime
	for k, v := range flattenTags(e) {
		if a.Tags == nil {
			a.Tags = make(map[string]string)
		}
		a.Tags[k] = v
	}
	if a.ExtraInfo.IsRecovering {
		a.ExtraInfo.IsRecovering = false
	}
	a.rememberEvent(e.EventId)
	a.AddLog(OpConverge, e.AnomalyMessage, e.Time, e.EventId, now)
	return true
}

// End moves an abnormal alert to status, end_time is never before latest_time.
func (a *Alert) End(ts int64, status, op, desc string, now int64) {
	if a.IsEnded() {
		return
	}
	if ts < a.LatestTime {
		ts = a.LatestTime
	}
	a.Status = status
	a.EndTime = ts
	a.UpdateTime = now
	a.Duration = a.EndTime - a.BeginTime
	a.Description = desc
	a.AddLog(op, desc, ts, "", now)
}

func (a *Alert) Close(ts int64, op, desc string, now int64) {
	a.End(ts, StatusClosed, op, desc, now)
}

func (a *Alert) Recover(ts int64, desc string, now int64) {
	a.End(ts, StatusRecovered, OpRecover, desc, now)
}

// Signal returns the notification due for the changes made to the alert in this round.
func (a *Alert) Signal() (string, string, bool) {
	// blocked alerts never notified, neither do they when they end
	if a.ExtraInfo.IsBlocked {
		return "", "", false
	}
	lastOp := ""
	if n := len(a.Logs); n > 0 {
		lastOp = a.Logs[n-1].Op
	}
	switch {
	case a.IsNew && a.IsAbnormal():
		return SignalAbnormal, OpCreate, true
	case a.origStatus == StatusAbnormal && a.Status == StatusRecovered:
		return SignalRecovered, lastOp, true
	case a.origStatus == StatusAbnormal && a.Status == StatusClosed:
		return SignalClosed, lastOp, true
	}
	return "", "", false
}

func (a *Alert) LastLogDescription() string {
	if n := len(a.Logs); n > 0 {
		return a.Logs[n-1].Description
	}
	return ""
}

func (a *Alert) String() string {
	return fmt.Sprintf("alert:%d strategy:%d dedupe:%s status:%s", a.Id, a.StrategyId, a.DedupeMD5, a.Status)
}

func copyDims(dims map[string]string) map[string]string {
	cp := make(map[string]string, len(dims))
	for k, v := range dims {
		cp[k] = v
	}
	return cp
}

func flattenTags(e *Event) map[string]string {
	if len(e.Tags) == 0 {
		return nil
	}
	tags := make(map[string]string, len(e.Tags))
	for _, t := range e.Tags {
		tags[strings.TrimPrefix(t.Key, "tags.")] = t.Value
	}
	return tags
}
