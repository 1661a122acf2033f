package common

import (
	"fmt"
	"strings"
	"time"
)

const DefaultKeyPrefix = "bkmonitor"

// KeyFactory builds every prefix-qualified cache key used by the pipeline.
type KeyFactory struct {
	Prefix string
}

func NewKeyFactory(prefix string) KeyFactory {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return KeyFactory{Prefix: strings.TrimSuffix(prefix, ".")}
}

func (k KeyFactory) key(name string, parts ...interface{}) string {
	var sb strings.Builder
	sb.WriteString(k.Prefix)
	sb.WriteByte('.')
	sb.WriteString(name)
	for _, p := range parts {
		sb.WriteByte('.')
		sb.WriteString(fmt.Sprint(p))
	}
	return sb.String()
}

// AlertDedupeContent holds the json of the latest alert of a dedup key.
func (k KeyFactory) AlertDedupeContent(strategyId int64, dedupeMD5 string) string {
	return k.key("alert.dedupe_content", strategyId, dedupeMD5)
}

func (k KeyFactory) AlertSnapshot(strategyId, alertId int64) string {
	return k.key("alert.snapshot", strategyId, alertId)
}

// ActiveAlerts is a hash alert_id -> "{strategy_id}|{dedupe_md5}" of every abnormal alert.
func (k KeyFactory) ActiveAlerts() string {
	return k.key("alert.active")
}

func (k KeyFactory) AlertUpdateLock(dedupeMD5 string) string {
	return k.key("alert.update_lock", dedupeMD5)
}

func (k KeyFactory) CheckResult(strategyId, itemId int64, dimensionsMD5 string, level int) string {
	return k.key("detect.check_result", strategyId, itemId, dimensionsMD5, level)
}

func (k KeyFactory) LastCheckpoints(strategyId, itemId int64) string {
	return k.key("detect.last_checkpoints", strategyId, itemId)
}

func LastCheckpointField(dimensionsMD5 string, level int) string {
	return fmt.Sprintf("%s.%d", dimensionsMD5, level)
}

func (k KeyFactory) NoDataLastAnomalyCheckpoints() string {
	return k.key("detect.no_data_last_anomaly_checkpoints")
}

func NoDataAnomalyField(strategyId, itemId int64, dimensionsMD5 string) string {
	return fmt.Sprintf("%d.%d.%s", strategyId, itemId, dimensionsMD5)
}

// NoDataDimensions is a hash dimensions_md5 -> dimensions json of the series seen for an item.
func (k KeyFactory) NoDataDimensions(strategyId, itemId int64) string {
	return k.key("detect.no_data_dimensions", strategyId, itemId)
}

func (k KeyFactory) NoticeShieldLock(shieldId int64) string {
	return k.key("shield.notice_lock", shieldId)
}

func (k KeyFactory) AlertQosCounter(strategyId int64, dedupeMD5 string) string {
	return k.key("alert.qos_counter", strategyId, dedupeMD5)
}

func (k KeyFactory) CircuitBreaking() string {
	return k.key("alert.circuit_breaking")
}

func (k KeyFactory) AlertUidSeq() string {
	return k.key("alert.uid_seq")
}

// Priority is a hash dimensions_md5 -> "{priority}:{timestamp}" of one priority group.
func (k KeyFactory) Priority(groupKey string) string {
	return k.key("detect.priority", groupKey)
}

// ManagerHeartbeat is a sorted set instance -> last heartbeat unix seconds.
func (k KeyFactory) ManagerHeartbeat() string {
	return k.key("manager.heartbeat")
}

// CheckResultTTL is max(retention, 2 * window * interval).
func CheckResultTTL(retention time.Duration, windowSize int, interval int64) time.Duration {
	w := time.Duration(2*int64(windowSize)*interval) * time.Second
	if w > retention {
		return w
	}
	return retention
}
