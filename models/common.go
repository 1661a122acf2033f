package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/ccfos/alarmflow/pkg/ctx"

	"gorm.io/gorm"
)

const (
	StatusAbnormal  = "ABNORMAL"
	StatusRecovered = "RECOVERED"
	StatusClosed    = "CLOSED"
)

// severity levels, lower is more severe
const (
	LevelFatal   = 1
	LevelWarning = 2
	LevelInfo    = 3
)

const (
	DataTypeTimeSeries = "time_series"
	DataTypeEvent      = "event"
	DataTypeLog        = "log"
	DataTypeAlert      = "alert"
)

const (
	DataSourceBkMonitor = "bk_monitor"
	DataSourceBkData    = "bk_data"
	DataSourceCustom    = "custom"
	DataSourceBkFta     = "bk_fta"
	DataSourceBkLog     = "bk_log_search"
)

const (
	TargetTypeHost    = "HOST"
	TargetTypeService = "SERVICE"
	TargetTypeTopo    = "TOPO"
	TargetTypeEmpty   = ""
)

// alert operation log types
const (
	OpCreate       = "CREATE"
	OpConverge     = "CONVERGE"
	OpRecovering   = "RECOVERING"
	OpRecover      = "RECOVER"
	OpAbortRecover = "ABORT_RECOVER"
	OpClose        = "CLOSE"
	OpAlertQos     = "ALERT_QOS"
	OpEventDrop    = "EVENT_DROP"
	OpUnshield     = "UNSHIELD"
)

const (
	SeveritySourceEvent = "event"
	SeveritySourceRule  = "rule"
)

const (
	CheckResultAnomaly = "ANOMALY"
	NoDataDimension    = "__NO_DATA_DIMENSION__"
)

func DB(ctx *ctx.Context) *gorm.DB {
	return ctx.DB
}

func Count(tx *gorm.DB) (int64, error) {
	var cnt int64
	err := tx.Count(&cnt).Error
	return cnt, err
}

type Statistics struct {
	Total       int64 `gorm:"total"`
	LastUpdated int64 `gorm:"last_updated"`
}

func StatisticsGet[T any](ctx *ctx.Context, where string, args ...interface{}) (*Statistics, error) {
	var stats []*Statistics
	var model T
	session := DB(ctx).Model(&model).Select("count(*) as total", "max(update_at) as last_updated")
	if where != "" {
		session = session.Where(where, args...)
	}

	err := session.Find(&stats).Error
	if err != nil {
		return nil, err
	}

	return stats[0], nil
}

// IntArray stores []int64 as json text
type IntArray []int64

func (IntArray) GormDataType() string {
	return "text"
}

func (a IntArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return nil, nil
	}
	j, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(j), nil
}

func (a *IntArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	b, err := scanBytes(value)
	if err != nil {
		return fmt.Errorf("failed to scan IntArray: %v", err)
	}
	ints := make([]int64, 0)
	if err := json.Unmarshal(b, &ints); err != nil {
		return fmt.Errorf("failed to scan IntArray: %v", err)
	}
	*a = ints
	return nil
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("unsupported type %T", value)
}

func LevelName(level int) string {
	switch level {
	case LevelFatal:
		return "fatal"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	}
	return "unknown"
}
