package aconf

import (
	"time"

	"github.com/ccfos/alarmflow/models"
)

type Alarm struct {
	KeyPrefix string
	Heartbeat HeartbeatConfig
	Detect    DetectConfig
	Access    AccessConfig
	Builder   BuilderConfig
	Manager   ManagerConfig
	Shield    ShieldConfig
	Retry     RetryConfig
}

type HeartbeatConfig struct {
	IP         string
	Interval   int64
	Endpoint   string
	EngineName string
}

type DetectConfig struct {
	Enable bool
	// pull mode queries every enabled item on its own interval
	PullMode             bool
	Workers              int
	QueryTimeout         int64
	NoDataInterval       int64
	NoDataConcurrency    int
	DoubleCheck          bool
	CheckResultRetention int64
	IntelligentDelay     int64
	PriorityStaleCycles  int
}

type AccessConfig struct {
	Workers   int
	BatchSize int
}

type BuilderConfig struct {
	Workers         int
	BatchSize       int
	LockTTL         int64
	RequeueDelay    int64
	MaxRequeue      int
	QosThreshold    int64
	QosWindow       int64
	UidPoolSize     int64
	LatencyWarn     int64
	SubMinuteWindow int64
	CheckDelay      int64
	CircuitBreaking []models.CircuitBreakingRule
}

type ManagerConfig struct {
	// checks are forwarded to the dispatcher instead of run here
	Disable            bool
	Interval           int64
	Concurrency        int
	NoDataAlertExpired int64
	SnapshotTTL        int64
	DedupeTTL          int64
	MinNoDataTolerance int64
}

type ShieldConfig struct {
	SyncInterval   int64
	NoticeInterval int64
	NoticeLockTTL  int64
	Timezone       string
}

type RetryConfig struct {
	Attempts int
	Backoff  int64
}

func (a *Alarm) PreCheck() {
	if a.Heartbeat.Interval == 0 {
		a.Heartbeat.Interval = 1000
	}

	if a.Heartbeat.EngineName == "" {
		a.Heartbeat.EngineName = "default"
	}

	if a.Detect.Workers == 0 {
		a.Detect.Workers = 8
	}

	if a.Detect.QueryTimeout == 0 {
		a.Detect.QueryTimeout = 30000
	}

	if a.Detect.NoDataInterval == 0 {
		a.Detect.NoDataInterval = 60
	}

	if a.Detect.NoDataConcurrency == 0 {
		a.Detect.NoDataConcurrency = 16
	}

	if a.Detect.CheckResultRetention == 0 {
		a.Detect.CheckResultRetention = 86400
	}

	if a.Detect.PriorityStaleCycles == 0 {
		a.Detect.PriorityStaleCycles = 5
	}

	if a.Access.Workers == 0 {
		a.Access.Workers = 4
	}

	if a.Access.BatchSize == 0 {
		a.Access.BatchSize = 200
	}

	if a.Builder.Workers == 0 {
		a.Builder.Workers = 8
	}

	if a.Builder.BatchSize == 0 {
		a.Builder.BatchSize = 100
	}

	if a.Builder.LockTTL == 0 {
		a.Builder.LockTTL = 60
	}

	if a.Builder.RequeueDelay == 0 {
		a.Builder.RequeueDelay = 5
	}

	if a.Builder.MaxRequeue == 0 {
		a.Builder.MaxRequeue = 10
	}

	if a.Builder.QosThreshold == 0 {
		a.Builder.QosThreshold = 10
	}

	if a.Builder.QosWindow == 0 {
		a.Builder.QosWindow = 3600
	}

	if a.Builder.UidPoolSize == 0 {
		a.Builder.UidPoolSize = 100
	}

	if a.Builder.LatencyWarn == 0 {
		a.Builder.LatencyWarn = 60
	}

	if a.Builder.SubMinuteWindow == 0 {
		a.Builder.SubMinuteWindow = 60
	}

	if a.Builder.CheckDelay == 0 {
		a.Builder.CheckDelay = 5
	}

	if a.Manager.Interval == 0 {
		a.Manager.Interval = 60
	}

	if a.Manager.Concurrency == 0 {
		a.Manager.Concurrency = 16
	}

	if a.Manager.NoDataAlertExpired == 0 {
		a.Manager.NoDataAlertExpired = 86400
	}

	if a.Manager.SnapshotTTL == 0 {
		a.Manager.SnapshotTTL = 30 * 86400
	}

	if a.Manager.DedupeTTL == 0 {
		a.Manager.DedupeTTL = 30 * 86400
	}

	if a.Manager.MinNoDataTolerance == 0 {
		a.Manager.MinNoDataTolerance = 1800
	}

	if a.Shield.SyncInterval == 0 {
		a.Shield.SyncInterval = 60
	}

	if a.Shield.NoticeInterval == 0 {
		a.Shield.NoticeInterval = 60
	}

	if a.Shield.NoticeLockTTL == 0 {
		a.Shield.NoticeLockTTL = 1800
	}

	if a.Shield.Timezone == "" {
		a.Shield.Timezone = "Asia/Shanghai"
	}

	if a.Retry.Attempts == 0 {
		a.Retry.Attempts = 5
	}

	if a.Retry.Backoff == 0 {
		a.Retry.Backoff = 20
	}
}

func Seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
