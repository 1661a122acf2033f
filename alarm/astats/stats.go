package astats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "bkmonitor"
	subsystem = "alarm"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

type Stats struct {
	StageTotal          *prometheus.CounterVec
	StageLatency        *prometheus.HistogramVec
	EventDropTotal      *prometheus.CounterVec
	AlertOperationTotal *prometheus.CounterVec
	SignalTotal         *prometheus.CounterVec
	TriggerLatency      prometheus.Histogram
	AccessLatency       prometheus.Histogram
	GaugeQueueSize      *prometheus.GaugeVec
	GaugeCronDuration   *prometheus.GaugeVec
	GaugeSyncNumber     *prometheus.GaugeVec
}

func NewSyncStats() *Stats {
	return NewStats(prometheus.DefaultRegisterer)
}

func NewStats(reg prometheus.Registerer) *Stats {
	StageTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "stage_total",
		Help:      "Number of units processed by each stage.",
	}, []string{"stage", "status"})

	StageLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "stage_latency_seconds",
		Help:      "Latency of one pass of each stage.",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
	}, []string{"stage"})

	EventDropTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "event_drop_total",
		Help:      "Number of dropped events.",
	}, []string{"reason"})

	AlertOperationTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "alert_operation_total",
		Help:      "Number of alert operation logs.",
	}, []string{"op_type"})

	SignalTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "signal_total",
		Help:      "Number of signals sent to the action dispatcher.",
	}, []string{"signal", "status"})

	// event.time -> arrival at the builder
	TriggerLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "trigger_latency_seconds",
		Help:      "Latency from the data point time to the alert builder.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// access layer -> arrival at the builder
	AccessLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "access_latency_seconds",
		Help:      "Latency from the access layer to the alert builder.",
		Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120},
	})

	GaugeQueueSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_size",
		Help:      "The size of in-process queues.",
	}, []string{"queue"})

	GaugeCronDuration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cron_duration",
		Help:      "Cron method use duration, unit: ms.",
	}, []string{"name"})

	GaugeSyncNumber := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cron_sync_number",
		Help:      "Cron sync number.",
	}, []string{"name"})

	reg.MustRegister(
		StageTotal,
		StageLatency,
		EventDropTotal,
		AlertOperationTotal,
		SignalTotal,
		TriggerLatency,
		AccessLatency,
		GaugeQueueSize,
		GaugeCronDuration,
		GaugeSyncNumber,
	)

	return &Stats{
		StageTotal:          StageTotal,
		StageLatency:        StageLatency,
		EventDropTotal:      EventDropTotal,
		AlertOperationTotal: AlertOperationTotal,
		SignalTotal:         SignalTotal,
		TriggerLatency:      TriggerLatency,
		AccessLatency:       AccessLatency,
		GaugeQueueSize:      GaugeQueueSize,
		GaugeCronDuration:   GaugeCronDuration,
		GaugeSyncNumber:     GaugeSyncNumber,
	}
}

// NewTestStats registers on a private registry.
func NewTestStats() *Stats {
	return NewStats(prometheus.NewRegistry())
}

func (s *Stats) Success(stage string) {
	s.StageTotal.WithLabelValues(stage, StatusSuccess).Inc()
}

func (s *Stats) Failed(stage string) {
	s.StageTotal.WithLabelValues(stage, StatusFailed).Inc()
}

func (s *Stats) Drop(reason string) {
	s.EventDropTotal.WithLabelValues(reason).Inc()
}
