package dispatch

import (
	"context"
	"time"

	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/retry"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/toolkits/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const stageSignal = "signal"

func NewSignal(a *models.Alert, signal, op string, now int64) *models.Signal {
	return &models.Signal{
		Id:          uuid.NewString(),
		AlertId:     a.Id,
		StrategyId:  a.StrategyId,
		Signal:      signal,
		OpType:      op,
		Description: a.LastLogDescription(),
		Severity:    a.Severity,
		Time:        now,
	}
}

// Publisher enqueues signals and check requests for the consumers of the pipeline.
type Publisher struct {
	queues queue.Set
	stats  *astats.Stats
}

func NewPublisher(queues queue.Set, stats *astats.Stats) *Publisher {
	return &Publisher{queues: queues, stats: stats}
}

func (p *Publisher) Signal(ctx context.Context, signals ...*models.Signal) error {
	msgs := make([][]byte, 0, len(signals))
	for _, sig := range signals {
		bs, err := json.Marshal(sig)
		if err != nil {
			return err
		}
		msgs = append(msgs, bs)
	}
	if len(msgs) == 0 {
		return nil
	}
	return p.queues[queue.Signal].Push(ctx, msgs...)
}

// Check asks for a close/recover check of the alerts after delay, zero means now.
func (p *Publisher) Check(ctx context.Context, delay time.Duration, reqs ...*models.CheckRequest) error {
	msgs := make([][]byte, 0, len(reqs))
	for _, req := range reqs {
		bs, err := json.Marshal(req)
		if err != nil {
			return err
		}
		msgs = append(msgs, bs)
	}
	if len(msgs) == 0 {
		return nil
	}
	if delay <= 0 {
		return p.queues[queue.Check].Push(ctx, msgs...)
	}
	queue.PushDelay(p.queues[queue.Check], delay, msgs...)
	return nil
}

// Service delivers queued signals to the action dispatcher. Check requests
// are forwarded too when no manager runs in this process.
type Service struct {
	dispatcher    external.Dispatcher
	queues        queue.Set
	stats         *astats.Stats
	retry         retry.Policy
	forwardChecks bool
}

func NewService(dispatcher external.Dispatcher, queues queue.Set, stats *astats.Stats, policy retry.Policy, forwardChecks bool) *Service {
	return &Service{
		dispatcher:    dispatcher,
		queues:        queues,
		stats:         stats,
		retry:         policy,
		forwardChecks: forwardChecks,
	}
}

func (s *Service) Run(ctx context.Context) {
	if s.forwardChecks {
		go queue.Consume(ctx, s.queues[queue.Check], 100, time.Second, func(msgs [][]byte) {
			s.forwardCheck(ctx, msgs)
		})
	}
	queue.Consume(ctx, s.queues[queue.Signal], 100, time.Second, func(msgs [][]byte) {
		s.Deliver(ctx, msgs)
	})
}

func (s *Service) Deliver(ctx context.Context, msgs [][]byte) {
	for _, msg := range msgs {
		var sig models.Signal
		if err := json.Unmarshal(msg, &sig); err != nil {
			logger.Warningf("alarm_dispatch: invalid signal: %v", err)
			continue
		}
		err := retry.Do(ctx, s.retry, "alarm_dispatch: send signal", func() error {
			return s.dispatcher.Signal(ctx, &sig)
		})
		if err != nil {
			logger.Errorf("alarm_dispatch: alert:%d signal %s(%s) lost: %v", sig.AlertId, sig.Signal, sig.Id, err)
			s.stats.SignalTotal.WithLabelValues(sig.Signal, astats.StatusFailed).Inc()
			s.stats.Failed(stageSignal)
			continue
		}
		logger.Infof("alarm_dispatch: alert:%d strategy:%d signal %s op:%s sent", sig.AlertId, sig.StrategyId, sig.Signal, sig.OpType)
		s.stats.SignalTotal.WithLabelValues(sig.Signal, astats.StatusSuccess).Inc()
		s.stats.Success(stageSignal)
	}
}

func (s *Service) forwardCheck(ctx context.Context, msgs [][]byte) {
	for _, msg := range msgs {
		var req models.CheckRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		if err := s.dispatcher.Check(ctx, &req); err != nil {
			logger.Warningf("alarm_dispatch: failed to forward check of alert:%d: %v", req.AlertId, err)
		}
	}
}
