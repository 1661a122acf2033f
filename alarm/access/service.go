package access

import (
	"context"
	"sync"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/alertstore"
	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/models"

	jsoniter "github.com/json-iterator/go"
	"github.com/olivere/elastic/v7"
	"github.com/toolkits/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	stageAccess  = "access"
	stagePersist = "access_persist"
)

// expired events older than the end of their closed alert by this much are dropped
const expireTolerance = 60

type Service struct {
	conf      aconf.AccessConfig
	enrichers []Enricher
	es        *elastic.Client
	store     *alertstore.Store
	queues    queue.Set
	stats     *astats.Stats

	now func() time.Time
}

func NewService(conf aconf.AccessConfig, es *elastic.Client, store *alertstore.Store, queues queue.Set,
	stats *astats.Stats, enrichers ...Enricher) *Service {
	return &Service{
		conf:      conf,
		enrichers: enrichers,
		es:        es,
		store:     store,
		queues:    queues,
		stats:     stats,
		now:       time.Now,
	}
}

// Handle runs one batch of raw events through parse, enrich, persist and the
// expiry pre-check, then hands the survivors to the alert queue.
func (s *Service) Handle(ctx context.Context, msgs [][]byte) ([]*models.Event, error) {
	start := time.Now()
	defer func() {
		s.stats.StageLatency.WithLabelValues(stageAccess).Observe(time.Since(start).Seconds())
	}()

	events := make([]*models.Event, 0, len(msgs))
	for _, msg := range msgs {
		e, err := models.ParseEvent(msg)
		if err != nil {
			logger.Warningf("alarm_access: drop event %s: %v", truncate(msg, 256), err)
			s.stats.Drop("invalid_event")
			continue
		}
		events = append(events, e)
	}
	events = Dedupe(events)

	for _, en := range s.enrichers {
		en.Enrich(ctx, events)
	}
	kept := events[:0]
	for _, e := range events {
		if e.Dropped {
			logger.Infof("alarm_access: strategy:%d event %s dropped: %s", e.StrategyId, e.EventId, e.DropReason)
			s.stats.Drop(e.DropReason)
			continue
		}
		kept = append(kept, e)
	}

	kept = s.persist(ctx, kept)
	kept = s.dropExpired(ctx, kept)
	if len(kept) == 0 {
		return nil, nil
	}

	now := s.now().Unix()
	out := make([][]byte, 0, len(kept))
	for _, e := range kept {
		e.AccessTime = now
		bs, err := json.Marshal(e)
		if err != nil {
			logger.Errorf("alarm_access: failed to marshal event %s: %v", e.EventId, err)
			continue
		}
		out = append(out, bs)
	}
	if err := s.queues[queue.Alert].Push(ctx, out...); err != nil {
		s.stats.Failed(stageAccess)
		return kept, err
	}
	s.stats.Success(stageAccess)
	return kept, nil
}

// dropExpired discards events that arrive after their alert was already closed.
func (s *Service) dropExpired(ctx context.Context, events []*models.Event) []*models.Event {
	kept := events[:0]
	for _, e := range events {
		a, err := s.store.GetCached(ctx, e.StrategyId, e.DedupeMD5)
		if err != nil {
			logger.Warningf("alarm_access: failed to load cached alert of %s: %v", e.DedupeMD5, err)
		}
		if a != nil && a.Status == models.StatusClosed && a.EndTime-expireTolerance > e.Time {
			logger.Infof("alarm_access: event %s expired, alert:%d closed at %d", e.EventId, a.Id, a.EndTime)
			s.stats.Drop("event_expired")
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.conf.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queue.Consume(ctx, s.queues[queue.Event], s.conf.BatchSize, time.Second, func(msgs [][]byte) {
				if _, err := s.Handle(ctx, msgs); err != nil {
					logger.Errorf("alarm_access: failed to handle %d events: %v", len(msgs), err)
				}
			})
		}()
	}
	wg.Wait()
}

func truncate(bs []byte, n int) string {
	if len(bs) <= n {
		return string(bs)
	}
	return string(bs[:n]) + "..."
}
