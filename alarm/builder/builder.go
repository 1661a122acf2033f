package builder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/alertstore"
	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/dispatch"
	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/retry"
	"github.com/ccfos/alarmflow/storage"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
	"github.com/toolkits/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrLockBusy = errors.New("alert update lock is busy")

const (
	stageBuild   = "builder"
	stagePersist = "builder_persist"
)

const (
	descEndedByEvent   = "alert ended by event"
	descHigherSeverity = "a higher-severity alert exists"
	descQosReleased    = "qos released, closed so that the next event starts a new alert"
	descLowerSeverity  = "event of lower severity %d dropped, current severity is %d"
)

type StrategyGetter interface {
	Get(id int64) *models.Strategy
}

// ShieldMatcher returns the ids of the shields covering an alert.
type ShieldMatcher interface {
	Match(a *models.Alert, now time.Time) []int64
}

type Service struct {
	conf       aconf.BuilderConfig
	retry      retry.Policy
	keys       common.KeyFactory
	redis      storage.Redis
	store      *alertstore.Store
	strategies StrategyGetter
	shields    ShieldMatcher
	publisher  *dispatch.Publisher
	queues     queue.Set
	stats      *astats.Stats

	Uid *UidPool
	Qos *Qos

	requeueDelay time.Duration
	now          func() time.Time
}

func NewService(conf aconf.BuilderConfig, policy retry.Policy, keys common.KeyFactory, r storage.Redis,
	store *alertstore.Store, strategies StrategyGetter, shields ShieldMatcher, queues queue.Set, stats *astats.Stats) *Service {
	return &Service{
		conf:         conf,
		retry:        policy,
		keys:         keys,
		redis:        r,
		store:        store,
		strategies:   strategies,
		shields:      shields,
		publisher:    dispatch.NewPublisher(queues, stats),
		queues:       queues,
		stats:        stats,
		Uid:          NewUidPool(r, keys.AlertUidSeq(), conf.UidPoolSize),
		Qos:          NewQos(conf, keys, r),
		requeueDelay: aconf.Seconds(conf.RequeueDelay),
		now:          time.Now,
	}
}

// round collects the alerts touched by one batch in the order they were touched.
type round struct {
	current map[string]*models.Alert
	touched []*models.Alert
	seen    map[*models.Alert]struct{}
	rules   []models.CircuitBreakingRule
	now     time.Time
}

func (r *round) touch(a *models.Alert) {
	if _, ok := r.seen[a]; ok {
		return
	}
	r.seen[a] = struct{}{}
	r.touched = append(r.touched, a)
}

// Handle builds alerts from one batch of events. Events whose dedupe key is
// locked by another worker are requeued.
func (s *Service) Handle(ctx context.Context, events []*models.Event) ([]*models.Alert, error) {
	if len(events) == 0 {
		return nil, nil
	}
	start := s.now()
	defer func() {
		s.stats.StageLatency.WithLabelValues(stageBuild).Observe(time.Since(start).Seconds())
	}()

	sort.SliceStable(events, func(i, j int) bool { return events[i].Time < events[j].Time })
	s.observeLatency(events, start)

	locked, err := s.lock(ctx, events)
	if err != nil {
		s.stats.Failed(stageBuild)
		s.requeue(events, err)
		return nil, errors.WithMessage(err, "failed to lock dedupe keys")
	}
	defer s.unlock(ctx, locked)

	var busy, owned []*models.Event
	refs := make([]alertstore.Ref, 0, len(locked))
	for _, e := range events {
		if _, ok := locked[e.DedupeMD5]; ok {
			owned = append(owned, e)
		} else {
			busy = append(busy, e)
		}
	}
	for dedupe, e := range locked {
		refs = append(refs, alertstore.Ref{StrategyId: e.StrategyId, DedupeMD5: dedupe})
	}
	s.requeue(busy, ErrLockBusy)

	r := &round{
		current: make(map[string]*models.Alert, len(refs)),
		seen:    make(map[*models.Alert]struct{}),
		rules:   s.Qos.Rules(ctx),
		now:     start,
	}
	for i, a := range s.store.MGetCached(ctx, refs) {
		if a != nil {
			r.current[refs[i].DedupeMD5] = a
		}
	}

	for _, e := range owned {
		if err := s.process(ctx, r, e); err != nil {
			logger.Errorf("alarm_builder: strategy:%d event %s failed: %v", e.StrategyId, e.EventId, err)
			s.stats.Failed(stageBuild)
		}
	}

	signals := s.prepareSignals(r)
	if err := s.persist(ctx, r.touched); err != nil {
		s.stats.Failed(stagePersist)
		// the cache is unchanged, the round is rebuilt from the same events later
		s.requeue(owned, err)
		return r.touched, err
	}
	s.stats.Success(stageBuild)

	if err := s.publisher.Signal(ctx, signals...); err != nil {
		logger.Errorf("alarm_builder: failed to publish %d signals: %v", len(signals), err)
	}
	s.requestChecks(ctx, r.touched)

	for _, a := range r.touched {
		for _, l := range a.Logs {
			s.stats.AlertOperationTotal.WithLabelValues(l.Op).Inc()
		}
		a.Logs = nil
	}
	return r.touched, nil
}

func (s *Service) process(ctx context.Context, r *round, e *models.Event) error {
	cur := r.current[e.DedupeMD5]
	now := r.now.Unix()

	if cur != nil && e.IsAbnormal() && cur.HasEvent(e.EventId) {
		logger.Debugf("alarm_builder: %s already has event %s", cur, e.EventId)
		return nil
	}

	switch {
	case cur == nil || !cur.IsAbnormal():
		if !e.IsAbnormal() {
			return nil
		}
		return s.create(ctx, r, e)

	case !e.IsAbnormal():
		op := models.OpRecover
		if e.Status == models.StatusClosed {
			op = models.OpClose
		}
		cur.End(e.Time, e.Status, op, descEndedByEvent, now)
		r.touch(cur)
		return nil
	}

	if !cur.ExtraInfo.IsBlocked {
		if CircuitBreaking(r.rules, cur) {
			cur.Close(e.Time, models.OpAlertQos, descCircuitBreaking, now)
			r.touch(cur)
			return nil
		}
	} else {
		if CircuitBreaking(r.rules, cur) {
			return nil
		}
		released, err := s.Qos.Released(ctx, cur)
		if err != nil {
			return err
		}
		if released {
			cur.Close(e.Time, models.OpClose, descQosReleased, now)
			r.touch(cur)
		}
		return nil
	}

	if cur.Severity > e.Severity && cur.SeveritySource != models.SeveritySourceRule {
		cur.Close(e.Time, models.OpClose, descHigherSeverity, now)
		r.touch(cur)
		if err := s.create(ctx, r, e); err != nil {
			return err
		}
		r.current[e.DedupeMD5].InheritEvents(cur)
		return nil
	}

	if cur.EventSeverity < e.Severity {
		cur.AddLog(models.OpEventDrop, fmt.Sprintf(descLowerSeverity, e.Severity, cur.EventSeverity), e.Time, e.EventId, now)
		r.touch(cur)
		return nil
	}

	if cur.Merge(e, now) {
		r.touch(cur)
	}
	return nil
}

func (s *Service) create(ctx context.Context, r *round, e *models.Event) error {
	id, err := s.Uid.Next(ctx, r.now)
	if err != nil {
		return errors.WithMessage(err, "failed to allocate alert id")
	}
	a := models.NewAlert(id, e, s.strategies.Get(e.StrategyId), r.now.Unix())

	if CircuitBreaking(r.rules, a) {
		block(a, descCircuitBreaking, r.now)
	} else if over, err := s.Qos.Incr(ctx, a); err != nil {
		logger.Warningf("alarm_builder: %s failed to count qos: %v", a, err)
	} else if over {
		block(a, qosDescription(s.conf), r.now)
	}

	if a.ExtraInfo.IsBlocked {
		logger.Infof("alarm_builder: %s created blocked", a)
	} else {
		logger.Infof("alarm_builder: %s created by event %s", a, e.EventId)
	}
	r.current[e.DedupeMD5] = a
	r.touch(a)
	return nil
}

// prepareSignals decides the signals of the round; alerts covered by a shield
// are marked and their signals held back.
func (s *Service) prepareSignals(r *round) []*models.Signal {
	var signals []*models.Signal
	for _, a := range r.touched {
		sig, op, ok := a.Signal()
		if !ok {
			continue
		}
		var ids []int64
		if s.shields != nil {
			ids = s.shields.Match(a, r.now)
		}
		a.ExtraInfo.IsShielded = len(ids) > 0
		a.ExtraInfo.ShieldIds = ids
		if a.ExtraInfo.IsShielded {
			logger.Infof("alarm_builder: %s signal %s held by shields %v", a, sig, ids)
			continue
		}
		signals = append(signals, dispatch.NewSignal(a, sig, op, r.now.Unix()))
	}
	return signals
}

// persist writes the cache first, the cache is the source of truth for later rounds.
func (s *Service) persist(ctx context.Context, alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	updated, finished, err := s.store.UpdateCache(ctx, alerts)
	if err != nil {
		return errors.WithMessage(err, "failed to update alert cache")
	}
	logger.Debugf("alarm_builder: cache updated:%d finished:%d", updated, finished)

	if err := s.store.SaveSnapshots(ctx, alerts); err != nil {
		logger.Errorf("alarm_builder: failed to save %d snapshots: %v", len(alerts), err)
		s.stats.Failed(stagePersist)
	}
	err = retry.Do(ctx, s.retry, "alarm_builder: upsert alerts", func() error {
		return s.store.Upsert(ctx, alerts)
	})
	if err != nil {
		logger.Errorf("alarm_builder: failed to upsert %d alerts: %v", len(alerts), err)
		s.stats.Failed(stagePersist)
	}
	err = retry.Do(ctx, s.retry, "alarm_builder: save alert logs", func() error {
		return s.store.SaveLogs(ctx, alerts)
	})
	if err != nil {
		logger.Errorf("alarm_builder: failed to save logs of %d alerts: %v", len(alerts), err)
		s.stats.Failed(stagePersist)
	}
	return nil
}

// requestChecks asks the manager to check new alerts of sub-minute strategies
// instead of waiting for the next sweep.
func (s *Service) requestChecks(ctx context.Context, alerts []*models.Alert) {
	var reqs []*models.CheckRequest
	for _, a := range alerts {
		if !a.IsNew || !a.IsAbnormal() || a.ExtraInfo.Strategy == nil {
			continue
		}
		item := a.ExtraInfo.Strategy.ItemById(a.ItemId)
		if item == nil || item.Interval() >= s.conf.SubMinuteWindow {
			continue
		}
		reqs = append(reqs, &models.CheckRequest{AlertId: a.Id, StrategyId: a.StrategyId, DedupeMD5: a.DedupeMD5})
	}
	if err := s.publisher.Check(ctx, aconf.Seconds(s.conf.CheckDelay), reqs...); err != nil {
		logger.Warningf("alarm_builder: failed to request %d checks: %v", len(reqs), err)
	}
}

func (s *Service) lock(ctx context.Context, events []*models.Event) (map[string]*models.Event, error) {
	first := make(map[string]*models.Event)
	keys := make([]string, 0, len(events))
	for _, e := range events {
		if _, ok := first[e.DedupeMD5]; ok {
			continue
		}
		first[e.DedupeMD5] = e
		keys = append(keys, s.keys.AlertUpdateLock(e.DedupeMD5))
	}

	acquired, err := storage.MSetNX(ctx, s.redis, keys, s.now().Unix(), aconf.Seconds(s.conf.LockTTL))
	if err != nil {
		return nil, err
	}
	locked := make(map[string]*models.Event, len(first))
	for dedupe, e := range first {
		if acquired[s.keys.AlertUpdateLock(dedupe)] {
			locked[dedupe] = e
		}
	}
	return locked, nil
}

func (s *Service) unlock(ctx context.Context, locked map[string]*models.Event) {
	keys := make([]string, 0, len(locked))
	for dedupe := range locked {
		keys = append(keys, s.keys.AlertUpdateLock(dedupe))
	}
	if err := storage.MDel(ctx, s.redis, keys...); err != nil {
		logger.Warningf("alarm_builder: failed to release %d locks: %v", len(keys), err)
	}
}

// requeue pushes events back to the alert queue after a delay, cause is why they could not be built now.
func (s *Service) requeue(events []*models.Event, cause error) {
	msgs := make([][]byte, 0, len(events))
	for _, e := range events {
		e.RequeueCount++
		if e.RequeueCount > s.conf.MaxRequeue {
			logger.Errorf("alarm_builder: strategy:%d event %s dropped after %d requeues: %v",
				e.StrategyId, e.EventId, s.conf.MaxRequeue, cause)
			s.stats.Drop(dropReason(cause))
			continue
		}
		bs, err := json.Marshal(e)
		if err != nil {
			continue
		}
		msgs = append(msgs, bs)
	}
	if len(msgs) > 0 {
		logger.Debugf("alarm_builder: %d events requeued", len(msgs))
		queue.PushDelay(s.queues[queue.Alert], s.requeueDelay, msgs...)
	}
}

func dropReason(cause error) string {
	if errors.Is(cause, ErrLockBusy) {
		return "lock_busy"
	}
	return "requeue_exhausted"
}

func (s *Service) observeLatency(events []*models.Event, now time.Time) {
	warn := s.conf.LatencyWarn
	for _, e := range events {
		trigger := now.Unix() - e.Time
		s.stats.TriggerLatency.Observe(float64(trigger))
		if trigger > warn {
			logger.Warningf("alarm_builder: strategy:%d event %s trigger latency %ds", e.StrategyId, e.EventId, trigger)
		}
		if e.AccessTime == 0 {
			continue
		}
		access := now.Unix() - e.AccessTime
		s.stats.AccessLatency.Observe(float64(access))
		if access > warn {
			logger.Warningf("alarm_builder: strategy:%d event %s access latency %ds", e.StrategyId, e.EventId, access)
		}
	}
}

// Run shards events by dedupe key so one key is always built by the same worker.
func (s *Service) Run(ctx context.Context) {
	n := s.conf.Workers
	workers := make([]chan []*models.Event, n)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = make(chan []*models.Event, 16)
		wg.Add(1)
		go func(ch chan []*models.Event) {
			defer wg.Done()
			for events := range ch {
				if _, err := s.Handle(ctx, events); err != nil {
					logger.Errorf("alarm_builder: failed to handle %d events: %v", len(events), err)
				}
			}
		}(workers[i])
	}

	queue.Consume(ctx, s.queues[queue.Alert], s.conf.BatchSize, time.Second, func(msgs [][]byte) {
		shards := make([][]*models.Event, n)
		for _, msg := range msgs {
			var e models.Event
			if err := json.Unmarshal(msg, &e); err != nil {
				logger.Warningf("alarm_builder: invalid event: %v", err)
				s.stats.Drop("invalid_event")
				continue
			}
			i := murmur3.Sum32([]byte(e.DedupeMD5)) % uint32(n)
			shards[i] = append(shards[i], &e)
		}
		for i, events := range shards {
			if len(events) == 0 {
				continue
			}
			select {
			case workers[i] <- events:
			case <-ctx.Done():
				return
			}
		}
	})

	for _, ch := range workers {
		close(ch)
	}
	wg.Wait()
}
