package manager

import (
	"context"
	"sync"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/alertstore"
	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/detect"
	"github.com/ccfos/alarmflow/alarm/dispatch"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/retry"
	"github.com/ccfos/alarmflow/storage"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/toolkits/pkg/concurrent/semaphore"
	"github.com/toolkits/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	stageManager = "manager"
	stagePersist = "manager_persist"
)

type StrategyGetter interface {
	Get(id int64) *models.Strategy
}

type ShieldMatcher interface {
	Match(a *models.Alert, now time.Time) []int64
}

// Owner decides which alerts this instance checks, nil means all of them.
type Owner interface {
	Owns(alertId int64) bool
}

type Service struct {
	conf       aconf.ManagerConfig
	retry      retry.Policy
	keys       common.KeyFactory
	redis      storage.Redis
	store      *alertstore.Store
	strategies StrategyGetter
	calendar   external.Calendar
	cmdb       external.CMDB
	results    *detect.CheckResultStore
	priority   *detect.PriorityManager
	shields    ShieldMatcher
	owner      Owner
	publisher  *dispatch.Publisher
	queues     queue.Set
	stats      *astats.Stats
	scheduler  *Scheduler

	lockTTL time.Duration
	now     func() time.Time
}

type Options struct {
	Calendar external.Calendar
	CMDB     external.CMDB
	Shields  ShieldMatcher
	Owner    Owner
}

func NewService(conf aconf.ManagerConfig, policy retry.Policy, keys common.KeyFactory, r storage.Redis, store *alertstore.Store,
	strategies StrategyGetter, results *detect.CheckResultStore, priority *detect.PriorityManager,
	queues queue.Set, stats *astats.Stats, opts Options) *Service {
	return &Service{
		conf:       conf,
		retry:      policy,
		keys:       keys,
		redis:      r,
		store:      store,
		strategies: strategies,
		calendar:   opts.Calendar,
		cmdb:       opts.CMDB,
		results:    results,
		priority:   priority,
		shields:    opts.Shields,
		owner:      opts.Owner,
		publisher:  dispatch.NewPublisher(queues, stats),
		queues:     queues,
		stats:      stats,
		scheduler:  NewScheduler(),
		lockTTL:    time.Minute,
		now:        time.Now,
	}
}

// checked is the outcome of checking one alert.
type checked struct {
	alert   *models.Alert
	current bool
	dirty   bool
	signals []*models.Signal
}

// Check runs the close and recovery checks of the given alerts and persists the changed ones.
// Alerts whose dedupe key is locked by a builder are skipped until the next round.
func (s *Service) Check(ctx context.Context, refs []alertstore.Ref) int {
	if len(refs) == 0 {
		return 0
	}
	start := s.now()
	defer func() {
		s.stats.StageLatency.WithLabelValues(stageManager).Observe(time.Since(start).Seconds())
	}()

	locked, held, err := s.lock(ctx, refs)
	if err != nil {
		logger.Errorf("alarm_manager: failed to lock %d alerts: %v", len(refs), err)
		s.stats.Failed(stageManager)
		return 0
	}
	defer s.unlock(ctx, held)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		changed []*checked
		stale   []int64
	)
	sema := semaphore.NewSemaphore(s.conf.Concurrency)
	for _, ref := range locked {
		ref := ref
		sema.Acquire()
		wg.Add(1)
		go func() {
			defer sema.Release()
			defer wg.Done()

			c, err := s.checkOne(ctx, ref, start)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Errorf("alarm_manager: alert:%d strategy:%d check failed: %v", ref.AlertId, ref.StrategyId, err)
				s.stats.Failed(stageManager)
				return
			}
			if c == nil {
				stale = append(stale, ref.AlertId)
				return
			}
			if c.dirty || len(c.alert.Logs) > 0 || len(c.signals) > 0 {
				changed = append(changed, c)
			}
		}()
	}
	wg.Wait()

	if err := s.store.Deactivate(ctx, stale...); err != nil {
		logger.Warningf("alarm_manager: failed to deactivate %d alerts: %v", len(stale), err)
	}
	if err := s.persist(ctx, changed); err != nil {
		logger.Errorf("alarm_manager: failed to persist %d alerts: %v", len(changed), err)
		s.stats.Failed(stagePersist)
		return 0
	}

	var signals []*models.Signal
	for _, c := range changed {
		signals = append(signals, c.signals...)
		for _, l := range c.alert.Logs {
			s.stats.AlertOperationTotal.WithLabelValues(l.Op).Inc()
		}
		c.alert.Logs = nil
	}
	if err := s.publisher.Signal(ctx, signals...); err != nil {
		logger.Errorf("alarm_manager: failed to publish %d signals: %v", len(signals), err)
	}
	s.stats.Success(stageManager)
	return len(changed)
}

// checkOne returns nil when the ref no longer points at an abnormal alert.
func (s *Service) checkOne(ctx context.Context, ref alertstore.Ref, start time.Time) (*checked, error) {
	current, a, err := s.store.Load(ctx, ref)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load alert")
	}
	if a == nil || !a.IsAbnormal() {
		return nil, nil
	}
	now := start.Unix()
	c := &checked{alert: a, current: current == nil || current.Id == a.Id}

	if !c.current {
		a.Close(now, models.OpClose, descSuperseded, now)
	} else if !s.closeCheck(ctx, a, start) {
		s.recoverCheck(ctx, a, now)
	}

	if a.IsAbnormal() {
		sig, dirty := s.checkUnshield(a, start)
		if sig != nil {
			c.signals = append(c.signals, sig)
		}
		c.dirty = dirty
		return c, nil
	}

	if sig, op, ok := a.Signal(); ok {
		var ids []int64
		if s.shields != nil {
			ids = s.shields.Match(a, start)
		}
		a.ExtraInfo.IsShielded = len(ids) > 0
		a.ExtraInfo.ShieldIds = ids
		if a.ExtraInfo.IsShielded {
			logger.Infof("alarm_manager: %s signal %s held by shields %v", a, sig, ids)
		} else {
			c.signals = append(c.signals, dispatch.NewSignal(a, sig, op, now))
		}
	}
	logger.Infof("alarm_manager: %s ended: %s", a, a.Description)
	return c, nil
}

// persist writes the dedupe content of current alerts only, a superseded alert
// must not overwrite the newer one holding its key.
func (s *Service) persist(ctx context.Context, changed []*checked) error {
	if len(changed) == 0 {
		return nil
	}
	alerts := make([]*models.Alert, 0, len(changed))
	var (
		current  []*models.Alert
		inactive []int64
	)
	for _, c := range changed {
		alerts = append(alerts, c.alert)
		if c.current {
			current = append(current, c.alert)
		} else {
			inactive = append(inactive, c.alert.Id)
		}
	}

	if _, _, err := s.store.UpdateCache(ctx, current); err != nil {
		return errors.WithMessage(err, "failed to update alert cache")
	}
	if err := s.store.Deactivate(ctx, inactive...); err != nil {
		logger.Warningf("alarm_manager: failed to deactivate %d superseded alerts: %v", len(inactive), err)
	}
	if err := s.store.SaveSnapshots(ctx, alerts); err != nil {
		logger.Errorf("alarm_manager: failed to save %d snapshots: %v", len(alerts), err)
		s.stats.Failed(stagePersist)
	}
	err := retry.Do(ctx, s.retry, "alarm_manager: upsert alerts", func() error {
		return s.store.Upsert(ctx, alerts)
	})
	if err != nil {
		logger.Errorf("alarm_manager: failed to upsert %d alerts: %v", len(alerts), err)
		s.stats.Failed(stagePersist)
	}
	err = retry.Do(ctx, s.retry, "alarm_manager: save alert logs", func() error {
		return s.store.SaveLogs(ctx, alerts)
	})
	if err != nil {
		logger.Errorf("alarm_manager: failed to save logs of %d alerts: %v", len(alerts), err)
		s.stats.Failed(stagePersist)
	}
	return nil
}

// lock takes the update lock of every dedupe key, refs sharing a key are checked together.
func (s *Service) lock(ctx context.Context, refs []alertstore.Ref) ([]alertstore.Ref, []string, error) {
	keys := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		key := s.keys.AlertUpdateLock(r.DedupeMD5)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	acquired, err := storage.MSetNX(ctx, s.redis, keys, s.now().Unix(), s.lockTTL)
	if err != nil {
		return nil, nil, err
	}

	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if acquired[key] {
			held = append(held, key)
		}
	}
	locked := make([]alertstore.Ref, 0, len(refs))
	for _, r := range refs {
		if acquired[s.keys.AlertUpdateLock(r.DedupeMD5)] {
			locked = append(locked, r)
		} else {
			logger.Debugf("alarm_manager: alert:%d dedupe:%s is busy, skipped", r.AlertId, r.DedupeMD5)
		}
	}
	return locked, held, nil
}

func (s *Service) unlock(ctx context.Context, keys []string) {
	if err := storage.MDel(ctx, s.redis, keys...); err != nil {
		logger.Warningf("alarm_manager: failed to release %d locks: %v", len(keys), err)
	}
}

// Sweep checks every active alert owned by this instance.
func (s *Service) Sweep(ctx context.Context) {
	refs, err := s.store.ActiveAlerts(ctx)
	if err != nil {
		logger.Errorf("alarm_manager: failed to list active alerts: %v", err)
		s.stats.Failed(stageManager)
		return
	}
	owned := refs[:0]
	for _, r := range refs {
		if s.owner == nil || s.owner.Owns(r.AlertId) {
			owned = append(owned, r)
		}
	}
	n := s.Check(ctx, owned)
	logger.Infof("alarm_manager: swept %d of %d active alerts, %d changed", len(owned), len(refs), n)
}

// Request resolves an on-demand check request and schedules it.
func (s *Service) Request(ctx context.Context, req *models.CheckRequest, due time.Time) error {
	ref := alertstore.Ref{AlertId: req.AlertId, StrategyId: req.StrategyId, DedupeMD5: req.DedupeMD5}
	if ref.DedupeMD5 == "" {
		a, err := s.store.GetSnapshot(ctx, req.StrategyId, req.AlertId)
		if err != nil {
			return err
		}
		if a == nil {
			return errors.Errorf("alert %d of strategy %d not found", req.AlertId, req.StrategyId)
		}
		ref.DedupeMD5 = a.DedupeMD5
	}
	s.scheduler.Add(ref, due)
	return nil
}

// Start schedules the periodic sweep.
func (s *Service) Start(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(fmtEvery(s.conf.Interval), func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to schedule alert sweep")
	}
	c.Start()
	return c, nil
}

// Run consumes check requests and runs the due ones every second.
func (s *Service) Run(ctx context.Context) {
	go queue.Consume(ctx, s.queues[queue.Check], 100, time.Second, func(msgs [][]byte) {
		now := s.now()
		for _, m := range msgs {
			var req models.CheckRequest
			if err := json.Unmarshal(m, &req); err != nil {
				logger.Warningf("alarm_manager: bad check request %s: %v", m, err)
				continue
			}
			if err := s.Request(ctx, &req, now); err != nil {
				logger.Warningf("alarm_manager: check request of alert %d ignored: %v", req.AlertId, err)
			}
		}
	})

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if refs := s.scheduler.PopDue(s.now()); len(refs) > 0 {
				s.Check(ctx, refs)
			}
		}
	}
}
