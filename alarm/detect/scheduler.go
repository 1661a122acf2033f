package detect

import (
	"context"
	"fmt"
	"sync"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/models"

	"github.com/robfig/cron/v3"
	"github.com/toolkits/pkg/logger"
)

const scheduleSyncSpec = "@every 10s"

type scheduleEntry struct {
	id       cron.EntryID
	updateAt int64
}

// Scheduler owns the periodic jobs of detection: pull mode queries and the no-data check.
type Scheduler struct {
	svc  *Service
	cron *cron.Cron

	sync.Mutex
	entries map[string]scheduleEntry
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{
		svc:     svc,
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string]scheduleEntry),
	}
}

func (sc *Scheduler) Start(ctx context.Context) error {
	if _, err := sc.cron.AddFunc(fmt.Sprintf("@every %ds", sc.svc.conf.NoDataInterval), func() {
		sc.svc.CheckAllNoData(ctx)
	}); err != nil {
		return err
	}
	if sc.svc.conf.PullMode {
		sc.SyncItems(ctx)
		if _, err := sc.cron.AddFunc(scheduleSyncSpec, func() {
			sc.SyncItems(ctx)
		}); err != nil {
			return err
		}
	}
	sc.cron.Start()
	go func() {
		<-ctx.Done()
		sc.cron.Stop()
	}()
	return nil
}

func itemKey(strategyId, itemId int64) string {
	return fmt.Sprintf("%d.%d", strategyId, itemId)
}

// SyncItems adds a job per enabled item and drops the jobs of removed or changed items.
func (sc *Scheduler) SyncItems(ctx context.Context) {
	sc.Lock()
	defer sc.Unlock()

	seen := make(map[string]struct{})
	for _, strategy := range sc.svc.strategies.GetAll() {
		if !strategy.IsEnabled {
			continue
		}
		for i := range strategy.Items {
			item := &strategy.Items[i]
			key := itemKey(strategy.Id, item.Id)
			seen[key] = struct{}{}

			if e, ok := sc.entries[key]; ok {
				if e.updateAt == strategy.UpdateAt {
					continue
				}
				sc.cron.Remove(e.id)
			}

			sid, iid := strategy.Id, item.Id
			id, err := sc.cron.AddFunc(fmt.Sprintf("@every %ds", item.Interval()), func() {
				if err := sc.svc.Pull(ctx, sid, iid); err != nil {
					logger.Errorf("alarm_detect: strategy:%d item:%d pull failed: %v", sid, iid, err)
				}
			})
			if err != nil {
				logger.Errorf("alarm_detect: strategy:%d item:%d failed to schedule: %v", sid, iid, err)
				delete(sc.entries, key)
				continue
			}
			sc.entries[key] = scheduleEntry{id: id, updateAt: strategy.UpdateAt}
		}
	}

	for key, e := range sc.entries {
		if _, ok := seen[key]; !ok {
			sc.cron.Remove(e.id)
			delete(sc.entries, key)
		}
	}
}

func (sc *Scheduler) Len() int {
	sc.Lock()
	defer sc.Unlock()
	return len(sc.entries)
}

// Pull queries the recent points of an item, with enough history for its algorithms, and detects them.
func (s *Service) Pull(ctx context.Context, strategyId, itemId int64) error {
	if s.querier == nil {
		return nil
	}
	strategy := s.strategies.Get(strategyId)
	if strategy == nil {
		return nil
	}
	item := strategy.ItemById(itemId)
	if item == nil {
		return nil
	}
	d, err := NewDetector(strategy, item)
	if err != nil {
		return err
	}

	interval := item.Interval()
	var history int64
	for _, level := range d.Levels() {
		for _, a := range d.Algorithms(level) {
			for _, off := range a.HistoryOffsets(interval) {
				history = common.MaxInt64(history, off)
			}
		}
	}
	end := common.AlignTs(s.now().Unix(), interval)
	start := end - history - int64(maxWindow(strategy))*interval

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout())
	defer cancel()
	points, err := s.querier.Query(ctx, item, start, end)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	_, err = s.Detect(ctx, &models.DetectTask{StrategyId: strategyId, ItemId: itemId, Points: points})
	return err
}
