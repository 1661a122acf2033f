package detect

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/storage"
)

// PriorityRecord is the highest priority seen for a dimension set of a priority group.
type PriorityRecord struct {
	Priority  int
	Timestamp int64
}

func (r PriorityRecord) String() string {
	return fmt.Sprintf("%d:%d", r.Priority, r.Timestamp)
}

func parsePriority(raw string) (PriorityRecord, bool) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return PriorityRecord{}, false
	}
	p, err1 := strconv.Atoi(parts[0])
	ts, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return PriorityRecord{}, false
	}
	return PriorityRecord{Priority: p, Timestamp: ts}, true
}

// Fresh means the record was refreshed within staleCycles intervals.
func (r PriorityRecord) Fresh(now, interval int64, staleCycles int) bool {
	return now-r.Timestamp <= int64(staleCycles)*interval
}

type PriorityManager struct {
	redis       storage.Redis
	keys        common.KeyFactory
	staleCycles int
}

func NewPriorityManager(r storage.Redis, keys common.KeyFactory, staleCycles int) *PriorityManager {
	if staleCycles <= 0 {
		staleCycles = 5
	}
	return &PriorityManager{redis: r, keys: keys, staleCycles: staleCycles}
}

func (m *PriorityManager) Get(ctx context.Context, groupKey, dimensionsMD5 string) (PriorityRecord, bool, error) {
	raw, err := m.redis.HGet(ctx, m.keys.Priority(groupKey), dimensionsMD5).Result()
	if storage.IsNil(err) {
		return PriorityRecord{}, false, nil
	}
	if err != nil {
		return PriorityRecord{}, false, err
	}
	r, ok := parsePriority(raw)
	return r, ok, nil
}

// Dominated reports whether a fresh record of a higher priority holds the dimensions.
func (m *PriorityManager) Dominated(ctx context.Context, strategy *models.Strategy, interval int64, dimensionsMD5 string, now int64) (bool, error) {
	if strategy.PriorityGroupKey == "" {
		return false, nil
	}
	r, ok, err := m.Get(ctx, strategy.PriorityGroupKey, dimensionsMD5)
	if err != nil || !ok {
		return false, err
	}
	return r.Priority > strategy.Priority && r.Fresh(now, interval, m.staleCycles), nil
}

// Record stores the strategy's priority unless a fresh higher one exists.
func (m *PriorityManager) Record(ctx context.Context, strategy *models.Strategy, interval int64, dimensionsMD5 string, now int64) error {
	if strategy.PriorityGroupKey == "" {
		return nil
	}
	dominated, err := m.Dominated(ctx, strategy, interval, dimensionsMD5, now)
	if err != nil || dominated {
		return err
	}
	rec := PriorityRecord{Priority: strategy.Priority, Timestamp: now}
	return m.redis.HSet(ctx, m.keys.Priority(strategy.PriorityGroupKey), dimensionsMD5, rec.String()).Err()
}
