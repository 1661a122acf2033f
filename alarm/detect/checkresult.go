package detect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/storage"

	"github.com/redis/go-redis/v9"
)

// CheckResult is one member of a check-result sorted set, Label is ANOMALY or the normal value.
type CheckResult struct {
	Timestamp int64
	Label     string
}

func (r CheckResult) IsAnomaly() bool {
	return r.Label == models.CheckResultAnomaly
}

func (r CheckResult) Value() (float64, bool) {
	if r.IsAnomaly() {
		return 0, false
	}
	v, err := strconv.ParseFloat(r.Label, 64)
	return v, err == nil
}

func Member(ts int64, label string) string {
	return fmt.Sprintf("%d|%s", ts, label)
}

func ParseMember(m string) (CheckResult, bool) {
	idx := strings.IndexByte(m, '|')
	if idx <= 0 {
		return CheckResult{}, false
	}
	ts, err := strconv.ParseInt(m[:idx], 10, 64)
	if err != nil {
		return CheckResult{}, false
	}
	return CheckResult{Timestamp: ts, Label: m[idx+1:]}, true
}

type checkResultWrite struct {
	key   string
	ts    int64
	label string
}

// CheckResultStore reads and writes the per level check results and the last checkpoints.
type CheckResultStore struct {
	redis     storage.Redis
	keys      common.KeyFactory
	retention time.Duration
}

func NewCheckResultStore(r storage.Redis, keys common.KeyFactory, retention time.Duration) *CheckResultStore {
	return &CheckResultStore{redis: r, keys: keys, retention: retention}
}

// Write replaces the member of each timestamp and trims entries older than the ttl.
func (c *CheckResultStore) Write(ctx context.Context, writes []checkResultWrite, ttl time.Duration, now int64) error {
	if len(writes) == 0 {
		return nil
	}
	pipe := c.redis.Pipeline()
	touched := make(map[string]struct{})
	for _, w := range writes {
		score := strconv.FormatInt(w.ts, 10)
		pipe.ZRemRangeByScore(ctx, w.key, score, score)
		pipe.ZAdd(ctx, w.key, redis.Z{Score: float64(w.ts), Member: Member(w.ts, w.label)})
		touched[w.key] = struct{}{}
	}
	expireBefore := strconv.FormatInt(now-int64(ttl/time.Second), 10)
	for key := range touched {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+expireBefore)
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Range returns the results in [from, to] ordered by time.
func (c *CheckResultStore) Range(ctx context.Context, key string, from, to int64) ([]CheckResult, error) {
	members, err := c.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]CheckResult, 0, len(members))
	for _, m := range members {
		if r, ok := ParseMember(m); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ClearAnomaly removes the ANOMALY labels at the given timestamps of every level.
func (c *CheckResultStore) ClearAnomaly(ctx context.Context, strategyId, itemId int64, dimensionsMD5 string, levels []int, timestamps []int64) error {
	if len(timestamps) == 0 {
		return nil
	}
	pipe := c.redis.Pipeline()
	for _, level := range levels {
		key := c.keys.CheckResult(strategyId, itemId, dimensionsMD5, level)
		for _, ts := range timestamps {
			pipe.ZRem(ctx, key, Member(ts, models.CheckResultAnomaly))
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *CheckResultStore) Checkpoints(ctx context.Context, strategyId, itemId int64) (map[string]int64, error) {
	m, err := c.redis.HGetAll(ctx, c.keys.LastCheckpoints(strategyId, itemId)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(m))
	for field, raw := range m {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			out[field] = ts
		}
	}
	return out, nil
}

// Checkpoint is the last data timestamp of a series at a level, zero if unknown.
func (c *CheckResultStore) Checkpoint(ctx context.Context, strategyId, itemId int64, dimensionsMD5 string, level int) (int64, error) {
	ts, err := c.redis.HGet(ctx, c.keys.LastCheckpoints(strategyId, itemId), common.LastCheckpointField(dimensionsMD5, level)).Int64()
	if storage.IsNil(err) {
		return 0, nil
	}
	return ts, err
}

// SetCheckpoints keeps the larger timestamp of every field.
func (c *CheckResultStore) SetCheckpoints(ctx context.Context, strategyId, itemId int64, fields map[string]int64) error {
	if len(fields) == 0 {
		return nil
	}
	current, err := c.Checkpoints(ctx, strategyId, itemId)
	if err != nil {
		return err
	}
	values := make(map[string]interface{}, len(fields))
	for field, ts := range fields {
		if ts > current[field] {
			values[field] = ts
		}
	}
	if len(values) == 0 {
		return nil
	}
	key := c.keys.LastCheckpoints(strategyId, itemId)
	pipe := c.redis.Pipeline()
	pipe.HSet(ctx, key, values)
	pipe.Expire(ctx, key, c.retention)
	_, err = pipe.Exec(ctx)
	return err
}
