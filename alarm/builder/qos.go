package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/storage"

	"github.com/redis/go-redis/v9"
	"github.com/toolkits/pkg/logger"
)

const descCircuitBreaking = "hit circuit breaking rule"

// incrWindow counts in a fixed window: the ttl is set by the first incr, or
// whenever the counter is found without one.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 or redis.call("TTL", KEYS[1]) < 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Qos limits alert creation: circuit breaking rules block whole strategies or
// businesses, the counter blocks dedupe keys that flap too often.
type Qos struct {
	conf  aconf.BuilderConfig
	keys  common.KeyFactory
	redis storage.Redis
}

func NewQos(conf aconf.BuilderConfig, keys common.KeyFactory, r storage.Redis) *Qos {
	return &Qos{conf: conf, keys: keys, redis: r}
}

// Rules reads the circuit breaking rules from redis, falling back to the configured ones.
func (q *Qos) Rules(ctx context.Context) []models.CircuitBreakingRule {
	bs, err := q.redis.Get(ctx, q.keys.CircuitBreaking()).Bytes()
	if err != nil {
		if !storage.IsNil(err) {
			logger.Warningf("alarm_builder: failed to read circuit breaking rules: %v", err)
		}
		return q.conf.CircuitBreaking
	}
	var rules []models.CircuitBreakingRule
	if err := json.Unmarshal(bs, &rules); err != nil {
		logger.Warningf("alarm_builder: invalid circuit breaking rules: %v", err)
		return q.conf.CircuitBreaking
	}
	return rules
}

func CircuitBreaking(rules []models.CircuitBreakingRule, a *models.Alert) bool {
	for i := range rules {
		if rules[i].Match(a.StrategyId, a.BkBizId, a.DataSourceLabel, a.DataTypeLabel) {
			return true
		}
	}
	return false
}

// Incr counts one new alert of the dedupe key and reports whether the key is over the threshold.
func (q *Qos) Incr(ctx context.Context, a *models.Alert) (bool, error) {
	key := q.keys.AlertQosCounter(a.StrategyId, a.DedupeMD5)
	n, err := incrWindow.Run(ctx, q.redis, []string{key}, q.conf.QosWindow).Int64()
	if err != nil {
		return false, err
	}
	return n > q.conf.QosThreshold, nil
}

// Released reports whether the counter of a blocked key dropped back to the threshold.
func (q *Qos) Released(ctx context.Context, a *models.Alert) (bool, error) {
	n, err := q.redis.Get(ctx, q.keys.AlertQosCounter(a.StrategyId, a.DedupeMD5)).Int64()
	if storage.IsNil(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return n <= q.conf.QosThreshold, nil
}

func block(a *models.Alert, desc string, now time.Time) {
	a.ExtraInfo.IsBlocked = true
	a.ExtraInfo.QosStatus = models.QosStatusBlocked
	a.AddLog(models.OpAlertQos, desc, a.LatestTime, "", now.Unix())
}

func qosDescription(conf aconf.BuilderConfig) string {
	return fmt.Sprintf("more than %d alerts of the same dimensions within %ds, blocked", conf.QosThreshold, conf.QosWindow)
}
