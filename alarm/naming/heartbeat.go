package naming

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/storage"

	"github.com/redis/go-redis/v9"
	"github.com/toolkits/pkg/logger"
)

// instances without a heartbeat within this many intervals are inactive
const inactiveIntervals = 3

type Naming struct {
	heartbeatConfig aconf.HeartbeatConfig
	keys            common.KeyFactory
	redis           storage.Redis
	ring            *HashRing

	servers string
	now     func() time.Time
}

func NewNaming(heartbeat aconf.HeartbeatConfig, keys common.KeyFactory, r storage.Redis) *Naming {
	return &Naming{
		heartbeatConfig: heartbeat,
		keys:            keys,
		redis:           r,
		ring:            NewHashRing(),
		now:             time.Now,
	}
}

func (n *Naming) Endpoint() string {
	return n.heartbeatConfig.Endpoint
}

// Owns tells whether this instance is in charge of an alert.
func (n *Naming) Owns(alertId int64) bool {
	return n.ring.IsHit(strconv.FormatInt(alertId, 10), n.heartbeatConfig.Endpoint)
}

func (n *Naming) Heartbeats(ctx context.Context) error {
	if err := n.heartbeat(ctx); err != nil {
		return err
	}
	go n.loopHeartbeat(ctx)
	return nil
}

func (n *Naming) loopHeartbeat(ctx context.Context) {
	interval := time.Duration(n.heartbeatConfig.Interval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.heartbeat(ctx); err != nil {
				logger.Warningf("manager heartbeat err:%v", err)
			}
		}
	}
}

func (n *Naming) heartbeat(ctx context.Context) error {
	now := n.now()
	key := n.keys.ManagerHeartbeat()
	err := n.redis.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: n.heartbeatConfig.Endpoint}).Err()
	if err != nil {
		return err
	}

	servers, err := n.ActiveServers(ctx)
	if err != nil {
		return err
	}
	sort.Strings(servers)
	newss := strings.Join(servers, " ")
	if newss == n.servers {
		return nil
	}
	n.ring.Rebuild(servers)
	n.servers = newss
	return nil
}

// ActiveServers lists the instances that sent a heartbeat recently and drops the rest.
func (n *Naming) ActiveServers(ctx context.Context) ([]string, error) {
	key := n.keys.ManagerHeartbeat()
	stale := n.now().Unix() - inactiveIntervals*n.heartbeatSeconds()
	if err := n.redis.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(stale, 10)).Err(); err != nil {
		logger.Warningf("failed to delete inactive instances: %v", err)
	}
	return n.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: strconv.FormatInt(stale, 10), Max: "+inf"}).Result()
}

func (n *Naming) heartbeatSeconds() int64 {
	s := n.heartbeatConfig.Interval / 1000
	if s <= 0 {
		return 1
	}
	return s
}
