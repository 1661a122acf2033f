package naming

import (
	"context"
	"testing"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/common"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNaming(t *testing.T, mr *miniredis.Miniredis, endpoint string) *Naming {
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewNaming(aconf.HeartbeatConfig{Endpoint: endpoint, Interval: 1000}, common.NewKeyFactory("test"), rds)
	n.now = func() time.Time { return time.Unix(1700000000, 0) }
	return n
}

func TestRingSharesAlerts(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestNaming(t, mr, "10.0.0.1:19000")
	b := newTestNaming(t, mr, "10.0.0.2:19000")
	ctx := context.Background()

	require.NoError(t, a.heartbeat(ctx))
	require.NoError(t, b.heartbeat(ctx))
	require.NoError(t, a.heartbeat(ctx))

	owned := 0
	for id := int64(0); id < 200; id++ {
		alertId := 17000000000000000 + id
		assert.NotEqual(t, a.Owns(alertId), b.Owns(alertId))
		if a.Owns(alertId) {
			owned++
		}
	}
	assert.Greater(t, owned, 0)
	assert.Less(t, owned, 200)
}

func TestInactiveServersDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestNaming(t, mr, "10.0.0.1:19000")
	ctx := context.Background()
	_, err := a.redis.ZAdd(ctx, a.keys.ManagerHeartbeat(), redis.Z{Score: 1699990000, Member: "dead:19000"}).Result()
	require.NoError(t, err)

	require.NoError(t, a.heartbeat(ctx))
	servers, err := a.ActiveServers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:19000"}, servers)
	assert.True(t, a.Owns(17000000000000001))
}

func TestEmptyRingOwnsNothing(t *testing.T) {
	r := NewHashRing()
	assert.False(t, r.IsHit("1", "a"))
}
