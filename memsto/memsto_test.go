package memsto

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/dumper"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/ctx"
	"github.com/ccfos/alarmflow/pkg/ormx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *ctx.Context {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := ormx.New(ormx.DBConfig{DBType: "sqlite", DSN: dsn, AutoMigrate: true}, models.Tables()...)
	require.NoError(t, err)
	return ctx.NewContext(context.Background(), db)
}

func insertStrategy(t *testing.T, c *ctx.Context, s *models.Strategy) {
	t.Helper()
	r, err := models.NewStrategyRecord(s)
	require.NoError(t, err)
	require.NoError(t, models.DB(c).Save(r).Error)
}

func TestStrategyCacheSync(t *testing.T) {
	c := newTestContext(t)
	insertStrategy(t, c, &models.Strategy{Id: 2, BkBizId: 2, Name: "disk", IsEnabled: true, UpdateAt: 100})
	insertStrategy(t, c, &models.Strategy{Id: 1, BkBizId: 2, Name: "cpu", IsEnabled: true, UpdateAt: 100})
	insertStrategy(t, c, &models.Strategy{Id: 3, BkBizId: 2, Name: "mem", IsEnabled: false, UpdateAt: 100})
	require.NoError(t, models.DB(c).Create(&models.StrategyRecord{Id: 4, Name: "broken", IsEnabled: 1, Config: "{", UpdateAt: 100}).Error)

	sc := NewStrategyCache(c, astats.NewTestStats())
	require.NoError(t, sc.sync())

	assert.Equal(t, "cpu", sc.Get(1).Name)
	assert.NotNil(t, sc.Get(3), "disabled strategies stay visible so their alerts can be closed")
	assert.Nil(t, sc.Get(4))

	all := sc.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].Id)
	assert.Equal(t, int64(2), all[1].Id)

	var rec *dumper.SyncRecords
	for _, r := range dumper.Records() {
		if r.Name == "alarm_strategies" {
			r := r
			rec = &r
		}
	}
	require.NotNil(t, rec)
	assert.Equal(t, "success", rec.Current.Message)
	assert.Equal(t, 3, rec.Current.Count)

	// nothing changed, the old map is kept
	require.NoError(t, sc.sync())
	assert.Equal(t, "cpu", sc.Get(1).Name)

	insertStrategy(t, c, &models.Strategy{Id: 1, BkBizId: 2, Name: "cpu-new", IsEnabled: true, UpdateAt: 200})
	require.NoError(t, sc.sync())
	assert.Equal(t, "cpu-new", sc.Get(1).Name)
}

func TestShieldCacheSync(t *testing.T) {
	c := newTestContext(t)
	for _, s := range []*models.Shield{
		{Id: 1, BkBizId: 2, Category: models.ShieldCategoryStrategy, Status: models.ShieldStatusActive, EndTime: 500, UpdateAt: 10},
		{Id: 2, BkBizId: 3, Category: models.ShieldCategoryScope, Status: models.ShieldStatusActive, UpdateAt: 10},
		{Id: 3, BkBizId: 2, Category: models.ShieldCategoryAlert, Status: models.ShieldStatusExpired, UpdateAt: 10},
	} {
		r, err := models.NewShieldRecord(s)
		require.NoError(t, err)
		require.NoError(t, models.DB(c).Create(r).Error)
	}

	sc := NewShieldCache(c, astats.NewTestStats())
	require.NoError(t, sc.sync())
	require.Len(t, sc.GetByBiz(2), 1)
	assert.Equal(t, int64(1), sc.GetByBiz(2)[0].Id)
	assert.Len(t, sc.GetAll(), 2)

	n, err := models.ShieldExpire(c, 600)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, sc.Refresh())
	assert.Empty(t, sc.GetByBiz(2))
	assert.Len(t, sc.GetAll(), 1)
}

func TestAssignRuleCacheSync(t *testing.T) {
	c := newTestContext(t)
	for _, rule := range []*models.AssignRule{
		{Id: 1, BkBizId: 2, Priority: 1, IsEnabled: true, NotifyRuleIds: []int64{10}, UpdateAt: 10},
		{Id: 2, BkBizId: 2, Priority: 5, IsEnabled: true, NotifyRuleIds: []int64{20}, UpdateAt: 10},
		{Id: 3, BkBizId: 2, Priority: 9, IsEnabled: false, UpdateAt: 10},
	} {
		r, err := models.NewAssignRuleRecord(rule)
		require.NoError(t, err)
		require.NoError(t, models.DB(c).Create(r).Error)
	}

	ac := NewAssignRuleCache(c, astats.NewTestStats())
	require.NoError(t, ac.sync())

	rules := ac.GetByBiz(2)
	require.Len(t, rules, 2)
	assert.Equal(t, int64(2), rules[0].Id)
	assert.Equal(t, []int64{20}, rules[0].NotifyRuleIds)
	assert.Equal(t, int64(1), rules[1].Id)
	assert.Empty(t, ac.GetByBiz(3))
}

type countingSyncer struct {
	n atomic.Int64
}

func (c *countingSyncer) sync() error {
	c.n.Add(1)
	return nil
}

func (c *countingSyncer) name() string {
	return "counting"
}

func TestLoopSyncStopsWithContext(t *testing.T) {
	c := &countingSyncer{}
	cctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loopSync(cctx, c, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.n.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loopSync still running after cancel")
	}
}
