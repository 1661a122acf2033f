package shield

import (
	"context"
	"testing"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var shanghai, _ = time.LoadLocation("Asia/Shanghai")

// 2023-11-13 is a Monday
func at(day, hour, minute int) time.Time {
	return time.Date(2023, 11, day, hour, minute, 0, 0, shanghai)
}

type shieldList []*models.Shield

func (l shieldList) GetByBiz(bkBizId int64) []*models.Shield {
	var out []*models.Shield
	for _, s := range l {
		if s.BkBizId == bkBizId {
			out = append(out, s)
		}
	}
	return out
}

func (l shieldList) GetAll() []*models.Shield {
	return l
}

type fakeNotifier struct {
	sent []external.NoticeMessage
}

func (f *fakeNotifier) Send(_ context.Context, msg external.NoticeMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fakeRoles map[string][]string

func (f fakeRoles) BizRoleUsers(_ context.Context, _ int64, role string) ([]string, error) {
	return f[role], nil
}

type fakeCMDB struct {
	external.CMDB
	groups []int64
}

func (f *fakeCMDB) DynamicGroupHostIds(context.Context, int64, []string) ([]int64, error) {
	return f.groups, nil
}

func weeklyShield() *models.Shield {
	return &models.Shield{
		Id:        1,
		BkBizId:   2,
		Category:  models.ShieldCategoryScope,
		ScopeType: models.ScopeTypeBiz,
		CycleConfig: models.CycleConfig{
			Type:      models.CycleWeekly,
			BeginTime: "09:00:00",
			EndTime:   "18:00:00",
			WeekList:  []int{1, 2, 3, 4, 5},
		},
		NoticeConfig: &models.NoticeConfig{NoticeTime: 5, NoticeReceiver: []string{"user:admin", "role:operator"}},
		BeginTime:    at(1, 0, 0).Unix(),
		Timezone:     "Asia/Shanghai",
		Status:       models.ShieldStatusActive,
	}
}

func TestTimeMatcherWeekly(t *testing.T) {
	tm, err := NewTimeMatcher(weeklyShield(), nil)
	require.NoError(t, err)

	assert.False(t, tm.IsMatch(at(13, 8, 59)))
	assert.True(t, tm.IsMatch(at(13, 9, 0)))
	assert.True(t, tm.IsMatch(at(17, 17, 59)))
	assert.False(t, tm.IsMatch(at(17, 18, 0)))
	// saturday
	assert.False(t, tm.IsMatch(at(18, 10, 0)))
	// before the shield begins
	assert.False(t, tm.IsMatch(time.Date(2023, 10, 30, 10, 0, 0, 0, shanghai)))
}

func TestTimeMatcherDailyAcrossMidnight(t *testing.T) {
	s := &models.Shield{Id: 2, CycleConfig: models.CycleConfig{Type: models.CycleDaily, BeginTime: "22:00", EndTime: "06:00"}}
	tm, err := NewTimeMatcher(s, shanghai)
	require.NoError(t, err)
	assert.True(t, tm.IsMatch(at(13, 23, 0)))
	assert.True(t, tm.IsMatch(at(14, 5, 59)))
	assert.False(t, tm.IsMatch(at(14, 6, 0)))
	assert.False(t, tm.IsMatch(at(14, 12, 0)))
}

func TestTimeMatcherSingleAndMonthly(t *testing.T) {
	single := &models.Shield{Id: 3, BeginTime: at(13, 9, 0).Unix(), EndTime: at(13, 10, 0).Unix()}
	tm, err := NewTimeMatcher(single, shanghai)
	require.NoError(t, err)
	assert.True(t, tm.IsMatch(at(13, 9, 30)))
	assert.False(t, tm.IsMatch(at(13, 10, 0)))

	monthly := &models.Shield{Id: 4, CycleConfig: models.CycleConfig{Type: models.CycleMonthly, DayList: []int{13}}}
	tm, err = NewTimeMatcher(monthly, shanghai)
	require.NoError(t, err)
	assert.True(t, tm.IsMatch(at(13, 0, 1)))
	assert.False(t, tm.IsMatch(at(14, 0, 1)))

	_, err = NewTimeMatcher(&models.Shield{Id: 5, CycleConfig: models.CycleConfig{Type: "hourly"}}, shanghai)
	assert.Error(t, err)
}

func TestActiveAndInactiveWithin(t *testing.T) {
	tm, err := NewTimeMatcher(weeklyShield(), nil)
	require.NoError(t, err)
	assert.True(t, tm.ActiveWithin(at(13, 8, 56), 5))
	assert.False(t, tm.ActiveWithin(at(13, 8, 55), 5))
	assert.False(t, tm.InactiveWithin(at(13, 17, 56), 6))
	assert.True(t, tm.InactiveWithin(at(13, 18, 0), 6))
}

func newAlert() *models.Alert {
	e := &models.Event{
		StrategyId: 42,
		ItemId:     1,
		BkBizId:    2,
		Level:      2,
		Dimensions: map[string]string{"bk_target_ip": "10.0.0.1", "bk_target_cloud_id": "0", "tags.device": "eth0"},
		Time:       at(13, 10, 0).Unix(),
		BkHostId:   11,
		BkTopoNode: []string{"biz|2", "set|3", "module|5"},
	}
	e.Normalize()
	return models.NewAlert(17000000600000001, e, &models.Strategy{Id: 42, Items: []models.Item{{Id: 1, QueryConfigs: []models.QueryConfig{{MetricId: "bk_monitor.system.cpu.usage"}}}}}, e.Time)
}

func TestAlertViewAliases(t *testing.T) {
	view := AlertView(newAlert())
	assert.Equal(t, []string{"10.0.0.1"}, view["ip"])
	assert.Equal(t, []string{"10.0.0.1"}, view["bk_target_ip"])
	assert.Equal(t, []string{"0"}, view["bk_cloud_id"])
	assert.Equal(t, []string{"eth0"}, view["device"])
	assert.Equal(t, []string{"42"}, view["strategy_id"])
	assert.Equal(t, []string{"2"}, view["level"])
	assert.Equal(t, []string{"11"}, view["bk_host_id"])
	assert.Equal(t, []string{"bk_monitor.system.cpu.usage"}, view["metric_id"])
	assert.Contains(t, view["bk_topo_node"], "module|5")
}

func TestDimensionMatcher(t *testing.T) {
	view := AlertView(newAlert())
	ctx := context.Background()
	now := at(13, 10, 0)

	node := &models.Shield{Category: models.ShieldCategoryScope, ScopeType: models.ScopeTypeNode,
		DimensionConfig: map[string]interface{}{"bk_topo_node": []interface{}{"module|5"}}}
	assert.True(t, NewDimensionMatcher(node).IsMatch(ctx, nil, view, now))

	strategy := &models.Shield{Category: models.ShieldCategoryStrategy,
		DimensionConfig: map[string]interface{}{"strategy_id": []interface{}{float64(42)}, "level": []interface{}{float64(1)}}}
	assert.False(t, NewDimensionMatcher(strategy).IsMatch(ctx, nil, view, now))

	noIds := &models.Shield{Category: models.ShieldCategoryAlert}
	assert.False(t, NewDimensionMatcher(noIds).IsMatch(ctx, nil, view, now))

	dims := &models.Shield{Category: models.ShieldCategoryDimension, DimensionConditions: []models.Condition{
		{Key: "device", Method: "eq", Value: []string{"eth1"}},
		{Key: "ip", Method: "eq", Value: []string{"10.0.0.1"}, Condition: "or"},
	}}
	assert.True(t, NewDimensionMatcher(dims).IsMatch(ctx, nil, view, now))

	group := &models.Shield{Category: models.ShieldCategoryScope, ScopeType: models.ScopeTypeDynamicGroup,
		DimensionConfig: map[string]interface{}{"dynamic_group": []interface{}{"g1"}}}
	assert.False(t, NewDimensionMatcher(group).IsMatch(ctx, &fakeCMDB{}, view, now))
	assert.True(t, NewDimensionMatcher(group).IsMatch(ctx, &fakeCMDB{groups: []int64{9, 11}}, view, now))
}

func TestMatcherMatch(t *testing.T) {
	other := weeklyShield()
	other.Id = 9
	other.BkBizId = 3
	m := NewMatcher(shieldList{weeklyShield(), other}, nil, "Asia/Shanghai")

	a := newAlert()
	assert.Equal(t, []int64{1}, m.Match(a, at(13, 10, 0)))
	assert.Empty(t, m.Match(a, at(13, 19, 0)))
}

func TestNoticeIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	var conf aconf.Alarm
	conf.PreCheck()

	shields := shieldList{weeklyShield()}
	notifier := &fakeNotifier{}
	keys := common.NewKeyFactory("test")
	n := NewNotice(conf.Shield, keys, rds, shields, NewMatcher(shields, nil, "Asia/Shanghai"),
		notifier, fakeRoles{"operator": {"bob", "admin"}})
	ctx := context.Background()

	n.now = func() time.Time { return at(13, 8, 56) }
	n.Tick(ctx)
	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0].Title, "starts")
	assert.Equal(t, []string{"admin", "bob"}, notifier.sent[0].Receivers)
	assert.True(t, mr.Exists(keys.NoticeShieldLock(1)))
	assert.Equal(t, 30*time.Minute, mr.TTL(keys.NoticeShieldLock(1)))

	n.now = func() time.Time { return at(13, 8, 57) }
	n.Tick(ctx)
	assert.Len(t, notifier.sent, 1)

	n.now = func() time.Time { return at(13, 18, 0) }
	n.Tick(ctx)
	require.Len(t, notifier.sent, 2)
	assert.Contains(t, notifier.sent[1].Title, "ends")
	assert.False(t, mr.Exists(keys.NoticeShieldLock(1)))
}

func TestReceivers(t *testing.T) {
	got := Receivers(context.Background(), fakeRoles{"ops": {"a", "b"}}, 2, []string{"user:a", "role:ops", "role:none", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
