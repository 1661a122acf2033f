package manager

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/alertstore"
	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/detect"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/retry"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTs int64 = 1700000040

type strategyMap map[int64]*models.Strategy

func (m strategyMap) Get(id int64) *models.Strategy {
	return m[id]
}

type shieldFunc func(a *models.Alert) []int64

func (f shieldFunc) Match(a *models.Alert, _ time.Time) []int64 {
	return f(a)
}

type ownerFunc func(id int64) bool

func (f ownerFunc) Owns(id int64) bool {
	return f(id)
}

type fakeCMDB struct {
	external.CMDB
	hosts map[string]*models.Host
}

func (c *fakeCMDB) HostByIp(_ context.Context, ip string, cloudId int64) (*models.Host, error) {
	return c.hosts[ip+"|"+strconv.FormatInt(cloudId, 10)], nil
}

type fixture struct {
	svc        *Service
	store      *alertstore.Store
	strategies strategyMap
	queues     queue.Set
	rds        *redis.Client
	keys       common.KeyFactory
	now        int64
	nextId     int64
}

func cpuStrategy() *models.Strategy {
	return &models.Strategy{
		Id:        1,
		BkBizId:   2,
		Name:      "cpu usage",
		IsEnabled: true,
		Priority:  1,
		Items: []models.Item{{
			Id: 1,
			QueryConfigs: []models.QueryConfig{{
				DataSourceLabel: models.DataSourceBkMonitor,
				DataTypeLabel:   models.DataTypeTimeSeries,
				MetricId:        "bk_monitor.system.cpu_summary.usage",
				AggInterval:     60,
				AggDimension:    []string{"bk_target_ip", "bk_target_cloud_id"},
			}},
			NoDataConfig: models.NoDataConfig{IsEnabled: true, Continuous: 5, Level: 2},
		}},
		Detects: []models.DetectConfig{{
			Level:          2,
			TriggerConfig:  models.TriggerConfig{Count: 1, CheckWindow: 1},
			RecoveryConfig: models.RecoveryConfig{CheckWindow: 2, StatusSetter: SetterRecovery},
		}},
	}
}

func newFixture(t *testing.T, opts Options) *fixture {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	keys := common.NewKeyFactory("test")

	var conf aconf.Alarm
	conf.PreCheck()

	strategies := strategyMap{1: cpuStrategy()}
	store := alertstore.New(alertstore.Config{SnapshotTTL: time.Hour, DedupeTTL: time.Hour}, keys, rds, nil)
	queues := queue.NewMemorySet(1000)
	svc := NewService(conf.Manager, retry.Policy{Attempts: 1}, keys, rds, store, strategies,
		detect.NewCheckResultStore(rds, keys, time.Hour), detect.NewPriorityManager(rds, keys, 5),
		queues, astats.NewTestStats(), opts)

	f := &fixture{svc: svc, store: store, strategies: strategies, queues: queues, rds: rds, keys: keys, now: baseTs + 30}
	svc.now = func() time.Time { return time.Unix(f.now, 0) }
	return f
}

func newEvent(noData bool) *models.Event {
	e := &models.Event{
		StrategyId:      1,
		ItemId:          1,
		BkBizId:         2,
		Level:           2,
		Dimensions:      map[string]string{"bk_target_ip": "10.0.0.1", "bk_target_cloud_id": "0"},
		Time:            baseTs,
		AnomalyTime:     baseTs + 5,
		AnomalyMessage:  "current value 95 >= 90",
		Value:           95,
		DataTypeLabel:   models.DataTypeTimeSeries,
		DataSourceLabel: models.DataSourceBkMonitor,
		IsNoData:        noData,
	}
	e.Normalize()
	return e
}

// seed stores an abnormal alert as the builder would.
func (f *fixture) seed(t *testing.T, e *models.Event, mutate func(a *models.Alert)) *models.Alert {
	f.nextId++
	a := models.NewAlert(baseTs*10000000+f.nextId, e, f.strategies[e.StrategyId], baseTs)
	if mutate != nil {
		mutate(a)
	}
	a.Logs = nil
	ctx := context.Background()
	_, _, err := f.store.UpdateCache(ctx, []*models.Alert{a})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveSnapshots(ctx, []*models.Alert{a}))
	return a
}

func (f *fixture) load(t *testing.T, a *models.Alert) *models.Alert {
	got, err := f.store.GetSnapshot(context.Background(), a.StrategyId, a.Id)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func (f *fixture) setCheckpoint(t *testing.T, a *models.Alert, ts int64) {
	err := f.rds.HSet(context.Background(), f.keys.LastCheckpoints(a.StrategyId, a.ItemId),
		common.LastCheckpointField(models.DimensionsMD5(a.Dimensions), 2), ts).Err()
	require.NoError(t, err)
}

func (f *fixture) addResult(t *testing.T, a *models.Alert, ts int64, label string) {
	key := f.keys.CheckResult(a.StrategyId, a.ItemId, models.DimensionsMD5(a.Dimensions), 2)
	err := f.rds.ZAdd(context.Background(), key, redis.Z{Score: float64(ts), Member: detect.Member(ts, label)}).Err()
	require.NoError(t, err)
}

func popSignals(t *testing.T, q queue.Queue) []*models.Signal {
	msgs, err := q.Pop(context.Background(), 100)
	require.NoError(t, err)
	var out []*models.Signal
	for _, msg := range msgs {
		var s models.Signal
		require.NoError(t, json.Unmarshal(msg, &s))
		out = append(out, &s)
	}
	return out
}

func TestStrategyDeletedClosesAlert(t *testing.T) {
	f := newFixture(t, Options{})
	e := newEvent(false)
	e.StrategyId = 42
	e.Normalize()
	a := f.seed(t, e, nil)

	n := f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	assert.Equal(t, 1, n)

	got := f.load(t, a)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, descStrategyDeleted, got.Description)
	assert.Equal(t, f.now, got.EndTime)

	refs, err := f.store.ActiveAlerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)

	signals := popSignals(t, f.queues[queue.Signal])
	require.Len(t, signals, 1)
	assert.Equal(t, models.SignalClosed, signals[0].Signal)
	assert.Equal(t, models.OpClose, signals[0].OpType)
}

func TestNoDataAlertRecoversWhenCheckpointCleared(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(true), nil)
	require.True(t, a.IsNoData)

	ctx := context.Background()
	field := common.NoDataAnomalyField(1, 1, models.DimensionsMD5(a.Dimensions))
	require.NoError(t, f.rds.HSet(ctx, f.keys.NoDataLastAnomalyCheckpoints(), field, baseTs).Err())

	assert.Equal(t, 0, f.svc.Check(ctx, []alertstore.Ref{alertstore.RefOf(a)}))
	assert.Equal(t, models.StatusAbnormal, f.load(t, a).Status)

	// new data arrived, detection cleared the checkpoint
	require.NoError(t, f.rds.HDel(ctx, f.keys.NoDataLastAnomalyCheckpoints(), field).Err())
	assert.Equal(t, 1, f.svc.Check(ctx, []alertstore.Ref{alertstore.RefOf(a)}))

	got := f.load(t, a)
	assert.Equal(t, models.StatusRecovered, got.Status)
	assert.Equal(t, descNoDataRecovered, got.Description)

	signals := popSignals(t, f.queues[queue.Signal])
	require.Len(t, signals, 1)
	assert.Equal(t, models.SignalRecovered, signals[0].Signal)
}

func TestNoDataAlertExpires(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(true), nil)
	f.now = baseTs + 86400 + 1

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	got := f.load(t, a)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Contains(t, got.Description, "no-data alert lasted longer than 86400s")
}

func TestNoDataDisabledClosesNoDataAlert(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(true), nil)
	f.strategies[1].Items[0].NoDataConfig.IsEnabled = false

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	assert.Equal(t, descNoDataDisabled, f.load(t, a).Description)
}

func TestSupersededAlertKeepsNewerContent(t *testing.T) {
	f := newFixture(t, Options{})
	e := newEvent(false)
	old := f.seed(t, e, nil)
	newer := f.seed(t, e, nil)

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(old)})

	got := f.load(t, old)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, descSuperseded, got.Description)

	current, err := f.store.GetCached(context.Background(), e.StrategyId, e.DedupeMD5)
	require.NoError(t, err)
	assert.Equal(t, newer.Id, current.Id)
	assert.Equal(t, models.StatusAbnormal, current.Status)

	refs, err := f.store.ActiveAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, newer.Id, refs[0].AlertId)
}

func TestMetricChangedClosesAlert(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(false), nil)
	f.strategies[1].Items[0].QueryConfigs[0].MetricId = "bk_monitor.system.mem.pct_used"

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	assert.Equal(t, descMetricChanged, f.load(t, a).Description)
}

func TestLevelRemovedClosesAlert(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(false), nil)
	f.strategies[1].Detects[0].Level = 1

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	got := f.load(t, a)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, "detect config of level 2 removed from strategy", got.Description)
}

func TestTargetScope(t *testing.T) {
	cmdb := &fakeCMDB{hosts: map[string]*models.Host{
		"10.0.0.1|0": {BkHostId: 11, Ip: "10.0.0.1", BkBizId: 2, TopoLinks: [][]models.TopoNode{{{BkObjId: "module", BkInstId: 6}}}},
	}}
	f := newFixture(t, Options{CMDB: cmdb})
	f.strategies[1].Items[0].Target = models.TargetSelector{
		Field: models.TargetFieldHostTopoNode,
		Nodes: []models.TopoNode{{BkObjId: "module", BkInstId: 5}},
	}
	a := f.seed(t, newEvent(false), nil)
	f.setCheckpoint(t, a, baseTs)
	f.addResult(t, a, baseTs, models.CheckResultAnomaly)

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	assert.Equal(t, descTargetLeft, f.load(t, a).Description)

	// the host moved back into the module but was removed from CMDB
	f.strategies[1].Items[0].Target.Nodes = append(f.strategies[1].Items[0].Target.Nodes, models.TopoNode{BkObjId: "module", BkInstId: 6})
	b := f.seed(t, newEvent(false), nil)
	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(b)})
	assert.Equal(t, models.StatusAbnormal, f.load(t, b).Status)

	delete(cmdb.hosts, "10.0.0.1|0")
	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(b)})
	assert.Equal(t, descTargetMissing, f.load(t, b).Description)
}

func TestNoDataTooLongClosesAlert(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(false), nil)
	f.setCheckpoint(t, a, baseTs)
	f.now = baseTs + 1801

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	assert.Equal(t, descNoDataTooLong, f.load(t, a).Description)
}

func TestHigherPriorityClosesAlert(t *testing.T) {
	f := newFixture(t, Options{})
	f.strategies[1].PriorityGroupKey = "cpu"
	a := f.seed(t, newEvent(false), nil)
	f.setCheckpoint(t, a, baseTs)
	f.addResult(t, a, baseTs, models.CheckResultAnomaly)

	rec := detect.PriorityRecord{Priority: 5, Timestamp: f.now}
	require.NoError(t, f.rds.HSet(context.Background(), f.keys.Priority("cpu"), models.DimensionsMD5(a.Dimensions), rec.String()).Err())

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	assert.Equal(t, descHigherPriority, f.load(t, a).Description)
}

func TestStillTriggeringKeepsAlert(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(false), nil)
	f.setCheckpoint(t, a, baseTs)
	f.addResult(t, a, baseTs, models.CheckResultAnomaly)

	assert.Equal(t, 0, f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)}))
	got := f.load(t, a)
	assert.Equal(t, models.StatusAbnormal, got.Status)
	assert.False(t, got.ExtraInfo.IsRecovering)
	assert.Empty(t, popSignals(t, f.queues[queue.Signal]))
}

func TestRecoveringThenRecovered(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(false), nil)
	f.addResult(t, a, baseTs-60, models.CheckResultAnomaly)
	f.addResult(t, a, baseTs, "80")
	f.setCheckpoint(t, a, baseTs)

	ctx := context.Background()
	assert.Equal(t, 1, f.svc.Check(ctx, []alertstore.Ref{alertstore.RefOf(a)}))
	got := f.load(t, a)
	assert.Equal(t, models.StatusAbnormal, got.Status)
	assert.True(t, got.ExtraInfo.IsRecovering)

	// a second normal point pushes the anomaly out of both windows
	f.addResult(t, a, baseTs+60, "70")
	f.setCheckpoint(t, a, baseTs+60)
	f.now = baseTs + 90
	assert.Equal(t, 1, f.svc.Check(ctx, []alertstore.Ref{alertstore.RefOf(a)}))

	got = f.load(t, a)
	assert.Equal(t, models.StatusRecovered, got.Status)
	assert.False(t, got.ExtraInfo.IsRecovering)
	require.NotNil(t, got.ExtraInfo.RecoveryValue)
	assert.Equal(t, 70.0, *got.ExtraInfo.RecoveryValue)
	assert.Equal(t, "no anomaly in 2 consecutive check windows, alert recovered, current value 70", got.Description)

	signals := popSignals(t, f.queues[queue.Signal])
	require.Len(t, signals, 1)
	assert.Equal(t, models.SignalRecovered, signals[0].Signal)
	assert.Equal(t, models.OpRecover, signals[0].OpType)
}

func TestCloseSetterClosesOnRecovery(t *testing.T) {
	f := newFixture(t, Options{})
	f.strategies[1].Detects[0].RecoveryConfig.StatusSetter = SetterClose
	a := f.seed(t, newEvent(false), nil)
	f.addResult(t, a, baseTs, "80")
	f.setCheckpoint(t, a, baseTs)

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	assert.Equal(t, models.StatusClosed, f.load(t, a).Status)
}

func TestAbortRecoveringReleasesUnshieldNotice(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(false), func(a *models.Alert) {
		a.ExtraInfo.IsRecovering = true
		a.ExtraInfo.IgnoreUnshieldNotice = true
	})
	f.addResult(t, a, baseTs, models.CheckResultAnomaly)
	f.setCheckpoint(t, a, baseTs)

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	got := f.load(t, a)
	assert.Equal(t, models.StatusAbnormal, got.Status)
	assert.False(t, got.ExtraInfo.IsRecovering)
	assert.False(t, got.ExtraInfo.IgnoreUnshieldNotice)
	assert.True(t, got.ExtraInfo.NeedUnshieldNotice)
}

func TestNoDataRecoverySetter(t *testing.T) {
	f := newFixture(t, Options{})
	f.strategies[1].Detects[0].RecoveryConfig.StatusSetter = SetterCloseNoData
	a := f.seed(t, newEvent(false), nil)
	f.setCheckpoint(t, a, baseTs)
	// 2 recovery + 1 trigger + 1 interval
	f.now = baseTs + 4*60 + 1

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	got := f.load(t, a)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, descNoDataTooLong, got.Description)
}

func TestUnshieldNotice(t *testing.T) {
	shielded := true
	f := newFixture(t, Options{Shields: shieldFunc(func(*models.Alert) []int64 {
		if shielded {
			return []int64{7}
		}
		return nil
	})})
	a := f.seed(t, newEvent(false), func(a *models.Alert) {
		a.ExtraInfo.IsShielded = true
		a.ExtraInfo.ShieldIds = []int64{7}
	})
	f.setCheckpoint(t, a, baseTs)
	f.addResult(t, a, baseTs, models.CheckResultAnomaly)

	ctx := context.Background()
	assert.Equal(t, 0, f.svc.Check(ctx, []alertstore.Ref{alertstore.RefOf(a)}))

	shielded = false
	assert.Equal(t, 1, f.svc.Check(ctx, []alertstore.Ref{alertstore.RefOf(a)}))
	got := f.load(t, a)
	assert.False(t, got.ExtraInfo.IsShielded)

	signals := popSignals(t, f.queues[queue.Signal])
	require.Len(t, signals, 1)
	assert.Equal(t, models.SignalAbnormal, signals[0].Signal)
	assert.Equal(t, models.OpUnshield, signals[0].OpType)
}

func TestUnshieldWhileRecoveringIsDeferred(t *testing.T) {
	f := newFixture(t, Options{Shields: shieldFunc(func(*models.Alert) []int64 { return nil })})
	a := f.seed(t, newEvent(false), func(a *models.Alert) {
		a.ExtraInfo.IsShielded = true
		a.ExtraInfo.IsRecovering = true
	})
	f.addResult(t, a, baseTs-60, models.CheckResultAnomaly)
	f.addResult(t, a, baseTs, "80")
	f.setCheckpoint(t, a, baseTs)

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	got := f.load(t, a)
	assert.True(t, got.ExtraInfo.IgnoreUnshieldNotice)
	assert.False(t, got.ExtraInfo.IsShielded)
	assert.Empty(t, popSignals(t, f.queues[queue.Signal]))
}

func TestShieldedEndHoldsSignal(t *testing.T) {
	f := newFixture(t, Options{Shields: shieldFunc(func(*models.Alert) []int64 { return []int64{3} })})
	e := newEvent(false)
	e.StrategyId = 42
	e.Normalize()
	a := f.seed(t, e, nil)

	f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)})
	got := f.load(t, a)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, []int64{3}, got.ExtraInfo.ShieldIds)
	assert.Empty(t, popSignals(t, f.queues[queue.Signal]))
}

func TestBusyAlertSkipped(t *testing.T) {
	f := newFixture(t, Options{})
	e := newEvent(false)
	e.StrategyId = 42
	e.Normalize()
	a := f.seed(t, e, nil)
	require.NoError(t, f.rds.Set(context.Background(), f.keys.AlertUpdateLock(a.DedupeMD5), 1, time.Minute).Err())

	assert.Equal(t, 0, f.svc.Check(context.Background(), []alertstore.Ref{alertstore.RefOf(a)}))
	assert.Equal(t, models.StatusAbnormal, f.load(t, a).Status)
}

func TestSweepOnlyOwnedAlerts(t *testing.T) {
	f := newFixture(t, Options{})
	e := newEvent(false)
	e.StrategyId = 42
	e.Normalize()
	a := f.seed(t, e, nil)

	f.svc.owner = ownerFunc(func(int64) bool { return false })
	f.svc.Sweep(context.Background())
	assert.Equal(t, models.StatusAbnormal, f.load(t, a).Status)

	f.svc.owner = ownerFunc(func(id int64) bool { return id == a.Id })
	f.svc.Sweep(context.Background())
	assert.Equal(t, models.StatusClosed, f.load(t, a).Status)
}

func TestRequestResolvesDedupe(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.seed(t, newEvent(false), nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Request(ctx, &models.CheckRequest{AlertId: a.Id, StrategyId: 1}, time.Unix(f.now, 0)))
	refs := f.svc.scheduler.PopDue(time.Unix(f.now, 0))
	require.Len(t, refs, 1)
	assert.Equal(t, a.DedupeMD5, refs[0].DedupeMD5)

	assert.Error(t, f.svc.Request(ctx, &models.CheckRequest{AlertId: 1, StrategyId: 1}, time.Unix(f.now, 0)))
}

func TestScheduler(t *testing.T) {
	s := NewScheduler()
	s.Add(alertstore.Ref{AlertId: 1}, time.Unix(100, 0))
	s.Add(alertstore.Ref{AlertId: 2}, time.Unix(50, 0))
	s.Add(alertstore.Ref{AlertId: 1}, time.Unix(40, 0))
	s.Add(alertstore.Ref{AlertId: 2}, time.Unix(90, 0))
	assert.Equal(t, 2, s.Len())

	refs := s.PopDue(time.Unix(60, 0))
	require.Len(t, refs, 2)
	assert.Equal(t, int64(1), refs[0].AlertId)
	assert.Equal(t, int64(2), refs[1].AlertId)
	assert.Empty(t, s.PopDue(time.Unix(1000, 0)))
}
