package access

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/alertstore"
	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const baseTs int64 = 1700000100

type fakeCMDB struct {
	hosts map[string]*models.Host
}

func (f *fakeCMDB) HostByIp(_ context.Context, ip string, cloudId int64) (*models.Host, error) {
	return f.hosts[fmt.Sprintf("%s|%d", ip, cloudId)], nil
}

func (f *fakeCMDB) HostById(_ context.Context, id int64) (*models.Host, error) {
	for _, h := range f.hosts {
		if h.BkHostId == id {
			return h, nil
		}
	}
	return nil, nil
}

func (f *fakeCMDB) ServiceInstanceById(context.Context, int64) (*models.ServiceInstance, error) {
	return nil, nil
}

func (f *fakeCMDB) TargetInstances(context.Context, int64, models.TargetSelector) ([]*models.Host, []*models.ServiceInstance, error) {
	return nil, nil, nil
}

func (f *fakeCMDB) DynamicGroupHostIds(context.Context, int64, []string) ([]int64, error) {
	return nil, nil
}

type ruleMap map[int64][]*models.AssignRule

func (m ruleMap) GetByBiz(bkBizId int64) []*models.AssignRule {
	return m[bkBizId]
}

// esRecorder answers bulk requests, ids listed in conflicts get a 409.
type esRecorder struct {
	sync.Mutex
	conflicts map[string]bool
	indexes   []string
	ids       []string
}

func (r *esRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Lock()
	defer r.Unlock()

	var items []string
	sc := bufio.NewScanner(req.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for line := 0; sc.Scan(); line++ {
		if line%2 == 1 {
			continue
		}
		action := gjson.Get(sc.Text(), "create")
		id, index := action.Get("_id").String(), action.Get("_index").String()
		r.ids = append(r.ids, id)
		r.indexes = append(r.indexes, index)
		if r.conflicts[id] {
			items = append(items, fmt.Sprintf(`{"create":{"_index":%q,"_id":%q,"status":409,"error":{"type":"version_conflict_engine_exception","reason":"exists"}}}`, index, id))
		} else {
			items = append(items, fmt.Sprintf(`{"create":{"_index":%q,"_id":%q,"status":201,"result":"created"}}`, index, id))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"took":1,"errors":false,"items":[%s]}`, strings.Join(items, ","))
}

type fixture struct {
	svc    *Service
	store  *alertstore.Store
	queues queue.Set
	es     *esRecorder
}

func newFixture(t *testing.T, rules ruleMap) *fixture {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	rec := &esRecorder{conflicts: map[string]bool{}}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	es, err := storage.NewElastic(storage.ElasticConfig{Addrs: []string{srv.URL}})
	require.NoError(t, err)

	store := alertstore.New(alertstore.Config{SnapshotTTL: time.Hour, DedupeTTL: time.Hour}, common.NewKeyFactory("test"), rds, es)
	queues := queue.NewMemorySet(1000)
	cmdb := &fakeCMDB{hosts: map[string]*models.Host{
		"10.0.0.1|0": {BkHostId: 11, Ip: "10.0.0.1", BkBizId: 2, TopoLinks: [][]models.TopoNode{{{BkObjId: "set", BkInstId: 3}, {BkObjId: "module", BkInstId: 5}}}},
		"10.0.0.9|0": {BkHostId: 19, Ip: "10.0.0.9", BkBizId: 7},
	}}

	var conf aconf.Alarm
	conf.PreCheck()
	svc := NewService(conf.Access, es, store, queues, astats.NewTestStats(),
		NewHostEnricher(cmdb), NewAssignEnricher(rules))
	svc.now = func() time.Time { return time.Unix(baseTs+30, 0) }
	return &fixture{svc: svc, store: store, queues: queues, es: rec}
}

func rawEvent(ip string, level int, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"strategy_id":1,"item_id":1,"bk_biz_id":2,"level":%d,
"dimensions":{"bk_target_ip":%q,"bk_target_cloud_id":"0","device":"cpu0"},
"time":%d,"anomaly_time":%d,"anomaly_message":"current value 95 >= 90","value":95,
"data_source_label":"bk_monitor","data_type_label":"time_series"}`, level, ip, ts, ts+5))
}

func popEvents(t *testing.T, q queue.Queue) []*models.Event {
	msgs, err := q.Pop(context.Background(), 100)
	require.NoError(t, err)
	var out []*models.Event
	for _, msg := range msgs {
		var e models.Event
		require.NoError(t, json.Unmarshal(msg, &e))
		out = append(out, &e)
	}
	return out
}

func TestHandleEnrichesAndForwards(t *testing.T) {
	f := newFixture(t, nil)

	kept, err := f.svc.Handle(context.Background(), [][]byte{
		rawEvent("10.0.0.1", 2, baseTs),
		rawEvent("10.0.0.1", 2, baseTs),
		[]byte(`{"strategy_id":1}`),
	})
	require.NoError(t, err)
	require.Len(t, kept, 1)

	out := popEvents(t, f.queues[queue.Alert])
	require.Len(t, out, 1)
	e := out[0]
	assert.Equal(t, "10.0.0.1", e.Ip)
	assert.Equal(t, "0", e.BkCloudId)
	assert.Equal(t, int64(11), e.BkHostId)
	assert.ElementsMatch(t, []string{"set|3", "module|5"}, e.BkTopoNode)
	assert.Equal(t, baseTs+30, e.AccessTime)

	assert.Equal(t, []string{e.EventId}, f.es.ids)
	assert.Equal(t, []string{"alarm_event_20231114"}, f.es.indexes)
}

func TestHandleDropsHostOfOtherBusiness(t *testing.T) {
	f := newFixture(t, nil)

	kept, err := f.svc.Handle(context.Background(), [][]byte{rawEvent("10.0.0.9", 2, baseTs)})
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Empty(t, f.es.ids)
	assert.Equal(t, 0, f.queues[queue.Alert].Len())
}

func TestHandleDropsConflicts(t *testing.T) {
	f := newFixture(t, nil)
	dup, err := models.ParseEvent(rawEvent("10.0.0.1", 2, baseTs))
	require.NoError(t, err)
	f.es.conflicts[dup.EventId] = true

	kept, err := f.svc.Handle(context.Background(), [][]byte{
		rawEvent("10.0.0.1", 2, baseTs),
		rawEvent("10.0.0.1", 2, baseTs+60),
	})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, baseTs+60, kept[0].Time)
	assert.Len(t, f.es.ids, 2)
}

func TestAssignRuleOverridesSeverity(t *testing.T) {
	rules := ruleMap{2: {
		{Id: 8, BkBizId: 2, Priority: 10, Severity: models.LevelFatal, NotifyRuleIds: []int64{100},
			Conditions: []models.Condition{{Key: "device", Method: "eq", Value: []string{"cpu1"}}}},
		{Id: 9, BkBizId: 2, Priority: 5, Severity: models.LevelFatal, NotifyRuleIds: []int64{101, 102},
			Conditions: []models.Condition{
				{Key: "device", Method: "eq", Value: []string{"cpu0"}},
				{Key: "bk_topo_node", Method: "eq", Value: []string{"module|5"}, Condition: "and"},
			}},
		{Id: 10, BkBizId: 2, Priority: 1, NotifyRuleIds: []int64{103}},
	}}
	f := newFixture(t, rules)

	kept, err := f.svc.Handle(context.Background(), [][]byte{rawEvent("10.0.0.1", 2, baseTs)})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	e := kept[0]
	assert.Equal(t, []int64{9}, e.AssignRuleIds)
	assert.Equal(t, []int64{101, 102}, e.NotifyRuleIds)
	assert.Equal(t, models.LevelFatal, e.Severity)
	assert.Equal(t, models.SeveritySourceRule, e.SeveritySource)
	assert.Equal(t, 2, e.Level)
}

func TestHandleDropsExpiredEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := models.ParseEvent(rawEvent("10.0.0.1", 2, baseTs))
	require.NoError(t, err)
	a := models.NewAlert(17000001000000001, first, &models.Strategy{Id: 1, Name: "cpu"}, baseTs)
	a.Close(baseTs+600, models.OpClose, "closed by test", baseTs+600)
	_, _, err = f.store.UpdateCache(ctx, []*models.Alert{a})
	require.NoError(t, err)

	kept, err := f.svc.Handle(ctx, [][]byte{
		rawEvent("10.0.0.1", 2, baseTs+60),
		rawEvent("10.0.0.1", 2, baseTs+560),
	})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, baseTs+560, kept[0].Time)
}

func TestDedupeKeepsFirst(t *testing.T) {
	events := []*models.Event{{EventId: "a", Value: 1}, {EventId: "b"}, {EventId: "a", Value: 2}}
	out := Dedupe(events)
	require.Len(t, out, 2)
	assert.Equal(t, float64(1), out[0].Value)
}

func TestPersistWithoutElastic(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.es = nil
	events := []*models.Event{{EventId: "a"}}
	assert.Len(t, f.svc.persist(context.Background(), events), 1)
}
