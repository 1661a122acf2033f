package alertstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(level int, ts int64) *models.Event {
	e := &models.Event{
		StrategyId:      1,
		ItemId:          1,
		Level:           level,
		Dimensions:      map[string]string{"ip": "10.0.0.1", "bk_cloud_id": "0"},
		AnomalyTime:     ts,
		Value:           95,
		DataTypeLabel:   models.DataTypeTimeSeries,
		DataSourceLabel: models.DataSourceBkMonitor,
	}
	e.Normalize()
	return e
}

func newTestStore(t *testing.T, handler http.HandlerFunc) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	var store *Store
	conf := Config{SnapshotTTL: time.Hour, DedupeTTL: time.Hour}
	if handler == nil {
		store = New(conf, common.NewKeyFactory("test"), rds, nil)
	} else {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		es, err := storage.NewElastic(storage.ElasticConfig{Addrs: []string{srv.URL}})
		require.NoError(t, err)
		store = New(conf, common.NewKeyFactory("test"), rds, es)
	}
	return store, mr
}

func TestCacheRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	e := newEvent(2, 1700000060)
	a := models.NewAlert(17000000600000001, e, &models.Strategy{Id: 1, Name: "cpu"}, 1700000070)

	updated, finished, err := store.UpdateCache(ctx, []*models.Alert{a})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 0, finished)

	got, err := store.GetCached(ctx, 1, e.DedupeMD5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Id, got.Id)
	assert.False(t, got.IsNew)
	assert.Equal(t, "cpu", got.ExtraInfo.Strategy.Name)

	refs, err := store.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, Ref{AlertId: a.Id, StrategyId: 1, DedupeMD5: e.DedupeMD5}, refs[0])

	a.Close(1700000200, models.OpClose, "done", 1700000200)
	_, finished, err = store.UpdateCache(ctx, []*models.Alert{a})
	require.NoError(t, err)
	assert.Equal(t, 1, finished)
	refs, err = store.ActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)

	missing, err := store.GetCached(ctx, 1, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all := store.MGetCached(ctx, []Ref{{StrategyId: 1, DedupeMD5: "nope"}, RefOf(a)})
	assert.Nil(t, all[0])
	require.NotNil(t, all[1])
	assert.Equal(t, models.StatusClosed, all[1].Status)
}

func TestLoadFallsBackToSnapshot(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	old := models.NewAlert(17000000600000001, newEvent(3, 1700000060), nil, 1700000060)
	newer := models.NewAlert(17000003600000002, newEvent(1, 1700000360), nil, 1700000360)

	require.NoError(t, store.SaveSnapshots(ctx, []*models.Alert{old, newer}))
	_, _, err := store.UpdateCache(ctx, []*models.Alert{old, newer})
	require.NoError(t, err)

	current, alert, err := store.Load(ctx, RefOf(old))
	require.NoError(t, err)
	assert.Equal(t, newer.Id, current.Id)
	require.NotNil(t, alert)
	assert.Equal(t, old.Id, alert.Id)

	current, alert, err = store.Load(ctx, RefOf(newer))
	require.NoError(t, err)
	assert.Same(t, current, alert)
}

func TestUpsertAndLogs(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		lines = append(lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"took":1,"errors":false,"items":[{"update":{"_index":"x","_id":"1","status":200}}]}`))
	})
	ctx := context.Background()
	a := models.NewAlert(17000000600000001, newEvent(2, 1700000060), nil, 1700000060)

	require.NoError(t, store.Upsert(ctx, []*models.Alert{a}))
	require.NoError(t, store.SaveLogs(ctx, []*models.Alert{a}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"_index":"alarm_alert_20231114"`)
	assert.Contains(t, lines[0], `"_id":"17000000600000001"`)
	assert.Contains(t, lines[1], `"doc_as_upsert":true`)
	assert.Contains(t, lines[2], `"_index":"alarm_alert_log_20231114"`)
	assert.Contains(t, lines[3], `"op_type":"CREATE"`)
}
