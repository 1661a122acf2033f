package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ccfos/alarmflow/models"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTimeRanges(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC)
	}

	ok, _ := InTimeRanges(nil, at(3, 0))
	assert.True(t, ok)

	ok, _ = InTimeRanges([]string{"09:00--18:00"}, at(10, 30))
	assert.True(t, ok)

	ok, reason := InTimeRanges([]string{"09:00:00--18:00:00"}, at(20, 0))
	assert.False(t, ok)
	assert.Contains(t, reason, "outside alarm time ranges")

	// crosses midnight
	ok, _ = InTimeRanges([]string{"22:00--02:00"}, at(1, 0))
	assert.True(t, ok)
	ok, _ = InTimeRanges([]string{"22:00--02:00"}, at(12, 0))
	assert.False(t, ok)
}

func TestClockSeconds(t *testing.T) {
	s, err := ClockSeconds("01:02:03")
	require.NoError(t, err)
	assert.Equal(t, 3723, s)

	_, err = ClockSeconds("25:00")
	assert.Error(t, err)
}

func TestBuildPromQL(t *testing.T) {
	item := &models.Item{
		Id: 1,
		QueryConfigs: []models.QueryConfig{{
			MetricField:   "cpu_usage",
			ResultTableId: "system.cpu",
			AggMethod:     "avg",
			AggInterval:   60,
			AggDimension:  []string{"bk_target_ip"},
			AggCondition:  []models.Condition{{Key: "device", Method: "eq", Value: []string{"cpu0"}}},
		}},
	}

	assert.Equal(t, `avg by (bk_target_ip) (avg_over_time(system:cpu:cpu_usage{device="cpu0"}[60s]))`, BuildPromQL(item, ""))
	assert.Equal(t, `sum by (bk_target_ip) (count_over_time(system:cpu:cpu_usage{device="cpu0"}[60s]))`, BuildPromQL(item, models.AggMethodCount))

	item.QueryConfigs[0].Promql = "up"
	assert.Equal(t, "up", BuildPromQL(item, ""))
	assert.Equal(t, "", BuildPromQL(&models.Item{}, ""))
}

func TestMatrixToPoints(t *testing.T) {
	m := model.Matrix{
		&model.SampleStream{
			Metric: model.Metric{"__name__": "cpu", "ip": "1.1.1.1"},
			Values: []model.SamplePair{
				{Timestamp: model.TimeFromUnix(120), Value: 2},
				{Timestamp: model.TimeFromUnix(60), Value: 1},
			},
		},
	}
	points := MatrixToPoints(m)
	require.Len(t, points, 2)
	assert.Equal(t, int64(60), points[0].Timestamp)
	assert.Equal(t, map[string]string{"ip": "1.1.1.1"}, points[0].Dimensions)
	assert.Nil(t, MatrixToPoints(model.Vector{}))
}

func TestCMDBHostOfDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-Bkapi-Authorization"))
		if r.URL.Query().Get("ip") == "10.0.0.1" {
			_, _ = w.Write([]byte(`{"result":true,"data":{"bk_host_id":7,"ip":"10.0.0.1","bk_biz_id":2}}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":true,"data":null}`))
	}))
	defer srv.Close()

	cmdb := NewCMDB(APIConfig{Addrs: []string{srv.URL}, Token: "token"})
	h, ok, err := HostOfDimensions(context.Background(), cmdb, map[string]string{"bk_target_ip": "10.0.0.1", "bk_target_cloud_id": "0"})
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, h)
	assert.Equal(t, int64(7), h.BkHostId)

	h, ok, err = HostOfDimensions(context.Background(), cmdb, map[string]string{"ip": "10.0.0.2"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, h)

	_, ok, _ = HostOfDimensions(context.Background(), cmdb, map[string]string{"service": "a"})
	assert.False(t, ok)
}

func TestDispatcherFailover(t *testing.T) {
	var got int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got++
		_, _ = w.Write([]byte(`{"result":true}`))
	}))
	defer srv.Close()

	d := NewDispatcher(APIConfig{Addrs: []string{"http://127.0.0.1:1", srv.URL}, Timeout: 500})
	require.NoError(t, d.Signal(context.Background(), &models.Signal{AlertId: 1, Signal: models.SignalAbnormal}))
	assert.Equal(t, 1, got)
}
