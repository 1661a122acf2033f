package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	fails   int
	signals []*models.Signal
	checks  []*models.CheckRequest
}

func (f *fakeDispatcher) Signal(_ context.Context, sig *models.Signal) error {
	if f.fails > 0 {
		f.fails--
		return errors.New("unavailable")
	}
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeDispatcher) Check(_ context.Context, req *models.CheckRequest) error {
	f.checks = append(f.checks, req)
	return nil
}

func TestPublishAndDeliver(t *testing.T) {
	queues := queue.NewMemorySet(10)
	stats := astats.NewTestStats()
	pub := NewPublisher(queues, stats)

	a := &models.Alert{Id: 17000000600000001, StrategyId: 1, Severity: 2}
	a.AddLog(models.OpCreate, "current value 95 >= 90", 1700000060, "", 1700000070)
	sig := NewSignal(a, models.SignalAbnormal, models.OpCreate, 1700000070)
	assert.Len(t, sig.Id, 36)
	assert.Equal(t, "current value 95 >= 90", sig.Description)
	require.NoError(t, pub.Signal(context.Background(), sig))

	d := &fakeDispatcher{fails: 1}
	svc := NewService(d, queues, stats, retry.Policy{Attempts: 2, Backoff: time.Millisecond}, false)
	msgs, err := queues[queue.Signal].Pop(context.Background(), 10)
	require.NoError(t, err)
	svc.Deliver(context.Background(), msgs)

	require.Len(t, d.signals, 1)
	assert.Equal(t, sig.Id, d.signals[0].Id)
	assert.Equal(t, models.SignalAbnormal, d.signals[0].Signal)
}

func TestCheckImmediate(t *testing.T) {
	queues := queue.NewMemorySet(10)
	pub := NewPublisher(queues, astats.NewTestStats())
	require.NoError(t, pub.Check(context.Background(), 0, &models.CheckRequest{AlertId: 1, StrategyId: 2}))
	assert.Equal(t, 1, queues[queue.Check].Len())

	d := &fakeDispatcher{}
	svc := NewService(d, queues, astats.NewTestStats(), retry.Policy{}, true)
	msgs, _ := queues[queue.Check].Pop(context.Background(), 10)
	svc.forwardCheck(context.Background(), msgs)
	require.Len(t, d.checks, 1)
	assert.Equal(t, int64(2), d.checks[0].StrategyId)
}
