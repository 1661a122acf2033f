package queue

import (
	"context"
	"time"

	"github.com/ccfos/alarmflow/alarm/astats"

	"github.com/pkg/errors"
	"github.com/toolkits/pkg/container/list"
	"github.com/toolkits/pkg/logger"
)

// pipeline queue names
const (
	Detect = "detect"
	Event  = "event"
	Alert  = "alert"
	Signal = "signal"
	Check  = "check"
)

var Names = []string{Detect, Event, Alert, Signal, Check}

var ErrQueueFull = errors.New("queue is full")

// Queue carries raw json messages between pipeline stages.
type Queue interface {
	Push(ctx context.Context, msgs ...[]byte) error
	// Pop returns at most max messages without blocking
	Pop(ctx context.Context, max int) ([][]byte, error)
	Len() int
	Close() error
}

type Memory struct {
	name string
	l    *list.SafeListLimited
}

func NewMemory(name string, size int) *Memory {
	return &Memory{name: name, l: list.NewSafeListLimited(size)}
}

func (m *Memory) Push(_ context.Context, msgs ...[]byte) error {
	for _, msg := range msgs {
		if !m.l.PushFront(msg) {
			return ErrQueueFull
		}
	}
	return nil
}

func (m *Memory) Pop(_ context.Context, max int) ([][]byte, error) {
	items := m.l.PopBackBy(max)
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		if bs, ok := item.([]byte); ok {
			out = append(out, bs)
		}
	}
	return out, nil
}

func (m *Memory) Len() int {
	return m.l.Len()
}

func (m *Memory) Close() error {
	return nil
}

// Set is the group of named queues of one process.
type Set map[string]Queue

func NewMemorySet(size int) Set {
	s := make(Set, len(Names))
	for _, name := range Names {
		s[name] = NewMemory(name, size)
	}
	return s
}

func (s Set) Close() {
	for _, q := range s {
		_ = q.Close()
	}
}

// PushDelay pushes after delay without blocking the caller.
func PushDelay(q Queue, delay time.Duration, msgs ...[]byte) {
	time.AfterFunc(delay, func() {
		if err := q.Push(context.Background(), msgs...); err != nil {
			logger.Errorf("queue: failed to push %d delayed messages: %v", len(msgs), err)
		}
	})
}

// Consume pops batches until ctx is done, sleeping when the queue is empty.
func Consume(ctx context.Context, q Queue, batch int, idle time.Duration, fn func([][]byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := q.Pop(ctx, batch)
		if err != nil || len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
			continue
		}
		fn(msgs)
	}
}

func ReportQueueSize(ctx context.Context, stats *astats.Stats, s Set) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, q := range s {
				stats.GaugeQueueSize.WithLabelValues(name).Set(float64(q.Len()))
			}
		}
	}
}
