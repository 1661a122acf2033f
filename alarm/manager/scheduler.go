package manager

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/ccfos/alarmflow/alarm/alertstore"
)

type scheduled struct {
	ref   alertstore.Ref
	due   int64
	index int
}

type dueHeap []*scheduled

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].due < h[j].due }
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x interface{}) {
	item := x.(*scheduled)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler orders on-demand checks by due time, an alert is scheduled at most once.
type Scheduler struct {
	sync.Mutex
	items dueHeap
	byId  map[int64]*scheduled
}

func NewScheduler() *Scheduler {
	return &Scheduler{byId: make(map[int64]*scheduled)}
}

// Add schedules ref at due, an earlier due time of the same alert wins.
func (s *Scheduler) Add(ref alertstore.Ref, due time.Time) {
	s.Lock()
	defer s.Unlock()
	if item, ok := s.byId[ref.AlertId]; ok {
		if due.Unix() < item.due {
			item.due = due.Unix()
			heap.Fix(&s.items, item.index)
		}
		return
	}
	item := &scheduled{ref: ref, due: due.Unix()}
	heap.Push(&s.items, item)
	s.byId[ref.AlertId] = item
}

// PopDue removes and returns every ref due at or before now.
func (s *Scheduler) PopDue(now time.Time) []alertstore.Ref {
	s.Lock()
	defer s.Unlock()
	var refs []alertstore.Ref
	for len(s.items) > 0 && s.items[0].due <= now.Unix() {
		item := heap.Pop(&s.items).(*scheduled)
		delete(s.byId, item.ref.AlertId)
		refs = append(refs, item.ref)
	}
	return refs
}

func (s *Scheduler) Len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.items)
}

func fmtEvery(seconds int64) string {
	return fmt.Sprintf("@every %ds", seconds)
}
