package shield

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/models"

	"github.com/toolkits/pkg/logger"
)

// ShieldGetter is the in-memory table of active shields.
type ShieldGetter interface {
	GetByBiz(bkBizId int64) []*models.Shield
	GetAll() []*models.Shield
}

type compiled struct {
	updateAt  int64
	time      *TimeMatcher
	dimension *DimensionMatcher
}

// Matcher matches alerts against the active shields of their business.
type Matcher struct {
	shields ShieldGetter
	cmdb    external.CMDB
	loc     *time.Location

	sync.Mutex
	compiled map[int64]*compiled
}

func NewMatcher(shields ShieldGetter, cmdb external.CMDB, timezone string) *Matcher {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warningf("alarm_shield: timezone %s is invalid, use local: %v", timezone, err)
		loc = time.Local
	}
	return &Matcher{
		shields:  shields,
		cmdb:     cmdb,
		loc:      loc,
		compiled: make(map[int64]*compiled),
	}
}

func (m *Matcher) compile(s *models.Shield) *compiled {
	m.Lock()
	defer m.Unlock()
	if c, ok := m.compiled[s.Id]; ok && c.updateAt == s.UpdateAt {
		return c
	}
	tm, err := NewTimeMatcher(s, m.loc)
	if err != nil {
		logger.Warningf("alarm_shield: shield %d skipped: %v", s.Id, err)
		return nil
	}
	c := &compiled{updateAt: s.UpdateAt, time: tm, dimension: NewDimensionMatcher(s)}
	m.compiled[s.Id] = c
	return c
}

// TimeMatcher returns the compiled time matcher of a shield, nil if it is invalid.
func (m *Matcher) TimeMatcher(s *models.Shield) *TimeMatcher {
	if c := m.compile(s); c != nil {
		return c.time
	}
	return nil
}

// Match returns the ids of the shields covering the alert at now.
func (m *Matcher) Match(a *models.Alert, now time.Time) []int64 {
	shields := m.shields.GetByBiz(a.BkBizId)
	if len(shields) == 0 {
		return nil
	}

	view := AlertView(a)
	var ids []int64
	for _, s := range shields {
		if s.Status != models.ShieldStatusActive {
			continue
		}
		c := m.compile(s)
		if c == nil || !c.time.IsMatch(now) {
			continue
		}
		if c.dimension.IsMatch(context.Background(), m.cmdb, view, now) {
			ids = append(ids, s.Id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Prune forgets the compiled shields that are no longer active.
func (m *Matcher) Prune() {
	active := make(map[int64]struct{})
	for _, s := range m.shields.GetAll() {
		active[s.Id] = struct{}{}
	}
	m.Lock()
	defer m.Unlock()
	for id := range m.compiled {
		if _, ok := active[id]; !ok {
			delete(m.compiled, id)
		}
	}
}
