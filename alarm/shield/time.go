package shield

import (
	"time"

	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/models"

	"github.com/pkg/errors"
)

const daySeconds = 86400

// TimeMatcher tells whether a shield applies at a moment.
type TimeMatcher struct {
	begin int64
	end   int64
	cycle string

	wholeDay   bool
	clockBegin int
	clockEnd   int
	days       map[int]struct{}
	loc        *time.Location
}

func NewTimeMatcher(s *models.Shield, loc *time.Location) (*TimeMatcher, error) {
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return nil, errors.Wrapf(err, "shield(%d) timezone is invalid", s.Id)
		}
		loc = l
	}
	if loc == nil {
		loc = time.Local
	}

	m := &TimeMatcher{
		begin: s.BeginTime,
		end:   s.EndTime,
		cycle: s.CycleConfig.Type,
		loc:   loc,
		days:  make(map[int]struct{}),
	}
	if m.cycle == "" {
		m.cycle = models.CycleSingle
	}

	cc := s.CycleConfig
	if cc.BeginTime == "" && cc.EndTime == "" {
		m.wholeDay = true
	} else {
		var err error
		if m.clockBegin, err = external.ClockSeconds(cc.BeginTime); err != nil {
			return nil, errors.WithMessagef(err, "shield(%d) cycle begin_time", s.Id)
		}
		if m.clockEnd, err = external.ClockSeconds(cc.EndTime); err != nil {
			return nil, errors.WithMessagef(err, "shield(%d) cycle end_time", s.Id)
		}
		if m.clockEnd == 0 {
			m.clockEnd = daySeconds
		}
	}

	days := cc.DayList
	if m.cycle == models.CycleWeekly {
		days = cc.WeekList
	}
	for _, d := range days {
		m.days[d] = struct{}{}
	}

	switch m.cycle {
	case models.CycleSingle, models.CycleDaily, models.CycleWeekly, models.CycleMonthly, models.CycleYearly:
	default:
		return nil, errors.Errorf("shield(%d) cycle type %s is unknown", s.Id, m.cycle)
	}
	return m, nil
}

func (m *TimeMatcher) inClock(t time.Time) bool {
	if m.wholeDay {
		return true
	}
	clock := t.Hour()*3600 + t.Minute()*60 + t.Second()
	if m.clockBegin <= m.clockEnd {
		return clock >= m.clockBegin && clock < m.clockEnd
	}
	return clock >= m.clockBegin || clock < m.clockEnd
}

func (m *TimeMatcher) inDays(day int) bool {
	_, ok := m.days[day]
	return ok
}

func (m *TimeMatcher) IsMatch(now time.Time) bool {
	ts := now.Unix()
	if ts < m.begin || (m.end > 0 && ts >= m.end) {
		return false
	}

	t := now.In(m.loc)
	switch m.cycle {
	case models.CycleSingle:
		return true
	case models.CycleDaily:
		return m.inClock(t)
	case models.CycleWeekly:
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return m.inDays(weekday) && m.inClock(t)
	case models.CycleMonthly:
		return m.inDays(t.Day()) && m.inClock(t)
	case models.CycleYearly:
		return m.inDays(t.YearDay()) && m.inClock(t)
	}
	return false
}

// ActiveWithin reports whether the shield applies at any whole minute of [from, from+minutes).
func (m *TimeMatcher) ActiveWithin(from time.Time, minutes int) bool {
	t := from.Truncate(time.Minute)
	for i := 0; i < minutes; i++ {
		if m.IsMatch(t.Add(time.Duration(i) * time.Minute)) {
			return true
		}
	}
	return false
}

// InactiveWithin reports whether the shield applies at no whole minute of [from, from+minutes).
func (m *TimeMatcher) InactiveWithin(from time.Time, minutes int) bool {
	return !m.ActiveWithin(from, minutes)
}
