package external

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/poster"
)

// Calendar decides whether a strategy may alarm at now.
type Calendar interface {
	InAlarmTime(ctx context.Context, strategy *models.Strategy, now time.Time) (bool, string, error)
}

type calendarClient struct {
	cfg APIConfig
}

func NewCalendar(cfg APIConfig) Calendar {
	return &calendarClient{cfg: cfg}
}

type calendarItem struct {
	CalendarId int64  `json:"calendar_id"`
	Name       string `json:"name"`
}

func (c *calendarClient) InAlarmTime(_ context.Context, strategy *models.Strategy, now time.Time) (bool, string, error) {
	if ok, reason := InTimeRanges(strategy.TimeRanges, now); !ok {
		return false, reason, nil
	}
	if len(strategy.CalendarIds) == 0 || len(c.cfg.Addrs) == 0 {
		return true, "", nil
	}

	ids := make([]string, 0, len(strategy.CalendarIds))
	for _, id := range strategy.CalendarIds {
		ids = append(ids, fmt.Sprint(id))
	}
	path := fmt.Sprintf("/api/calendar/items?calendar_ids=%s&time=%d", strings.Join(ids, ","), now.Unix())
	items, err := poster.GetByUrls[[]calendarItem](c.cfg.Addrs, path, c.cfg.auth(), c.cfg.timeout())
	if err != nil {
		return true, "", err
	}
	if len(items) > 0 {
		return false, fmt.Sprintf("in calendar rest day: %s", items[0].Name), nil
	}
	return true, "", nil
}

// InTimeRanges checks "HH:MM[:SS]--HH:MM[:SS]" ranges, a range whose end is before its begin crosses midnight.
func InTimeRanges(ranges []string, now time.Time) (bool, string) {
	if len(ranges) == 0 {
		return true, ""
	}
	sec := now.Hour()*3600 + now.Minute()*60 + now.Second()
	for _, r := range ranges {
		parts := strings.Split(r, "--")
		if len(parts) != 2 {
			continue
		}
		begin, err1 := ClockSeconds(parts[0])
		end, err2 := ClockSeconds(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		if begin <= end {
			if sec >= begin && sec <= end {
				return true, ""
			}
		} else if sec >= begin || sec <= end {
			return true, ""
		}
	}
	return false, fmt.Sprintf("outside alarm time ranges %s", strings.Join(ranges, ","))
}

// ClockSeconds parses HH:MM or HH:MM:SS into seconds of day.
func ClockSeconds(s string) (int, error) {
	var h, m, sec int
	s = strings.TrimSpace(s)
	var err error
	if strings.Count(s, ":") == 2 {
		_, err = fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec)
	} else {
		_, err = fmt.Sscanf(s, "%d:%d", &h, &m)
	}
	if err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("invalid clock time %s", s)
	}
	return h*3600 + m*60 + sec, nil
}
