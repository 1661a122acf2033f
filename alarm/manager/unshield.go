package manager

import (
	"time"

	"github.com/ccfos/alarmflow/alarm/dispatch"
	"github.com/ccfos/alarmflow/models"

	"golang.org/x/exp/slices"
)

const (
	descUnshield        = "shield ended, alert notified again"
	descDelayedUnshield = "shield ended during recovery period, alert notified again"
)

// checkUnshield refreshes the shield state of an abnormal alert and returns the
// abnormal signal due when a shield stopped covering it. dirty reports whether
// the shield state changed.
func (s *Service) checkUnshield(a *models.Alert, start time.Time) (*models.Signal, bool) {
	if s.shields == nil || a.ExtraInfo.IsBlocked {
		return nil, false
	}
	now := start.Unix()
	ids := s.shields.Match(a, start)
	wasShielded := a.ExtraInfo.IsShielded
	dirty := wasShielded != (len(ids) > 0) || !slices.Equal(a.ExtraInfo.ShieldIds, ids)
	a.ExtraInfo.IsShielded = len(ids) > 0
	a.ExtraInfo.ShieldIds = ids

	if a.ExtraInfo.IsShielded {
		return nil, dirty
	}

	if wasShielded {
		if a.ExtraInfo.IsRecovering {
			a.ExtraInfo.IgnoreUnshieldNotice = true
			return nil, true
		}
		a.AddLog(models.OpUnshield, descUnshield, now, "", now)
		return dispatch.NewSignal(a, models.SignalAbnormal, models.OpUnshield, now), true
	}

	if a.ExtraInfo.NeedUnshieldNotice && !a.ExtraInfo.IsRecovering {
		a.ExtraInfo.NeedUnshieldNotice = false
		a.AddLog(models.OpUnshield, descDelayedUnshield, now, "", now)
		return dispatch.NewSignal(a, models.SignalAbnormal, models.OpUnshield, now), true
	}
	return nil, dirty
}
