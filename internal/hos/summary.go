package hos

import (
	"time"

	"dutyline/internal/domain"
)

// Summarize totals hours per status over intervals already clipped to the
// export window. Totals are rounded for display; summing the exported rows
// at the same precision reproduces them.
func Summarize(intervals []Interval) domain.LogSummary {
	var s domain.LogSummary
	for _, iv := range intervals {
		h := iv.End.Sub(iv.Start).Hours()
		if h < 0 {
			h = 0
		}
		h = Round2(h)
		switch iv.Status {
		case domain.StatusDriving:
			s.TotalDrivingHours += h
		case domain.StatusOnDutyNotDriving:
			s.TotalOnDutyHours += h
		case domain.StatusOffDuty:
			s.TotalOffDutyHours += h
		case domain.StatusSleeperBerth:
			s.TotalSleeperHours += h
		}
	}
	s.TotalDrivingHours = Round2(s.TotalDrivingHours)
	s.TotalOnDutyHours = Round2(s.TotalOnDutyHours)
	s.TotalOffDutyHours = Round2(s.TotalOffDutyHours)
	s.TotalSleeperHours = Round2(s.TotalSleeperHours)
	return s
}

// Clip bounds one interval to [from, to] for export; ok is false when the
// interval falls entirely outside the window. Zero from/to leave that side
// unbounded.
func Clip(iv Interval, from, to time.Time) (Interval, bool) {
	if !from.IsZero() && iv.Start.Before(from) {
		iv.Start = from
	}
	if !to.IsZero() && iv.End.After(to) {
		iv.End = to
	}
	if iv.End.Before(iv.Start) {
		return Interval{}, false
	}
	return iv, true
}
