package hos

import (
	"fmt"
	"math"
	"time"

	"dutyline/internal/config"
	"dutyline/internal/domain"
)

// Interval is a duty log row parsed for time math. Open intervals carry
// End == asOf after clipping.
type Interval struct {
	Status string
	Start  time.Time
	End    time.Time
	Open   bool
}

// Budgets holds the raw (unrounded) hour sums as of a single instant.
// Comparisons against limits use these values; rounding happens only at the
// display boundary.
type Budgets struct {
	DriveUsed         float64
	WindowUsed        float64
	CycleUsed         float64
	DriveRemaining    float64
	WindowRemaining   float64
	CycleRemaining    float64
	DrivingSinceBreak float64
	ResetAt           time.Time
	WindowStartedAt   time.Time
}

// ParseTime parses an RFC3339 timestamp as stored in the duty log.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FromDomain converts stored intervals into clipped, asOf-bounded intervals.
// Intervals starting after asOf are dropped; open intervals and intervals
// ending past asOf are clipped to asOf.
func FromDomain(intervals []domain.DutyInterval, asOf time.Time) ([]Interval, error) {
	var res []Interval
	for _, iv := range intervals {
		start, err := ParseTime(iv.StartTime)
		if err != nil {
			return nil, err
		}
		if start.After(asOf) {
			continue
		}
		parsed := Interval{Status: iv.Status, Start: start, End: asOf, Open: iv.EndTime == nil}
		if iv.EndTime != nil {
			end, err := ParseTime(*iv.EndTime)
			if err != nil {
				return nil, err
			}
			if end.Before(asOf) {
				parsed.End = end
			}
		}
		res = append(res, parsed)
	}
	return res, nil
}

// ComputeBudgets derives the driver's remaining drive, duty-window and cycle
// hours from the interval history, entirely as a pure function of the log.
//
// The drive and window clocks restart after any contiguous rest run of at
// least rules.ResetHours. The cycle is the on-duty sum over the trailing
// rules.CycleWindowHours ending at asOf.
func ComputeBudgets(intervals []Interval, asOf time.Time, rules config.Rules) Budgets {
	b := Budgets{}

	resetAt := lastRunEnd(intervals, time.Duration(rules.ResetHours*float64(time.Hour)), domain.RestStatus)
	b.ResetAt = resetAt

	// Any non-driving stretch of at least Break.MinMinutes restarts the
	// break clock; on-duty-not-driving counts, unlike the daily reset.
	breakMin := time.Duration(rules.Break.MinMinutes * float64(time.Minute))
	breakEnd := lastRunEnd(intervals, breakMin, func(s string) bool { return s != domain.StatusDriving })

	for _, iv := range intervals {
		if iv.Status == domain.StatusDriving {
			b.DriveUsed += overlapHours(iv, resetAt, asOf)
			b.DrivingSinceBreak += overlapHours(iv, breakEnd, asOf)
		}
		if domain.OnDuty(iv.Status) {
			cycleStart := asOf.Add(-time.Duration(rules.CycleWindowHours() * float64(time.Hour)))
			b.CycleUsed += overlapHours(iv, cycleStart, asOf)
		}
	}

	// The 14-hour window runs on the wall clock from the first on-duty
	// interval after the reset; off-duty time inside it does not pause it.
	for _, iv := range intervals {
		if domain.OnDuty(iv.Status) && !iv.Start.Before(resetAt) {
			b.WindowStartedAt = iv.Start
			b.WindowUsed = asOf.Sub(iv.Start).Hours()
			break
		}
	}

	b.DriveRemaining = math.Max(0, rules.DriveLimitHours-b.DriveUsed)
	b.WindowRemaining = math.Max(0, rules.DutyWindowHours-b.WindowUsed)
	b.CycleRemaining = math.Max(0, rules.Cycle.LimitHours-b.CycleUsed)
	return b
}

// lastRunEnd finds the end of the most recent contiguous run of intervals
// whose statuses satisfy qualifies and whose total length is at least min.
// Returns the zero time when no run qualifies, which makes every later sum
// start from the log's beginning.
func lastRunEnd(intervals []Interval, min time.Duration, qualifies func(string) bool) time.Time {
	var best time.Time
	var runStart, runEnd time.Time
	active := false
	flush := func() {
		if active && runEnd.Sub(runStart) >= min && runEnd.After(best) {
			best = runEnd
		}
		active = false
	}
	for _, iv := range intervals {
		if !qualifies(iv.Status) {
			flush()
			continue
		}
		if active && !iv.Start.After(runEnd) {
			if iv.End.After(runEnd) {
				runEnd = iv.End
			}
			continue
		}
		flush()
		runStart, runEnd, active = iv.Start, iv.End, true
	}
	flush()
	return best
}

// overlapHours is the portion of iv inside [from, to], in hours.
func overlapHours(iv Interval, from, to time.Time) float64 {
	start, end := iv.Start, iv.End
	if start.Before(from) {
		start = from
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Hours()
}

// Round2 rounds to two decimals for display. Internal comparisons always use
// the raw values.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
