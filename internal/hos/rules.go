package hos

import (
	"fmt"

	"dutyline/internal/config"
	"dutyline/internal/domain"
)

// Finding is a rule evaluation result. Each rule emits at most one finding of
// its type, so callers can key open violations by (driver, type).
type Finding struct {
	Type        string
	Severity    string
	Description string
}

// Evaluate runs the detector rules against the budgets as of a single
// instant. currentStatus is the driver's status at that instant; the drive
// limit only bites while the driver is actually driving.
func Evaluate(b Budgets, currentStatus string, rules config.Rules) []Finding {
	var findings []Finding
	if f, ok := hoursExceeded(b, currentStatus, rules); ok {
		findings = append(findings, f)
	}
	if f, ok := breakRequired(b, rules); ok {
		findings = append(findings, f)
	}
	if f, ok := cycleApproaching(b, rules); ok {
		findings = append(findings, f)
	}
	return findings
}

// StillHolds reports whether an open violation of the given type is still
// justified by the budgets. Raising and resolving are asymmetric: the drive
// limit only raises while driving, but the violation stays on the record
// until a qualifying rest restores the budget.
func StillHolds(violationType string, b Budgets, rules config.Rules) bool {
	switch violationType {
	case domain.ViolationHoursExceeded:
		return b.DriveRemaining <= 0
	case domain.ViolationBreakRequired:
		return b.DrivingSinceBreak >= rules.Break.AfterDrivingHours
	case domain.ViolationCycleApproaching:
		return b.CycleRemaining <= rules.Cycle.WarningThresholdHours
	}
	return false
}

func hoursExceeded(b Budgets, currentStatus string, rules config.Rules) (Finding, bool) {
	if currentStatus != domain.StatusDriving || b.DriveRemaining > 0 {
		return Finding{}, false
	}
	return Finding{
		Type:     domain.ViolationHoursExceeded,
		Severity: domain.SeverityViolation,
		Description: fmt.Sprintf("driving with %.2fh of the %.0f-hour driving limit used",
			Round2(b.DriveUsed), rules.DriveLimitHours),
	}, true
}

func breakRequired(b Budgets, rules config.Rules) (Finding, bool) {
	if b.DrivingSinceBreak < rules.Break.AfterDrivingHours {
		return Finding{}, false
	}
	return Finding{
		Type:     domain.ViolationBreakRequired,
		Severity: domain.SeverityWarning,
		Description: fmt.Sprintf("%.2fh driving without a %.0f-minute break (required after %.0fh)",
			Round2(b.DrivingSinceBreak), rules.Break.MinMinutes, rules.Break.AfterDrivingHours),
	}, true
}

func cycleApproaching(b Budgets, rules config.Rules) (Finding, bool) {
	if b.CycleRemaining > rules.Cycle.WarningThresholdHours {
		return Finding{}, false
	}
	return Finding{
		Type:     domain.ViolationCycleApproaching,
		Severity: domain.SeverityWarning,
		Description: fmt.Sprintf("%.2fh remaining in the %.0f-hour/%d-day cycle",
			Round2(b.CycleRemaining), rules.Cycle.LimitHours, rules.Cycle.Days),
	}, true
}
