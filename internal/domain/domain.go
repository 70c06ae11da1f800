package domain

// Duty statuses recognized on a record of duty status.
const (
	StatusOffDuty          = "off_duty"
	StatusSleeperBerth     = "sleeper_berth"
	StatusDriving          = "driving"
	StatusOnDutyNotDriving = "on_duty_not_driving"
)

// ValidStatus reports whether s is one of the four duty statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusOffDuty, StatusSleeperBerth, StatusDriving, StatusOnDutyNotDriving:
		return true
	}
	return false
}

// OnDuty reports whether s counts against the on-duty cycle.
func OnDuty(s string) bool {
	return s == StatusDriving || s == StatusOnDutyNotDriving
}

// RestStatus reports whether s qualifies as rest for break and reset purposes.
func RestStatus(s string) bool {
	return s == StatusOffDuty || s == StatusSleeperBerth
}

type Fleet struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Driver struct {
	ID        string `json:"id"`
	FleetID   string `json:"fleet_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// DutyInterval is one append-only record-of-duty-status row. EndTime is nil
// while the interval is the driver's current one; DurationHours is derived
// when the interval closes and never edited afterwards. Corrections are new
// rows pointing back via CorrectsID, the original row is kept untouched.
type DutyInterval struct {
	ID            string   `json:"id"`
	FleetID       string   `json:"fleet_id"`
	DriverID      string   `json:"driver_id"`
	Status        string   `json:"status" enum:"off_duty,sleeper_berth,driving,on_duty_not_driving"`
	StartTime     string   `json:"start_time" format:"date-time"`
	EndTime       *string  `json:"end_time,omitempty" format:"date-time"`
	DurationHours *float64 `json:"duration_hours,omitempty"`
	Location      string   `json:"location,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	IsAutomatic   bool     `json:"is_automatic"`
	CorrectsID    *string  `json:"corrects_id,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

// HOSState is the derived per-driver snapshot; always recomputed from the
// duty log, never mutated independently.
type HOSState struct {
	DriverID                   string  `json:"driver_id"`
	CurrentStatus              string  `json:"current_status" enum:"off_duty,sleeper_berth,driving,on_duty_not_driving"`
	RemainingDriveHours        float64 `json:"remaining_drive_hours"`
	RemainingOnDutyWindowHours float64 `json:"remaining_on_duty_window_hours"`
	RemainingCycleHours        float64 `json:"remaining_cycle_hours"`
	WindowStartedAt            *string `json:"window_started_at,omitempty" format:"date-time"`
	LastComputedAt             string  `json:"last_computed_at" format:"date-time"`
}

// Violation types raised by the detector.
const (
	ViolationHoursExceeded    = "hours_exceeded"
	ViolationBreakRequired    = "break_required"
	ViolationCycleApproaching = "cycle_limit_approaching"
)

// Violation severities.
const (
	SeverityWarning   = "warning"
	SeverityViolation = "violation"
)

type Violation struct {
	ID                string  `json:"id"`
	FleetID           string  `json:"fleet_id"`
	DriverID          string  `json:"driver_id"`
	Type              string  `json:"type" enum:"hours_exceeded,break_required,cycle_limit_approaching"`
	Severity          string  `json:"severity" enum:"warning,violation"`
	Description       string  `json:"description"`
	RaisedAt          string  `json:"raised_at" format:"date-time"`
	ResolvedAt        *string `json:"resolved_at,omitempty" format:"date-time"`
	RelatedIntervalID *string `json:"related_interval_id,omitempty"`
}

// Open reports whether the violation is still unresolved.
func (v Violation) Open() bool { return v.ResolvedAt == nil }

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FleetID    string `json:"fleet_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// LogSummary is the aggregation returned alongside an export window.
type LogSummary struct {
	TotalDrivingHours float64 `json:"total_driving_hours"`
	TotalOnDutyHours  float64 `json:"total_on_duty_hours"`
	TotalOffDutyHours float64 `json:"total_off_duty_hours"`
	TotalSleeperHours float64 `json:"total_sleeper_hours"`
}
