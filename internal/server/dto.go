package server

import (
	"dutyline/internal/domain"
	"dutyline/internal/engine"
)

// Request payloads

type CreateFleetRequest struct {
	ID   string  `json:"id"`
	Name *string `json:"name,omitempty"`
}

type TransitionRequest struct {
	NewStatus   string  `json:"new_status" enum:"off_duty,sleeper_berth,driving,on_duty_not_driving"`
	Location    string  `json:"location,omitempty"`
	Notes       *string `json:"notes,omitempty"`
	Timestamp   *string `json:"timestamp,omitempty" format:"date-time"`
	IsAutomatic bool    `json:"is_automatic,omitempty"`
}

type CorrectIntervalRequest struct {
	Status    *string `json:"status,omitempty" enum:"off_duty,sleeper_berth,driving,on_duty_not_driving"`
	StartTime *string `json:"start_time,omitempty" format:"date-time"`
	EndTime   *string `json:"end_time,omitempty" format:"date-time"`
	Location  *string `json:"location,omitempty"`
	Notes     *string `json:"notes,omitempty"`
}

// Response payloads

type TransitionResponse struct {
	State              domain.HOSState     `json:"driver_hos_state"`
	Interval           domain.DutyInterval `json:"interval"`
	NewViolations      []domain.Violation  `json:"new_violations"`
	ResolvedViolations []domain.Violation  `json:"resolved_violations"`
}

type DutyStatusResponse struct {
	State    domain.HOSState      `json:"driver_hos_state"`
	Interval *domain.DutyInterval `json:"open_interval,omitempty"`
}

type CheckResponse struct {
	State              domain.HOSState    `json:"driver_hos_state"`
	NewViolations      []domain.Violation `json:"new_violations"`
	ResolvedViolations []domain.Violation `json:"resolved_violations"`
}

type ComplianceResponse struct {
	Compliant bool            `json:"compliant"`
	Issues    []string        `json:"issues"`
	State     domain.HOSState `json:"driver_hos_state"`
}

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		State:              res.State,
		Interval:           res.Interval,
		NewViolations:      orEmptyViolations(res.NewViolations),
		ResolvedViolations: orEmptyViolations(res.ResolvedViolations),
	}
}

func orEmptyViolations(v []domain.Violation) []domain.Violation {
	if v == nil {
		return []domain.Violation{}
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
