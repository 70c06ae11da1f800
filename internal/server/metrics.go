package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutyline_transitions_total",
		Help: "Duty status transitions processed, by resulting status.",
	}, []string{"status"})

	transitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutyline_transitions_rejected_total",
		Help: "Duty status transitions rejected, by reason.",
	}, []string{"reason"})

	violationsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutyline_violations_raised_total",
		Help: "Violations raised by the detector, by type.",
	}, []string{"type"})

	violationsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dutyline_violations_resolved_total",
		Help: "Violations resolved, by type.",
	}, []string{"type"})
)
