// Package metrics exposes Prometheus counters for the attendance core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts scan submissions by token type and outcome
	// (accepted, already_marked, rejected).
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_total",
		Help: "QR scan submissions by token type and outcome.",
	}, []string{"type", "outcome"})

	// SessionsStarted counts attendance sessions started.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_started_total",
		Help: "Attendance sessions started.",
	})

	// SessionsEnded counts attendance sessions ended.
	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_ended_total",
		Help: "Attendance sessions ended.",
	})

	// HeadcountMismatches counts session endings where the physical headcount
	// disagreed with the scan counter.
	HeadcountMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_headcount_mismatch_total",
		Help: "Session endings with a physical headcount that disagreed with the scan count.",
	})
)
