package sla

import (
	"time"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

const (
	ReasonResponseTimeout   = "response_timeout"
	ReasonCompletionTimeout = "completion_timeout"
)

type Config struct {
	ResponseMinutes int
	CompletionHours int
}

// Breach describes a missed deadline. Metadata is carried into the
// sla.breached event payload alongside the reason.
type Breach struct {
	Reason   string
	Metadata map[string]any
}

// Monitor derives deadlines from configured SLA windows and detects
// breaches against them. It is pure: persistence and event emission stay
// with the caller, which also enforces once-per-appointment marking.
type Monitor struct {
	cfg Config
	now func() time.Time
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.ResponseMinutes < 1 {
		cfg.ResponseMinutes = 1
	}
	if cfg.CompletionHours < 1 {
		cfg.CompletionHours = 1
	}
	return &Monitor{cfg: cfg, now: time.Now}
}

// NewMonitorAt pins the clock, for tests.
func NewMonitorAt(cfg Config, now func() time.Time) *Monitor {
	m := NewMonitor(cfg)
	m.now = now
	return m
}

// ResponseDeadline is fixed at appointment creation.
func (m *Monitor) ResponseDeadline(createdAt time.Time) time.Time {
	return createdAt.Add(time.Duration(m.cfg.ResponseMinutes) * time.Minute)
}

// CompletionDeadline starts counting when payment is confirmed.
func (m *Monitor) CompletionDeadline() time.Time {
	return m.now().UTC().Add(time.Duration(m.cfg.CompletionHours) * time.Hour)
}

// CheckResponse reports a breach when the master claims the appointment
// after its response deadline. Called on entry to IN_REVIEW.
func (m *Monitor) CheckResponse(appt *model.Appointment) (Breach, bool) {
	if appt.ResponseDeadlineAt == nil {
		return Breach{}, false
	}
	if !m.now().After(*appt.ResponseDeadlineAt) {
		return Breach{}, false
	}
	return Breach{Reason: ReasonResponseTimeout}, true
}

// CheckCompletion reports a breach, with an overtime metric, when work
// finished after the completion deadline. Called on entry to COMPLETED.
func (m *Monitor) CheckCompletion(appt *model.Appointment) (Breach, bool) {
	if appt.CompletedAt == nil || appt.CompletionDeadlineAt == nil {
		return Breach{}, false
	}
	if !appt.CompletedAt.After(*appt.CompletionDeadlineAt) {
		return Breach{}, false
	}
	overtime := int64(appt.CompletedAt.Sub(*appt.CompletionDeadlineAt) / time.Second)
	return Breach{
		Reason:   ReasonCompletionTimeout,
		Metadata: map[string]any{"overtime_seconds": overtime},
	}, true
}
