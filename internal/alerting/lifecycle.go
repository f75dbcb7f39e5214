// Package alerting runs the per-device alert state machine:
// none -> active -> acknowledged -> resolved | auto_resolved.
package alerting

import (
	"time"

	"github.com/envmon/envmon/internal/domain"
	"github.com/envmon/envmon/internal/threshold"
)

// Policy is the area-level notification configuration.
type Policy struct {
	AckNotifyInterval time.Duration
	NotifyBackInRange bool
}

// Outcome is the result of applying one evaluation to the open alert.
// Alert is a copy; the input is never mutated.
type Outcome struct {
	Alert   *domain.Alert
	Created bool
	Changed bool
	Notify  []domain.EventKind
}

// Transition decides the next alert state from the open alert (nil when
// none) and the violations of the latest reading. Only the first violation
// is used.
func Transition(open *domain.Alert, violations []threshold.Violation, now time.Time, p Policy, newID func() string) Outcome {
	switch {
	case open == nil && len(violations) == 0:
		return Outcome{}

	case open == nil:
		v := violations[0]
		a := &domain.Alert{
			ID:        newID(),
			Status:    domain.StatusActive,
			StartedAt: now,
		}
		applyViolation(a, v)
		markNotified(a, now)
		return Outcome{Alert: a, Created: true, Changed: true, Notify: []domain.EventKind{domain.EventTriggered}}

	case len(violations) > 0:
		a := *open
		applyViolation(&a, violations[0])
		out := Outcome{Alert: &a, Changed: true}
		if a.Status == domain.StatusActive || throttleAllows(&a, now, p.AckNotifyInterval) {
			markNotified(&a, now)
			out.Notify = []domain.EventKind{domain.EventTriggered}
		}
		return out

	default:
		a := *open
		a.Status = domain.StatusAutoResolved
		a.IsBackInRange = true
		end(&a, now)
		out := Outcome{Alert: &a, Changed: true}
		if p.NotifyBackInRange {
			out.Notify = []domain.EventKind{domain.EventBackInRange}
		}
		return out
	}
}

// Acknowledge is legal only from active. Severity and trigger values are
// left as they are.
func Acknowledge(a domain.Alert, actor, comment string, now time.Time) (domain.Alert, bool) {
	if a.Status != domain.StatusActive {
		return a, false
	}
	a.Status = domain.StatusAcknowledged
	a.AcknowledgedBy = actor
	a.AcknowledgeComment = comment
	a.AcknowledgedAt = &now
	return a, true
}

// Resolve is legal from active or acknowledged and is terminal.
func Resolve(a domain.Alert, actor, comment string, now time.Time) (domain.Alert, bool) {
	if !a.Status.Open() {
		return a, false
	}
	a.Status = domain.StatusResolved
	a.ResolvedBy = actor
	a.ResolveComment = comment
	a.ResolvedAt = &now
	end(&a, now)
	return a, true
}

func applyViolation(a *domain.Alert, v threshold.Violation) {
	a.SensorKind = v.SensorKind
	a.SensorSlot = v.Slot
	a.Severity = v.Severity
	a.TriggerValue = v.Value
	a.BreachedThreshold = v.BreachedThreshold
	a.Reason = v.Reason
}

func throttleAllows(a *domain.Alert, now time.Time, interval time.Duration) bool {
	if a.LastNotificationAt == nil {
		return true
	}
	return now.Sub(*a.LastNotificationAt) >= interval
}

func markNotified(a *domain.Alert, now time.Time) {
	a.LastNotificationAt = &now
	a.NotificationCount++
}

func end(a *domain.Alert, now time.Time) {
	a.EndedAt = &now
	d := int64(now.Sub(a.StartedAt) / time.Second)
	a.DurationSeconds = &d
}
