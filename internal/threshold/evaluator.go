// Package threshold compares reading values against configured bounds.
package threshold

import (
	"fmt"
	"sort"

	"github.com/envmon/envmon/internal/domain"
)

const (
	CriticalMax = "critical_max"
	CriticalMin = "critical_min"
	WarningMax  = "warning_max"
	WarningMin  = "warning_min"
)

type Violation struct {
	SensorKind        domain.SensorKind `json:"sensor_kind"`
	Slot              int               `json:"slot"`
	Severity          domain.Severity   `json:"severity"`
	Value             float64           `json:"value"`
	BreachedThreshold string            `json:"breached_threshold"`
	Limit             float64           `json:"limit"`
	Reason            string            `json:"reason"`
}

type bound struct {
	name     string
	severity domain.Severity
	limit    func(domain.SensorThreshold) *float64
	breached func(value, limit float64) bool
	verb     string
	label    string
}

// Checked in order; the first breach wins for a sensor.
var bounds = []bound{
	{CriticalMax, domain.SeverityCritical, func(t domain.SensorThreshold) *float64 { return t.MaxCritical }, above, "exceeded", "critical maximum"},
	{CriticalMin, domain.SeverityCritical, func(t domain.SensorThreshold) *float64 { return t.MinCritical }, below, "fell below", "critical minimum"},
	{WarningMax, domain.SeverityWarning, func(t domain.SensorThreshold) *float64 { return t.MaxWarning }, above, "exceeded", "warning maximum"},
	{WarningMin, domain.SeverityWarning, func(t domain.SensorThreshold) *float64 { return t.MinWarning }, below, "fell below", "warning minimum"},
}

func above(v, limit float64) bool { return v > limit }
func below(v, limit float64) bool { return v < limit }

// Evaluate returns at most one violation per sensor kind, critical
// violations first, then ascending slot. When several slots of one kind
// breach, the most severe wins, then the lowest slot. Each slot is checked
// against its own bounds. A nil config never violates.
func Evaluate(reading domain.Reading, config *domain.DeviceConfiguration) []Violation {
	if config == nil {
		return nil
	}

	slots := make([]int, 0, len(reading.SensorValues))
	for slot := range reading.SensorValues {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	var out []Violation
	for _, slot := range slots {
		sv := reading.SensorValues[slot]
		if sv.Value == nil {
			continue
		}
		t, ok := config.Threshold(sv.Kind, slot)
		if !ok || t.Empty() {
			continue
		}
		if v, ok := check(sv.Kind, slot, *sv.Value, t); ok {
			out = append(out, v)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i].Severity) < rank(out[j].Severity)
	})

	seen := make(map[domain.SensorKind]bool, len(out))
	kept := out[:0]
	for _, v := range out {
		if seen[v.SensorKind] {
			continue
		}
		seen[v.SensorKind] = true
		kept = append(kept, v)
	}
	return kept
}

func check(kind domain.SensorKind, slot int, value float64, t domain.SensorThreshold) (Violation, bool) {
	for _, b := range bounds {
		limit := b.limit(t)
		if limit == nil || !b.breached(value, *limit) {
			continue
		}
		return Violation{
			SensorKind:        kind,
			Slot:              slot,
			Severity:          b.severity,
			Value:             value,
			BreachedThreshold: b.name,
			Limit:             *limit,
			Reason:            Reason(kind, value, b.verb, b.label, *limit),
		}, true
	}
	return Violation{}, false
}

// Reason renders e.g. "Temperature 36.5°C exceeded critical maximum of 35.0°C".
func Reason(kind domain.SensorKind, value float64, verb, label string, limit float64) string {
	unit := kind.Unit()
	return fmt.Sprintf("%s %.1f%s %s %s of %.1f%s", kind.Label(), value, unit, verb, label, limit, unit)
}

func rank(s domain.Severity) int {
	if s == domain.SeverityCritical {
		return 0
	}
	return 1
}
