package domain

import "time"

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
	StatusAutoResolved AlertStatus = "auto_resolved"
)

func (s AlertStatus) Open() bool {
	return s == StatusActive || s == StatusAcknowledged
}

type EventKind string

const (
	EventTriggered    EventKind = "triggered"
	EventAcknowledged EventKind = "acknowledged"
	EventResolved     EventKind = "resolved"
	EventBackInRange  EventKind = "back_in_range"
)

// Alert is one continuous threshold-violation episode. At most one open
// alert exists per device.
type Alert struct {
	ID                 string      `db:"id" json:"id"`
	DeviceID           int64       `db:"device_id" json:"device_id"`
	SensorKind         SensorKind  `db:"sensor_kind" json:"sensor_kind"`
	SensorSlot         int         `db:"sensor_slot" json:"sensor_slot"`
	Severity           Severity    `db:"severity" json:"severity"`
	Status             AlertStatus `db:"status" json:"status"`
	TriggerValue       float64     `db:"trigger_value" json:"trigger_value"`
	BreachedThreshold  string      `db:"breached_threshold" json:"breached_threshold"`
	Reason             string      `db:"reason" json:"reason"`
	StartedAt          time.Time   `db:"started_at" json:"started_at"`
	EndedAt            *time.Time  `db:"ended_at" json:"ended_at"`
	DurationSeconds    *int64      `db:"duration_seconds" json:"duration_seconds"`
	IsBackInRange      bool        `db:"is_back_in_range" json:"is_back_in_range"`
	AcknowledgedBy     string      `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt     *time.Time  `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgeComment string      `db:"acknowledge_comment" json:"acknowledge_comment,omitempty"`
	ResolvedBy         string      `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolveComment     string      `db:"resolve_comment" json:"resolve_comment,omitempty"`
	LastNotificationAt *time.Time  `db:"last_notification_at" json:"last_notification_at"`
	NotificationCount  int         `db:"notification_count" json:"notification_count"`
}

// AlertNotification is one delivery attempt on one channel.
type AlertNotification struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	DeviceID  int64     `json:"device_id"`
	Channel   string    `json:"channel"`
	EventKind EventKind `json:"event_kind"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}
