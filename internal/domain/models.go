package domain

import "time"

type Area struct {
	ID        int64  `db:"id" json:"id"`
	CompanyID int64  `db:"company_id" json:"company_id"`
	Name      string `db:"name" json:"name"`
	// Hours between repeat notifications for an acknowledged, still violating alert.
	AckNotifyIntervalHours int  `db:"acknowledged_alert_notification_interval" json:"acknowledged_alert_notification_interval"`
	NotifyBackInRange      bool `db:"notify_back_in_range" json:"notify_back_in_range"`
}

// AckNotifyInterval falls back to def when the area has no interval configured.
func (a *Area) AckNotifyInterval(def time.Duration) time.Duration {
	if a == nil || a.AckNotifyIntervalHours <= 0 {
		return def
	}
	return time.Duration(a.AckNotifyIntervalHours) * time.Hour
}

type Device struct {
	ID                   int64      `db:"id" json:"id"`
	UID                  string     `db:"uid" json:"uid"`
	Code                 string     `db:"code" json:"code"`
	APIKey               string     `db:"api_key" json:"-"`
	Vendor               string     `db:"vendor" json:"vendor"`
	Model                string     `db:"model" json:"model"`
	AreaID               *int64     `db:"area_id" json:"area_id"`
	Status               string     `db:"status" json:"status"`
	LastReadingAt        *time.Time `db:"last_reading_at" json:"last_reading_at"`
	LastEvaluatedAt      *time.Time `db:"last_evaluated_at" json:"last_evaluated_at"`
	PendingConfigCommand *string    `db:"pending_config_command" json:"pending_config_command,omitempty"`
	ConfigStatus         string     `db:"config_status" json:"config_status"`
}

const (
	ConfigStatusPending   = "pending"
	ConfigStatusSent      = "sent"
	ConfigStatusConfirmed = "confirmed"
	ConfigStatusFailed    = "failed"
)

// SensorThreshold holds the bounds for one sensor kind. Slot narrows the
// bounds to a single channel; zero applies them to every slot of the kind.
type SensorThreshold struct {
	Kind        SensorKind `json:"kind"`
	Slot        int        `json:"slot,omitempty"`
	MinCritical *float64   `json:"min_critical,omitempty"`
	MaxCritical *float64   `json:"max_critical,omitempty"`
	MinWarning  *float64   `json:"min_warning,omitempty"`
	MaxWarning  *float64   `json:"max_warning,omitempty"`
}

func (t SensorThreshold) Empty() bool {
	return t.MinCritical == nil && t.MaxCritical == nil && t.MinWarning == nil && t.MaxWarning == nil
}

type DeviceConfiguration struct {
	ID                int64      `db:"id" json:"id"`
	DeviceID          int64      `db:"device_id" json:"device_id"`
	Thresholds        Thresholds `db:"thresholds" json:"thresholds"`
	RecordingInterval int        `db:"recording_interval" json:"recording_interval"`
	SendingInterval   int        `db:"sending_interval" json:"sending_interval"`
	WifiSSID          string     `db:"wifi_ssid" json:"wifi_ssid,omitempty"`
	WifiPassword      string     `db:"wifi_password" json:"-"`
	TimezoneOffset    int        `db:"timezone_offset" json:"timezone_offset"`
	IsCurrent         bool       `db:"is_current" json:"is_current"`
	EffectiveFrom     time.Time  `db:"effective_from" json:"effective_from"`
	EffectiveTo       *time.Time `db:"effective_to" json:"effective_to"`
}

// Threshold returns the bounds that apply to kind on slot, preferring a
// slot-specific entry over a kind-wide one.
func (c *DeviceConfiguration) Threshold(kind SensorKind, slot int) (SensorThreshold, bool) {
	var (
		fallback SensorThreshold
		found    bool
	)
	for _, t := range c.Thresholds {
		if t.Kind != kind {
			continue
		}
		if t.Slot == slot {
			return t, true
		}
		if t.Slot == 0 && !found {
			fallback, found = t, true
		}
	}
	return fallback, found
}

// Reading is the normalized, vendor-agnostic sample. Unique per (device_id, recorded_at).
type Reading struct {
	ID              int64        `db:"id" json:"id"`
	DeviceID        int64        `db:"device_id" json:"device_id"`
	RecordedAt      time.Time    `db:"recorded_at" json:"recorded_at"`
	ReceivedAt      time.Time    `db:"received_at" json:"received_at"`
	SensorValues    SensorValues `db:"sensor_values" json:"sensor_values"`
	Battery         *float64     `db:"battery" json:"battery,omitempty"`
	SignalStrength  *int         `db:"signal_strength" json:"signal_strength,omitempty"`
	FirmwareVersion string       `db:"firmware_version" json:"firmware_version,omitempty"`
	RawMetadata     JSONMap      `db:"raw_metadata" json:"raw_metadata,omitempty"`
}

// ReadingBatch is what a vendor adapter produces for one sample.
type ReadingBatch struct {
	RecordedAt      time.Time
	Values          SensorValues
	Battery         *float64
	SignalStrength  *int
	FirmwareVersion string
	Metadata        JSONMap
}

func (b ReadingBatch) Reading(deviceID int64, receivedAt time.Time) Reading {
	values := b.Values
	if values == nil {
		values = SensorValues{}
	}
	return Reading{
		DeviceID:        deviceID,
		RecordedAt:      b.RecordedAt.UTC(),
		ReceivedAt:      receivedAt.UTC(),
		SensorValues:    values,
		Battery:         b.Battery,
		SignalStrength:  b.SignalStrength,
		FirmwareVersion: b.FirmwareVersion,
		RawMetadata:     b.Metadata,
	}
}

// ReadingReceived is published once per newly stored reading.
type ReadingReceived struct {
	DeviceID   int64     `db:"device_id" json:"device_id"`
	ReadingID  int64     `db:"reading_id" json:"reading_id"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}
