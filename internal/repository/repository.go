package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/envmon/envmon/internal/alerting"
	"github.com/envmon/envmon/internal/domain"
)

var ErrNotFound = domain.ErrNotFound

type Repos struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Repos { return &Repos{db: db} }

var (
	_ alerting.Store = (*Repos)(nil)
	_ alerting.Tx    = (*txRepos)(nil)
)

const deviceColumns = `id, uid, code, api_key, vendor, model, area_id, status, last_reading_at,
	last_evaluated_at, pending_config_command, config_status`

const readingColumns = `id, device_id, recorded_at, received_at, sensor_values, battery,
	signal_strength, firmware_version, raw_metadata`

const configurationColumns = `id, device_id, thresholds, recording_interval, sending_interval,
	wifi_ssid, wifi_password, timezone_offset, is_current, effective_from, effective_to`

const alertColumns = `id, device_id, sensor_kind, sensor_slot, severity, status, trigger_value,
	breached_threshold, reason, started_at, ended_at, duration_seconds, is_back_in_range,
	acknowledged_by, acknowledged_at, acknowledge_comment, resolved_by, resolved_at, resolve_comment,
	last_notification_at, notification_count`

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (r *Repos) DeviceByAPIKey(ctx context.Context, key string) (*domain.Device, error) {
	var d domain.Device
	err := r.db.GetContext(ctx, &d, `SELECT `+deviceColumns+` FROM devices WHERE api_key = $1`, key)
	if err != nil {
		return nil, notFound(err, "device by api key")
	}
	return &d, nil
}

func (r *Repos) DeviceByUID(ctx context.Context, uid string) (*domain.Device, error) {
	var d domain.Device
	err := r.db.GetContext(ctx, &d, `SELECT `+deviceColumns+` FROM devices WHERE uid = $1`, uid)
	if err != nil {
		return nil, notFound(err, "device "+uid)
	}
	return &d, nil
}

func (r *Repos) Device(ctx context.Context, id int64) (*domain.Device, error) {
	var d domain.Device
	err := r.db.GetContext(ctx, &d, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("device %d", id))
	}
	return &d, nil
}

// InsertReading stores rd and sets rd.ID. A reading that already exists for
// (device_id, recorded_at) is left untouched and reported as not inserted.
// The row and the device's last_reading_at commit together.
func (r *Repos) InsertReading(ctx context.Context, rd *domain.Reading) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO readings (device_id, recorded_at, received_at, sensor_values, battery,
			signal_strength, firmware_version, raw_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id, recorded_at) DO NOTHING
		RETURNING id`,
		rd.DeviceID, rd.RecordedAt, rd.ReceivedAt, rd.SensorValues, rd.Battery,
		rd.SignalStrength, rd.FirmwareVersion, rd.RawMetadata,
	).Scan(&rd.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert reading: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE devices
		SET last_reading_at = GREATEST(COALESCE(last_reading_at, $2), $2)
		WHERE id = $1`, rd.DeviceID, rd.RecordedAt)
	if err != nil {
		rd.ID = 0
		return false, fmt.Errorf("touch device %d: %w", rd.DeviceID, err)
	}
	if err := tx.Commit(); err != nil {
		rd.ID = 0
		return false, fmt.Errorf("commit reading: %w", err)
	}
	return true, nil
}

// UnevaluatedReadings returns, per device, the newest reading that is past the
// device's evaluation watermark and was received before receivedBefore. Devices
// that evaluation would skip (no area or no current configuration) are left out.
func (r *Repos) UnevaluatedReadings(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.ReadingReceived, error) {
	var out []domain.ReadingReceived
	err := r.db.SelectContext(ctx, &out, `
		SELECT r.device_id, r.id AS reading_id, r.recorded_at
		FROM devices d
		JOIN readings r ON r.device_id = d.id AND r.recorded_at = d.last_reading_at
		WHERE d.area_id IS NOT NULL
		  AND (d.last_evaluated_at IS NULL OR d.last_reading_at > d.last_evaluated_at)
		  AND r.received_at < $1
		  AND EXISTS (SELECT 1 FROM device_configurations c WHERE c.device_id = d.id AND c.is_current)
		ORDER BY r.received_at
		LIMIT $2`, receivedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("unevaluated readings: %w", err)
	}
	return out, nil
}

func (r *Repos) Reading(ctx context.Context, id int64) (*domain.Reading, error) {
	var rd domain.Reading
	err := r.db.GetContext(ctx, &rd, `SELECT `+readingColumns+` FROM readings WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("reading %d", id))
	}
	return &rd, nil
}

func (r *Repos) CurrentConfiguration(ctx context.Context, deviceID int64) (*domain.DeviceConfiguration, error) {
	var c domain.DeviceConfiguration
	err := r.db.GetContext(ctx, &c,
		`SELECT `+configurationColumns+` FROM device_configurations WHERE device_id = $1 AND is_current`, deviceID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("configuration for device %d", deviceID))
	}
	return &c, nil
}

// ReplaceConfiguration closes the current configuration of cfg.DeviceID and
// inserts cfg as the new current one. cfg.ID and cfg.EffectiveFrom are set.
func (r *Repos) ReplaceConfiguration(ctx context.Context, cfg *domain.DeviceConfiguration, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		UPDATE device_configurations
		SET is_current = FALSE, effective_to = $2
		WHERE device_id = $1 AND is_current`, cfg.DeviceID, at); err != nil {
		return fmt.Errorf("close configuration: %w", err)
	}

	cfg.IsCurrent = true
	cfg.EffectiveFrom = at
	cfg.EffectiveTo = nil
	if err := tx.QueryRowxContext(ctx, `
		INSERT INTO device_configurations (device_id, thresholds, recording_interval, sending_interval,
			wifi_ssid, wifi_password, timezone_offset, is_current, effective_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		RETURNING id`,
		cfg.DeviceID, cfg.Thresholds, cfg.RecordingInterval, cfg.SendingInterval,
		cfg.WifiSSID, cfg.WifiPassword, cfg.TimezoneOffset, at,
	).Scan(&cfg.ID); err != nil {
		return fmt.Errorf("insert configuration: %w", err)
	}
	return tx.Commit()
}

// SetPendingConfigCommand records a command to hand to the device on its
// next push.
func (r *Repos) SetPendingConfigCommand(ctx context.Context, deviceID int64, command string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET pending_config_command = $2, config_status = $3 WHERE id = $1`,
		deviceID, command, domain.ConfigStatusPending)
	if err != nil {
		return fmt.Errorf("set pending config for device %d: %w", deviceID, err)
	}
	return nil
}

// SetConfigStatus updates the delivery state of the pending command. A
// confirmed command is cleared.
func (r *Repos) SetConfigStatus(ctx context.Context, deviceID int64, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET config_status = $2,
			pending_config_command = CASE WHEN $2 = 'confirmed' THEN NULL ELSE pending_config_command END
		WHERE id = $1`, deviceID, status)
	if err != nil {
		return fmt.Errorf("set config status for device %d: %w", deviceID, err)
	}
	return nil
}

func (r *Repos) Area(ctx context.Context, id int64) (*domain.Area, error) {
	var a domain.Area
	err := r.db.GetContext(ctx, &a, `
		SELECT id, company_id, name, acknowledged_alert_notification_interval, notify_back_in_range
		FROM areas WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("area %d", id))
	}
	return &a, nil
}

func (r *Repos) Alert(ctx context.Context, id string) (*domain.Alert, error) {
	return getAlert(ctx, r.db, id)
}

// AlertsForDevice lists a device's alerts, newest first.
func (r *Repos) AlertsForDevice(ctx context.Context, deviceID int64, limit int) ([]domain.Alert, error) {
	var out []domain.Alert
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+alertColumns+` FROM alerts WHERE device_id = $1 ORDER BY started_at DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("alerts for device %d: %w", deviceID, err)
	}
	return out, nil
}

// WithDeviceLock runs fn in a transaction holding the device row lock. The
// transaction commits when fn returns nil.
func (r *Repos) WithDeviceLock(ctx context.Context, deviceID int64, fn func(tx alerting.Tx, device *domain.Device) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var d domain.Device
	if err := tx.GetContext(ctx, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1 FOR UPDATE`, deviceID); err != nil {
		return notFound(err, fmt.Sprintf("lock device %d", deviceID))
	}

	if err := fn(&txRepos{tx: tx}, &d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type txRepos struct {
	tx *sqlx.Tx
}

func (t *txRepos) OpenAlert(ctx context.Context, deviceID int64) (*domain.Alert, error) {
	var a domain.Alert
	err := t.tx.GetContext(ctx, &a, `SELECT `+alertColumns+` FROM alerts
		WHERE device_id = $1 AND status IN ('active', 'acknowledged')`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open alert for device %d: %w", deviceID, err)
	}
	return &a, nil
}

func (t *txRepos) Alert(ctx context.Context, id string) (*domain.Alert, error) {
	return getAlert(ctx, t.tx, id)
}

func (t *txRepos) InsertAlert(ctx context.Context, a *domain.Alert) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (:id, :device_id, :sensor_kind, :sensor_slot, :severity, :status, :trigger_value,
			:breached_threshold, :reason, :started_at, :ended_at, :duration_seconds, :is_back_in_range,
			:acknowledged_by, :acknowledged_at, :acknowledge_comment, :resolved_by, :resolved_at,
			:resolve_comment, :last_notification_at, :notification_count)`, a)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

func (t *txRepos) UpdateAlert(ctx context.Context, a *domain.Alert) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE alerts SET
			sensor_kind = :sensor_kind, sensor_slot = :sensor_slot, severity = :severity,
			status = :status, trigger_value = :trigger_value, breached_threshold = :breached_threshold,
			reason = :reason, ended_at = :ended_at, duration_seconds = :duration_seconds,
			is_back_in_range = :is_back_in_range, acknowledged_by = :acknowledged_by,
			acknowledged_at = :acknowledged_at, acknowledge_comment = :acknowledge_comment,
			resolved_by = :resolved_by, resolved_at = :resolved_at, resolve_comment = :resolve_comment,
			last_notification_at = :last_notification_at, notification_count = :notification_count
		WHERE id = :id`, a)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update alert %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (t *txRepos) MarkEvaluated(ctx context.Context, deviceID int64, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE devices SET last_evaluated_at = $2 WHERE id = $1`, deviceID, at)
	if err != nil {
		return fmt.Errorf("mark device %d evaluated: %w", deviceID, err)
	}
	return nil
}

func getAlert(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Alert, error) {
	var a domain.Alert
	if err := sqlx.GetContext(ctx, q, &a, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "alert "+id)
	}
	return &a, nil
}
