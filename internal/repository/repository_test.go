package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envmon/envmon/internal/alerting"
	"github.com/envmon/envmon/internal/domain"
)

func setupMockRepos(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Repos) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, New(sqlx.NewDb(db, "pgx"))
}

var deviceCols = []string{
	"id", "uid", "code", "api_key", "vendor", "model", "area_id", "status", "last_reading_at",
	"last_evaluated_at", "pending_config_command", "config_status",
}

func deviceRow(lastEvaluated any) *sqlmock.Rows {
	return sqlmock.NewRows(deviceCols).AddRow(
		int64(3), "ZN-0003", "FRIDGE-3", "k-3", "zion", "", int64(9), "active", nil,
		lastEvaluated, nil, "",
	)
}

func TestDeviceByAPIKey_Success(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE api_key`).
		WithArgs("k-3").
		WillReturnRows(deviceRow(nil))

	d, err := repo.DeviceByAPIKey(context.Background(), "k-3")

	require.NoError(t, err)
	assert.Equal(t, int64(3), d.ID)
	assert.Equal(t, "zion", d.Vendor)
	require.NotNil(t, d.AreaID)
	assert.Equal(t, int64(9), *d.AreaID)
	assert.Nil(t, d.LastEvaluatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceByAPIKey_NotFound(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE api_key`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	d, err := repo.DeviceByAPIKey(context.Background(), "nope")

	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReading_NewRowAdvancesDevice(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	recorded := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	rd := &domain.Reading{
		DeviceID:     3,
		RecordedAt:   recorded,
		ReceivedAt:   recorded.Add(time.Minute),
		SensorValues: domain.SensorValues{1: domain.Numeric(domain.Temperature, 4.5)},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO readings .* ON CONFLICT \(device_id, recorded_at\) DO NOTHING`).
		WithArgs(int64(3), recorded, recorded.Add(time.Minute), sqlmock.AnyArg(), nil, nil, "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`UPDATE devices\s+SET last_reading_at = GREATEST`).
		WithArgs(int64(3), recorded).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := repo.InsertReading(context.Background(), rd)

	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(42), rd.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReading_DuplicateIsNotInserted(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO readings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	inserted, err := repo.InsertReading(context.Background(), &domain.Reading{DeviceID: 3})

	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReading_DeviceTouchFailureRollsBack(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO readings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`UPDATE devices`).
		WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	rd := &domain.Reading{DeviceID: 3, RecordedAt: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	inserted, err := repo.InsertReading(context.Background(), rd)

	require.Error(t, err)
	assert.False(t, inserted)
	assert.Zero(t, rd.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentConfiguration_DecodesThresholds(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "device_id", "thresholds", "recording_interval", "sending_interval",
		"wifi_ssid", "wifi_password", "timezone_offset", "is_current", "effective_from", "effective_to",
	}).AddRow(
		int64(11), int64(3), []byte(`[{"kind":"temperature","max_critical":8,"min_critical":2}]`), 5, 15,
		"", "", 0, true, time.Now(), nil,
	)
	mock.ExpectQuery(`FROM device_configurations WHERE device_id = \$1 AND is_current`).
		WithArgs(int64(3)).
		WillReturnRows(rows)

	cfg, err := repo.CurrentConfiguration(context.Background(), 3)

	require.NoError(t, err)
	require.Len(t, cfg.Thresholds, 1)
	th, ok := cfg.Threshold(domain.Temperature, 1)
	require.True(t, ok)
	assert.Equal(t, 8.0, *th.MaxCritical)
	assert.Equal(t, 2.0, *th.MinCritical)
	assert.Nil(t, th.MaxWarning)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceConfiguration_SupersedesInOneTransaction(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	at := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	cfg := &domain.DeviceConfiguration{DeviceID: 3, RecordingInterval: 5, SendingInterval: 15}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE device_configurations\s+SET is_current = FALSE, effective_to = \$2`).
		WithArgs(int64(3), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO device_configurations`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceConfiguration(context.Background(), cfg, at))

	assert.Equal(t, int64(12), cfg.ID)
	assert.True(t, cfg.IsCurrent)
	assert.Equal(t, at, cfg.EffectiveFrom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceConfiguration_RollsBackOnInsertFailure(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE device_configurations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO device_configurations`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := repo.ReplaceConfiguration(context.Background(), &domain.DeviceConfiguration{DeviceID: 3}, time.Now())

	assert.ErrorContains(t, err, "insert configuration")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithDeviceLock_CommitsOnSuccess(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(3)).
		WillReturnRows(deviceRow(at.Add(-time.Hour)))
	mock.ExpectQuery(`FROM alerts\s+WHERE device_id = \$1 AND status IN`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE devices SET last_evaluated_at`).
		WithArgs(int64(3), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithDeviceLock(context.Background(), 3, func(tx alerting.Tx, d *domain.Device) error {
		require.NotNil(t, d.LastEvaluatedAt)
		assert.Equal(t, at.Add(-time.Hour), *d.LastEvaluatedAt)

		open, err := tx.OpenAlert(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Nil(t, open)

		a := &domain.Alert{
			ID: "5b2f3f5e-8b0c-4f8e-9a53-7c5d7f2f4d11", DeviceID: d.ID, SensorKind: domain.Temperature,
			SensorSlot: 1, Severity: domain.SeverityCritical, Status: domain.StatusActive,
			TriggerValue: 9, BreachedThreshold: "critical_max", Reason: "hot", StartedAt: at,
		}
		if err := tx.InsertAlert(context.Background(), a); err != nil {
			return err
		}
		return tx.MarkEvaluated(context.Background(), d.ID, at)
	})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithDeviceLock_RollsBackOnError(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(deviceRow(nil))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := repo.WithDeviceLock(context.Background(), 3, func(alerting.Tx, *domain.Device) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithDeviceLock_UnknownDevice(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.WithDeviceLock(context.Background(), 99, func(alerting.Tx, *domain.Device) error {
		t.Fatal("callback must not run")
		return nil
	})

	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetConfigStatus(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE devices\s+SET config_status = \$2`).
		WithArgs(int64(3), domain.ConfigStatusConfirmed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SetConfigStatus(context.Background(), 3, domain.ConfigStatusConfirmed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertsForDevice_Empty(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM alerts WHERE device_id = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs(int64(3), 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_id", "status"}))

	alerts, err := repo.AlertsForDevice(context.Background(), 3, 20)

	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnevaluatedReadings(t *testing.T) {
	db, mock, repo := setupMockRepos(t)
	defer db.Close()

	cutoff := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	recorded := cutoff.Add(-10 * time.Minute)
	mock.ExpectQuery(`SELECT r.device_id, r.id AS reading_id, r.recorded_at\s+FROM devices d\s+JOIN readings r .* last_evaluated_at IS NULL OR d.last_reading_at > d.last_evaluated_at`).
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "reading_id", "recorded_at"}).
			AddRow(int64(3), int64(42), recorded))

	got, err := repo.UnevaluatedReadings(context.Background(), cutoff, 100)

	require.NoError(t, err)
	assert.Equal(t, []domain.ReadingReceived{{DeviceID: 3, ReadingID: 42, RecordedAt: recorded}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
