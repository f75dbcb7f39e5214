package http

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/domain"
	"github.com/envmon/envmon/internal/service"
	"github.com/envmon/envmon/internal/vendor"
)

const failedToStore = "Failed to store reading"

type Devices interface {
	DeviceByAPIKey(ctx context.Context, key string) (*domain.Device, error)
	Device(ctx context.Context, id int64) (*domain.Device, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, device domain.Device, raw []byte) (service.BatchResult, time.Time, error)
	IngestEntries(ctx context.Context, device domain.Device, entries []json.RawMessage) (service.BatchResult, time.Time)
}

type Pusher interface {
	Handle(ctx context.Context, device domain.Device, raw []byte) (service.PushResult, error)
}

type Configurer interface {
	Apply(ctx context.Context, device domain.Device, cfg domain.DeviceConfiguration) (service.ConfigPushResult, error)
}

type AlertActions interface {
	Acknowledge(ctx context.Context, alertID, user, comment string) (bool, error)
	Resolve(ctx context.Context, alertID, user, comment string) (bool, error)
}

type AlertHistory interface {
	AlertsForDevice(ctx context.Context, deviceID int64, limit int) ([]domain.Alert, error)
}

type Deps struct {
	Devices   Devices
	Ingestion Ingestor
	Push      Pusher
	Config    Configurer
	Alerts    AlertActions
	History   AlertHistory
	Log       zerolog.Logger
}

func FromServices(svcs *service.Services, logger zerolog.Logger) Deps {
	return Deps{
		Devices:   svcs.Repos,
		Ingestion: svcs.Ingestion,
		Push:      svcs.Push,
		Config:    svcs.Config,
		Alerts:    svcs.Alerts,
		History:   svcs.Repos,
		Log:       logger,
	}
}

func Register(app *fiber.App, d Deps) {
	h := &handlers{Deps: d}

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	auth := DeviceAuth(d.Devices, d.Log)
	app.Post("/ingest", auth, h.ingest)
	app.Post("/ingest/batch", auth, h.ingestBatch)
	app.Post("/vendor/push", auth, h.vendorPush)

	app.Put("/devices/:id/configuration", h.putConfiguration)
	app.Get("/devices/:id/alerts", h.deviceAlerts)
	app.Post("/alerts/:id/acknowledge", h.alertAction(d.Alerts.Acknowledge))
	app.Post("/alerts/:id/resolve", h.alertAction(d.Alerts.Resolve))
}

type handlers struct {
	Deps
}

func (h *handlers) ingest(c *fiber.Ctx) error {
	device := DeviceFrom(c)
	res, receivedAt, err := h.Ingestion.Ingest(c.UserContext(), device, c.Body())
	if err != nil {
		return h.ingestFailure(c, device, err)
	}
	if res.Failed > 0 && res.Success == 0 {
		h.Log.Error().Int64("device_id", device.ID).Interface("errors", res.Errors).Msg("ingest failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": failedToStore})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":     true,
		"received_at": receivedAt.Format(time.RFC3339),
	})
}

func (h *handlers) ingestBatch(c *fiber.Ctx) error {
	device := DeviceFrom(c)
	var body struct {
		Readings []json.RawMessage `json:"readings"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"success": false, "error": "Invalid payload"})
	}

	res, receivedAt := h.Ingestion.IngestEntries(c.UserContext(), device, body.Readings)
	resp := fiber.Map{
		"success":     !(res.Success == 0 && res.Failed > 0),
		"count":       res.Success,
		"failed":      res.Failed,
		"received_at": receivedAt.Format(time.RFC3339),
	}
	if len(res.Errors) > 0 {
		resp["errors"] = res.Errors
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *handlers) vendorPush(c *fiber.Ctx) error {
	device := DeviceFrom(c)
	res, err := h.Push.Handle(c.UserContext(), device, c.Body())
	if err != nil {
		return h.ingestFailure(c, device, err)
	}
	if res.Batch.Failed > 0 {
		h.Log.Warn().Int64("device_id", device.ID).Int("failed", res.Batch.Failed).Msg("vendor push partially stored")
	}
	return c.JSON(res.Response)
}

func (h *handlers) ingestFailure(c *fiber.Ctx, device domain.Device, err error) error {
	if errors.Is(err, vendor.ErrMalformedPayload) || errors.Is(err, vendor.ErrUnknownVendor) {
		h.Log.Warn().Err(err).Int64("device_id", device.ID).Str("vendor", device.Vendor).Msg("payload rejected")
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"success": false, "error": "Invalid payload"})
	}
	h.Log.Error().Err(err).Int64("device_id", device.ID).Str("vendor", device.Vendor).Msg("ingest failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": failedToStore})
}

type configurationRequest struct {
	Thresholds        domain.Thresholds `json:"thresholds"`
	RecordingInterval int               `json:"recording_interval"`
	SendingInterval   int               `json:"sending_interval"`
	WifiSSID          string            `json:"wifi_ssid"`
	WifiPassword      string            `json:"wifi_password"`
	TimezoneOffset    int               `json:"timezone_offset"`
}

func (h *handlers) putConfiguration(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid device id"})
	}
	var req configurationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	device, err := h.Devices.Device(c.UserContext(), id)
	if errors.Is(err, domain.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "device not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	res, err := h.Config.Apply(c.UserContext(), *device, domain.DeviceConfiguration{
		Thresholds:        req.Thresholds,
		RecordingInterval: req.RecordingInterval,
		SendingInterval:   req.SendingInterval,
		WifiSSID:          req.WifiSSID,
		WifiPassword:      req.WifiPassword,
		TimezoneOffset:    req.TimezoneOffset,
	})
	switch {
	case errors.Is(err, vendor.ErrInvalidConfig), errors.Is(err, vendor.ErrUnknownVendor):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"configuration":  res.Configuration,
		"command_queued": res.Command != "",
	})
}

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

func (h *handlers) deviceAlerts(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid device id"})
	}
	limit := c.QueryInt("limit", defaultAlertLimit)
	if limit <= 0 || limit > maxAlertLimit {
		limit = defaultAlertLimit
	}

	alerts, err := h.History.AlertsForDevice(c.UserContext(), id, limit)
	if err != nil {
		h.Log.Error().Err(err).Int64("device_id", id).Msg("list alerts failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	return c.JSON(fiber.Map{"alerts": alerts, "count": len(alerts)})
}

type alertActionRequest struct {
	User    string `json:"user"`
	Comment string `json:"comment"`
}

func (h *handlers) alertAction(act func(ctx context.Context, alertID, user, comment string) (bool, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req alertActionRequest
		if err := c.BodyParser(&req); err != nil || req.User == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "user is required"})
		}

		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "alert not found"})
		}

		ok, err := act(c.UserContext(), id, req.User, req.Comment)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "alert not found"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": err.Error()})
		case !ok:
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false})
		}
		return c.JSON(fiber.Map{"success": true})
	}
}
