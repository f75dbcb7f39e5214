package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/domain"
)

const (
	DeviceKeyHeader = "X-Device-Key"
	deviceLocal     = "device"
)

// DeviceAuth resolves the X-Device-Key header to a device and stores it in
// the request locals.
func DeviceAuth(devices Devices, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(DeviceKeyHeader)
		if key == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "error": "missing device key"})
		}
		device, err := devices.DeviceByAPIKey(c.UserContext(), key)
		if errors.Is(err, domain.ErrNotFound) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "error": "unknown device key"})
		}
		if err != nil {
			logger.Error().Err(err).Msg("device lookup failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "internal error"})
		}
		c.Locals(deviceLocal, *device)
		return c.Next()
	}
}

// DeviceFrom returns the device DeviceAuth attached to the request.
func DeviceFrom(c *fiber.Ctx) domain.Device {
	d, _ := c.Locals(deviceLocal).(domain.Device)
	return d
}
