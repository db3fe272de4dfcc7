package main

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/apikey"
)

// Keys for data the middlewares pass along via the fiber context.
const (
	localsUserData = "vortex_userData"
	localsAPIkey   = "vortex_apiKey"
	localsServices = "vortex_services"
)

// createUserDataMiddleware creates a middleware that decodes the user data
// path segment for the handlers further down the chain.
func createUserDataMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		udString := c.Params("userData", "")
		if udString == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		ud, err := decodeUserData(udString, logger)
		if err != nil {
			// It's most likely a client-side encoding error
			return c.SendStatus(fiber.StatusBadRequest)
			// The error is already logged by decodeUserData
		}
		c.Locals(localsUserData, ud)
		return c.Next()
	}
}

// createAPIkeyMiddleware creates a middleware that checks the API key in the
// user data against the key records in the shared store.
func createAPIkeyMiddleware(validator apikey.Validator, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ud, ok := c.Locals(localsUserData).(userData)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		if err := validator.Check(c.Context(), ud.APIkey); err != nil {
			if errors.Is(err, apikey.ErrUnauthorized) {
				return c.SendStatus(fiber.StatusUnauthorized)
			}
			logger.Error("Couldn't check API key", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		c.Locals(localsAPIkey, ud.APIkey)
		return c.Next()
	}
}

// createTokenMiddleware creates a middleware that builds the user's debrid
// services and checks the validity of their API tokens/keys.
func createTokenMiddleware(clients *clientSet, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rCtx := c.Context()
		ud, ok := c.Locals(localsUserData).(userData)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		services, err := clients.buildServices(ud)
		if err != nil {
			logger.Warn("Couldn't build services from user data", zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}
		for _, service := range services {
			if err := service.Client.TestToken(rCtx, service.Token); err != nil {
				return c.SendStatus(fiber.StatusForbidden)
			}
		}
		c.Locals(localsServices, services)
		return c.Next()
	}
}

// createLoggingMiddleware creates a middleware that logs all requests with
// status and handling duration.
func createLoggingMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start).Milliseconds()
		durationString := strconv.FormatInt(duration, 10) + "ms"
		logger.Info("Handled request",
			zap.Int("status", c.Response().StatusCode()),
			zap.String("duration", durationString),
			zap.String("method", c.Method()),
			zap.String("url", c.OriginalURL()),
			zap.String("ip", requestIP(c)))
		return err
	}
}
