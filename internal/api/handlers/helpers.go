package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/chatwit-social/scheduling-api/internal/service"
	"github.com/gofiber/fiber/v2"
)

func GetUserID(c *fiber.Ctx) int64 {
	raw, _ := c.Locals("user_id").(string)
	userID, _ := strconv.ParseInt(raw, 10, 64)
	return userID
}

type apiError interface {
	error
	ErrCode() string
	StatusCode() int
}

// respondError maps service errors onto their HTTP status. Server-side
// failures are logged and reported without their internals.
func respondError(c *fiber.Ctx, err error) error {
	var ae apiError
	if !errors.As(err, &ae) {
		slog.Error("unhandled error", "path", c.Path(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"code":  "INTERNAL_ERROR",
			"error": "Internal server error",
		})
	}

	status := ae.StatusCode()
	message := err.Error()
	if status >= fiber.StatusInternalServerError {
		slog.Error("request failed", "path", c.Path(), "code", ae.ErrCode(), "error", err)
		message = "Unable to complete request"
	}

	return c.Status(status).JSON(fiber.Map{
		"code":  ae.ErrCode(),
		"error": message,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return respondError(c, service.ValidationError(message))
}
