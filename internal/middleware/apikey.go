package middleware

import (
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const adminKeyHeader = "X-Admin-Key"

// AdminAPIKey guards operational endpoints behind a shared admin key. The
// configuration carries only the bcrypt hash; with no hash configured every
// request is refused rather than let admin routes fall open.
func AdminAPIKey(keyHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if keyHash == "" {
			return fiber.NewError(fiber.StatusForbidden, "admin access not configured")
		}

		key := c.Get(adminKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing admin key")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid admin key")
		}

		return c.Next()
	}
}
