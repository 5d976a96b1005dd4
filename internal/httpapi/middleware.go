package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/libraryhub/services/library/internal/auth"
)

const claimsKey = "claims"

// requestID tags every request with an X-Request-ID, generating one when
// the caller did not send one.
func (s *Server) requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("X-Request-ID", id)
		c.Locals("request_id", id)
		return c.Next()
	}
}

// requestLogger logs every request with its outcome and duration
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.OriginalURL()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("duration", time.Since(start)),
		}
		if id, ok := c.Locals("request_id").(string); ok {
			fields = append(fields, zap.String("request_id", id))
		}

		if err != nil {
			s.log.Error("Request failed", append(fields, zap.Error(err))...)
		} else {
			s.log.Info("Request completed", fields...)
		}
		return err
	}
}

// requireRole verifies the bearer token and gates the route on the claimed
// role. Verified claims are stored in locals for the handler.
func (s *Server) requireRole(role auth.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, err := extractBearerToken(c)
		if err != nil {
			return fail(c, fiber.StatusUnauthorized, err.Error())
		}

		claims, err := s.auth.ParseToken(tokenString)
		if err != nil {
			return fail(c, fiber.StatusUnauthorized, err.Error())
		}

		if claims.Role != role {
			return fail(c, fiber.StatusForbidden, "insufficient role")
		}

		c.Locals(claimsKey, claims)
		return c.Next()
	}
}

var errMissingToken = errors.New("missing or malformed bearer token")

func extractBearerToken(c *fiber.Ctx) (string, error) {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return "", errMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errMissingToken
	}
	return parts[1], nil
}

// claimsFrom returns the verified claims requireRole stored
func claimsFrom(c *fiber.Ctx) *auth.Claims {
	claims, _ := c.Locals(claimsKey).(*auth.Claims)
	return claims
}
