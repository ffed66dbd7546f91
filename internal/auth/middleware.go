package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Middleware requires a valid access token on the route. Identity lands in
// c.Locals for handlers that attribute writes to a user.
func Middleware(jwtManager *JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing authorization token",
			})
		}

		claims, err := jwtManager.ValidateAccessToken(token)
		if err != nil {
			if err == ErrExpiredToken {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "token expired",
					"code":  "TOKEN_EXPIRED",
				})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token",
			})
		}

		c.Locals("userID", claims.UserID)
		c.Locals("username", claims.Username)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// OptionalMiddleware attaches identity when a valid token is present and
// passes anonymous requests through untouched. Boards are open to guests;
// handlers only use the identity for attribution.
func OptionalMiddleware(jwtManager *JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token := bearerToken(c); token != "" {
			if claims, err := jwtManager.ValidateAccessToken(token); err == nil {
				c.Locals("userID", claims.UserID)
				c.Locals("username", claims.Username)
				c.Locals("claims", claims)
			}
		}
		return c.Next()
	}
}

// bearerToken extracts the access token from the Authorization header, the
// access_token cookie, or the token query parameter, in that order. The query
// form exists for websocket handshakes, which cannot set headers.
func bearerToken(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	if cookie := c.Cookies("access_token"); cookie != "" {
		return cookie
	}
	return c.Query("token")
}
