package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// HeaderAgentToken carries the shared secret of the review agent.
const HeaderAgentToken = "X-Agent-Token"

// agentTokenAuth checks X-Agent-Token against a bcrypt hash. An empty hash
// leaves the callbacks open.
func agentTokenAuth(hash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hash == "" {
				return next(c)
			}
			token := c.Request().Header.Get(HeaderAgentToken)
			if token == "" {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "missing agent token"})
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid agent token"})
			}
			return next(c)
		}
	}
}
