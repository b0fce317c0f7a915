package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cwcr_console/internal/services"
)

const (
	SessionCookie = "session"
	sessionKey    = "operatorSession"
)

// RequireAuth resolves the session cookie and rejects requests without a live session
func RequireAuth(sessions *services.SessionService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(SessionCookie)
			if err != nil || cookie.Value == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Please log in to continue.")
			}

			sess, err := sessions.Authenticate(c.Request().Context(), cookie.Value)
			if err != nil {
				ClearSessionCookie(c)
				return echo.NewHTTPError(http.StatusUnauthorized, "Your session has expired. Please log in again.")
			}

			// Set operator info in context for downstream handlers
			c.Set(sessionKey, sess)
			c.Set("operatorID", sess.OperatorID())
			return next(c)
		}
	}
}

// Session returns the operator session set by RequireAuth
func Session(c echo.Context) *services.OperatorSession {
	sess, _ := c.Get(sessionKey).(*services.OperatorSession)
	return sess
}

// SetSession attaches a session to the context
func SetSession(c echo.Context, sess *services.OperatorSession) {
	c.Set(sessionKey, sess)
}

// ClearSessionCookie expires the session cookie in the browser
func ClearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		MaxAge:   -1,
		HttpOnly: true,
		Path:     "/",
	})
}
