package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cwcr_console/internal/middleware"
	"cwcr_console/internal/services"
)

// AuthHandler handles the OTP login endpoints
type AuthHandler struct {
	sessions     *services.SessionService
	secureCookie bool
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(sessions *services.SessionService, secureCookie bool) *AuthHandler {
	return &AuthHandler{sessions: sessions, secureCookie: secureCookie}
}

// SendOTP asks the backend to deliver a login code
func (h *AuthHandler) SendOTP(c echo.Context) error {
	var req SendOTPRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	message, err := h.sessions.SendOTP(c.Request().Context(), req.Contact)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: message})
}

// VerifyOTP signs the admin in and sets the session cookie
func (h *AuthHandler) VerifyOTP(c echo.Context) error {
	var req VerifyOTPRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	sess, cookieValue, err := h.sessions.Login(c.Request().Context(), req.Contact, req.Code)
	if err != nil {
		return err
	}

	// Set HTTP-Only Cookie
	c.SetCookie(&http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    cookieValue,
		MaxAge:   int(h.sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})

	return c.JSON(http.StatusOK, map[string]interface{}{
		"member":     sess.Member,
		"name":       sess.Member.DisplayName(),
		"expires_at": sess.ExpiresAt,
	})
}

// Me returns the signed-in admin
func (h *AuthHandler) Me(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"member":     sess.Member,
		"name":       sess.Member.DisplayName(),
		"expires_at": sess.ExpiresAt,
	})
}

// Logout revokes the session and clears the cookie
func (h *AuthHandler) Logout(c echo.Context) error {
	if cookie, err := c.Cookie(middleware.SessionCookie); err == nil && cookie.Value != "" {
		ctx := c.Request().Context()
		if sess, err := h.sessions.Authenticate(ctx, cookie.Value); err == nil {
			if err := h.sessions.Logout(ctx, sess); err != nil {
				c.Logger().Error(err)
			}
		}
	}
	middleware.ClearSessionCookie(c)

	return c.JSON(http.StatusOK, MessageResponse{Message: "Logged out"})
}
