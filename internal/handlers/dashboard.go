package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"cwcr_console/internal/models"
	"cwcr_console/internal/services"
)

const dashboardCacheTTL = time.Minute

// DashboardHandler serves the dashboard, reports and greetings endpoints
type DashboardHandler struct {
	backend *services.BackendClient
	cache   *services.RedisCache
}

// NewDashboardHandler creates a new DashboardHandler; cache may be nil
func NewDashboardHandler(backend *services.BackendClient, cache *services.RedisCache) *DashboardHandler {
	return &DashboardHandler{backend: backend, cache: cache}
}

// Dashboard returns the backend dashboard, cached per operator for a minute
func (h *DashboardHandler) Dashboard(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	key := fmt.Sprintf("dashboard:%d", sess.OperatorID())
	data, err := services.GetOrSet(h.cache, ctx, key, dashboardCacheTTL, func() (json.RawMessage, error) {
		return h.backend.Dashboard(ctx, sess.Token)
	})
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, data)
}

// DailyCollection returns the cash collection report of the signed-in admin for a day
func (h *DashboardHandler) DailyCollection(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}

	date := c.QueryParam("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD")
	}

	report, err := h.backend.DailyReport(c.Request().Context(), sess.Token, date)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// RunGreetings starts the birthday or anniversary greetings job
func (h *DashboardHandler) RunGreetings(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	kind := services.GreetingKind(c.Param("kind"))
	if !kind.Valid() {
		return echo.NewHTTPError(http.StatusNotFound, "Unknown greeting type")
	}

	if err := h.backend.RunGreetings(c.Request().Context(), sess.Token, kind); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, MessageResponse{Message: fmt.Sprintf("%s greetings started", kind)})
}

// GreetingLogs returns the progress log of the latest greetings job
func (h *DashboardHandler) GreetingLogs(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	kind := services.GreetingKind(c.Param("kind"))
	if !kind.Valid() {
		return echo.NewHTTPError(http.StatusNotFound, "Unknown greeting type")
	}

	logs, err := h.backend.GreetingLogs(c.Request().Context(), sess.Token, kind)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []models.GreetingLog{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": logs,
	})
}
