package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"cwcr_console/internal/models"
	"cwcr_console/internal/services"
)

type SubscriptionHandler struct {
	backend  *services.BackendClient
	payments *services.PaymentService
}

func NewSubscriptionHandler(backend *services.BackendClient, payments *services.PaymentService) *SubscriptionHandler {
	return &SubscriptionHandler{backend: backend, payments: payments}
}

// SubscriptionListItem is one row of the subscriptions table
type SubscriptionListItem struct {
	models.SubscriptionRow
	CanPay bool `json:"can_pay"`
}

// MonthRow is one month of the subscription view
type MonthRow struct {
	Month      models.FiscalMonth `json:"month"`
	Status     string             `json:"status"`
	PaymentID  string             `json:"payment_id,omitempty"`
	PaidAt     *time.Time         `json:"paid_at,omitempty"`
	ReceiptURL string             `json:"receipt_url,omitempty"`
}

type SubscriptionView struct {
	Member     models.Member      `json:"member"`
	Name       string             `json:"name"`
	MonthlyFee string             `json:"monthly_fee"`
	Current    models.FiscalMonth `json:"current_month"`
	Months     []MonthRow         `json:"months"`
}

// ListSubscriptions returns the subscription rows matching the search box
func (h *SubscriptionHandler) ListSubscriptions(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}

	search := strings.TrimSpace(c.QueryParam("search"))
	rows, err := h.backend.ListSubscriptions(c.Request().Context(), sess.Token, search)
	if err != nil {
		return err
	}

	items := make([]SubscriptionListItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, SubscriptionListItem{SubscriptionRow: row, CanPay: row.CanPay()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": items,
	})
}

// ViewSubscription returns the month-by-month view of a member with receipt links
func (h *SubscriptionHandler) ViewSubscription(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	memberID, err := memberIDParam(c)
	if err != nil {
		return err
	}

	resp, err := h.backend.GetSubscription(c.Request().Context(), sess.Token, memberID)
	if err != nil {
		return err
	}
	if resp.Subscription == nil {
		return services.ErrSubscriptionNotFound
	}

	ledger := services.Reconcile(*resp.Subscription, time.Now())
	months := resp.Months
	if len(months) == 0 {
		months = models.FiscalMonths()
	}

	view := SubscriptionView{
		Member:     resp.Member,
		Name:       resp.Member.DisplayName(),
		MonthlyFee: ledger.MonthlyFee.StringFixed(2),
		Current:    ledger.CurrentMonth,
		Months:     make([]MonthRow, 0, len(months)),
	}
	for _, m := range months {
		if !m.Valid() {
			continue
		}
		state := ledger.Months[m]
		row := MonthRow{
			Month:     m,
			Status:    state.Status(),
			PaymentID: state.PaymentID,
			PaidAt:    state.PaidAt,
		}
		if state.Paid {
			row.ReceiptURL = h.backend.ReceiptURL(state.PaymentID)
		}
		view.Months = append(view.Months, row)
	}
	return c.JSON(http.StatusOK, view)
}

// OpenIntent opens the pay dialog for a member
func (h *SubscriptionHandler) OpenIntent(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	memberID, err := memberIDParam(c)
	if err != nil {
		return err
	}

	view, err := h.payments.Open(c.Request().Context(), sess, memberID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, view)
}

// GetIntent returns the current state of a pay dialog
func (h *SubscriptionHandler) GetIntent(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	view, err := h.payments.Get(c.Request().Context(), sess, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// UpdateSelection replaces the selected months
func (h *SubscriptionHandler) UpdateSelection(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	var req SelectionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	view, err := h.payments.Select(c.Request().Context(), sess, c.Param("id"), req.Months)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// CloseIntent is the dialog close button
func (h *SubscriptionHandler) CloseIntent(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	if err := h.payments.Close(c.Request().Context(), sess, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// StartOnline creates the gateway order and returns the checkout options
func (h *SubscriptionHandler) StartOnline(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	var req StartOnlineRequest
	if c.Request().ContentLength > 0 {
		if err := bindAndValidate(c, &req); err != nil {
			return err
		}
	}

	checkout, err := h.payments.StartOnline(c.Request().Context(), sess, c.Param("id"), req.ForceNew)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, checkout)
}

// GatewayCallback receives the gateway completion fields from the browser
func (h *SubscriptionHandler) GatewayCallback(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	var cb models.GatewayCallback
	if err := bindAndValidate(c, &cb); err != nil {
		return err
	}

	view, err := h.payments.CompleteGateway(c.Request().Context(), sess, c.Param("id"), cb)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// GatewayAbandon is called when the gateway widget is dismissed without paying
func (h *SubscriptionHandler) GatewayAbandon(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	view, err := h.payments.AbandonGateway(c.Request().Context(), sess, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// PrepareOffline returns the summary to confirm before recording a cash/UPI payment
func (h *SubscriptionHandler) PrepareOffline(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	var req OfflinePrepareRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	summary, err := h.payments.PrepareOffline(c.Request().Context(), sess, c.Param("id"), req.PaymentMode, req.ReferenceNo)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

// ConfirmOffline records the confirmed cash/UPI payment
func (h *SubscriptionHandler) ConfirmOffline(c echo.Context) error {
	sess, err := operator(c)
	if err != nil {
		return err
	}
	var req OfflineConfirmRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	view, err := h.payments.ConfirmOffline(c.Request().Context(), sess, c.Param("id"), req.ConfirmToken)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}
