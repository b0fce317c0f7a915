package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"cwcr_console/internal/middleware"
	"cwcr_console/internal/models"
	"cwcr_console/internal/services"
)

// Validate checks request bodies after binding
var Validate = validator.New()

type SendOTPRequest struct {
	Contact string `json:"contact"`
}

type VerifyOTPRequest struct {
	Contact string `json:"contact"`
	Code    string `json:"code"`
}

// SelectionRequest replaces the months of a pay dialog; an empty list is allowed
type SelectionRequest struct {
	Months []models.FiscalMonth `json:"months"`
}

type StartOnlineRequest struct {
	ForceNew bool `json:"force_new"`
}

type OfflinePrepareRequest struct {
	PaymentMode models.PaymentMode `json:"payment_mode" validate:"required,oneof=cash upi"`
	ReferenceNo string             `json:"reference_no" validate:"max=100"`
}

type OfflineConfirmRequest struct {
	ConfirmToken string `json:"confirm_token" validate:"required"`
}

// MessageResponse is the body of actions that only report an outcome
type MessageResponse struct {
	Message string `json:"message"`
}

func bindAndValidate(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	return Validate.Struct(dst)
}

// Helper to get the signed-in operator
func operator(c echo.Context) (*services.OperatorSession, error) {
	sess := middleware.Session(c)
	if sess == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Please log in to continue.")
	}
	return sess, nil
}

func memberIDParam(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("memberId"), 10, 32)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Invalid member ID")
	}
	return uint(id), nil
}
