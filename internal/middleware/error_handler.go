package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"cwcr_console/internal/services"
)

// ErrorResponse is the body of every failed console request
type ErrorResponse struct {
	Message string `json:"message"`
}

var clientErrors = []struct {
	err  error
	code int
}{
	{services.ErrEmptySelection, http.StatusUnprocessableEntity},
	{services.ErrMonthAlreadyPaid, http.StatusUnprocessableEntity},
	{services.ErrFutureMonth, http.StatusUnprocessableEntity},
	{services.ErrUnknownMonth, http.StatusUnprocessableEntity},
	{services.ErrDuplicateMonth, http.StatusUnprocessableEntity},
	{services.ErrInvalidPaymentMode, http.StatusUnprocessableEntity},
	{services.ErrReferenceRequired, http.StatusUnprocessableEntity},
	{services.ErrContactRequired, http.StatusUnprocessableEntity},
	{services.ErrCodeRequired, http.StatusUnprocessableEntity},
	{services.ErrConfirmationRequired, http.StatusPreconditionRequired},
	{services.ErrIntentNotFound, http.StatusNotFound},
	{services.ErrSubscriptionNotFound, http.StatusNotFound},
	{services.ErrIntentClosed, http.StatusGone},
	{services.ErrIntentBusy, http.StatusConflict},
	{services.ErrGatewayNotOpen, http.StatusConflict},
	{services.ErrOrderMismatch, http.StatusConflict},
	{services.ErrInvalidTransition, http.StatusConflict},
	{services.ErrNotAuthorised, http.StatusForbidden},
	{services.ErrSessionInvalid, http.StatusUnauthorized},
	{services.ErrTooManyOTP, http.StatusTooManyRequests},
	{services.ErrBackendUnavailable, http.StatusBadGateway},
}

// sentinels whose text is meant for logs get a friendlier message
var operatorMessages = map[error]string{
	services.ErrContactRequired:    "Please enter your registered email or mobile number.",
	services.ErrCodeRequired:       "Please enter the OTP you received.",
	services.ErrNotAuthorised:      "You are not authorised to access the admin panel. Please contact the church office.",
	services.ErrTooManyOTP:         "Too many OTP requests. Please wait a few minutes and try again.",
	services.ErrBackendUnavailable: "The church server could not be reached. Please try again.",
}

// StatusOf maps an error to the status and message shown to the operator
func StatusOf(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok && msg != "" {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}

	var apiErr *services.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Status
		if code >= http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		return code, apiErr.Message
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, strings.ToLower(fe.Field()))
		}
		return http.StatusUnprocessableEntity, "Invalid or missing fields: " + strings.Join(fields, ", ")
	}

	for _, ce := range clientErrors {
		if errors.Is(err, ce.err) {
			if msg, ok := operatorMessages[ce.err]; ok {
				return ce.code, msg
			}
			return ce.code, err.Error()
		}
	}
	return http.StatusInternalServerError, "Something went wrong. Please try again later."
}

// CustomErrorHandler renders every error as {message} JSON
func CustomErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, message := StatusOf(err)
	if code >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}

	var sendErr error
	if c.Request().Method == http.MethodHead {
		sendErr = c.NoContent(code)
	} else {
		sendErr = c.JSON(code, ErrorResponse{Message: message})
	}
	if sendErr != nil {
		c.Logger().Error(sendErr)
	}
}
