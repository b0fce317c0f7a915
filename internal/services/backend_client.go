package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"cwcr_console/internal/metrics"
	"cwcr_console/internal/models"
)

// ErrBackendUnavailable covers transport failures: the request never got an HTTP answer
var ErrBackendUnavailable = errors.New("church backend unavailable")

// ErrSubscriptionNotFound is returned when the backend answers without a subscription record
var ErrSubscriptionNotFound = errors.New("subscription not found")

// APIError is a non-2xx answer from the backend; Message is shown to the operator verbatim
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsUnauthorized reports a rejected or expired bearer token
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// GreetingKind selects the greetings job on the backend
type GreetingKind string

const (
	GreetingBirthday    GreetingKind = "birthday"
	GreetingAnniversary GreetingKind = "anniversary"
)

// Valid reports whether the backend knows the greeting kind
func (k GreetingKind) Valid() bool {
	return k == GreetingBirthday || k == GreetingAnniversary
}

// the backend registers the anniversary run route with this spelling
var greetingRunPaths = map[GreetingKind]string{
	GreetingBirthday:    "/admin/greetings/birthday/run",
	GreetingAnniversary: "/admin/greetings/anniversay/run",
}

const otpDeviceName = "cwcr-admin"

// BackendClient talks to the church REST API on behalf of a signed-in operator
type BackendClient struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewBackendClient creates a client with a per-request timeout
func NewBackendClient(baseURL string, timeout time.Duration) *BackendClient {
	c := &BackendClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "church-backend",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// application errors (4xx) are answers, not outages
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < http.StatusInternalServerError
			}
			return !errors.Is(err, ErrBackendUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker '%s' changed from %s to %s", name, from, to)
		},
	})
	return c
}

// ReceiptURL is the backend URL of a payment receipt download
func (c *BackendClient) ReceiptURL(paymentID string) string {
	if paymentID == "" {
		paymentID = "-"
	}
	return fmt.Sprintf("%s/admin/payments/%s/receipt", c.baseURL, url.PathEscape(paymentID))
}

type request struct {
	method   string
	path     string
	endpoint string // metrics label
	token    string
	query    url.Values
	headers  map[string]string
	payload  interface{}
}

func (c *BackendClient) do(ctx context.Context, r request, dest interface{}) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, r, dest)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return err
}

func (c *BackendClient) roundTrip(ctx context.Context, r request, dest interface{}) error {
	var bodyReader io.Reader
	if r.payload != nil {
		data, err := json.Marshal(r.payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ObserveBackend(r.endpoint, "error", started)
		return fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, r.method, r.path, err)
	}
	defer resp.Body.Close()
	metrics.ObserveBackend(r.endpoint, strconv.Itoa(resp.StatusCode), started)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrBackendUnavailable, r.path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, body)
	}

	if dest == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", r.path, err)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return &APIError{Status: status, Message: env.Message}
	}
	return &APIError{Status: status, Message: http.StatusText(status)}
}

// ListSubscriptions returns the subscription summary rows matching search
func (c *BackendClient) ListSubscriptions(ctx context.Context, token, search string) ([]models.SubscriptionRow, error) {
	var resp models.SubscriptionListResponse
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/admin/subscriptions",
		endpoint: "subscriptions.list",
		token:    token,
		query:    url.Values{"search": []string{search}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetSubscription returns the full ledger view data of a member
func (c *BackendClient) GetSubscription(ctx context.Context, token string, memberID uint) (*models.SubscriptionViewResponse, error) {
	var resp models.SubscriptionViewResponse
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("/admin/subscriptions/%d", memberID),
		endpoint: "subscriptions.view",
		token:    token,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDue fetches the subscription record used to build the pay ledger
func (c *BackendClient) GetDue(ctx context.Context, token string, memberID uint) (*models.SubscriptionDueResponse, error) {
	var resp models.SubscriptionDueResponse
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("/admin/subscriptions/%d/due", memberID),
		endpoint: "subscriptions.due",
		token:    token,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Subscription == nil {
		return nil, ErrSubscriptionNotFound
	}
	if resp.Subscription.MemberID == 0 {
		resp.Subscription.MemberID = memberID
	}
	return &resp, nil
}

// CreateOrder asks the backend for a gateway order covering months
func (c *BackendClient) CreateOrder(ctx context.Context, token string, memberID uint, months []models.FiscalMonth) (*models.CreateOrderResponse, error) {
	var resp models.CreateOrderResponse
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     fmt.Sprintf("/admin/subscriptions/%d/pay", memberID),
		endpoint: "subscriptions.pay",
		token:    token,
		payload:  models.CreateOrderRequest{Months: months},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Order.ID == "" {
		return nil, &APIError{Status: http.StatusBadGateway, Message: "Payment order was not created"}
	}
	return &resp, nil
}

// VerifyPayment forwards the gateway correlation fields for server-side signature checking
func (c *BackendClient) VerifyPayment(ctx context.Context, token string, cb models.GatewayCallback) (*models.Envelope, error) {
	var resp models.Envelope
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/admin/subscriptions/verify-payment",
		endpoint: "subscriptions.verify",
		token:    token,
		payload:  cb,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		return nil, &APIError{Status: http.StatusBadRequest, Message: messageOr(resp.Message, "Payment verification failed")}
	}
	return &resp, nil
}

// PayOffline records a cash/UPI payment; idempotencyKey is sent as the Idempotency-Key header
func (c *BackendClient) PayOffline(ctx context.Context, token string, memberID uint, body models.OfflinePaymentRequest, idempotencyKey string) (*models.Envelope, error) {
	var resp models.Envelope
	r := request{
		method:   http.MethodPost,
		path:     fmt.Sprintf("/admin/subscriptions/%d/pay-offline", memberID),
		endpoint: "subscriptions.pay_offline",
		token:    token,
		payload:  body,
	}
	if idempotencyKey != "" {
		r.headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	if err := c.do(ctx, r, &resp); err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		return nil, &APIError{Status: http.StatusBadRequest, Message: messageOr(resp.Message, "Payment was not recorded")}
	}
	return &resp, nil
}

// DailyReport returns the collection report for date (YYYY-MM-DD)
func (c *BackendClient) DailyReport(ctx context.Context, token, date string) (*models.DailyCollectionReport, error) {
	var resp models.DailyCollectionReport
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/admin/subscriptions/daily-report",
		endpoint: "subscriptions.daily_report",
		token:    token,
		query:    url.Values{"date": []string{date}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dashboard returns the dashboard payload untouched
func (c *BackendClient) Dashboard(ctx context.Context, token string) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/admin/dashboard",
		endpoint: "dashboard",
		token:    token,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// RunGreetings starts a greetings job on the backend
func (c *BackendClient) RunGreetings(ctx context.Context, token string, kind GreetingKind) error {
	path, ok := greetingRunPaths[kind]
	if !ok {
		return fmt.Errorf("unknown greeting kind %q", kind)
	}
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     path,
		endpoint: "greetings.run",
		token:    token,
	}, nil)
}

// GreetingLogs returns the progress log of the latest greetings job
func (c *BackendClient) GreetingLogs(ctx context.Context, token string, kind GreetingKind) ([]models.GreetingLog, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown greeting kind %q", kind)
	}
	var logs []models.GreetingLog
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("/admin/greetings/%s/logs", kind),
		endpoint: "greetings.logs",
		token:    token,
	}, &logs)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// SendOTP asks the backend to deliver a login code to contact (email or mobile)
func (c *BackendClient) SendOTP(ctx context.Context, contact string) (string, error) {
	var resp models.Envelope
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/otp/send",
		endpoint: "otp.send",
		payload:  map[string]string{"contact": contact},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Success == nil || !*resp.Success {
		return "", &APIError{Status: http.StatusBadRequest, Message: messageOr(resp.Message, "Failed to send OTP. Please check your details.")}
	}
	return messageOr(resp.Message, "OTP sent. Please check your email or mobile."), nil
}

// VerifyOTP exchanges a login code for an access token and member profile
func (c *BackendClient) VerifyOTP(ctx context.Context, contact, code string) (*models.OTPVerifyResponse, error) {
	var resp models.OTPVerifyResponse
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/otp/verify",
		endpoint: "otp.verify",
		payload: map[string]string{
			"contact":     contact,
			"code":        code,
			"device_name": otpDeviceName,
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.AccessToken == "" || resp.Member == nil {
		return nil, &APIError{Status: http.StatusUnauthorized, Message: messageOr(resp.Message, "OTP verification failed. Please try again.")}
	}
	return &resp, nil
}

// Logout revokes the bearer token on the backend
func (c *BackendClient) Logout(ctx context.Context, token string) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/logout",
		endpoint: "logout",
		token:    token,
		payload:  struct{}{},
	}, nil)
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
