package models

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Member is the member/admin profile returned by the backend
type Member struct {
	ID            uint            `json:"id"`
	FirstName     *string         `json:"first_name"`
	LastName      *string         `json:"last_name"`
	Name          string          `json:"name,omitempty"`
	Role          *string         `json:"role"`
	ProfilePhoto  *string         `json:"profile_photo,omitempty"`
	MembershipFee decimal.Decimal `json:"membership_fee"`
}

// DisplayName prefers the explicit name, falling back to first + last name
func (m Member) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	var parts []string
	if m.FirstName != nil && *m.FirstName != "" {
		parts = append(parts, *m.FirstName)
	}
	if m.LastName != nil && *m.LastName != "" {
		parts = append(parts, *m.LastName)
	}
	return strings.Join(parts, " ")
}

// RoleName returns the lower-cased role, empty when unset
func (m Member) RoleName() string {
	if m.Role == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*m.Role))
}

// IsAdmin reports whether the member may use the admin console
func (m Member) IsAdmin() bool {
	role := m.RoleName()
	return role == "admin" || role == "super_admin"
}

// SubscriptionRow is one line of the subscriptions list
type SubscriptionRow struct {
	MemberID      uint            `json:"member_id"`
	Name          string          `json:"name"`
	MembershipFee decimal.Decimal `json:"membership_fee"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	DueAmount     decimal.Decimal `json:"due_amount"`
}

// CanPay is true when the row still has an outstanding amount
func (r SubscriptionRow) CanPay() bool {
	return r.DueAmount.IsPositive()
}

// SubscriptionListResponse wraps GET /admin/subscriptions
type SubscriptionListResponse struct {
	Data []SubscriptionRow `json:"data"`
}

// SubscriptionDueResponse wraps GET /admin/subscriptions/{id}/due
type SubscriptionDueResponse struct {
	Member       *Member             `json:"member,omitempty"`
	Subscription *SubscriptionRecord `json:"subscription"`
}

// SubscriptionViewResponse wraps GET /admin/subscriptions/{id}
type SubscriptionViewResponse struct {
	Member       Member              `json:"member"`
	Subscription *SubscriptionRecord `json:"subscription"`
	Months       []FiscalMonth       `json:"months"`
}

// GatewayOrder is the opaque order descriptor created by the backend
type GatewayOrder struct {
	ID       string          `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`
}

// CreateOrderRequest is the body of POST /admin/subscriptions/{id}/pay
type CreateOrderRequest struct {
	Months []FiscalMonth `json:"months"`
}

// CreateOrderResponse is the reply of the order-creation endpoint; Amount is authoritative
type CreateOrderResponse struct {
	Amount      decimal.Decimal `json:"amount"`
	Order       GatewayOrder    `json:"order"`
	RazorpayKey string          `json:"razorpay_key,omitempty"`
}

// GatewayCallback carries the three correlation fields issued by the gateway
type GatewayCallback struct {
	OrderID   string `json:"razorpay_order_id" validate:"required"`
	PaymentID string `json:"razorpay_payment_id" validate:"required"`
	Signature string `json:"razorpay_signature" validate:"required"`
}

// OfflinePaymentRequest is the body of POST /admin/subscriptions/{id}/pay-offline
type OfflinePaymentRequest struct {
	Months      []FiscalMonth `json:"months"`
	PaymentMode PaymentMode   `json:"payment_mode"`
	ReferenceNo string        `json:"reference_no"`
}

// Envelope is the generic success/failure reply of the backend
type Envelope struct {
	Success *bool           `json:"success,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CollectionPayment is one payment line in the daily collection report
type CollectionPayment struct {
	PaymentID   uint            `json:"payment_id"`
	MemberID    uint            `json:"member_id"`
	MemberName  string          `json:"member_name"`
	PaymentDate string          `json:"payment_date"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentMode string          `json:"payment_mode"`
	ReferenceNo string          `json:"reference_no"`
}

// DailyCollectionReport is the cash collection report of one admin for one day
type DailyCollectionReport struct {
	AdminID    uint   `json:"admin_id"`
	AdminName  string `json:"admin_name"`
	Date       string `json:"date"`
	ModeTotals struct {
		Cash  decimal.Decimal `json:"cash"`
		UPI   decimal.Decimal `json:"upi"`
		Other decimal.Decimal `json:"other"`
	} `json:"mode_totals"`
	Payments          []CollectionPayment `json:"payments"`
	TotalAmount       decimal.Decimal     `json:"total_amount"`
	TotalTransactions int                 `json:"total_transactions"`
}

// GreetingLog is one progress line of a greetings run
type GreetingLog struct {
	Message   string `json:"message"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// OTPVerifyResponse is the reply of POST /otp/verify
type OTPVerifyResponse struct {
	Success     bool    `json:"success"`
	Message     string  `json:"message"`
	AccessToken string  `json:"access_token"`
	Member      *Member `json:"member"`
}
