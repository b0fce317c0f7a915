package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// IntentState is the position of a payment intent in the confirmation protocol
type IntentState string

const (
	IntentStateIdle            IntentState = "idle"
	IntentStateOrderRequested  IntentState = "order_requested"
	IntentStateGatewayOpen     IntentState = "gateway_open"
	IntentStateVerifyRequested IntentState = "verify_requested"
	IntentStateOfflineSubmit   IntentState = "offline_submitted"
	IntentStateCompleted       IntentState = "completed"
)

// InFlight reports whether a backend call is outstanding in this state
func (s IntentState) InFlight() bool {
	return s == IntentStateOrderRequested || s == IntentStateVerifyRequested || s == IntentStateOfflineSubmit
}

// PaymentMode is how the operator collects the money
type PaymentMode string

const (
	PaymentModeOnline PaymentMode = "online"
	PaymentModeCash   PaymentMode = "cash"
	PaymentModeUPI    PaymentMode = "upi"
)

// Offline reports whether the mode is a manual attestation
func (m PaymentMode) Offline() bool {
	return m == PaymentModeCash || m == PaymentModeUPI
}

// PaymentSession is one open pay dialog: the selection, the chosen mode and
// where the confirmation protocol currently stands
type PaymentSession struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	UUID       string `gorm:"type:varchar(36);uniqueIndex" json:"id"`
	MemberID   uint   `gorm:"index" json:"member_id"`
	MemberName string `gorm:"type:varchar(255)" json:"member_name"`
	OperatorID uint   `gorm:"index" json:"operator_id"`

	Months     []FiscalMonth   `gorm:"serializer:json" json:"months"`
	MonthlyFee decimal.Decimal `gorm:"type:decimal(15,2)" json:"monthly_fee"`
	Amount     decimal.Decimal `gorm:"type:decimal(15,2)" json:"amount"` // server-computed, set once an order exists

	// ledger snapshot taken when the dialog opened
	Subscription SubscriptionRecord `gorm:"serializer:json;type:jsonb" json:"-"`
	OpenedAt     time.Time          `json:"opened_at"`

	PaymentGateway PaymentGateway `gorm:"type:varchar(50);not null;default:'razorpay'" json:"payment_gateway"`
	Mode           PaymentMode    `gorm:"type:varchar(20)" json:"mode"`
	ReferenceNo    string         `gorm:"type:varchar(100)" json:"reference_no"`
	State          IntentState    `gorm:"type:varchar(30);index" json:"state"`
	OrderID        string         `gorm:"type:varchar(100);index" json:"order_id,omitempty"`

	// orders replaced by a newer one; the browser may still complete them
	PreviousOrderIDs []string `gorm:"serializer:json" json:"-"`

	IdempotencyKey  string     `gorm:"type:varchar(36)" json:"-"`
	ConfirmToken    string     `gorm:"type:varchar(36)" json:"-"`
	GatewayDeadline *time.Time `gorm:"index" json:"gateway_deadline,omitempty"`
	SubmittedAt     *time.Time `json:"-"` // when the outstanding backend call started
	LastError       string     `gorm:"type:text" json:"last_error,omitempty"`
	IsActive        bool       `gorm:"default:true" json:"is_active"`

	RequestMetadata  json.RawMessage `gorm:"type:jsonb" json:"-"`
	ResponseMetadata json.RawMessage `gorm:"type:jsonb" json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeletedAt        gorm.DeletedAt  `gorm:"index" json:"-"`
}

// Total is fee x selected months, the figure shown before an order exists
func (s PaymentSession) Total() decimal.Decimal {
	return s.MonthlyFee.Mul(decimal.NewFromInt(int64(len(s.Months))))
}

// GatewayExpired reports whether the gateway widget has been open past its deadline
func (s PaymentSession) GatewayExpired(now time.Time) bool {
	return s.State == IntentStateGatewayOpen && s.GatewayDeadline != nil && now.After(*s.GatewayDeadline)
}

// maxPreviousOrders bounds the replaced orders an intent still accepts callbacks for
const maxPreviousOrders = 5

// KnowsOrder reports whether orderID is the current order or one it replaced
func (s PaymentSession) KnowsOrder(orderID string) bool {
	if orderID == "" {
		return false
	}
	if orderID == s.OrderID {
		return true
	}
	for _, id := range s.PreviousOrderIDs {
		if id == orderID {
			return true
		}
	}
	return false
}

// RetireOrder moves the current order to the replaced list
func (s *PaymentSession) RetireOrder() {
	if s.OrderID == "" {
		return
	}
	s.PreviousOrderIDs = append(s.PreviousOrderIDs, s.OrderID)
	if len(s.PreviousOrderIDs) > maxPreviousOrders {
		s.PreviousOrderIDs = s.PreviousOrderIDs[len(s.PreviousOrderIDs)-maxPreviousOrders:]
	}
	s.OrderID = ""
}
