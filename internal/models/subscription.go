package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MonthPayment is the payment reference recorded against one fiscal month
type MonthPayment struct {
	PaymentID string     `json:"payment_id,omitempty"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

// Paid reports whether the backend recorded a payment for the month
func (p MonthPayment) Paid() bool {
	return p.PaymentID != ""
}

// SubscriptionRecord is a member's subscription for one fiscal year.
// The backend sends it as a flat object ({month}_payment_id, {month}_paid_at);
// the JSON methods translate between that shape and the indexed array.
type SubscriptionRecord struct {
	ID         uint
	MemberID   uint
	MonthlyFee decimal.Decimal
	Months     [MonthsPerYear]MonthPayment
}

// Month returns the payment slot for m
func (r SubscriptionRecord) Month(m FiscalMonth) MonthPayment {
	if !m.Valid() {
		return MonthPayment{}
	}
	return r.Months[m]
}

var paidAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parsePaidAt(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range paidAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

// scalarString renders a JSON string or number as a string; null and absent give ""
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func scalarUint(raw json.RawMessage) (uint, error) {
	s, err := scalarString(raw)
	if err != nil || s == "" {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}

func (r *SubscriptionRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode subscription record: %w", err)
	}

	var rec SubscriptionRecord
	var err error
	if rec.ID, err = scalarUint(fields["id"]); err != nil {
		return fmt.Errorf("decode subscription id: %w", err)
	}
	if rec.MemberID, err = scalarUint(fields["member_id"]); err != nil {
		return fmt.Errorf("decode subscription member_id: %w", err)
	}

	fee, err := scalarString(fields["monthly_fee"])
	if err != nil {
		return fmt.Errorf("decode monthly_fee: %w", err)
	}
	if fee != "" {
		if rec.MonthlyFee, err = decimal.NewFromString(fee); err != nil {
			return fmt.Errorf("decode monthly_fee: %w", err)
		}
	}

	for _, m := range FiscalMonths() {
		pid, err := scalarString(fields[m.String()+"_payment_id"])
		if err != nil {
			return fmt.Errorf("decode %s_payment_id: %w", m, err)
		}
		paidAt, err := scalarString(fields[m.String()+"_paid_at"])
		if err != nil {
			return fmt.Errorf("decode %s_paid_at: %w", m, err)
		}
		rec.Months[m] = MonthPayment{PaymentID: pid, PaidAt: parsePaidAt(paidAt)}
	}

	*r = rec
	return nil
}

func (r SubscriptionRecord) MarshalJSON() ([]byte, error) {
	fields := map[string]interface{}{
		"monthly_fee": r.MonthlyFee,
	}
	if r.ID != 0 {
		fields["id"] = r.ID
	}
	if r.MemberID != 0 {
		fields["member_id"] = r.MemberID
	}
	for _, m := range FiscalMonths() {
		slot := r.Months[m]
		if slot.PaymentID != "" {
			fields[m.String()+"_payment_id"] = slot.PaymentID
		} else {
			fields[m.String()+"_payment_id"] = nil
		}
		if slot.PaidAt != nil {
			fields[m.String()+"_paid_at"] = slot.PaidAt.Format(time.RFC3339)
		} else {
			fields[m.String()+"_paid_at"] = nil
		}
	}
	return json.Marshal(fields)
}
