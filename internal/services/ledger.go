package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cwcr_console/internal/models"
)

var (
	ErrEmptySelection   = errors.New("select at least one month to pay")
	ErrMonthAlreadyPaid = errors.New("month is already paid")
	ErrFutureMonth      = errors.New("month is not due yet")
	ErrUnknownMonth     = errors.New("unknown month")
	ErrDuplicateMonth   = errors.New("month selected twice")
)

// MonthState is the derived status of one fiscal month for a member.
// Exactly one of Paid, Due and Future() holds.
type MonthState struct {
	Month     models.FiscalMonth `json:"month"`
	Paid      bool               `json:"paid"`
	Due       bool               `json:"due"`
	PaymentID string             `json:"payment_id,omitempty"`
	PaidAt    *time.Time         `json:"paid_at,omitempty"`
}

// Future reports an unpaid month after the current fiscal month
func (s MonthState) Future() bool {
	return !s.Paid && !s.Due
}

// Status is the single-word label of the month
func (s MonthState) Status() string {
	switch {
	case s.Paid:
		return "paid"
	case s.Due:
		return "due"
	default:
		return "future"
	}
}

// Ledger is the 12-month view of a subscription record as of one day
type Ledger struct {
	MemberID         uint                             `json:"member_id"`
	MonthlyFee       decimal.Decimal                  `json:"monthly_fee"`
	Months           [models.MonthsPerYear]MonthState `json:"months"`
	CurrentMonth     models.FiscalMonth               `json:"current_month"`
	DefaultSelection []models.FiscalMonth             `json:"default_selection"`
}

// Reconcile derives the month states and the default selection (every due
// month, in fiscal order) from a subscription record. It is a pure function
// of its inputs.
func Reconcile(record models.SubscriptionRecord, today time.Time) Ledger {
	current := models.FiscalMonthOf(today)

	ledger := Ledger{
		MemberID:         record.MemberID,
		MonthlyFee:       record.MonthlyFee,
		CurrentMonth:     current,
		DefaultSelection: []models.FiscalMonth{},
	}
	for _, m := range models.FiscalMonths() {
		slot := record.Month(m)
		state := MonthState{
			Month:     m,
			Paid:      slot.Paid(),
			PaymentID: slot.PaymentID,
			PaidAt:    slot.PaidAt,
		}
		state.Due = !state.Paid && m <= current
		ledger.Months[m] = state
		if state.Due {
			ledger.DefaultSelection = append(ledger.DefaultSelection, m)
		}
	}
	return ledger
}

// Selectable lists the months an operator may put in a selection
func (l Ledger) Selectable(allowAdvance bool) []models.FiscalMonth {
	var out []models.FiscalMonth
	for _, s := range l.Months {
		if s.Due || (allowAdvance && s.Future()) {
			out = append(out, s.Month)
		}
	}
	return out
}

// CanPay is false when there is nothing left to select; the pay action must be disabled then
func (l Ledger) CanPay(allowAdvance bool) bool {
	return len(l.Selectable(allowAdvance)) > 0
}

// NormalizeSelection validates a selection against the ledger and returns it
// de-duplicated in fiscal order
func (l Ledger) NormalizeSelection(months []models.FiscalMonth, allowAdvance bool) ([]models.FiscalMonth, error) {
	if len(months) == 0 {
		return nil, ErrEmptySelection
	}

	var picked [models.MonthsPerYear]bool
	for _, m := range months {
		if !m.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownMonth, int(m))
		}
		if picked[m] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMonth, m)
		}
		state := l.Months[m]
		if state.Paid {
			return nil, fmt.Errorf("%w: %s", ErrMonthAlreadyPaid, m)
		}
		if state.Future() && !allowAdvance {
			return nil, fmt.Errorf("%w: %s", ErrFutureMonth, m)
		}
		picked[m] = true
	}

	out := make([]models.FiscalMonth, 0, len(months))
	for i, ok := range picked {
		if ok {
			out = append(out, models.FiscalMonth(i))
		}
	}
	return out, nil
}
