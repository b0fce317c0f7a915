package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionRecordDecodesFlatRecord(t *testing.T) {
	payload := `{
		"id": 7,
		"member_id": "1042",
		"monthly_fee": "100.00",
		"apr_payment_id": 501,
		"apr_paid_at": "2026-04-03 10:15:00",
		"may_payment_id": "pay_QxYz",
		"may_paid_at": "2026-05-02T08:00:00.000000Z",
		"jun_payment_id": null,
		"jun_paid_at": null,
		"jul_payment_id": ""
	}`

	var rec SubscriptionRecord
	require.NoError(t, json.Unmarshal([]byte(payload), &rec))

	assert.Equal(t, uint(7), rec.ID)
	assert.Equal(t, uint(1042), rec.MemberID)
	assert.Equal(t, "100", rec.MonthlyFee.String())

	assert.Equal(t, "501", rec.Month(Apr).PaymentID)
	require.NotNil(t, rec.Month(Apr).PaidAt)
	assert.Equal(t, time.April, rec.Month(Apr).PaidAt.Month())

	assert.True(t, rec.Month(May).Paid())
	require.NotNil(t, rec.Month(May).PaidAt)

	for _, m := range []FiscalMonth{Jun, Jul, Aug, Mar} {
		assert.False(t, rec.Month(m).Paid(), m.String())
		assert.Nil(t, rec.Month(m).PaidAt, m.String())
	}
}

func TestSubscriptionRecordNumericFee(t *testing.T) {
	var rec SubscriptionRecord
	require.NoError(t, json.Unmarshal([]byte(`{"monthly_fee": 250}`), &rec))
	assert.Equal(t, "250", rec.MonthlyFee.String())

	require.NoError(t, json.Unmarshal([]byte(`{"monthly_fee": null}`), &rec))
	assert.True(t, rec.MonthlyFee.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"monthly_fee": "abc"}`), &rec))
}

func TestSubscriptionRecordEncodesFlatRecord(t *testing.T) {
	var rec SubscriptionRecord
	require.NoError(t, json.Unmarshal([]byte(`{"monthly_fee": 100, "sep_payment_id": 9}`), &rec))

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "9", fields["sep_payment_id"])
	assert.Nil(t, fields["oct_payment_id"])
	assert.Contains(t, fields, "mar_paid_at")
}
