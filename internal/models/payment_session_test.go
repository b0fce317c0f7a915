package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetireOrderKeepsRecentOrders(t *testing.T) {
	var s PaymentSession
	s.RetireOrder()
	assert.Empty(t, s.PreviousOrderIDs)
	assert.False(t, s.KnowsOrder(""))

	for i := 1; i <= maxPreviousOrders+2; i++ {
		s.OrderID = fmt.Sprintf("order_%d", i)
		assert.True(t, s.KnowsOrder(s.OrderID))
		s.RetireOrder()
		assert.Empty(t, s.OrderID)
	}

	assert.Len(t, s.PreviousOrderIDs, maxPreviousOrders)
	assert.False(t, s.KnowsOrder("order_1"))
	assert.False(t, s.KnowsOrder("order_2"))
	assert.True(t, s.KnowsOrder("order_3"))
	assert.True(t, s.KnowsOrder(fmt.Sprintf("order_%d", maxPreviousOrders+2)))
}
