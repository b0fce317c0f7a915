package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cwcr_console/internal/models"
)

type fakeSubscriptionBackend struct {
	mu sync.Mutex

	record     models.SubscriptionRecord
	member     *models.Member
	orderSeq   int
	orderErr   error
	verifyErr  error
	offlineErr error

	// runs before the backend answers, to simulate the dialog closing mid-flight
	beforeReply func(call string)

	calls         []string
	orderMonths   []models.FiscalMonth
	offlineBodies []models.OfflinePaymentRequest
	offlineKeys   []string
}

func (b *fakeSubscriptionBackend) called(name string) {
	b.mu.Lock()
	b.calls = append(b.calls, name)
	hook := b.beforeReply
	b.mu.Unlock()
	if hook != nil {
		hook(name)
	}
}

func (b *fakeSubscriptionBackend) markPaid(months []models.FiscalMonth, id string) {
	at := time.Date(2026, 10, 10, 12, 0, 0, 0, time.UTC)
	for _, m := range months {
		b.record.Months[m] = models.MonthPayment{PaymentID: id, PaidAt: &at}
	}
}

func (b *fakeSubscriptionBackend) GetDue(ctx context.Context, token string, memberID uint) (*models.SubscriptionDueResponse, error) {
	b.called("due")
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.record
	return &models.SubscriptionDueResponse{Member: b.member, Subscription: &rec}, nil
}

func (b *fakeSubscriptionBackend) CreateOrder(ctx context.Context, token string, memberID uint, months []models.FiscalMonth) (*models.CreateOrderResponse, error) {
	b.called("pay")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.orderErr != nil {
		return nil, b.orderErr
	}
	b.orderSeq++
	b.orderMonths = months
	amount := b.record.MonthlyFee.Mul(decimal.NewFromInt(int64(len(months))))
	return &models.CreateOrderResponse{
		Amount: amount,
		Order:  models.GatewayOrder{ID: "order_" + string(rune('A'-1+b.orderSeq)), Amount: amount.Mul(decimal.NewFromInt(100))},
	}, nil
}

func (b *fakeSubscriptionBackend) VerifyPayment(ctx context.Context, token string, cb models.GatewayCallback) (*models.Envelope, error) {
	b.called("verify")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.verifyErr != nil {
		return nil, b.verifyErr
	}
	b.markPaid(b.orderMonths, cb.PaymentID)
	return &models.Envelope{Message: "Payment verified"}, nil
}

func (b *fakeSubscriptionBackend) PayOffline(ctx context.Context, token string, memberID uint, body models.OfflinePaymentRequest, idempotencyKey string) (*models.Envelope, error) {
	b.called("pay-offline")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offlineBodies = append(b.offlineBodies, body)
	b.offlineKeys = append(b.offlineKeys, idempotencyKey)
	if b.offlineErr != nil {
		return nil, b.offlineErr
	}
	b.markPaid(body.Months, "cash_1")
	return &models.Envelope{Message: "Payment recorded"}, nil
}

func (b *fakeSubscriptionBackend) callsTo(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == name {
			n++
		}
	}
	return n
}

type memIntentStore struct {
	mu        sync.Mutex
	intents   map[string]models.PaymentSession
	callbacks []models.PaymentCallbackHistory
}

func newMemIntentStore() *memIntentStore {
	return &memIntentStore{intents: make(map[string]models.PaymentSession)}
}

func cloneIntent(in models.PaymentSession) models.PaymentSession {
	in.Months = append([]models.FiscalMonth(nil), in.Months...)
	in.PreviousOrderIDs = append([]string(nil), in.PreviousOrderIDs...)
	return in
}

func (s *memIntentStore) Create(ctx context.Context, intent *models.PaymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent.ID = uint(len(s.intents) + 1)
	s.intents[intent.UUID] = cloneIntent(*intent)
	return nil
}

func (s *memIntentStore) Get(ctx context.Context, id string) (*models.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	out := cloneIntent(intent)
	return &out, nil
}

func (s *memIntentStore) Update(ctx context.Context, intent *models.PaymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.intents[intent.UUID]
	if !ok || !stored.IsActive {
		return ErrIntentClosed
	}
	s.intents[intent.UUID] = cloneIntent(*intent)
	return nil
}

func (s *memIntentStore) Close(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.intents[id]
	if !ok || !stored.IsActive {
		return false, nil
	}
	stored.IsActive = false
	s.intents[id] = stored
	return true, nil
}

func (s *memIntentStore) ExpireGateways(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, intent := range s.intents {
		if intent.IsActive && intent.GatewayExpired(now) {
			intent.State = models.IntentStateIdle
			intent.GatewayDeadline = nil
			intent.LastError = gatewayTimeoutMessage
			s.intents[id] = intent
			n++
		}
	}
	return n, nil
}

func (s *memIntentStore) RecordCallback(ctx context.Context, entry *models.PaymentCallbackHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, *entry)
	return nil
}

// memLocker expires locks like SET NX PX does and only lets the owner release
type memLocker struct {
	mu   sync.Mutex
	now  func() time.Time
	seq  int
	held map[string]heldLock
}

type heldLock struct {
	owner   int
	expires time.Time
}

func newMemLocker(now func() time.Time) *memLocker {
	return &memLocker{now: now, held: make(map[string]heldLock)}
}

func (l *memLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && l.now().Before(h.expires) {
		return nil, ErrLockHeld
	}
	l.seq++
	owner := l.seq
	l.held[key] = heldLock{owner: owner, expires: l.now().Add(ttl)}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].owner == owner {
			delete(l.held, key)
		}
	}, nil
}

type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return func() {}, nil
}

type paymentFixture struct {
	svc     *PaymentService
	backend *fakeSubscriptionBackend
	store   *memIntentStore
	locker  *memLocker
	sess    *OperatorSession
	clock   time.Time
}

// october: apr..aug paid, sep and oct due
func newPaymentFixture(t *testing.T, paid ...models.FiscalMonth) *paymentFixture {
	t.Helper()
	rec := models.SubscriptionRecord{MemberID: 42, MonthlyFee: decimal.NewFromInt(100)}
	at := time.Date(2026, 4, 5, 10, 0, 0, 0, time.UTC)
	for _, m := range paid {
		rec.Months[m] = models.MonthPayment{PaymentID: "old_" + m.String(), PaidAt: &at}
	}
	name := "Anand Raj"
	f := &paymentFixture{
		backend: &fakeSubscriptionBackend{record: rec, member: &models.Member{ID: 42, Name: name}},
		store:   newMemIntentStore(),
		sess:    &OperatorSession{ID: "s1", Token: "admin-token", Member: models.Member{ID: 7}},
		clock:   time.Date(2026, time.October, 10, 11, 0, 0, 0, time.UTC),
	}
	f.locker = newMemLocker(func() time.Time { return f.clock })
	f.svc = NewPaymentService(f.backend, f.store, f.locker, PaymentConfig{
		RazorpayKey:    "rzp_test_key",
		GatewayTimeout: 15 * time.Minute,
		BackendTimeout: 20 * time.Second,
	})
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func paidThroughAug() []models.FiscalMonth {
	return []models.FiscalMonth{models.Apr, models.May, models.Jun, models.Jul, models.Aug}
}

func TestOpenSelectsDueMonths(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)

	view, err := f.svc.Open(context.Background(), f.sess, 42)
	require.NoError(t, err)

	assert.Equal(t, []models.FiscalMonth{models.Sep, models.Oct}, view.Intent.Months)
	assert.Equal(t, models.IntentStateIdle, view.Intent.State)
	assert.Equal(t, "Anand Raj", view.Intent.MemberName)
	assert.Equal(t, uint(7), view.Intent.OperatorID)
	assert.True(t, view.CanPay)
	assert.Equal(t, "200", view.Total.String())
	assert.NotEmpty(t, view.Intent.UUID)
}

func TestOfflinePaymentSuccess(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	_, err = f.svc.Select(ctx, f.sess, id, []models.FiscalMonth{models.Oct, models.Sep})
	require.NoError(t, err)

	summary, err := f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, " RCPT-001 ")
	require.NoError(t, err)
	assert.Equal(t, "Anand Raj", summary.MemberName)
	assert.Equal(t, []models.FiscalMonth{models.Sep, models.Oct}, summary.Months)
	assert.Equal(t, models.PaymentModeCash, summary.Mode)
	assert.Equal(t, "RCPT-001", summary.ReferenceNo)
	assert.Equal(t, "200", summary.Total.String())
	require.NotEmpty(t, summary.ConfirmToken)
	assert.Equal(t, 0, f.backend.callsTo("pay-offline"), "nothing is recorded before confirmation")

	done, err := f.svc.ConfirmOffline(ctx, f.sess, id, summary.ConfirmToken)
	require.NoError(t, err)

	assert.Equal(t, "Payment recorded successfully", done.Message)
	assert.Equal(t, models.IntentStateCompleted, done.Intent.State)
	assert.False(t, done.Intent.IsActive)
	assert.True(t, done.Ledger.Months[models.Sep].Paid)
	assert.True(t, done.Ledger.Months[models.Oct].Paid)

	require.Len(t, f.backend.offlineBodies, 1)
	body := f.backend.offlineBodies[0]
	assert.Equal(t, []models.FiscalMonth{models.Sep, models.Oct}, body.Months)
	assert.Equal(t, models.PaymentModeCash, body.PaymentMode)
	assert.Equal(t, "RCPT-001", body.ReferenceNo)
	assert.NotEmpty(t, f.backend.offlineKeys[0])

	_, err = f.svc.Select(ctx, f.sess, id, []models.FiscalMonth{models.Sep})
	assert.ErrorIs(t, err, ErrIntentClosed)
}

func TestConfirmOfflineRequiresConfirmation(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	_, err = f.svc.ConfirmOffline(ctx, f.sess, id, "")
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	summary, err := f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "")
	require.NoError(t, err)

	_, err = f.svc.ConfirmOffline(ctx, f.sess, id, "not-"+summary.ConfirmToken)
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	// changing the selection invalidates the confirmed summary
	_, err = f.svc.Select(ctx, f.sess, id, []models.FiscalMonth{models.Sep})
	require.NoError(t, err)
	_, err = f.svc.ConfirmOffline(ctx, f.sess, id, summary.ConfirmToken)
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	assert.Equal(t, 0, f.backend.callsTo("pay-offline"))
}

func TestPrepareOfflineValidation(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	_, err = f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeOnline, "x")
	assert.ErrorIs(t, err, ErrInvalidPaymentMode)

	_, err = f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeUPI, "  ")
	assert.ErrorIs(t, err, ErrReferenceRequired)

	summary, err := f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeUPI, "UPI-77812")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentModeUPI, summary.Mode)
}

func TestOfflineFailureKeepsDetailsAndIdempotencyKey(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()
	f.backend.offlineErr = &APIError{Status: http.StatusGatewayTimeout, Message: "Gateway Timeout"}

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	summary, err := f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "RCPT-001")
	require.NoError(t, err)

	_, err = f.svc.ConfirmOffline(ctx, f.sess, id, summary.ConfirmToken)
	require.Error(t, err)
	assert.Equal(t, "Gateway Timeout", err.Error())

	after, err := f.svc.Get(ctx, f.sess, id)
	require.NoError(t, err)
	assert.True(t, after.Intent.IsActive)
	assert.Equal(t, models.IntentStateIdle, after.Intent.State)
	assert.Equal(t, "Gateway Timeout", after.Intent.LastError)
	assert.Equal(t, "RCPT-001", after.Intent.ReferenceNo)
	assert.Equal(t, []models.FiscalMonth{models.Sep, models.Oct}, after.Intent.Months)
	assert.False(t, after.Ledger.Months[models.Sep].Paid)

	// operator retries the same attestation
	f.backend.offlineErr = nil
	_, err = f.svc.ConfirmOffline(ctx, f.sess, id, summary.ConfirmToken)
	require.NoError(t, err)

	require.Len(t, f.backend.offlineKeys, 2)
	assert.Equal(t, f.backend.offlineKeys[0], f.backend.offlineKeys[1])
}

func TestIdempotencyKeyFollowsAttestation(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	keyOf := func() string {
		intent, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		return intent.IdempotencyKey
	}

	_, err = f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "RCPT-001")
	require.NoError(t, err)
	first := keyOf()
	require.NotEmpty(t, first)

	_, err = f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "RCPT-001")
	require.NoError(t, err)
	assert.Equal(t, first, keyOf())

	_, err = f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "RCPT-002")
	require.NoError(t, err)
	assert.NotEqual(t, first, keyOf())
}

func TestOnlinePaymentVerified(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	checkout, err := f.svc.StartOnline(ctx, f.sess, id, false)
	require.NoError(t, err)
	assert.Equal(t, "rzp_test_key", checkout.Key)
	assert.Equal(t, int64(20000), checkout.Amount)
	assert.Equal(t, "INR", checkout.Currency)
	assert.Equal(t, "CSI Centenary Wesley Church", checkout.Name)
	assert.Equal(t, "Subscription Payment", checkout.Description)
	assert.Equal(t, "order_A", checkout.OrderID)
	assert.Equal(t, f.clock.Add(15*time.Minute), checkout.Deadline)
	assert.False(t, checkout.IsExisting)

	done, err := f.svc.CompleteGateway(ctx, f.sess, id, models.GatewayCallback{
		OrderID:   "order_A",
		PaymentID: "pay_123",
		Signature: "sig",
	})
	require.NoError(t, err)
	assert.Equal(t, "Payment successful", done.Message)
	assert.Equal(t, models.IntentStateCompleted, done.Intent.State)
	assert.False(t, done.Intent.IsActive)
	assert.Equal(t, "pay_123", done.Ledger.Months[models.Oct].PaymentID)

	require.Len(t, f.store.callbacks, 1)
	assert.True(t, f.store.callbacks[0].Verified)
	assert.Equal(t, "order_A", f.store.callbacks[0].OrderID)
}

func TestOnlineVerifyFailureKeepsDialogOpen(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()
	f.backend.verifyErr = &APIError{Status: http.StatusBadRequest, Message: "signature mismatch"}

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	_, err = f.svc.StartOnline(ctx, f.sess, id, false)
	require.NoError(t, err)

	_, err = f.svc.CompleteGateway(ctx, f.sess, id, models.GatewayCallback{OrderID: "order_A", PaymentID: "pay_1", Signature: "bad"})
	require.Error(t, err)
	assert.Equal(t, "signature mismatch", err.Error())

	after, err := f.svc.Get(ctx, f.sess, id)
	require.NoError(t, err)
	assert.True(t, after.Intent.IsActive)
	assert.Equal(t, models.IntentStateIdle, after.Intent.State)
	assert.Equal(t, "signature mismatch", after.Intent.LastError)
	assert.Equal(t, []models.FiscalMonth{models.Sep, models.Oct}, after.Intent.Months)
	assert.False(t, after.Ledger.Months[models.Sep].Paid)
	assert.False(t, after.Ledger.Months[models.Oct].Paid)
	assert.True(t, after.CanPay)

	require.Len(t, f.store.callbacks, 1)
	assert.False(t, f.store.callbacks[0].Verified)

	// retry goes through a new order
	checkout, err := f.svc.StartOnline(ctx, f.sess, id, false)
	require.NoError(t, err)
	assert.Equal(t, "order_B", checkout.OrderID)
}

func TestOrderCreationFailureSurfacesMessage(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()
	f.backend.orderErr = &APIError{Status: http.StatusUnprocessableEntity, Message: "Months already paid"}

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)

	_, err = f.svc.StartOnline(ctx, f.sess, view.Intent.UUID, false)
	require.Error(t, err)
	assert.Equal(t, "Months already paid", err.Error())

	after, err := f.svc.Get(ctx, f.sess, view.Intent.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateIdle, after.Intent.State)
	assert.Empty(t, after.Intent.OrderID)
}

func TestEmptySelectionMakesNoBackendCall(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	cleared, err := f.svc.Select(ctx, f.sess, id, nil)
	require.NoError(t, err)
	assert.Empty(t, cleared.Intent.Months)
	assert.False(t, cleared.CanPay)
	assert.True(t, cleared.Total.IsZero())

	_, err = f.svc.StartOnline(ctx, f.sess, id, false)
	assert.ErrorIs(t, err, ErrEmptySelection)
	_, err = f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "R1")
	assert.ErrorIs(t, err, ErrEmptySelection)
	_, err = f.svc.ConfirmOffline(ctx, f.sess, id, "token")
	assert.ErrorIs(t, err, ErrEmptySelection)

	assert.Equal(t, 0, f.backend.callsTo("pay"))
	assert.Equal(t, 0, f.backend.callsTo("pay-offline"))
}

func TestFullyPaidMemberCannotPay(t *testing.T) {
	f := newPaymentFixture(t, models.FiscalMonths()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	assert.False(t, view.CanPay)
	assert.Empty(t, view.Intent.Months)
	assert.Empty(t, view.Selectable)

	_, err = f.svc.StartOnline(ctx, f.sess, view.Intent.UUID, false)
	assert.ErrorIs(t, err, ErrEmptySelection)

	_, err = f.svc.Select(ctx, f.sess, view.Intent.UUID, []models.FiscalMonth{models.Apr})
	assert.ErrorIs(t, err, ErrMonthAlreadyPaid)
	assert.Equal(t, 0, f.backend.callsTo("pay"))
}

func TestFutureMonthsNeedAdvancePayment(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)

	_, err = f.svc.Select(ctx, f.sess, view.Intent.UUID, []models.FiscalMonth{models.Sep, models.Nov})
	assert.ErrorIs(t, err, ErrFutureMonth)

	f.svc.cfg.AllowAdvance = true
	selected, err := f.svc.Select(ctx, f.sess, view.Intent.UUID, []models.FiscalMonth{models.Sep, models.Nov})
	require.NoError(t, err)
	assert.Equal(t, []models.FiscalMonth{models.Sep, models.Nov}, selected.Intent.Months)
	assert.Contains(t, selected.Selectable, models.Mar)
}

func TestLateOrderResponseAfterCloseIsDiscarded(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	f.backend.beforeReply = func(call string) {
		if call == "pay" {
			require.NoError(t, f.svc.Close(ctx, f.sess, id))
		}
	}

	_, err = f.svc.StartOnline(ctx, f.sess, id, false)
	assert.ErrorIs(t, err, ErrIntentClosed)

	stored, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Empty(t, stored.OrderID, "order from the late response is not applied")
	assert.Nil(t, stored.GatewayDeadline)
}

func TestLateVerifyFailureAfterCloseIsDiscarded(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()
	f.backend.verifyErr = &APIError{Status: http.StatusBadRequest, Message: "signature mismatch"}

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID
	_, err = f.svc.StartOnline(ctx, f.sess, id, false)
	require.NoError(t, err)

	f.backend.beforeReply = func(call string) {
		if call == "verify" {
			require.NoError(t, f.svc.Close(ctx, f.sess, id))
		}
	}

	_, err = f.svc.CompleteGateway(ctx, f.sess, id, models.GatewayCallback{OrderID: "order_A", PaymentID: "p", Signature: "s"})
	assert.ErrorIs(t, err, ErrIntentClosed)

	stored, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, stored.LastError)
}

func TestGatewayTimeoutReturnsToIdle(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID
	_, err = f.svc.StartOnline(ctx, f.sess, id, false)
	require.NoError(t, err)

	f.clock = f.clock.Add(16 * time.Minute)

	after, err := f.svc.Get(ctx, f.sess, id)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateIdle, after.Intent.State)
	assert.Equal(t, gatewayTimeoutMessage, after.Intent.LastError)
	assert.Equal(t, []models.FiscalMonth{models.Sep, models.Oct}, after.Intent.Months)

	// the widget captured the payment after the console gave up on it
	done, err := f.svc.CompleteGateway(ctx, f.sess, id, models.GatewayCallback{OrderID: "order_A", PaymentID: "pay_late", Signature: "s"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.backend.callsTo("verify"))
	assert.Equal(t, models.IntentStateCompleted, done.Intent.State)
	assert.True(t, done.Ledger.Months[models.Oct].Paid)
}

func TestIdleIntentRejectsCallbackWithoutOrder(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)

	_, err = f.svc.CompleteGateway(ctx, f.sess, view.Intent.UUID, models.GatewayCallback{OrderID: "order_A", PaymentID: "p", Signature: "s"})
	assert.ErrorIs(t, err, ErrGatewayNotOpen)
	assert.Equal(t, 0, f.backend.callsTo("verify"))
}

func TestExpireStaleSweepsOpenGateways(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	_, err = f.svc.StartOnline(ctx, f.sess, view.Intent.UUID, false)
	require.NoError(t, err)

	n, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	f.clock = f.clock.Add(time.Hour)
	n, err = f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := f.store.Get(ctx, view.Intent.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateIdle, stored.State)
}

func TestStartOnlineReusesOpenOrder(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	first, err := f.svc.StartOnline(ctx, f.sess, id, false)
	require.NoError(t, err)

	again, err := f.svc.StartOnline(ctx, f.sess, id, false)
	require.NoError(t, err)
	assert.True(t, again.IsExisting)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Equal(t, first.Amount, again.Amount)
	assert.Equal(t, 1, f.backend.callsTo("pay"))

	fresh, err := f.svc.StartOnline(ctx, f.sess, id, true)
	require.NoError(t, err)
	assert.False(t, fresh.IsExisting)
	assert.NotEqual(t, first.OrderID, fresh.OrderID)
	assert.Equal(t, 2, f.backend.callsTo("pay"))
}

func TestReplacedOrderCanStillComplete(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	first, err := f.svc.StartOnline(ctx, f.sess, id, false)
	require.NoError(t, err)
	fresh, err := f.svc.StartOnline(ctx, f.sess, id, true)
	require.NoError(t, err)
	require.Equal(t, "order_B", fresh.OrderID)

	// the first widget was still open and the member paid there
	done, err := f.svc.CompleteGateway(ctx, f.sess, id, models.GatewayCallback{OrderID: first.OrderID, PaymentID: "pay_1", Signature: "s"})
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateCompleted, done.Intent.State)
	assert.Equal(t, 1, f.backend.callsTo("verify"))

	require.Len(t, f.store.callbacks, 1)
	assert.Equal(t, "order_A", f.store.callbacks[0].OrderID)
}

func TestAbandonGateway(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	_, err = f.svc.AbandonGateway(ctx, f.sess, id)
	assert.ErrorIs(t, err, ErrGatewayNotOpen)

	_, err = f.svc.StartOnline(ctx, f.sess, id, false)
	require.NoError(t, err)

	_, err = f.svc.Select(ctx, f.sess, id, []models.FiscalMonth{models.Sep})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	after, err := f.svc.AbandonGateway(ctx, f.sess, id)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateIdle, after.Intent.State)
	assert.Empty(t, after.Intent.LastError)
	assert.Nil(t, after.Intent.GatewayDeadline)
	assert.Equal(t, []models.FiscalMonth{models.Sep, models.Oct}, after.Intent.Months)
}

func TestGatewayCallbackForAnotherOrder(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	_, err = f.svc.StartOnline(ctx, f.sess, view.Intent.UUID, false)
	require.NoError(t, err)

	_, err = f.svc.CompleteGateway(ctx, f.sess, view.Intent.UUID, models.GatewayCallback{OrderID: "order_Z", PaymentID: "p", Signature: "s"})
	assert.ErrorIs(t, err, ErrOrderMismatch)
	assert.Equal(t, 0, f.backend.callsTo("verify"))
}

func TestBusyIntentRejectsSecondSubmit(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	release, err := f.locker.Acquire(ctx, "intent:"+id, time.Minute)
	require.NoError(t, err)

	_, err = f.svc.StartOnline(ctx, f.sess, id, false)
	assert.ErrorIs(t, err, ErrIntentBusy)
	_, err = f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "R")
	assert.ErrorIs(t, err, ErrIntentBusy)
	assert.Equal(t, 0, f.backend.callsTo("pay"))

	release()
	_, err = f.svc.StartOnline(ctx, f.sess, id, false)
	assert.NoError(t, err)
}

func TestOfflineSubmitLockOutlivesSlowBackend(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID
	summary, err := f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "RCPT-001")
	require.NoError(t, err)

	// pay-offline and the ledger reload each run close to the backend timeout,
	// then a double click arrives while the reload is still running
	var second error
	retried := false
	f.backend.beforeReply = func(call string) {
		if call == "due" && f.backend.callsTo("pay-offline") == 1 && !retried {
			retried = true
			f.clock = f.clock.Add(35 * time.Second)
			_, second = f.svc.ConfirmOffline(ctx, f.sess, id, summary.ConfirmToken)
		}
	}

	done, err := f.svc.ConfirmOffline(ctx, f.sess, id, summary.ConfirmToken)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateCompleted, done.Intent.State)

	require.True(t, retried)
	assert.ErrorIs(t, second, ErrIntentBusy)
	assert.Equal(t, 1, f.backend.callsTo("pay-offline"))
}

func TestInFlightSubmitIsNotRecoveredEarly(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	f.svc.locker = noopLocker{}
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID
	summary, err := f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "RCPT-001")
	require.NoError(t, err)

	// a lock lost to a restarted cache still leaves the submission marked in flight
	var second error
	retried := false
	f.backend.beforeReply = func(call string) {
		if call == "due" && f.backend.callsTo("pay-offline") == 1 && !retried {
			retried = true
			f.clock = f.clock.Add(35 * time.Second)
			_, second = f.svc.ConfirmOffline(ctx, f.sess, id, summary.ConfirmToken)
		}
	}

	_, err = f.svc.ConfirmOffline(ctx, f.sess, id, summary.ConfirmToken)
	require.NoError(t, err)
	assert.ErrorIs(t, second, ErrIntentBusy)
	assert.Equal(t, 1, f.backend.callsTo("pay-offline"))
}

func TestAbandonedSubmitIsRecovered(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)
	id := view.Intent.UUID

	// a worker that died mid-request left the intent in flight
	stuck, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	submitted := f.clock
	stuck.State = models.IntentStateOfflineSubmit
	stuck.SubmittedAt = &submitted
	require.NoError(t, f.store.Update(ctx, stuck))

	_, err = f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "RCPT-001")
	assert.ErrorIs(t, err, ErrIntentBusy)

	f.clock = f.clock.Add(f.svc.lockTTL)
	summary, err := f.svc.PrepareOffline(ctx, f.sess, id, models.PaymentModeCash, "RCPT-001")
	require.NoError(t, err)
	assert.NotEmpty(t, summary.ConfirmToken)

	stored, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStateIdle, stored.State)
	assert.Nil(t, stored.SubmittedAt)
}

func TestLockTTLCoversBackendCalls(t *testing.T) {
	svc := NewPaymentService(nil, nil, nil, PaymentConfig{BackendTimeout: 20 * time.Second})
	assert.Equal(t, 50*time.Second, svc.lockTTL)

	svc = NewPaymentService(nil, nil, nil, PaymentConfig{BackendTimeout: 5 * time.Second})
	assert.Equal(t, minIntentLockTTL, svc.lockTTL)
}

func TestIntentBelongsToOperator(t *testing.T) {
	f := newPaymentFixture(t, paidThroughAug()...)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, f.sess, 42)
	require.NoError(t, err)

	other := &OperatorSession{ID: "s2", Token: "other", Member: models.Member{ID: 8}}
	_, err = f.svc.Get(ctx, other, view.Intent.UUID)
	assert.ErrorIs(t, err, ErrIntentNotFound)
	assert.ErrorIs(t, f.svc.Close(ctx, other, view.Intent.UUID), ErrIntentNotFound)

	_, err = f.svc.Get(ctx, f.sess, "missing")
	assert.True(t, errors.Is(err, ErrIntentNotFound))
}
