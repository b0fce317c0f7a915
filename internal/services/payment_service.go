package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cwcr_console/internal/metrics"
	"cwcr_console/internal/models"
)

var (
	ErrIntentNotFound       = errors.New("payment dialog not found")
	ErrIntentClosed         = errors.New("payment dialog was closed")
	ErrIntentBusy           = errors.New("a payment request is already in progress")
	ErrGatewayNotOpen       = errors.New("no payment window is open for this dialog")
	ErrOrderMismatch        = errors.New("payment does not belong to this order")
	ErrConfirmationRequired = errors.New("confirm the payment details before submitting")
	ErrReferenceRequired    = errors.New("reference number is required for UPI payments")
	ErrInvalidPaymentMode   = errors.New("payment mode must be cash or upi")
	ErrInvalidTransition    = errors.New("payment dialog is not ready for this action")
)

const (
	minIntentLockTTL = 30 * time.Second
	intentLockMargin = 10 * time.Second
	checkoutName     = "CSI Centenary Wesley Church"
	checkoutDesc     = "Subscription Payment"
	checkoutCurrency = "INR"
)

var paiseFactor = decimal.NewFromInt(100)

// Locker serialises requests on one intent
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SubscriptionBackend is the part of the church backend used by the pay dialog
type SubscriptionBackend interface {
	GetDue(ctx context.Context, token string, memberID uint) (*models.SubscriptionDueResponse, error)
	CreateOrder(ctx context.Context, token string, memberID uint, months []models.FiscalMonth) (*models.CreateOrderResponse, error)
	VerifyPayment(ctx context.Context, token string, cb models.GatewayCallback) (*models.Envelope, error)
	PayOffline(ctx context.Context, token string, memberID uint, body models.OfflinePaymentRequest, idempotencyKey string) (*models.Envelope, error)
}

type PaymentConfig struct {
	RazorpayKey    string
	OrgName        string
	GatewayTimeout time.Duration
	AllowAdvance   bool
	// per-call backend timeout; the submit lock must outlive a payment call plus the ledger reload
	BackendTimeout time.Duration
}

// Checkout is what the browser hands to the gateway widget
type Checkout struct {
	Key         string    `json:"key"`
	Amount      int64     `json:"amount"` // paise
	Currency    string    `json:"currency"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OrderID     string    `json:"order_id"`
	IntentID    string    `json:"intent_id"`
	Deadline    time.Time `json:"deadline"`
	IsExisting  bool      `json:"is_existing"`
}

// IntentView is an intent with its ledger, as rendered by the pay dialog
type IntentView struct {
	Intent     *models.PaymentSession `json:"intent"`
	Ledger     Ledger                 `json:"ledger"`
	Selectable []models.FiscalMonth   `json:"selectable"`
	CanPay     bool                   `json:"can_pay"`
	Total      decimal.Decimal        `json:"total"`
	Message    string                 `json:"message,omitempty"`
}

// OfflineConfirmation is the summary the operator must affirm before an offline payment is recorded
type OfflineConfirmation struct {
	IntentID     string               `json:"intent_id"`
	MemberID     uint                 `json:"member_id"`
	MemberName   string               `json:"member_name"`
	Months       []models.FiscalMonth `json:"months"`
	Mode         models.PaymentMode   `json:"payment_mode"`
	ReferenceNo  string               `json:"reference_no"`
	Total        decimal.Decimal      `json:"total"`
	ConfirmToken string               `json:"confirm_token"`
}

type PaymentService struct {
	backend SubscriptionBackend
	store   IntentStore
	locker  Locker
	cfg     PaymentConfig
	lockTTL time.Duration
	now     func() time.Time
}

func NewPaymentService(backend SubscriptionBackend, store IntentStore, locker Locker, cfg PaymentConfig) *PaymentService {
	if cfg.OrgName == "" {
		cfg.OrgName = checkoutName
	}
	lockTTL := 2*cfg.BackendTimeout + intentLockMargin
	if lockTTL < minIntentLockTTL {
		lockTTL = minIntentLockTTL
	}
	return &PaymentService{
		backend: backend,
		store:   store,
		locker:  locker,
		cfg:     cfg,
		lockTTL: lockTTL,
		now:     time.Now,
	}
}

// Open fetches the member's subscription, reconciles it and starts a pay
// dialog with every due month selected
func (s *PaymentService) Open(ctx context.Context, sess *OperatorSession, memberID uint) (*IntentView, error) {
	due, err := s.backend.GetDue(ctx, sess.Token, memberID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ledger := Reconcile(*due.Subscription, now)
	intent := &models.PaymentSession{
		UUID:           uuid.NewString(),
		MemberID:       memberID,
		OperatorID:     sess.OperatorID(),
		Months:         ledger.DefaultSelection,
		MonthlyFee:     ledger.MonthlyFee,
		PaymentGateway: models.PaymentGatewayRazorpay,
		Mode:           models.PaymentModeOnline,
		State:          models.IntentStateIdle,
		IsActive:       true,
		Subscription:   *due.Subscription,
		OpenedAt:       now,
	}
	if due.Member != nil {
		intent.MemberName = due.Member.DisplayName()
	}
	if err := s.store.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	metrics.PaymentIntentsOpen.Inc()
	log.Printf("Opened payment intent %s for member %d with %d due months", intent.UUID, memberID, len(ledger.DefaultSelection))

	return s.view(intent), nil
}

// Get returns the dialog, applying the gateway timeout if it has passed
func (s *PaymentService) Get(ctx context.Context, sess *OperatorSession, id string) (*IntentView, error) {
	intent, err := s.load(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if intent.IsActive {
		if err := s.expireIfStale(ctx, intent); err != nil {
			return nil, err
		}
	}
	return s.view(intent), nil
}

// Select replaces the selection. An empty selection is stored as is; paying
// with it is refused later without any backend call.
func (s *PaymentService) Select(ctx context.Context, sess *OperatorSession, id string, months []models.FiscalMonth) (*IntentView, error) {
	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	intent, err := s.loadActive(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if intent.State != models.IntentStateIdle {
		return nil, ErrInvalidTransition
	}

	selection := []models.FiscalMonth{}
	if len(months) > 0 {
		selection, err = s.ledger(intent).NormalizeSelection(months, s.cfg.AllowAdvance)
		if err != nil {
			return nil, err
		}
	}
	if !sameMonths(selection, intent.Months) {
		intent.IdempotencyKey = ""
		intent.ConfirmToken = ""
	}
	intent.Months = selection
	intent.LastError = ""
	if err := s.store.Update(ctx, intent); err != nil {
		return nil, err
	}
	return s.view(intent), nil
}

// StartOnline creates a gateway order for the selection. An order that is
// still open is handed back unless forceNew is set.
func (s *PaymentService) StartOnline(ctx context.Context, sess *OperatorSession, id string, forceNew bool) (*Checkout, error) {
	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	intent, err := s.loadActive(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if err := s.expireIfStale(ctx, intent); err != nil {
		return nil, err
	}
	if err := s.recoverInFlight(intent); err != nil {
		return nil, err
	}

	if intent.State == models.IntentStateGatewayOpen {
		if !forceNew {
			if checkout, ok := s.existingCheckout(intent); ok {
				return checkout, nil
			}
		}
		log.Printf("Discarding open order %s of intent %s", intent.OrderID, intent.UUID)
		intent.State = models.IntentStateIdle
		intent.GatewayDeadline = nil
	}
	if intent.State != models.IntentStateIdle {
		return nil, ErrInvalidTransition
	}

	months, err := s.ledger(intent).NormalizeSelection(intent.Months, s.cfg.AllowAdvance)
	if err != nil {
		return nil, err
	}

	intent.Months = months
	intent.Mode = models.PaymentModeOnline
	intent.PaymentGateway = models.PaymentGatewayRazorpay
	submitted := s.now()
	intent.State = models.IntentStateOrderRequested
	intent.SubmittedAt = &submitted
	intent.LastError = ""
	intent.RetireOrder()
	intent.RequestMetadata = mustJSON(models.CreateOrderRequest{Months: months})
	if err := s.store.Update(ctx, intent); err != nil {
		return nil, err
	}

	resp, err := s.backend.CreateOrder(ctx, sess.Token, intent.MemberID, months)
	if err != nil {
		return nil, s.fail(ctx, intent, "online", err)
	}

	deadline := s.now().Add(s.cfg.GatewayTimeout)
	intent.State = models.IntentStateGatewayOpen
	intent.SubmittedAt = nil
	intent.OrderID = resp.Order.ID
	intent.Amount = resp.Amount
	intent.GatewayDeadline = &deadline
	intent.ResponseMetadata = mustJSON(resp)
	if err := s.store.Update(ctx, intent); err != nil {
		if errors.Is(err, ErrIntentClosed) {
			s.discarded("online", intent)
		}
		return nil, err
	}
	log.Printf("Gateway order %s opened for intent %s, amount %s", resp.Order.ID, intent.UUID, resp.Amount)

	return s.checkout(intent, resp, false), nil
}

// CompleteGateway forwards the gateway callback to the backend for
// signature verification. Only a verified payment completes the dialog.
func (s *PaymentService) CompleteGateway(ctx context.Context, sess *OperatorSession, id string, cb models.GatewayCallback) (*IntentView, error) {
	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	intent, err := s.loadActive(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if err := s.expireIfStale(ctx, intent); err != nil {
		return nil, err
	}
	if err := s.recoverInFlight(intent); err != nil {
		return nil, err
	}
	// a timed out or dismissed widget may still have captured the payment
	late := intent.State == models.IntentStateIdle && intent.KnowsOrder(cb.OrderID)
	if intent.State != models.IntentStateGatewayOpen && !late {
		s.recordCallback(ctx, intent, cb, false, ErrGatewayNotOpen.Error())
		return nil, ErrGatewayNotOpen
	}
	if !intent.KnowsOrder(cb.OrderID) {
		s.recordCallback(ctx, intent, cb, false, ErrOrderMismatch.Error())
		return nil, ErrOrderMismatch
	}
	if late {
		log.Printf("Verifying late callback for order %s of intent %s", cb.OrderID, intent.UUID)
	}

	submitted := s.now()
	intent.State = models.IntentStateVerifyRequested
	intent.SubmittedAt = &submitted
	intent.GatewayDeadline = nil
	if err := s.store.Update(ctx, intent); err != nil {
		return nil, err
	}

	resp, err := s.backend.VerifyPayment(ctx, sess.Token, cb)
	if err != nil {
		s.recordCallback(ctx, intent, cb, false, err.Error())
		return nil, s.fail(ctx, intent, "online", err)
	}
	s.recordCallback(ctx, intent, cb, true, resp.Message)

	return s.complete(ctx, sess, intent, "online", "Payment successful")
}

// AbandonGateway returns the dialog to idle after the gateway widget was dismissed
func (s *PaymentService) AbandonGateway(ctx context.Context, sess *OperatorSession, id string) (*IntentView, error) {
	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	intent, err := s.loadActive(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if intent.State != models.IntentStateGatewayOpen {
		return nil, ErrGatewayNotOpen
	}
	intent.State = models.IntentStateIdle
	intent.GatewayDeadline = nil
	if err := s.store.Update(ctx, intent); err != nil {
		return nil, err
	}
	metrics.PaymentOutcomesTotal.WithLabelValues("online", "abandoned").Inc()
	log.Printf("Gateway abandoned for intent %s", intent.UUID)
	return s.view(intent), nil
}

// PrepareOffline validates a cash/UPI payment and returns the summary to affirm
func (s *PaymentService) PrepareOffline(ctx context.Context, sess *OperatorSession, id string, mode models.PaymentMode, referenceNo string) (*OfflineConfirmation, error) {
	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	intent, err := s.loadActive(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if err := s.expireIfStale(ctx, intent); err != nil {
		return nil, err
	}
	if err := s.recoverInFlight(intent); err != nil {
		return nil, err
	}
	if intent.State != models.IntentStateIdle {
		return nil, ErrInvalidTransition
	}

	if !mode.Offline() {
		return nil, ErrInvalidPaymentMode
	}
	referenceNo = strings.TrimSpace(referenceNo)
	if mode == models.PaymentModeUPI && referenceNo == "" {
		return nil, ErrReferenceRequired
	}
	months, err := s.ledger(intent).NormalizeSelection(intent.Months, s.cfg.AllowAdvance)
	if err != nil {
		return nil, err
	}

	// the key survives retries of an unchanged attestation
	if intent.IdempotencyKey == "" || intent.Mode != mode || intent.ReferenceNo != referenceNo || !sameMonths(months, intent.Months) {
		intent.IdempotencyKey = uuid.NewString()
	}
	intent.Months = months
	intent.Mode = mode
	intent.ReferenceNo = referenceNo
	intent.PaymentGateway = models.PaymentGatewayManual
	intent.ConfirmToken = uuid.NewString()
	intent.LastError = ""
	if err := s.store.Update(ctx, intent); err != nil {
		return nil, err
	}

	return &OfflineConfirmation{
		IntentID:     intent.UUID,
		MemberID:     intent.MemberID,
		MemberName:   intent.MemberName,
		Months:       intent.Months,
		Mode:         intent.Mode,
		ReferenceNo:  intent.ReferenceNo,
		Total:        intent.Total(),
		ConfirmToken: intent.ConfirmToken,
	}, nil
}

// ConfirmOffline records the affirmed offline payment on the backend
func (s *PaymentService) ConfirmOffline(ctx context.Context, sess *OperatorSession, id, confirmToken string) (*IntentView, error) {
	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	intent, err := s.loadActive(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if err := s.recoverInFlight(intent); err != nil {
		return nil, err
	}
	if intent.State != models.IntentStateIdle {
		return nil, ErrInvalidTransition
	}
	if len(intent.Months) == 0 {
		return nil, ErrEmptySelection
	}
	if intent.ConfirmToken == "" || confirmToken != intent.ConfirmToken || !intent.Mode.Offline() {
		return nil, ErrConfirmationRequired
	}

	body := models.OfflinePaymentRequest{
		Months:      intent.Months,
		PaymentMode: intent.Mode,
		ReferenceNo: intent.ReferenceNo,
	}
	submitted := s.now()
	intent.State = models.IntentStateOfflineSubmit
	intent.SubmittedAt = &submitted
	intent.RequestMetadata = mustJSON(body)
	if err := s.store.Update(ctx, intent); err != nil {
		return nil, err
	}

	resp, err := s.backend.PayOffline(ctx, sess.Token, intent.MemberID, body, intent.IdempotencyKey)
	if err != nil {
		return nil, s.fail(ctx, intent, "offline", err)
	}
	intent.ResponseMetadata = mustJSON(resp)

	return s.complete(ctx, sess, intent, "offline", "Payment recorded successfully")
}

// Close ends the dialog. Requests still in flight for it are discarded when they return.
func (s *PaymentService) Close(ctx context.Context, sess *OperatorSession, id string) error {
	if _, err := s.load(ctx, sess, id); err != nil {
		return err
	}
	closed, err := s.store.Close(ctx, id)
	if err != nil {
		return err
	}
	if closed {
		metrics.PaymentIntentsOpen.Dec()
		log.Printf("Closed payment intent %s", id)
	}
	return nil
}

// ExpireStale returns every gateway left open past its deadline to idle
func (s *PaymentService) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireGateways(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.PaymentOutcomesTotal.WithLabelValues("online", "expired").Add(float64(n))
	}
	return n, nil
}

func (s *PaymentService) lock(ctx context.Context, id string) (func(), error) {
	release, err := s.locker.Acquire(ctx, "intent:"+id, s.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, ErrIntentBusy
		}
		return nil, fmt.Errorf("lock payment intent: %w", err)
	}
	return release, nil
}

func (s *PaymentService) load(ctx context.Context, sess *OperatorSession, id string) (*models.PaymentSession, error) {
	intent, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.OperatorID != sess.OperatorID() {
		return nil, ErrIntentNotFound
	}
	return intent, nil
}

func (s *PaymentService) loadActive(ctx context.Context, sess *OperatorSession, id string) (*models.PaymentSession, error) {
	intent, err := s.load(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if !intent.IsActive {
		return nil, ErrIntentClosed
	}
	return intent, nil
}

// recoverInFlight resets an in-flight state left by a request that never
// finished. A submission younger than the lock TTL may still be running and
// is reported busy.
func (s *PaymentService) recoverInFlight(intent *models.PaymentSession) error {
	if !intent.State.InFlight() {
		return nil
	}
	if intent.SubmittedAt != nil && s.now().Sub(*intent.SubmittedAt) < s.lockTTL {
		return ErrIntentBusy
	}
	log.Printf("Intent %s was left in %s, resetting to idle", intent.UUID, intent.State)
	intent.State = models.IntentStateIdle
	intent.SubmittedAt = nil
	return nil
}

func (s *PaymentService) expireIfStale(ctx context.Context, intent *models.PaymentSession) error {
	if !intent.GatewayExpired(s.now()) {
		return nil
	}
	intent.State = models.IntentStateIdle
	intent.GatewayDeadline = nil
	intent.LastError = gatewayTimeoutMessage
	if err := s.store.Update(ctx, intent); err != nil {
		return err
	}
	metrics.PaymentOutcomesTotal.WithLabelValues("online", "expired").Inc()
	log.Printf("Gateway for intent %s timed out", intent.UUID)
	return nil
}

// fail returns the dialog to idle with the backend message; selection, mode and reference stay
func (s *PaymentService) fail(ctx context.Context, intent *models.PaymentSession, path string, cause error) error {
	intent.State = models.IntentStateIdle
	intent.SubmittedAt = nil
	intent.GatewayDeadline = nil
	intent.LastError = cause.Error()
	if err := s.store.Update(ctx, intent); err != nil {
		if errors.Is(err, ErrIntentClosed) {
			s.discarded(path, intent)
			return ErrIntentClosed
		}
		log.Printf("Failed to store failure of intent %s: %v", intent.UUID, err)
	}
	metrics.PaymentOutcomesTotal.WithLabelValues(path, "failed").Inc()
	log.Printf("Payment %s failed for intent %s: %v", path, intent.UUID, cause)
	return cause
}

// complete reloads the ledger from the backend and closes the dialog
func (s *PaymentService) complete(ctx context.Context, sess *OperatorSession, intent *models.PaymentSession, path, message string) (*IntentView, error) {
	if due, err := s.backend.GetDue(ctx, sess.Token, intent.MemberID); err != nil {
		log.Printf("Ledger reload after payment of intent %s failed: %v", intent.UUID, err)
	} else {
		intent.Subscription = *due.Subscription
		intent.MonthlyFee = due.Subscription.MonthlyFee
	}
	intent.OpenedAt = s.now()
	intent.State = models.IntentStateCompleted
	intent.SubmittedAt = nil
	intent.LastError = ""
	intent.ConfirmToken = ""
	intent.IsActive = false
	if err := s.store.Update(ctx, intent); err != nil {
		if errors.Is(err, ErrIntentClosed) {
			s.discarded(path, intent)
		}
		return nil, err
	}
	metrics.PaymentIntentsOpen.Dec()
	metrics.PaymentOutcomesTotal.WithLabelValues(path, "completed").Inc()
	log.Printf("Payment %s completed for intent %s, member %d, months %v", path, intent.UUID, intent.MemberID, intent.Months)

	view := s.view(intent)
	view.Message = message
	return view, nil
}

func (s *PaymentService) discarded(path string, intent *models.PaymentSession) {
	metrics.PaymentOutcomesTotal.WithLabelValues(path, "discarded").Inc()
	log.Printf("Discarded late response for closed intent %s", intent.UUID)
}

func (s *PaymentService) recordCallback(ctx context.Context, intent *models.PaymentSession, cb models.GatewayCallback, verified bool, message string) {
	entry := &models.PaymentCallbackHistory{
		PaymentGateway: models.PaymentGatewayRazorpay,
		IntentUUID:     intent.UUID,
		OrderID:        cb.OrderID,
		Verified:       verified,
		Metadata: mustJSON(map[string]string{
			"razorpay_order_id":   cb.OrderID,
			"razorpay_payment_id": cb.PaymentID,
			"message":             message,
		}),
	}
	if err := s.store.RecordCallback(ctx, entry); err != nil {
		log.Printf("Failed to record gateway callback for intent %s: %v", intent.UUID, err)
	}
}

func (s *PaymentService) existingCheckout(intent *models.PaymentSession) (*Checkout, bool) {
	var resp models.CreateOrderResponse
	if err := json.Unmarshal(intent.ResponseMetadata, &resp); err != nil || resp.Order.ID != intent.OrderID {
		return nil, false
	}
	return s.checkout(intent, &resp, true), true
}

func (s *PaymentService) checkout(intent *models.PaymentSession, resp *models.CreateOrderResponse, existing bool) *Checkout {
	key := resp.RazorpayKey
	if key == "" {
		key = s.cfg.RazorpayKey
	}
	currency := resp.Order.Currency
	if currency == "" {
		currency = checkoutCurrency
	}
	var deadline time.Time
	if intent.GatewayDeadline != nil {
		deadline = *intent.GatewayDeadline
	}
	return &Checkout{
		Key:         key,
		Amount:      resp.Amount.Mul(paiseFactor).IntPart(),
		Currency:    currency,
		Name:        s.cfg.OrgName,
		Description: checkoutDesc,
		OrderID:     resp.Order.ID,
		IntentID:    intent.UUID,
		Deadline:    deadline,
		IsExisting:  existing,
	}
}

func (s *PaymentService) ledger(intent *models.PaymentSession) Ledger {
	return Reconcile(intent.Subscription, intent.OpenedAt)
}

func (s *PaymentService) view(intent *models.PaymentSession) *IntentView {
	ledger := s.ledger(intent)
	return &IntentView{
		Intent:     intent,
		Ledger:     ledger,
		Selectable: ledger.Selectable(s.cfg.AllowAdvance),
		CanPay:     intent.IsActive && len(intent.Months) > 0 && ledger.CanPay(s.cfg.AllowAdvance),
		Total:      intent.Total(),
	}
}

func sameMonths(a, b []models.FiscalMonth) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
