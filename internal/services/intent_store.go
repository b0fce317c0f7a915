package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"cwcr_console/internal/models"
)

const gatewayTimeoutMessage = "The payment window timed out. Please start the payment again."

// IntentStore persists pay dialogs. Update only applies to an intent that is
// still active and reports ErrIntentClosed otherwise, so a response that
// arrives after the dialog was closed never lands.
type IntentStore interface {
	Create(ctx context.Context, intent *models.PaymentSession) error
	Get(ctx context.Context, id string) (*models.PaymentSession, error)
	Update(ctx context.Context, intent *models.PaymentSession) error
	Close(ctx context.Context, id string) (bool, error)
	ExpireGateways(ctx context.Context, now time.Time) (int64, error)
	RecordCallback(ctx context.Context, entry *models.PaymentCallbackHistory) error
}

// GormIntentStore keeps intents in the payment_sessions table
type GormIntentStore struct {
	db *gorm.DB
}

func NewGormIntentStore(db *gorm.DB) *GormIntentStore {
	return &GormIntentStore{db: db}
}

func (s *GormIntentStore) Create(ctx context.Context, intent *models.PaymentSession) error {
	return s.db.WithContext(ctx).Create(intent).Error
}

func (s *GormIntentStore) Get(ctx context.Context, id string) (*models.PaymentSession, error) {
	var intent models.PaymentSession
	err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

func (s *GormIntentStore) Update(ctx context.Context, intent *models.PaymentSession) error {
	res := s.db.WithContext(ctx).
		Model(&models.PaymentSession{}).
		Where("uuid = ? AND is_active = ?", intent.UUID, true).
		Select("*").
		Omit("id", "uuid", "created_at", "deleted_at").
		Updates(intent)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIntentClosed
	}
	return nil
}

// Close deactivates the intent and reports whether it was still open
func (s *GormIntentStore) Close(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.PaymentSession{}).
		Where("uuid = ? AND is_active = ?", id, true).
		Update("is_active", false)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ExpireGateways returns every open gateway past its deadline to idle
func (s *GormIntentStore) ExpireGateways(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.PaymentSession{}).
		Where("is_active = ? AND state = ? AND gateway_deadline < ?", true, models.IntentStateGatewayOpen, now).
		Updates(map[string]interface{}{
			"state":            models.IntentStateIdle,
			"gateway_deadline": nil,
			"last_error":       gatewayTimeoutMessage,
		})
	return res.RowsAffected, res.Error
}

func (s *GormIntentStore) RecordCallback(ctx context.Context, entry *models.PaymentCallbackHistory) error {
	return s.db.WithContext(ctx).Create(entry).Error
}
