package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cwcr_console/internal/models"
)

var (
	ErrContactRequired = errors.New("contact is required")
	ErrCodeRequired    = errors.New("otp code is required")
	ErrNotAuthorised   = errors.New("member is not an admin")
	ErrSessionInvalid  = errors.New("session is missing or expired")
	ErrTooManyOTP      = errors.New("too many otp requests")
)

const (
	sessionKeyPrefix = "session:"
	otpKeyPrefix     = "otp-send:"
	otpSendLimit     = 5
	otpSendWindow    = 10 * time.Minute
)

// OperatorSession is the signed-in admin: acquired at login, attached to
// every backend call, removed at logout
type OperatorSession struct {
	ID        string        `json:"id"`
	Token     string        `json:"token"`
	Member    models.Member `json:"member"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// OperatorID is the backend member id of the admin
func (s *OperatorSession) OperatorID() uint {
	return s.Member.ID
}

// SessionStore persists operator sessions
type SessionStore interface {
	Save(ctx context.Context, s *OperatorSession, ttl time.Duration) error
	Load(ctx context.Context, id string) (*OperatorSession, error)
	Delete(ctx context.Context, id string) error
}

// RateLimiter counts events in a rolling window
type RateLimiter interface {
	CountInWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// AuthBackend is the part of the church backend used for login
type AuthBackend interface {
	SendOTP(ctx context.Context, contact string) (string, error)
	VerifyOTP(ctx context.Context, contact, code string) (*models.OTPVerifyResponse, error)
	Logout(ctx context.Context, token string) error
}

// RedisSessionStore keeps sessions as JSON values in Redis
type RedisSessionStore struct {
	cache *RedisCache
}

func NewRedisSessionStore(cache *RedisCache) *RedisSessionStore {
	return &RedisSessionStore{cache: cache}
}

func (s *RedisSessionStore) Save(ctx context.Context, sess *OperatorSession, ttl time.Duration) error {
	return s.cache.Set(ctx, sessionKeyPrefix+sess.ID, sess, ttl)
}

func (s *RedisSessionStore) Load(ctx context.Context, id string) (*OperatorSession, error) {
	var sess OperatorSession
	if err := s.cache.Get(ctx, sessionKeyPrefix+id, &sess); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}
	return &sess, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return s.cache.Delete(ctx, sessionKeyPrefix+id)
}

// SessionService runs the OTP login and resolves session cookies
type SessionService struct {
	backend AuthBackend
	store   SessionStore
	limiter RateLimiter
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewSessionService wires the login flow; limiter may be nil to disable OTP throttling
func NewSessionService(backend AuthBackend, store SessionStore, limiter RateLimiter, secret string, ttl time.Duration) *SessionService {
	return &SessionService{
		backend: backend,
		store:   store,
		limiter: limiter,
		secret:  []byte(secret),
		ttl:     ttl,
		now:     time.Now,
	}
}

// TTL is how long a session and its cookie live
func (s *SessionService) TTL() time.Duration {
	return s.ttl
}

// SendOTP requests a login code for contact
func (s *SessionService) SendOTP(ctx context.Context, contact string) (string, error) {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return "", ErrContactRequired
	}
	if s.limiter != nil {
		n, err := s.limiter.CountInWindow(ctx, otpKeyPrefix+strings.ToLower(contact), otpSendWindow)
		if err != nil {
			log.Printf("OTP rate limiter unavailable: %v", err)
		} else if n > otpSendLimit {
			return "", ErrTooManyOTP
		}
	}
	return s.backend.SendOTP(ctx, contact)
}

// Login verifies the code, rejects non-admin members, and returns the new
// session with its signed cookie value
func (s *SessionService) Login(ctx context.Context, contact, code string) (*OperatorSession, string, error) {
	contact = strings.TrimSpace(contact)
	code = strings.TrimSpace(code)
	if contact == "" {
		return nil, "", ErrContactRequired
	}
	if code == "" {
		return nil, "", ErrCodeRequired
	}

	resp, err := s.backend.VerifyOTP(ctx, contact, code)
	if err != nil {
		return nil, "", err
	}
	if !resp.Member.IsAdmin() {
		log.Printf("Rejected console login for member %d with role %q", resp.Member.ID, resp.Member.RoleName())
		return nil, "", ErrNotAuthorised
	}

	now := s.now()
	sess := &OperatorSession{
		ID:        uuid.NewString(),
		Token:     resp.AccessToken,
		Member:    *resp.Member,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Save(ctx, sess, s.ttl); err != nil {
		return nil, "", fmt.Errorf("save session: %w", err)
	}

	cookie, err := s.sign(sess)
	if err != nil {
		return nil, "", err
	}
	log.Printf("Admin %d signed in", sess.Member.ID)
	return sess, cookie, nil
}

// Authenticate resolves a cookie value to its live session
func (s *SessionService) Authenticate(ctx context.Context, cookie string) (*OperatorSession, error) {
	if cookie == "" {
		return nil, ErrSessionInvalid
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(cookie, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || claims.ID == "" {
		return nil, ErrSessionInvalid
	}
	return s.store.Load(ctx, claims.ID)
}

// Logout revokes the backend token (best effort) and forgets the session
func (s *SessionService) Logout(ctx context.Context, sess *OperatorSession) error {
	if sess == nil {
		return nil
	}
	if err := s.backend.Logout(ctx, sess.Token); err != nil {
		log.Printf("Logout error: %v", err)
	}
	return s.store.Delete(ctx, sess.ID)
}

func (s *SessionService) sign(sess *OperatorSession) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        sess.ID,
		Subject:   strconv.FormatUint(uint64(sess.Member.ID), 10),
		IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}
	return signed, nil
}
