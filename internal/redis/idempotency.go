package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long an Idempotency-Key on campaign creation is
	// remembered.
	IdempotencyTTL = 24 * time.Hour

	// reservationTTL bounds the hold taken while a create request is in flight.
	reservationTTL = time.Minute
)

var (
	// ErrDuplicateRequest means the key is held by a create that has not
	// finished yet.
	ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

	// ErrKeyReused means the key was already used for a different request body.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

// IdempotencyResult is the remembered outcome of a campaign creation.
// Fingerprint identifies the request body the key was first used with.
type IdempotencyResult struct {
	CampaignID  string `json:"campaign_id"`
	StatusCode  int    `json:"status_code"`
	Fingerprint string `json:"fingerprint"`
	CreatedAt   int64  `json:"created_at"`
}

// entry is what is stored under a key: either a pending reservation or a
// finished result.
type entry struct {
	Pending     bool               `json:"pending,omitempty"`
	Fingerprint string             `json:"fingerprint"`
	Result      *IdempotencyResult `json:"result,omitempty"`
}

// IdempotencyService remembers createCampaign outcomes per tenant and key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	now    func() time.Time
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger, now: time.Now}
}

func (s *IdempotencyService) key(tenantID, idempotencyKey string) string {
	return s.client.Key("idempotency", tenantID, idempotencyKey)
}

func (s *IdempotencyService) load(ctx context.Context, key string) (*entry, error) {
	val, err := s.client.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var e entry
	if err := json.Unmarshal(val, &e); err != nil {
		s.logger.Error("discarding unreadable idempotency entry",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}
	return &e, nil
}

// CheckOrReserve returns the remembered result for the key, or reserves it
// and returns (nil, nil) so the caller can perform the create. A key held by
// an in-flight request gives ErrDuplicateRequest; a key first used with a
// different fingerprint gives ErrKeyReused.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, tenantID, idempotencyKey, fingerprint string) (*IdempotencyResult, error) {
	key := s.key(tenantID, idempotencyKey)

	pending, err := json.Marshal(entry{Pending: true, Fingerprint: fingerprint})
	if err != nil {
		return nil, err
	}
	reserved, err := s.client.rdb.SetNX(ctx, key, pending, reservationTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	e, err := s.load(ctx, key)
	switch {
	case err != nil:
		return nil, err
	case e == nil:
		// Expired between SETNX and GET; let the caller retry.
		return nil, ErrDuplicateRequest
	case e.Fingerprint != fingerprint:
		return nil, ErrKeyReused
	case e.Pending || e.Result == nil:
		return nil, ErrDuplicateRequest
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("tenant_id", tenantID),
		zap.String("campaign_id", e.Result.CampaignID),
	)
	return e.Result, nil
}

// Store replaces the reservation with the finished result.
func (s *IdempotencyService) Store(ctx context.Context, tenantID, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = s.now().Unix()
	}

	data, err := json.Marshal(entry{Fingerprint: result.Fingerprint, Result: result})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.client.rdb.Set(ctx, s.key(tenantID, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation so a failed create can be retried with the
// same key.
func (s *IdempotencyService) Release(ctx context.Context, tenantID, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.key(tenantID, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
