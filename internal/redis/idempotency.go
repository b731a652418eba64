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
	// ReplayTTL is how long a completed response is replayed for a key.
	ReplayTTL = 24 * time.Hour

	// processingTTL bounds how long an in-flight request holds its key.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another request with the same key is still
// being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key in flight")

// Replay is a stored response for an Idempotency-Key.
type Replay struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService lets a client retry a subscribe call with the same
// Idempotency-Key and get the original response back instead of a
// conflict.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

// keys are scoped by route so the same client key cannot cross resources
func (s *IdempotencyService) buildKey(scope, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, idempotencyKey)
}

// Check returns (nil, nil) for an unknown key, the stored replay for a
// completed one, or ErrDuplicateRequest while the key is in flight.
func (s *IdempotencyService) Check(ctx context.Context, scope, idempotencyKey string) (*Replay, error) {
	key := s.buildKey(scope, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var replay Replay
	if err := json.Unmarshal([]byte(val), &replay); err != nil {
		s.logger.Error("failed to unmarshal idempotency replay", zap.Error(err))
		return nil, fmt.Errorf("invalid cached replay: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("scope", scope),
		zap.Int("status_code", replay.StatusCode),
	)

	return &replay, nil
}

// Store saves the response for a key, replacing its in-flight marker.
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, replay *Replay, ttl time.Duration) error {
	key := s.buildKey(scope, idempotencyKey)

	if replay.CreatedAt == 0 {
		replay.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(replay)
	if err != nil {
		return fmt.Errorf("failed to marshal replay: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve marks a key in flight with SET NX. False means it already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, idempotencyKey string) (bool, error) {
	key := s.buildKey(scope, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops an in-flight key so a failed request can be retried.
func (s *IdempotencyService) Release(ctx context.Context, scope, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(scope, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a stored replay, or reserves the key and returns
// nil. A key still in flight yields ErrDuplicateRequest.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*Replay, error) {
	replay, err := s.Check(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	reserved, err := s.Reserve(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
