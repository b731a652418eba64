package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	return &Client{rdb: rdb, logger: zap.NewNop()}, mr
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	replay, err := svc.CheckOrReserve(context.Background(), "events/reminders", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replay != nil {
		t.Fatalf("expected nil replay for new request, got: %+v", replay)
	}
}

func TestIdempotencyService_InFlightRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "events/reminders", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	if _, err := svc.CheckOrReserve(ctx, "events/reminders", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReplayAfterStore(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "promotions/reminders", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	body := json.RawMessage(`{"id":"abc"}`)
	if err := svc.Store(ctx, "promotions/reminders", "key-1", &Replay{StatusCode: 201, Body: body}, ReplayTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	replay, err := svc.CheckOrReserve(ctx, "promotions/reminders", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if replay == nil {
		t.Fatal("expected stored replay")
	}
	if replay.StatusCode != 201 {
		t.Errorf("expected 201, got %d", replay.StatusCode)
	}
	if string(replay.Body) != `{"id":"abc"}` {
		t.Errorf("unexpected body %s", replay.Body)
	}
	if replay.CreatedAt == 0 {
		t.Error("expected CreatedAt to be set")
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "events/reminders", "same-key"); err != nil {
		t.Fatalf("events scope failed: %v", err)
	}

	replay, err := svc.CheckOrReserve(ctx, "newsletter", "same-key")
	if err != nil {
		t.Fatalf("newsletter scope should succeed: %v", err)
	}
	if replay != nil {
		t.Fatal("newsletter scope should be a new request")
	}
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "newsletter", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "newsletter", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	replay, err := svc.CheckOrReserve(ctx, "newsletter", "key-1")
	if err != nil {
		t.Fatalf("retry after release failed: %v", err)
	}
	if replay != nil {
		t.Fatal("expected a fresh reservation")
	}
}

func TestIdempotencyService_InFlightMarkerExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "newsletter", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	mr.FastForward(processingTTL + time.Second)

	if _, err := svc.CheckOrReserve(ctx, "newsletter", "key-1"); err != nil {
		t.Fatalf("expected expired marker to be reservable, got: %v", err)
	}
}
