package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestTryLease_Exclusive(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	first, err := TryLease(ctx, client, "test:lease", 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to take lease: %v", err)
	}
	if first == nil {
		t.Fatal("Expected lease, got nil")
	}

	second, err := TryLease(ctx, client, "test:lease", 10*time.Second)
	if err != nil {
		t.Fatalf("Unexpected error on second take: %v", err)
	}
	if second != nil {
		t.Error("Expected nil for held lease")
	}
}

func TestLease_ReleaseAndExpiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	lease, _ := TryLease(ctx, client, "test:lease", 10*time.Second)
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	again, _ := TryLease(ctx, client, "test:lease", 10*time.Second)
	if again == nil {
		t.Fatal("Expected lease after release")
	}

	mr.FastForward(11 * time.Second)
	afterExpiry, _ := TryLease(ctx, client, "test:lease", 10*time.Second)
	if afterExpiry == nil {
		t.Error("Expected lease after expiry")
	}
}

func TestLease_ReleaseNotOwned(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	lease, _ := TryLease(ctx, client, "test:lease", 10*time.Second)
	mr.Set("test:lease", "someone-else")

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release should not error: %v", err)
	}
	if got, _ := mr.Get("test:lease"); got != "someone-else" {
		t.Errorf("Release removed a lease it did not own, key now %q", got)
	}
}
