package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/akylbek/payment-system/link-verifier/internal/telemetry"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	prev := telemetry.Logger
	telemetry.Logger = zap.New(core)
	t.Cleanup(func() { telemetry.Logger = prev })
	return logs
}

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, 30*time.Second), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)

	release, ok, err := locker.TryLock(ctx, "0xm/TSHC")
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}

	if _, ok, err := locker.TryLock(ctx, "0xm/TSHC"); err != nil || ok {
		t.Fatalf("second TryLock should be refused, got %v, %v", ok, err)
	}
	if _, ok, _ := locker.TryLock(ctx, "0xm/IDRX"); !ok {
		t.Error("a different group must not be blocked")
	}

	release()
	if _, ok, _ := locker.TryLock(ctx, "0xm/TSHC"); !ok {
		t.Error("lock should be available after release")
	}
}

func TestRedisLockerExpires(t *testing.T) {
	ctx := context.Background()
	locker, mr := newTestLocker(t)

	release, ok, _ := locker.TryLock(ctx, "group")
	if !ok {
		t.Fatal("expected lock")
	}
	mr.FastForward(31 * time.Second)

	release2, ok, _ := locker.TryLock(ctx, "group")
	if !ok {
		t.Fatal("expected lock after TTL expiry")
	}

	// The stale holder's release must not drop the new holder's lock.
	release()
	if _, ok, _ := locker.TryLock(ctx, "group"); ok {
		t.Error("stale release removed a lock it no longer owned")
	}
	release2()
}

func TestRedisLockerLogsFailedRelease(t *testing.T) {
	logs := observeLogs(t)
	locker, mr := newTestLocker(t)

	release, ok, err := locker.TryLock(context.Background(), "0xm/TSHC")
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	mr.Close()
	release()

	if logs.FilterMessage("Failed to release group lock").Len() != 1 {
		t.Errorf("expected a warning for the failed release, got %v", logs.All())
	}
}

func TestRedisLockerLogsExpiredRelease(t *testing.T) {
	logs := observeLogs(t)
	locker, mr := newTestLocker(t)

	release, ok, _ := locker.TryLock(context.Background(), "group")
	if !ok {
		t.Fatal("expected lock")
	}
	mr.FastForward(31 * time.Second)
	release()

	if logs.FilterMessage("Group lock expired before release").Len() != 1 {
		t.Errorf("expected a warning for the expired lock, got %v", logs.All())
	}
	if logs.FilterMessage("Failed to release group lock").Len() != 0 {
		t.Error("an expired lock is not a failed release")
	}
}
