package cron

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type stubRedisStore struct {
	values map[string]string
}

func newStubRedisStore() *stubRedisStore {
	return &stubRedisStore{values: map[string]string{}}
}

func (s *stubRedisStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, held := s.values[key]; held {
		return false, nil
	}
	s.values[key] = value.(string)
	return true, nil
}

func (s *stubRedisStore) Get(_ context.Context, key string) (string, error) {
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func (s *stubRedisStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(s.values, key)
	}
	return nil
}

func TestRedisLockAcquireRelease(t *testing.T) {
	store := newStubRedisStore()
	ctx := context.Background()

	first, err := NewRedisLock(store, "dirbot:lock:test", 0)
	if err != nil {
		t.Fatalf("construct lock: %v", err)
	}
	second, err := NewRedisLock(store, "dirbot:lock:test", 0)
	if err != nil {
		t.Fatalf("construct lock: %v", err)
	}

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("second acquire must be denied while first holds the lock")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisLockReleaseIgnoresStolenLock(t *testing.T) {
	store := newStubRedisStore()
	ctx := context.Background()

	lock, err := NewRedisLock(store, "dirbot:lock:test", 0)
	if err != nil {
		t.Fatalf("construct lock: %v", err)
	}
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatalf("acquire failed")
	}

	// TTL expiry handed the lock to someone else.
	store.values["dirbot:lock:test"] = "other-owner"
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.values["dirbot:lock:test"] != "other-owner" {
		t.Fatalf("release must not delete a lock owned by another instance")
	}
}
