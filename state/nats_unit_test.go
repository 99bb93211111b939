package state

import (
	"context"
	"testing"
	"time"
)

func TestDefaultNATSStoreConfig(t *testing.T) {
	cfg := DefaultNATSStoreConfig()

	if cfg.Bucket != "pixelmarket" {
		t.Errorf("expected bucket 'pixelmarket', got %s", cfg.Bucket)
	}
	if cfg.History != 1 {
		t.Errorf("expected history 1, got %d", cfg.History)
	}
	if cfg.OpTimeout != 5*time.Second {
		t.Errorf("expected 5s op timeout, got %v", cfg.OpTimeout)
	}
}

func TestNewNATSStore_NilConn(t *testing.T) {
	_, err := NewNATSStore(NATSStoreConfig{Bucket: "test"})
	if err == nil {
		t.Error("expected error for nil connection")
	}
}

func TestNATSStore_ValidationBeforeNetwork(t *testing.T) {
	// A zero store has no kv handle; validation and closed checks must
	// return before it is touched.
	s := &NATSStore{config: DefaultNATSStoreConfig()}
	ctx := context.Background()

	if _, err := s.Get(ctx, ""); err != ErrInvalidKey {
		t.Errorf("Get: expected ErrInvalidKey, got %v", err)
	}
	if err := s.Create(ctx, "bad key", nil); err != ErrInvalidKey {
		t.Errorf("Create: expected ErrInvalidKey, got %v", err)
	}

	s.Close()
	if err := s.Put(ctx, "ok", nil); err != ErrClosed {
		t.Errorf("Put: expected ErrClosed, got %v", err)
	}
	if _, err := s.Keys(ctx, "*"); err != ErrClosed {
		t.Errorf("Keys: expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close should be idempotent, got %v", err)
	}
}
