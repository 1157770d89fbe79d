package chunkstore

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", TTL: time.Minute})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res1, err := s.Store(ctx, "MAC1", "img.jpg", 0, []byte("abc"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if res1 != StoredNew {
		t.Fatalf("expected StoredNew, got %v", res1)
	}

	res2, err := s.Store(ctx, "MAC1", "img.jpg", 0, []byte("abc"))
	if err != nil {
		t.Fatalf("store duplicate: %v", err)
	}
	if res2 != Duplicate {
		t.Fatalf("expected Duplicate, got %v", res2)
	}

	count, err := s.CountReceived(ctx, "MAC1", "img.jpg")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1 after duplicate store, got %d", count)
	}
}

func TestMissingAndCompleteness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, idx := range []int{0, 2, 3} {
		if _, err := s.Store(ctx, "MAC1", "img.jpg", idx, []byte{byte(idx)}); err != nil {
			t.Fatalf("store %d: %v", idx, err)
		}
	}

	complete, err := s.Completeness(ctx, "MAC1", "img.jpg", 4)
	if err != nil {
		t.Fatalf("completeness: %v", err)
	}
	if complete {
		t.Fatal("expected incomplete with a gap")
	}

	missing, err := s.Missing(ctx, "MAC1", "img.jpg", 4)
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("expected missing=[1], got %v", missing)
	}

	if _, err := s.Store(ctx, "MAC1", "img.jpg", 1, []byte{1}); err != nil {
		t.Fatalf("store 1: %v", err)
	}
	complete, err = s.Completeness(ctx, "MAC1", "img.jpg", 4)
	if err != nil {
		t.Fatalf("completeness: %v", err)
	}
	if !complete {
		t.Fatal("expected complete after filling gap")
	}
}

func TestAssembleOrdersByIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert out of order.
	_, _ = s.Store(ctx, "MAC1", "img.jpg", 2, []byte("C"))
	_, _ = s.Store(ctx, "MAC1", "img.jpg", 0, []byte("A"))
	_, _ = s.Store(ctx, "MAC1", "img.jpg", 1, []byte("B"))

	data, ok, err := s.Assemble(ctx, "MAC1", "img.jpg", 3)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !ok {
		t.Fatal("expected assembly to succeed")
	}
	if string(data) != "ABC" {
		t.Fatalf("got %q, want %q", data, "ABC")
	}
}

func TestAssembleIncompleteReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.Store(ctx, "MAC1", "img.jpg", 0, []byte("A"))
	_, ok, err := s.Assemble(ctx, "MAC1", "img.jpg", 3)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if ok {
		t.Fatal("expected assemble to report incomplete")
	}
}

func TestClearRemovesNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.Store(ctx, "MAC1", "img.jpg", 0, []byte("A"))
	if err := s.Clear(ctx, "MAC1", "img.jpg"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	count, err := s.CountReceived(ctx, "MAC1", "img.jpg")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 after clear, got %d", count)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s, err := Open(Config{Path: ":memory:", TTL: -1 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.Store(ctx, "MAC1", "img.jpg", 0, []byte("A")); err != nil {
		t.Fatalf("store: %v", err)
	}

	removed, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 row swept, got %d", removed)
	}
}
