package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

// newTestStorage opens a storage in a temporary directory closed on cleanup.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("test-key")
	value := []byte("test-value")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestGetNonExistent(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get([]byte("non-existent"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("to-delete")

	if err := s.Set(key, []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get after Delete returned %q, want nil", got)
	}
}

// TestApplyMixed verifies sets and deletes land in one commit.
func TestApplyMixed(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("old"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	err := s.Apply([]Mutation{
		{Key: []byte("new"), Value: []byte("v2")},
		{Key: []byte("old"), Value: nil},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if old, _ := s.Get([]byte("old")); old != nil {
		t.Error("old key should be deleted")
	}

	got, _ := s.Get([]byte("new"))
	if !bytes.Equal(got, []byte("v2")) {
		t.Errorf("new key = %q, want %q", got, "v2")
	}
}

// TestIteratePrefix verifies prefix bounds and ordering.
func TestIteratePrefix(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"a:2", "a:1", "b:1", "a\xff"} {
		if err := s.Set([]byte(k), []byte("x")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var keys []string
	err := s.IteratePrefix([]byte("a:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(keys) != 2 || keys[0] != "a:1" || keys[1] != "a:2" {
		t.Errorf("keys = %v, want [a:1 a:2]", keys)
	}
}

func TestIteratePrefixStopsOnError(t *testing.T) {
	s := newTestStorage(t)

	_ = s.Set([]byte("p:1"), []byte("x"))
	_ = s.Set([]byte("p:2"), []byte("x"))

	stop := errors.New("stop")
	calls := 0

	err := s.IteratePrefix([]byte("p:"), func(_, _ []byte) error {
		calls++
		return stop
	})

	if !errors.Is(err, stop) {
		t.Fatalf("expected stop error, got %v", err)
	}

	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestWriteAfterClose(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := s.Set([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("a:"), []byte("a;")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, tt := range tests {
		got := prefixUpperBound(tt.prefix)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.prefix, got, tt.want)
		}
	}
}
