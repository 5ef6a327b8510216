package store

import "testing"

func TestPutAndGet(t *testing.T) {
	s := New()
	s.Put("key1", []byte("hello"))

	data, ok := s.Get("key1")
	if !ok {
		t.Fatal("Get returned not found for existing key")
	}
	if string(data) != "hello" {
		t.Fatalf("Get returned %q, want %q", data, "hello")
	}
}

func TestGetMissing(t *testing.T) {
	s := New()
	if _, ok := s.Get("nonexistent"); ok {
		t.Fatal("Get returned found for missing key")
	}
}

func TestHasAndDelete(t *testing.T) {
	s := New()
	s.Put("key1", []byte("v"))
	if !s.Has("key1") {
		t.Fatal("Has returned false for existing key")
	}
	s.Delete("key1")
	if s.Has("key1") {
		t.Fatal("Has returned true after Delete")
	}
}

func TestLenAndIsEmpty(t *testing.T) {
	s := New()
	if !s.IsEmpty() {
		t.Fatal("new store should be empty")
	}
	s.Put("a", []byte("1"))
	s.Put("b", []byte("2"))
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if s.IsEmpty() {
		t.Fatal("store with keys should not report empty")
	}
}

func TestKeysInSlot(t *testing.T) {
	s := New()
	s.Put("a", []byte("1"))
	s.Put("b", []byte("2"))
	s.Put("c", []byte("3"))

	slotOf := func(key string) int {
		if key == "b" {
			return 7
		}
		return 3
	}

	inSlot7 := s.KeysInSlot(7, slotOf)
	if len(inSlot7) != 1 || inSlot7[0] != "b" {
		t.Fatalf("KeysInSlot(7) = %v, want [b]", inSlot7)
	}

	inSlot3 := s.KeysInSlot(3, slotOf)
	if len(inSlot3) != 2 {
		t.Fatalf("KeysInSlot(3) = %v, want 2 keys", inSlot3)
	}
}

func TestPutCopiesValue(t *testing.T) {
	s := New()
	v := []byte("original")
	s.Put("key1", v)
	v[0] = 'X'

	data, _ := s.Get("key1")
	if string(data) != "original" {
		t.Fatalf("Put did not copy value, got %q after mutating caller's slice", data)
	}
}
