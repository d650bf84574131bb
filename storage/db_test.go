package storage

import (
	"errors"
	"testing"
)

func TestMemDBGetPut(t *testing.T) {
	db := NewMemDB()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "v" {
		t.Fatalf("unexpected value %q", value)
	}
	ok, err := db.Has([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("has: %v %v", ok, err)
	}
}

func TestMemDBIterateOrdersByKey(t *testing.T) {
	db := NewMemDB()
	for _, k := range []string{"q/00000000000000000002", "q/00000000000000000000", "q/00000000000000000001", "other/x"} {
		if err := db.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	var seen []string
	err := db.Iterate([]byte("q/"), func(key, _ []byte) bool {
		seen = append(seen, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	want := []string{"q/00000000000000000000", "q/00000000000000000001", "q/00000000000000000002"}
	if len(seen) != len(want) {
		t.Fatalf("unexpected keys %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("iteration out of order: %v", seen)
		}
	}
}

func TestMemDBIterateEarlyStop(t *testing.T) {
	db := NewMemDB()
	for _, k := range []string{"a/1", "a/2", "a/3"} {
		if err := db.Put([]byte(k), nil); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	count := 0
	err := db.Iterate([]byte("a/"), func(_, _ []byte) bool {
		count++
		return count < 2
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if count != 2 {
		t.Fatalf("early stop ignored, visited %d", count)
	}
}
