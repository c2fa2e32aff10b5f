package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func TestNew_Monotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		if _, err := ulid.ParseStrict(next); err != nil {
			t.Fatalf("invalid ulid %q: %v", next, err)
		}
		prev = next
	}
}

func TestNewAccountID(t *testing.T) {
	a, b := NewAccountID(), NewAccountID()
	if a == b {
		t.Fatal("account ids collide")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("invalid uuid %q: %v", a, err)
	}
}
