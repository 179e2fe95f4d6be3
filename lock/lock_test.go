package lock

import (
	"testing"
	"time"
)

func TestSharedAllowsMultipleReaders(t *testing.T) {
	l := New(nil)

	h1, err := l.Acquire(Shared, 0, time.Second)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	h2, err := l.Acquire(Shared, 0, time.Second)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	l.Release(h1)
	l.Release(h2)
}

func TestExclusiveExcludesReaders(t *testing.T) {
	l := New(nil)

	w, err := l.Acquire(Exclusive, 0, time.Second)
	if err != nil {
		t.Fatalf("acquire writer: %v", err)
	}

	_, err = l.Acquire(Shared, 0, 50*time.Millisecond)
	if err == nil {
		t.Error("expected shared acquire to time out while writer holds lock")
	}

	l.Release(w)

	r, err := l.Acquire(Shared, 0, time.Second)
	if err != nil {
		t.Fatalf("acquire reader after release: %v", err)
	}
	l.Release(r)
}

func TestAvoidDirtyReadInvokedOnStaleCounter(t *testing.T) {
	var invoked int
	l := New(func() { invoked++ })

	w, _ := l.Acquire(Exclusive, 0, time.Second)
	l.Release(w) // bumps the change counter

	r, err := l.Acquire(Shared, 0, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if invoked != 1 {
		t.Errorf("expected AvoidDirtyRead invoked once, got %d", invoked)
	}
	l.Release(r)

	// Acquiring again with the now-current lastSeen should not re-invoke it.
	r2, err := l.Acquire(Shared, r.LastSeen(), time.Second)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if invoked != 1 {
		t.Errorf("expected AvoidDirtyRead still invoked once, got %d", invoked)
	}
	l.Release(r2)
}

func TestLockTimeoutError(t *testing.T) {
	l := New(nil)
	w, _ := l.Acquire(Exclusive, 0, time.Second)
	defer l.Release(w)

	_, err := l.Acquire(Exclusive, 0, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
