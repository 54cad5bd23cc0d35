package server

import (
	"testing"
	"time"
)

func TestCodeStoreExpiry(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newCodeStore(10*time.Minute, 0)
	s.now = func() time.Time { return clock }

	code, err := s.Issue("0x00000000000000000000000000000000000000aa")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("code length = %d", len(code))
	}

	clock = clock.Add(11 * time.Minute)
	if s.Consume("0x00000000000000000000000000000000000000aa", code) {
		t.Fatal("expired code accepted")
	}
}

func TestCodeStoreReplacesOutstandingCode(t *testing.T) {
	s := newCodeStore(10*time.Minute, 0)
	first, err := s.Issue("0x00000000000000000000000000000000000000aa")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := s.Issue("0x00000000000000000000000000000000000000aa")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if first != second && s.Consume("0x00000000000000000000000000000000000000aa", first) {
		t.Fatal("superseded code accepted")
	}
}

func TestCodeStoreEvictsAtCapacity(t *testing.T) {
	s := newCodeStore(10*time.Minute, 2)
	if _, err := s.Issue("0x00000000000000000000000000000000000000aa"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.Issue("0x00000000000000000000000000000000000000bb"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.Issue("0x00000000000000000000000000000000000000cc"); err == nil {
		t.Fatal("expected capacity error")
	}
	// An identity with an outstanding code can still rotate it.
	if _, err := s.Issue("0x00000000000000000000000000000000000000aa"); err != nil {
		t.Fatalf("rotate at capacity: %v", err)
	}
}
