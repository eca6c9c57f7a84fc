package model

import (
	"testing"
	"time"
)

func TestBundleExpiryBoundary(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &Bundle{CreatedAt: start, TTL: 300 * time.Second}

	if b.Expired(start.Add(299 * time.Second)) {
		t.Fatalf("bundle should be valid before ttl elapses")
	}
	if !b.Expired(start.Add(300 * time.Second)) {
		t.Fatalf("bundle should expire exactly at creation+ttl")
	}
}

func TestBundleMarkDeliveredIsWriteOnce(t *testing.T) {
	b := &Bundle{}
	if !b.MarkDelivered() {
		t.Fatalf("first MarkDelivered should report the transition")
	}
	if b.MarkDelivered() {
		t.Fatalf("second MarkDelivered should be a no-op")
	}
	if !b.Delivered {
		t.Fatalf("Delivered must stay true")
	}
}

func TestBundleVisitStopsAfterDelivery(t *testing.T) {
	b := &Bundle{RoutePath: []NodeID{"a"}}
	b.Visit("b")
	b.Visit("b")
	if len(b.RoutePath) != 2 {
		t.Fatalf("expected route [a b], got %v", b.RoutePath)
	}
	b.MarkDelivered()
	b.Visit("c")
	if len(b.RoutePath) != 2 {
		t.Fatalf("route path grew after delivery: %v", b.RoutePath)
	}
}

func TestBundleCloneIsIndependent(t *testing.T) {
	b := &Bundle{Payload: []byte("abc"), RoutePath: []NodeID{"a"}}
	c := b.Clone()
	c.Payload[0] = 'x'
	c.RoutePath[0] = "z"
	if string(b.Payload) != "abc" || b.RoutePath[0] != "a" {
		t.Fatalf("clone shares memory with original: %+v", b)
	}
}

func TestRemainingTTLFraction(t *testing.T) {
	start := time.Unix(0, 0)
	b := &Bundle{CreatedAt: start, TTL: 100 * time.Second}
	if got := b.RemainingTTLFraction(start.Add(25 * time.Second)); got != 0.75 {
		t.Fatalf("RemainingTTLFraction = %v, want 0.75", got)
	}
	if got := b.RemainingTTLFraction(start.Add(time.Hour)); got != 0 {
		t.Fatalf("RemainingTTLFraction after expiry = %v, want 0", got)
	}
	zero := &Bundle{CreatedAt: start}
	if got := zero.RemainingTTLFraction(start); got != 0 {
		t.Fatalf("zero ttl fraction = %v, want 0", got)
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("medical")
	if err != nil || p != PriorityMedical {
		t.Fatalf("ParsePriority(medical) = %v, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}
