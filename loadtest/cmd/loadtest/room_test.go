package main

import (
	"strings"
	"testing"
	"time"
)

func TestStampRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	body := stampedBody(64, now)
	if len(body) != 64 {
		t.Fatalf("len = %d, want 64", len(body))
	}
	got, ok := parseStamp(body)
	if !ok || !got.Equal(now) {
		t.Fatalf("parseStamp = %v, %v; want %v", got, ok, now)
	}
}

func TestParseStamp_ForeignBodies(t *testing.T) {
	for _, body := range []string{"hello", "lt:", "lt:abc:x", "lt:123"} {
		if _, ok := parseStamp(body); ok {
			t.Errorf("parseStamp(%q) accepted", body)
		}
	}
}

func TestSyntheticIP(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 70000; i++ {
		ip := syntheticIP(i)
		if !strings.HasPrefix(ip, "10.") {
			t.Fatalf("syntheticIP(%d) = %s", i, ip)
		}
		if seen[ip] {
			t.Fatalf("duplicate %s at %d", ip, i)
		}
		seen[ip] = true
	}
	if syntheticIP(0) != "10.0.0.1" {
		t.Errorf("syntheticIP(0) = %s", syntheticIP(0))
	}
}
