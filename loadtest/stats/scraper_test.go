package stats

import (
	"strings"
	"testing"
	"time"
)

const sample = `# HELP lobby_connections_total Current number of active WebSocket connections
# TYPE lobby_connections_total gauge
lobby_connections_total 42
lobby_messages_total{outcome="accepted",room="public"} 100
lobby_messages_total{outcome="rate_limited",room="public"} 7
lobby_messages_total{outcome="banned",room="private"} 3
lobby_message_latency_seconds_bucket{le="0.001"} 50
lobby_message_latency_seconds_sum 0.5
lobby_message_latency_seconds_count 100
lobby_auto_bans_total{kind="rate_limit"} 2
garbage line
`

func TestParseExposition(t *testing.T) {
	snap, err := parseExposition(strings.NewReader(sample), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]float64{
		"Connections":        42,
		"Messages Total":     110,
		"Rejected":           10,
		"Auto Bans":          2,
		"Post Latency_sum":   0.5,
		"Post Latency_count": 100,
	}
	for k, v := range want {
		if got := snap.values[k]; got != v {
			t.Errorf("%s = %v, want %v", k, got, v)
		}
	}
	if _, ok := snap.values["Active Decoys"]; ok {
		t.Error("absent series should not be recorded")
	}
}

func TestParseSample(t *testing.T) {
	tests := []struct {
		line   string
		name   string
		labels string
		value  float64
		ok     bool
	}{
		{"a 1", "a", "", 1, true},
		{`a{x="y"} 2.5`, "a", `x="y"`, 2.5, true},
		{`a{x="y"} 3 1700000000`, "a", `x="y"`, 3, true},
		{`a{x="y" 3`, "", "", 0, false},
		{"a", "", "", 0, false},
		{"a NaNx", "", "", 0, false},
	}
	for _, tt := range tests {
		name, labels, value, ok := parseSample(tt.line)
		if ok != tt.ok || name != tt.name || labels != tt.labels || value != tt.value {
			t.Errorf("parseSample(%q) = %q, %q, %v, %v", tt.line, name, labels, value, ok)
		}
	}
}
