package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"fatal", FatalLevel},
		{"bogus", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestComponentKeepsOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Output: &buf})

	l.Component("history").Info("fetched", "count", 3)

	out := buf.String()
	if !strings.Contains(out, "history") {
		t.Errorf("output %q missing component prefix", out)
	}
	if !strings.Contains(out, "count=3") {
		t.Errorf("output %q missing key/value", out)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing should be visible")
	if l.GetLevel() != ErrorLevel {
		t.Errorf("Discard level = %v, want %v", l.GetLevel(), ErrorLevel)
	}
}

func TestJSONFormatSurvivesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	l.Component("send").Info("Transaction broadcast", "asset", "ETH")

	out := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("output %q is not JSON: %v", out, err)
	}
	if entry["msg"] != "Transaction broadcast" || entry["asset"] != "ETH" {
		t.Errorf("entry = %v, want msg and asset", entry)
	}
	if prefix, _ := entry["prefix"].(string); !strings.Contains(prefix, "send") {
		t.Errorf("prefix = %v, want send", entry["prefix"])
	}
}

func TestValidFormat(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"text", true},
		{"JSON", true},
		{"logfmt", true},
		{"xml", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ValidFormat(tt.in); got != tt.want {
				t.Errorf("ValidFormat(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
