package subject

import (
	"strings"
	"testing"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		want    bool
	}{
		{"exact", "factory.line1.temp", "factory.line1.temp", true},
		{"exact mismatch", "factory.line1.temp", "factory.line2.temp", false},
		{"star at end", "factory.line1.*", "factory.line1.temp", true},
		{"star at end extra token", "factory.line1.*", "factory.line1.temp.raw", false},
		{"star in middle", "factory.*.temp", "factory.line1.temp", true},
		{"star in middle mismatch", "factory.*.temp", "factory.line1.humidity", false},
		{"star only token", "*", "factory", true},
		{"star only token multi", "*", "factory.line1", false},
		{"star matches exactly one", "factory.*", "factory", false},
		{"tail wildcard", "commands.dev-1.>", "commands.dev-1.reboot", true},
		{"tail wildcard deep", "commands.dev-1.>", "commands.dev-1.motor.speed", true},
		{"tail wildcard needs one token", "commands.dev-1.>", "commands.dev-1", false},
		{"tail wildcard prefix mismatch", "commands.dev-1.>", "commands.dev-2.reboot", false},
		{"bare tail wildcard", ">", "anything.at.all", true},
		{"bare tail wildcard single", ">", "anything", true},
		{"wildcard not at tail", "commands.>.reboot", "commands.dev-1.reboot", false},
		{"empty pattern", "", "factory", false},
		{"empty subject", "factory.>", "", false},
		{"pattern longer than subject", "a.b.c", "a.b", false},
		{"subject longer than pattern", "a.b", "a.b.c", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.pattern, tt.subject); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
			}
		})
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"telemetry.dev-1.>", "factory.>"}

	if !MatchAny(patterns, "factory.line1.temp") {
		t.Error("expected factory.line1.temp to match")
	}
	if MatchAny(patterns, "commands.dev-1.reboot") {
		t.Error("expected commands.dev-1.reboot not to match")
	}
	if MatchAny(nil, "factory.line1.temp") {
		t.Error("empty pattern list must deny everything")
	}
}

func TestValidate(t *testing.T) {
	valid := []string{
		"factory.line1.temp",
		"telemetry.dev-1.>",
		"a",
		"factory.*.temp",
		"status_updates.v2",
		strings.Repeat("a", 256),
	}
	for _, s := range valid {
		if err := Validate(s); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", s, err)
		}
	}

	invalid := []string{
		"",
		"factory..temp",
		".factory.temp",
		"factory.temp.",
		"factory.>.temp",
		"factory line1",
		"factory.line1.temp!",
		strings.Repeat("a", 257),
	}
	for _, s := range invalid {
		if err := Validate(s); err == nil {
			t.Errorf("Validate(%q) = nil, want error", s)
		}
	}
}
