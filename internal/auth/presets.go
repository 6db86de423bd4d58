package auth

import "strings"

// RolePreset maps a device role onto its default topic permissions.
// {clientId} placeholders are expanded at issue time.
type RolePreset struct {
	Publish   []string
	Subscribe []string
}

// RolePresets are the built-in roles used by the dev token endpoint.
var RolePresets = map[string]RolePreset{
	"sensor": {
		Publish:   []string{"telemetry.{clientId}.>", "factory.>"},
		Subscribe: []string{"commands.{clientId}.>"},
	},
	"actuator": {
		Publish:   []string{"status.{clientId}.>", "events.>"},
		Subscribe: []string{"commands.{clientId}.>"},
	},
	"admin": {
		Publish:   []string{">"},
		Subscribe: []string{">"},
	},
	"monitor": {
		Publish:   []string{},
		Subscribe: []string{">"},
	},
}

// ExpandPatterns substitutes the {clientId} placeholder in preset patterns.
func ExpandPatterns(patterns []string, clientID string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ReplaceAll(p, "{clientId}", clientID)
	}
	return out
}
