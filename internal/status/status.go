// Package status renders a supervisor status snapshot as a table, JSON,
// or YAML document for local introspection (via SIGHUP — see cmd/stun).
package status

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tomaszpeksa/stun/internal/tunnel"
)

// Entry is one row of a status snapshot: a forwarding spec and its last
// observed health.
type Entry struct {
	Spec   string `json:"spec" yaml:"spec"`
	Health string `json:"health" yaml:"health"`
}

// Snapshot is the full status output structure.
type Snapshot struct {
	Tunnels []Entry `json:"tunnels" yaml:"tunnels"`
}

// FromHealthMap converts a tunnel.Records.Status() result into a stable,
// spec-sorted Snapshot.
func FromHealthMap(health map[string]tunnel.Health) Snapshot {
	entries := make([]Entry, 0, len(health))
	for spec, h := range health {
		entries = append(entries, Entry{Spec: spec, Health: h.String()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Spec < entries[j].Spec })
	return Snapshot{Tunnels: entries}
}

// FormatTable renders a snapshot as a human-readable table.
func FormatTable(snap Snapshot) string {
	if len(snap.Tunnels) == 0 {
		return "No tunnels\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-40s %s\n", "SPEC", "HEALTH"))
	sb.WriteString(strings.Repeat("-", 52))
	sb.WriteString("\n")
	for _, e := range snap.Tunnels {
		sb.WriteString(fmt.Sprintf("%-40s %s\n", e.Spec, e.Health))
	}
	return sb.String()
}

// FormatJSON renders a snapshot as JSON.
func FormatJSON(snap Snapshot) string {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal JSON: %s"}`, err.Error())
	}
	return string(data)
}

// FormatYAML renders a snapshot as YAML.
func FormatYAML(snap Snapshot) string {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Sprintf("error: failed to marshal YAML: %s\n", err.Error())
	}
	return string(data)
}
