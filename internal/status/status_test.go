package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tomaszpeksa/stun/internal/tunnel"
)

func TestFromHealthMap_SortsBySpec(t *testing.T) {
	snap := FromHealthMap(map[string]tunnel.Health{
		"9090:127.0.0.1:9100": tunnel.Healthy,
		"8080:127.0.0.1:9000": tunnel.Down,
	})
	assert.Equal(t, "8080:127.0.0.1:9000", snap.Tunnels[0].Spec)
	assert.Equal(t, "down", snap.Tunnels[0].Health)
	assert.Equal(t, "9090:127.0.0.1:9100", snap.Tunnels[1].Spec)
	assert.Equal(t, "healthy", snap.Tunnels[1].Health)
}

func TestFormatTable_EmptySnapshot(t *testing.T) {
	assert.Equal(t, "No tunnels\n", FormatTable(Snapshot{}))
}

func TestFormatJSON_And_FormatYAML(t *testing.T) {
	snap := FromHealthMap(map[string]tunnel.Health{"8080:127.0.0.1:9000": tunnel.Healthy})

	j := FormatJSON(snap)
	assert.Contains(t, j, `"spec":"8080:127.0.0.1:9000"`)
	assert.Contains(t, j, `"health":"healthy"`)

	y := FormatYAML(snap)
	assert.Contains(t, y, "spec: 8080:127.0.0.1:9000")
	assert.Contains(t, y, "health: healthy")
}
