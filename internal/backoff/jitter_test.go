package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomaszpeksa/stun/internal/forwarding"
)

func TestJitter_Deterministic(t *testing.T) {
	spec, err := forwarding.Parse("8080:127.0.0.1:9000")
	require.NoError(t, err)

	base := 4 * time.Second
	first := Jitter(base, spec)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Jitter(base, spec))
	}
	assert.GreaterOrEqual(t, first, 4*time.Second)
	assert.LessOrEqual(t, first, 5*time.Second)
}

func TestJitter_VariesBySpec(t *testing.T) {
	a, err := forwarding.Parse("8080:127.0.0.1:9000")
	require.NoError(t, err)
	b, err := forwarding.Parse("1234:127.0.0.1:5678")
	require.NoError(t, err)

	base := 4 * time.Second
	assert.NotEqual(t, Jitter(base, a), Jitter(base, b), "distinct specs should desynchronize")
}

func TestGrow_DoublesAndCaps(t *testing.T) {
	max := 30 * time.Second
	assert.Equal(t, 2*time.Second, Grow(1*time.Second, max))
	assert.Equal(t, 4*time.Second, Grow(2*time.Second, max))
	assert.Equal(t, max, Grow(20*time.Second, max))
	assert.Equal(t, max, Grow(max, max))
}
