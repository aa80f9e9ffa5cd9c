// Package backoff computes the deterministic, per-spec jittered restart
// delay the supervisor uses between restart attempts.
package backoff

import (
	"math"
	"time"

	"github.com/tomaszpeksa/stun/internal/forwarding"
)

// Jitter scales base by a deterministic percentage in [80, 120] derived
// from the spec's bind and remote ports, so that specs desynchronize
// their retry schedules without relying on a random source — the same
// (base, spec) pair always yields the same delay, which keeps tests
// reproducible.
func Jitter(base time.Duration, spec forwarding.Spec) time.Duration {
	pct := 80 + int((uint32(spec.BindPort)^uint32(spec.RemotePort))%41)
	scaled := math.Ceil(base.Seconds() * float64(pct) / 100)
	return time.Duration(scaled) * time.Second
}

// Grow doubles cur, capped at max. Used to advance backoff_secs across
// repeated restart failures within one backoff episode.
func Grow(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
