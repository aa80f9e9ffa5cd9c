// Package health implements the two health-probing primitives the
// supervisor uses to decide whether a tunnel is alive: a bounded local
// TCP connect and a non-blocking child-liveness poll.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/tomaszpeksa/stun/internal/forwarding"
)

// Prober performs bounded liveness and reachability checks. It carries no
// mutable state beyond its timeout and is safe for concurrent use.
type Prober struct {
	timeout time.Duration
}

// New constructs a Prober bounded by timeout for every check it performs.
func New(timeout time.Duration) *Prober {
	return &Prober{timeout: timeout}
}

// Timeout reports the bound this Prober applies to every check.
func (p *Prober) Timeout() time.Duration {
	return p.timeout
}

// CheckLocalTCP attempts a TCP connection to the spec's effective bind
// address and port, bounded by the prober's timeout. Any failure —
// connect error or timeout — is reported as unreachable (false); it never
// blocks longer than the configured timeout.
func (p *Prober) CheckLocalTCP(ctx context.Context, spec forwarding.Spec) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: p.timeout}
	addr := fmt.Sprintf("%s:%d", spec.EffectiveBindAddress(), spec.BindPort)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ChildLiveness is the narrow surface CheckChildAlive needs from a
// supervised child process, satisfied by *sshinvoker.Child. It exists so
// this package does not need to import sshinvoker just for a poll.
type ChildLiveness interface {
	// Alive performs a non-blocking poll of the child's exit status and
	// reports whether it is still running.
	Alive() bool
}

// CheckChildAlive returns true iff child is non-nil and has not exited.
// The poll itself is non-blocking; it never waits on the child.
func CheckChildAlive(child ChildLiveness) bool {
	if child == nil {
		return false
	}
	return child.Alive()
}
