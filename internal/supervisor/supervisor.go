// Package supervisor implements the Tunnel Supervisor: the management
// loop that spawns, probes, and restarts every configured forwarding.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tomaszpeksa/stun/internal/backoff"
	"github.com/tomaszpeksa/stun/internal/config"
	"github.com/tomaszpeksa/stun/internal/forwarding"
	"github.com/tomaszpeksa/stun/internal/health"
	"github.com/tomaszpeksa/stun/internal/sshinvoker"
	"github.com/tomaszpeksa/stun/internal/tunnel"
)

const (
	healthCheckInterval = 5 * time.Second
	maxFailures         = 3
	initialSettle       = 500 * time.Millisecond
)

// sshInvoker is the slice of *sshinvoker.Invoker the management loop
// actually calls. Narrowing it to an interface here (rather than at the
// sshinvoker package boundary) lets tests substitute a fake without
// sshinvoker needing to know anything about testability.
type sshInvoker interface {
	IsLocalMode() bool
	RemoteProbeTarget(spec forwarding.Spec) (host string, port uint16, ok bool)
	StartForwarding(ctx context.Context, spec forwarding.Spec) (tunnel.ChildHandle, error)
	Kill(handle tunnel.ChildHandle)
	RemoteTCPProbe(ctx context.Context, host string, port uint16, timeoutSecs uint64) (bool, error)
}

// healthProber is the slice of *health.Prober the management loop calls.
type healthProber interface {
	CheckLocalTCP(ctx context.Context, spec forwarding.Spec) bool
}

// Supervisor owns one Tunnel Record per configured forwarding spec and
// runs the management loop that keeps them alive.
type Supervisor struct {
	cfg     *config.Config
	prober  healthProber
	invoker sshInvoker
	records *tunnel.Records
	logger  *slog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	doneCh       chan struct{}
}

// New validates cfg, constructs the prober and invoker, and returns a
// Supervisor with an empty-of-children record map. It performs no I/O.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		prober:     health.New(cfg.Timeout()),
		invoker:    sshinvoker.New(cfg, logger),
		records:    tunnel.NewRecords(cfg.Specs, cfg.BackoffBase()),
		logger:     logger,
		shutdownCh: make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}, nil
}

// newWithDeps builds a Supervisor from already-constructed dependencies,
// bypassing cfg.Validate and the real prober/invoker. Used by tests to
// inject fakes for the invoker and prober.
func newWithDeps(cfg *config.Config, logger *slog.Logger, prober healthProber, invoker sshInvoker, records *tunnel.Records) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		prober:     prober,
		invoker:    invoker,
		records:    records,
		logger:     logger,
		shutdownCh: make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
}

// JoinHandle lets a caller of StartBackground wait for the management
// loop to exit.
type JoinHandle struct {
	done <-chan struct{}
}

// Wait blocks until the management loop this handle belongs to exits.
func (h *JoinHandle) Wait() {
	<-h.done
}

// Start spawns every configured tunnel and runs the management loop
// inline, blocking until Stop is called or the loop exits.
func (s *Supervisor) Start(ctx context.Context) {
	s.spawnInitial(ctx)
	s.run(ctx)
}

// StartBackground spawns every configured tunnel and runs the management
// loop in a new goroutine, returning immediately.
func (s *Supervisor) StartBackground(ctx context.Context) *JoinHandle {
	s.spawnInitial(ctx)
	go s.run(ctx)
	return &JoinHandle{done: s.doneCh}
}

// Stop signals the management loop to exit, then kills and awaits every
// child still running. It is idempotent: calling it more than once has
// no further effect.
func (s *Supervisor) Stop() {
	s.shutdownOnce.Do(func() {
		select {
		case s.shutdownCh <- struct{}{}:
		default:
		}
	})
	for _, child := range s.records.Children() {
		s.invoker.Kill(child)
	}
}

// Status returns a read-only snapshot of every tunnel's health, keyed by
// canonical spec string.
func (s *Supervisor) Status() map[string]tunnel.Health {
	return s.records.Status()
}

// spawnInitial spawns a child for every record that does not yet have
// one. The records lock is never held across a spawn: EmptyKeys takes a
// snapshot, every spawn happens unlocked, and the result is committed
// one record at a time.
func (s *Supervisor) spawnInitial(ctx context.Context) {
	for _, key := range s.records.EmptyKeys() {
		spec, ok := findSpec(s.cfg.Specs, key)
		if !ok {
			continue
		}
		child, err := s.invoker.StartForwarding(ctx, spec)
		if err != nil {
			s.logger.Error("initial spawn failed", "spec", key, "error", err)
			s.records.MarkDownIfEmpty(key)
			continue
		}
		s.records.SetChildIfEmpty(key, child, tunnel.Unknown)
	}
}

func findSpec(specs []forwarding.Spec, key string) (forwarding.Spec, bool) {
	for _, spec := range specs {
		if spec.ToSSHArg() == key {
			return spec, true
		}
	}
	return forwarding.Spec{}, false
}

// run is the management loop: it ticks on healthCheckInterval, and on
// each tick walks every record key in sequence, racing the interval
// against the shutdown signal at every check point. The records lock is
// never held across the tick, a probe, or a sleep.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			for _, key := range s.records.Keys() {
				select {
				case <-s.shutdownCh:
					return
				default:
				}
				s.checkRecord(ctx, key)
			}
		}
	}
}

// checkRecord is the per-record check-and-maybe-restart procedure: take
// the record out under a short lock, probe it with no lock held, then
// reacquire the lock only to commit the result. This is the one pattern
// that must never regress to holding the lock across a suspension point.
func (s *Supervisor) checkRecord(ctx context.Context, key string) {
	rec, ok := s.records.Take(key)
	if !ok {
		return
	}

	healthy := s.probe(ctx, rec)
	now := time.Now()

	if healthy {
		if rec.Health != tunnel.Healthy {
			s.logger.Info("tunnel healthy", "spec", key)
		}
		s.records.Commit(key, tunnel.Record{
			Spec:        rec.Spec,
			Child:       rec.Child,
			Health:      tunnel.Healthy,
			BackoffSecs: s.cfg.BackoffBase(),
		})
		return
	}

	s.handleUnhealthy(ctx, key, rec, now)
}

// probe runs the process-liveness check and, if the process is alive, the
// mode-appropriate reachability check, with no records lock held.
func (s *Supervisor) probe(ctx context.Context, rec tunnel.Record) bool {
	processAlive := health.CheckChildAlive(rec.Child)
	if !processAlive {
		return false
	}

	var reachable bool
	if s.invoker.IsLocalMode() {
		reachable = s.settleThenProbeLocal(ctx, rec.Spec)
	} else if host, port, hasTarget := s.invoker.RemoteProbeTarget(rec.Spec); hasTarget {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
		defer cancel()
		reached, err := s.invoker.RemoteTCPProbe(probeCtx, host, port, s.cfg.TimeoutSecs)
		if err != nil {
			s.logger.Warn("remote probe errored", "spec", rec.Spec.ToSSHArg(), "error", err)
		}
		reachable = err == nil && reached
	} else {
		// No remote probe configured: process liveness is the only signal.
		reachable = true
	}
	return processAlive && reachable
}

func (s *Supervisor) settleThenProbeLocal(ctx context.Context, spec forwarding.Spec) bool {
	timer := time.NewTimer(initialSettle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return s.prober.CheckLocalTCP(ctx, spec)
}

// handleUnhealthy implements the unhealthy branch of the per-record
// check: grow the failure count, and once past the threshold, drive the
// backoff-scheduled restart cycle described by the jitter formula.
func (s *Supervisor) handleUnhealthy(ctx context.Context, key string, rec tunnel.Record, now time.Time) {
	failureCount := rec.FailureCount + 1

	if failureCount < maxFailures {
		s.logger.Warn("tunnel probe failed", "spec", key, "failure_count", failureCount)
		s.records.Commit(key, tunnel.Record{
			Spec:          rec.Spec,
			Child:         rec.Child,
			Health:        tunnel.Down,
			FailureCount:  failureCount,
			NextRestartAt: rec.NextRestartAt,
			BackoffSecs:   rec.BackoffSecs,
		})
		return
	}

	if rec.NextRestartAt.IsZero() {
		s.enterBackoff(key, rec, failureCount, now)
		return
	}

	if now.Before(rec.NextRestartAt) {
		s.records.Commit(key, tunnel.Record{
			Spec:          rec.Spec,
			Child:         rec.Child,
			Health:        tunnel.Down,
			FailureCount:  failureCount,
			NextRestartAt: rec.NextRestartAt,
			BackoffSecs:   rec.BackoffSecs,
		})
		return
	}

	s.attemptRestart(ctx, key, rec, failureCount, now)
}

// enterBackoff is the first crossing of the failure threshold in this
// episode: kill any child, schedule the next restart attempt.
func (s *Supervisor) enterBackoff(key string, rec tunnel.Record, failureCount int, now time.Time) {
	if rec.Child != nil {
		s.invoker.Kill(rec.Child)
	}
	base := rec.BackoffSecs
	if base < s.cfg.BackoffBase() {
		base = s.cfg.BackoffBase()
	}
	delay := backoff.Jitter(base, rec.Spec)
	s.logger.Error("tunnel entering backoff", "spec", key, "delay", delay)
	s.records.Commit(key, tunnel.Record{
		Spec:          rec.Spec,
		Child:         nil,
		Health:        tunnel.Down,
		FailureCount:  failureCount,
		NextRestartAt: now.Add(delay),
		BackoffSecs:   base,
	})
}

// attemptRestart is reached once the backoff deadline has passed: try to
// spawn a replacement child, growing the backoff further on failure.
func (s *Supervisor) attemptRestart(ctx context.Context, key string, rec tunnel.Record, failureCount int, now time.Time) {
	child, err := s.invoker.StartForwarding(ctx, rec.Spec)
	if err == nil {
		s.logger.Info("tunnel restarted", "spec", key)
		s.records.Commit(key, tunnel.Record{
			Spec:        rec.Spec,
			Child:       child,
			Health:      tunnel.Unknown,
			BackoffSecs: s.cfg.BackoffBase(),
		})
		return
	}

	grown := backoff.Grow(rec.BackoffSecs, s.cfg.BackoffMax())
	delay := backoff.Jitter(grown, rec.Spec)
	s.logger.Error("tunnel restart failed", "spec", key, "error", err)
	s.records.Commit(key, tunnel.Record{
		Spec:          rec.Spec,
		Child:         nil,
		Health:        tunnel.Down,
		FailureCount:  failureCount,
		NextRestartAt: now.Add(delay),
		BackoffSecs:   grown,
	})
}
