// Package tunnel holds the per-tunnel mutable state the supervisor tracks
// — one Record per forwarding Spec — and the take-and-put-back accessors
// that let the management loop probe a record without holding the shared
// map lock across any I/O.
package tunnel

import (
	"sync"
	"time"

	"github.com/tomaszpeksa/stun/internal/forwarding"
)

// ChildHandle is the narrow surface a supervised child process exposes to
// this package: a non-blocking liveness poll. *sshinvoker.Child satisfies
// it; tests substitute a fake.
type ChildHandle interface {
	Alive() bool
}

// Health tags a Record's last-observed state.
type Health int

const (
	// Unknown is the initial state, before any probe has completed.
	Unknown Health = iota
	// Healthy means the last probe found the child alive and reachable.
	Healthy
	// Down means the last probe found the child dead, unreachable, or absent.
	Down
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// Record is the supervisor's bookkeeping for one forwarding spec: its
// child process handle (if any), health, failure count, and restart
// schedule. A Record is never shared by value across a suspension point —
// see Records.Take/Commit.
type Record struct {
	Spec          forwarding.Spec
	Child         ChildHandle
	Health        Health
	FailureCount  int
	BackoffSecs   time.Duration
	NextRestartAt time.Time // zero value means "no restart scheduled"
}

// Records is the fixed, 1:1-with-Config map of canonical spec string to
// Record, protected by a single RWMutex. The set of keys never changes
// after NewRecords: no record is ever inserted or removed during a run.
type Records struct {
	mu sync.RWMutex
	m  map[string]*Record
}

// NewRecords builds one Record per spec, all starting in the Unknown
// state with no child and backoffSecs at its floor.
func NewRecords(specs []forwarding.Spec, backoffBase time.Duration) *Records {
	m := make(map[string]*Record, len(specs))
	for _, spec := range specs {
		m[spec.ToSSHArg()] = &Record{
			Spec:        spec,
			Health:      Unknown,
			BackoffSecs: backoffBase,
		}
	}
	return &Records{m: m}
}

// Keys returns a snapshot of every record key. The lock is released
// before the caller processes the result.
func (r *Records) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	return keys
}

// EmptyKeys returns the keys of every record whose Child is currently nil,
// used for the initial-spawn pass.
func (r *Records) EmptyKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.m))
	for k, rec := range r.m {
		if rec.Child == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// Take removes key's Child from the map (leaving it nil in place) and
// returns a value copy of the record as it stood at that instant. The
// lock is held only for the duration of the copy — the caller performs
// every subsequent probe or spawn without it.
func (r *Records) Take(key string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.m[key]
	if !ok {
		return Record{}, false
	}
	out := *rec
	rec.Child = nil
	return out, true
}

// Commit writes rec back for key, replacing whatever is currently there.
// It is the counterpart to Take: call it only after the caller has
// finished every suspension point for this record.
func (r *Records) Commit(key string, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.m[key]; ok {
		*existing = rec
	}
}

// SetChildIfEmpty commits a newly spawned child for key only if the
// record's Child is still nil — used by the initial spawn pass, which
// must not clobber a record that a concurrent path has already populated.
func (r *Records) SetChildIfEmpty(key string, child ChildHandle, health Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.m[key]
	if !ok || rec.Child != nil {
		return
	}
	rec.Child = child
	rec.Health = health
	rec.FailureCount = 0
}

// MarkDownIfEmpty records a failed initial spawn attempt for key, again
// only if nothing has since populated the record's Child.
func (r *Records) MarkDownIfEmpty(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.m[key]
	if !ok || rec.Child != nil {
		return
	}
	rec.Health = Down
}

// Status returns a snapshot of every record's health, keyed by canonical
// spec string.
func (r *Records) Status() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.m))
	for k, rec := range r.m {
		out[k] = rec.Health
	}
	return out
}

// Children returns every non-nil child currently held across all
// records, used by Stop to kill everything still running.
func (r *Records) Children() map[string]ChildHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ChildHandle)
	for k, rec := range r.m {
		if rec.Child != nil {
			out[k] = rec.Child
			rec.Child = nil
			rec.Health = Down
		}
	}
	return out
}
