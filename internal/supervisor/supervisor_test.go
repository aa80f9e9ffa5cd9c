package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaszpeksa/stun/internal/config"
	"github.com/tomaszpeksa/stun/internal/forwarding"
	"github.com/tomaszpeksa/stun/internal/tunnel"
)

// fakeChild is a ChildHandle whose liveness is toggled directly by tests.
type fakeChild struct {
	alive atomic.Bool
}

func newFakeChild() *fakeChild {
	c := &fakeChild{}
	c.alive.Store(true)
	return c
}

func (c *fakeChild) Alive() bool { return c.alive.Load() }

// fakeInvoker replaces sshinvoker.Invoker in tests: the first startFailures
// StartForwarding calls fail and later ones succeed, and RemoteTCPProbe
// returns the fixed reachable/probeErr pair.
type fakeInvoker struct {
	mu          sync.Mutex
	localMode   bool
	probeTarget map[string]struct {
		host string
		port uint16
	}

	startFailures  int32 // number of leading StartForwarding calls that fail
	startCallCount int32

	reachable     bool
	probeErr      error
	probeCallSeen chan struct{}

	killed []tunnel.ChildHandle
}

func (f *fakeInvoker) IsLocalMode() bool { return f.localMode }

func (f *fakeInvoker) RemoteProbeTarget(spec forwarding.Spec) (string, uint16, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.probeTarget[spec.ToSSHArg()]
	return t.host, t.port, ok
}

func (f *fakeInvoker) StartForwarding(_ context.Context, _ forwarding.Spec) (tunnel.ChildHandle, error) {
	n := atomic.AddInt32(&f.startCallCount, 1)
	if n <= atomic.LoadInt32(&f.startFailures) {
		return nil, assertError
	}
	return newFakeChild(), nil
}

func (f *fakeInvoker) Kill(handle tunnel.ChildHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, handle)
	if child, ok := handle.(*fakeChild); ok {
		child.alive.Store(false)
	}
}

func (f *fakeInvoker) RemoteTCPProbe(_ context.Context, _ string, _ uint16, _ uint64) (bool, error) {
	select {
	case f.probeCallSeen <- struct{}{}:
	default:
	}
	return f.reachable, f.probeErr
}

var assertError = &staticError{"spawn failed"}

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }

// fakeProber makes CheckLocalTCP return a fixed, test-controlled value.
type fakeProber struct {
	reachable atomic.Bool
}

func (p *fakeProber) CheckLocalTCP(_ context.Context, _ forwarding.Spec) bool {
	return p.reachable.Load()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		ModeRaw:         "local",
		Remote:          config.RemoteEndpoint{Host: "example.com", User: "deploy"},
		ForwardingList:  []string{"8080:127.0.0.1:9000"},
		TimeoutSecs:     1,
		BackoffBaseSecs: config.Uint64Ptr(1),
		BackoffMaxSecs:  config.Uint64Ptr(30),
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestSupervisor(t *testing.T, invoker *fakeInvoker, prober *fakeProber) *Supervisor {
	t.Helper()
	cfg := testConfig(t)
	records := tunnel.NewRecords(cfg.Specs, cfg.BackoffBase())
	return newWithDeps(cfg, nil, prober, invoker, records)
}

func TestSpawnInitial_PopulatesRecordOnSuccess(t *testing.T) {
	invoker := &fakeInvoker{localMode: true}
	s := newTestSupervisor(t, invoker, &fakeProber{})

	s.spawnInitial(context.Background())

	status := s.Status()
	for _, h := range status {
		assert.Equal(t, tunnel.Unknown, h)
	}
	assert.Empty(t, s.records.EmptyKeys())
}

func TestSpawnInitial_MarksDownOnSpawnFailure(t *testing.T) {
	invoker := &fakeInvoker{localMode: true, startFailures: 1}
	s := newTestSupervisor(t, invoker, &fakeProber{})

	s.spawnInitial(context.Background())

	status := s.Status()
	for _, h := range status {
		assert.Equal(t, tunnel.Down, h)
	}
	assert.NotEmpty(t, s.records.EmptyKeys())
}

func TestCheckRecord_HealthyProcessAndReachable_MarksHealthy(t *testing.T) {
	invoker := &fakeInvoker{localMode: true}
	prober := &fakeProber{}
	prober.reachable.Store(true)
	s := newTestSupervisor(t, invoker, prober)
	s.spawnInitial(context.Background())

	key := s.records.Keys()[0]
	s.checkRecord(context.Background(), key)

	assert.Equal(t, tunnel.Healthy, s.Status()[key])
}

func TestCheckRecord_BelowThreshold_StaysDownWithoutKillingChild(t *testing.T) {
	invoker := &fakeInvoker{localMode: true}
	prober := &fakeProber{} // reachable defaults to false
	s := newTestSupervisor(t, invoker, prober)
	s.spawnInitial(context.Background())
	key := s.records.Keys()[0]

	s.checkRecord(context.Background(), key)
	s.checkRecord(context.Background(), key)

	assert.Equal(t, tunnel.Down, s.Status()[key])
	assert.Empty(t, invoker.killed, "child must not be killed before the failure threshold is crossed")
}

func TestCheckRecord_CrossingThreshold_SchedulesBackoffAndKillsChild(t *testing.T) {
	invoker := &fakeInvoker{localMode: true}
	prober := &fakeProber{}
	s := newTestSupervisor(t, invoker, prober)
	s.spawnInitial(context.Background())
	key := s.records.Keys()[0]

	for i := 0; i < maxFailures; i++ {
		s.checkRecord(context.Background(), key)
	}

	assert.Len(t, invoker.killed, 1, "the child must be killed exactly once on crossing the failure threshold")

	rec, ok := s.records.Take(key)
	require.True(t, ok)
	assert.False(t, rec.NextRestartAt.IsZero())
	assert.Nil(t, rec.Child)
	s.records.Commit(key, rec)
}

func TestCheckRecord_RestartSucceeds_ResetsToUnknownAndBaseBackoff(t *testing.T) {
	invoker := &fakeInvoker{localMode: true}
	prober := &fakeProber{}
	s := newTestSupervisor(t, invoker, prober)
	s.spawnInitial(context.Background())
	key := s.records.Keys()[0]

	for i := 0; i < maxFailures; i++ {
		s.checkRecord(context.Background(), key)
	}

	// Force the restart deadline into the past so the next check attempts a
	// restart instead of continuing to wait.
	rec, ok := s.records.Take(key)
	require.True(t, ok)
	rec.NextRestartAt = time.Now().Add(-time.Second)
	s.records.Commit(key, rec)

	s.checkRecord(context.Background(), key)

	rec, ok = s.records.Take(key)
	require.True(t, ok)
	assert.Equal(t, tunnel.Unknown, rec.Health)
	assert.Equal(t, s.cfg.BackoffBase(), rec.BackoffSecs)
	assert.NotNil(t, rec.Child)
	s.records.Commit(key, rec)
}

func TestCheckRecord_RestartFails_GrowsBackoffAndReschedules(t *testing.T) {
	invoker := &fakeInvoker{localMode: true}
	prober := &fakeProber{}
	s := newTestSupervisor(t, invoker, prober)
	s.spawnInitial(context.Background())
	key := s.records.Keys()[0]

	for i := 0; i < maxFailures; i++ {
		s.checkRecord(context.Background(), key)
	}
	rec, ok := s.records.Take(key)
	require.True(t, ok)
	firstBackoff := rec.BackoffSecs
	rec.NextRestartAt = time.Now().Add(-time.Second)
	s.records.Commit(key, rec)

	// Make every subsequent StartForwarding call fail.
	atomic.StoreInt32(&invoker.startFailures, 1<<30)

	s.checkRecord(context.Background(), key)

	rec, ok = s.records.Take(key)
	require.True(t, ok)
	assert.Equal(t, tunnel.Down, rec.Health)
	assert.Greater(t, rec.BackoffSecs, firstBackoff, "a failed restart attempt must grow the backoff beyond its prior value")
	assert.False(t, rec.NextRestartAt.IsZero())
	s.records.Commit(key, rec)
}

func TestProbe_RemoteMode_UsesRemoteTCPProbeWhenTargetConfigured(t *testing.T) {
	invoker := &fakeInvoker{
		localMode: false,
		probeTarget: map[string]struct {
			host string
			port uint16
		}{
			"8080:127.0.0.1:9000": {host: "127.0.0.1", port: 9000},
		},
		reachable:     true,
		probeCallSeen: make(chan struct{}, 1),
	}
	s := newTestSupervisor(t, invoker, &fakeProber{})
	s.spawnInitial(context.Background())
	key := s.records.Keys()[0]

	s.checkRecord(context.Background(), key)

	select {
	case <-invoker.probeCallSeen:
	default:
		t.Fatal("expected RemoteTCPProbe to be called in remote mode with a configured target")
	}
	assert.Equal(t, tunnel.Healthy, s.Status()[key])
}

func TestProbe_RemoteMode_NoTargetConfigured_TreatsProcessAliveAsHealthy(t *testing.T) {
	invoker := &fakeInvoker{localMode: false}
	s := newTestSupervisor(t, invoker, &fakeProber{})
	s.spawnInitial(context.Background())
	key := s.records.Keys()[0]

	s.checkRecord(context.Background(), key)

	assert.Equal(t, tunnel.Healthy, s.Status()[key])
}

func TestStop_IsIdempotentAndKillsEveryLiveChild(t *testing.T) {
	invoker := &fakeInvoker{localMode: true}
	s := newTestSupervisor(t, invoker, &fakeProber{})
	s.spawnInitial(context.Background())

	s.Stop()
	s.Stop()

	assert.Len(t, invoker.killed, 1)
}

func TestRun_ExitsPromptlyOnShutdown(t *testing.T) {
	invoker := &fakeInvoker{localMode: true}
	s := newTestSupervisor(t, invoker, &fakeProber{})
	handle := s.StartBackground(context.Background())

	start := time.Now()
	s.Stop()
	handle.Wait()

	assert.Less(t, time.Since(start), healthCheckInterval, "shutdown must not wait for the next health-check tick")
}
