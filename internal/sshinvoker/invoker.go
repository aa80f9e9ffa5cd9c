// Package sshinvoker constructs argv for, spawns, and kills the ssh(1)
// child processes that actually carry stun's port forwards, and runs the
// secondary one-shot ssh invocation used to probe a remote-mode forward.
package sshinvoker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/tomaszpeksa/stun/internal/config"
	"github.com/tomaszpeksa/stun/internal/forwarding"
	"github.com/tomaszpeksa/stun/internal/stunerr"
	"github.com/tomaszpeksa/stun/internal/tunnel"
)

const defaultSSHPort = 22

// Invoker is a stateless wrapper over a Config: every method derives its
// argv from the Config and the Spec passed in, the same shape as the
// SshClient it is modeled on.
type Invoker struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New constructs an Invoker for cfg.
func New(cfg *config.Config, logger *slog.Logger) *Invoker {
	return &Invoker{cfg: cfg, logger: logger}
}

// IsLocalMode reports whether the configured mode is Local (-L).
func (inv *Invoker) IsLocalMode() bool {
	return inv.cfg.Mode == forwarding.Local
}

// RemoteProbeTarget looks up the configured remote probe target for spec.
func (inv *Invoker) RemoteProbeTarget(spec forwarding.Spec) (host string, port uint16, ok bool) {
	return inv.cfg.RemoteProbeTarget(spec)
}

// baseOptions returns the fixed connection options shared by every ssh
// invocation this package makes.
func baseOptions() []string {
	return []string{
		"-o", "ServerAliveInterval=30",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
	}
}

// identityAndPortArgs appends -i/-p flags common to every invocation. A
// configured key path that does not exist on disk is logged and omitted
// rather than treated as an error, matching the forwarding tool's
// tolerance for an optional key.
func (inv *Invoker) identityAndPortArgs() []string {
	var args []string
	if key := inv.cfg.Remote.Key; key != "" {
		if _, err := os.Stat(key); err == nil {
			args = append(args, "-i", key)
		} else if inv.logger != nil {
			inv.logger.Warn("private key file does not exist", "key", key)
		}
	}
	if inv.cfg.Remote.Port != 0 && inv.cfg.Remote.Port != defaultSSHPort {
		args = append(args, "-p", strconv.Itoa(int(inv.cfg.Remote.Port)))
	}
	return args
}

func (inv *Invoker) target() string {
	return fmt.Sprintf("%s@%s", inv.cfg.Remote.User, inv.cfg.Remote.Host)
}

// Argv builds the full argv for a long-running forwarding child: base
// options, mode flag, spec, identity/port, target. Exported so it can be
// asserted on directly in tests and logged for operator debugging without
// actually spawning ssh.
func (inv *Invoker) Argv(spec forwarding.Spec) []string {
	args := baseOptions()
	args = append(args, inv.cfg.Mode.Flag(), spec.ToSSHArg())
	args = append(args, inv.identityAndPortArgs()...)
	args = append(args, inv.target())
	return args
}

// Child is an owned handle to a spawned ssh child process. Liveness is
// tracked by a background goroutine that calls Wait once and closes done;
// Alive polls that channel without ever blocking on the process itself.
type Child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Alive reports whether the child has not yet exited. It never blocks.
func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// StartForwarding spawns an ssh child realizing spec under the invoker's
// configured mode. Stdin/stdout/stderr are piped (never inherited from
// the supervisor's terminal) and drained to io.Discard in background
// goroutines so a child cannot block writing to a full pipe.
func (inv *Invoker) StartForwarding(ctx context.Context, spec forwarding.Spec) (tunnel.ChildHandle, error) {
	cmd := exec.CommandContext(ctx, "ssh", inv.Argv(spec)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, stunerr.Wrap(stunerr.Ssh, "failed to start SSH process", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, stunerr.Wrap(stunerr.Ssh, "failed to start SSH process", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, stunerr.Wrap(stunerr.Ssh, "failed to start SSH process", err)
	}

	if inv.logger != nil {
		inv.logger.Debug("starting ssh forwarding", "spec", spec.ToSSHArg(), "mode", inv.cfg.Mode.String())
	}

	if err := cmd.Start(); err != nil {
		return nil, stunerr.Wrap(stunerr.Ssh, "failed to start SSH process", err)
	}
	_ = stdin.Close() // nothing to send; close immediately so the child sees EOF rather than a hung terminal

	go func() { _, _ = io.Copy(io.Discard, stdout) }()
	go func() { _, _ = io.Copy(io.Discard, stderr) }()

	child := &Child{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(child.done)
	}()

	if inv.logger != nil {
		inv.logger.Info("started ssh forwarding", "spec", spec.ToSSHArg())
	}
	return child, nil
}

// Kill requests termination of child and waits for it to exit. Errors are
// logged, never returned: the caller (the management loop) must be able
// to proceed unconditionally after a kill is requested.
func (inv *Invoker) Kill(handle tunnel.ChildHandle) {
	if handle == nil {
		return
	}
	child, ok := handle.(*Child)
	if !ok || child == nil {
		return
	}
	if err := child.cmd.Process.Kill(); err != nil && inv.logger != nil {
		inv.logger.Warn("error killing ssh process", "error", err)
	}
	<-child.done
}

// RemoteTCPProbe runs a one-shot ssh invocation that executes a TCP poke
// against host:port from the remote side of the connection, reusing the
// same connection options and identity/port flags as StartForwarding.
// Exit status 0 means reachable; a non-zero exit means unreachable;
// a failure to spawn the probe itself is reported as an error.
func (inv *Invoker) RemoteTCPProbe(ctx context.Context, host string, port uint16, timeoutSecs uint64) (bool, error) {
	probeCmd := fmt.Sprintf(
		`nc -z -w %d %s %d >/dev/null 2>&1 || (bash -lc "echo > /dev/tcp/%s/%d")`,
		timeoutSecs, host, port, host, port,
	)
	// sh -lc and the probe command must reach ssh as a single argument so
	// the remote shell sees one command line, not separate arguments.
	remoteCmd := fmt.Sprintf("sh -lc %q", probeCmd)

	args := baseOptions()
	args = append(args, inv.identityAndPortArgs()...)
	args = append(args, inv.target(), remoteCmd)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	if inv.logger != nil {
		inv.logger.Debug("running remote tcp probe", "host", host, "port", port)
	}
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, isExit := err.(*exec.ExitError); isExit {
		return false, nil
	}
	return false, stunerr.Wrap(stunerr.Ssh, "failed to run remote tcp probe", err)
}
