// Package forwarding holds the Spec value type: a parsed description of a
// single SSH port forward and the pure functions around it.
package forwarding

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tomaszpeksa/stun/internal/stunerr"
)

// Mode tags whether a Spec is realized as an SSH -L (local) or -R (remote)
// forward. The tag lives on Config, not on Spec itself, since one Config
// applies the same mode to every forwarding it lists.
type Mode int

const (
	// Local forwards map to ssh -L: the SSH client listens locally.
	Local Mode = iota
	// Remote forwards map to ssh -R: the SSH server listens remotely.
	Remote
)

// Flag returns the ssh(1) command-line flag for the mode.
func (m Mode) Flag() string {
	if m == Remote {
		return "-R"
	}
	return "-L"
}

func (m Mode) String() string {
	if m == Remote {
		return "remote"
	}
	return "local"
}

// ParseMode maps a config-file mode string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "local":
		return Local, nil
	case "remote":
		return Remote, nil
	default:
		return Local, stunerr.New(stunerr.Config, fmt.Sprintf("invalid mode: %q", s))
	}
}

const defaultBindAddress = "127.0.0.1"

// Spec is an immutable parsed forwarding descriptor. Its identity is the
// canonical argument string it round-trips to via ToSSHArg.
type Spec struct {
	BindAddress string
	BindPort    uint16
	RemoteHost  string
	RemotePort  uint16
}

// Parse parses a forwarding spec string of the form
// "[bind_addr:]bind_port:remote_host:remote_port", working from the right
// so that a bracketed IPv6 bind-address literal (e.g. "[::1]") is never
// split on its interior colons.
func Parse(s string) (Spec, error) {
	lastColon := strings.LastIndex(s, ":")
	if lastColon == -1 {
		return Spec{}, stunerr.New(stunerr.Config, fmt.Sprintf("invalid forwarding specification: %q", s))
	}
	remotePortStr := s[lastColon+1:]
	rest := s[:lastColon]

	remotePort, err := parsePort(remotePortStr)
	if err != nil {
		return Spec{}, stunerr.New(stunerr.Config, fmt.Sprintf("invalid remote port: %q", remotePortStr))
	}

	hostColon := strings.LastIndex(rest, ":")
	if hostColon == -1 {
		return Spec{}, stunerr.New(stunerr.Config, fmt.Sprintf("invalid forwarding specification: %q", s))
	}
	remoteHost := rest[hostColon+1:]
	if remoteHost == "" {
		return Spec{}, stunerr.New(stunerr.Config, fmt.Sprintf("invalid forwarding specification: %q", s))
	}
	rest = rest[:hostColon]

	var bindAddr, bindPortStr string
	if bindColon := strings.LastIndex(rest, ":"); bindColon != -1 {
		bindAddr = rest[:bindColon]
		bindPortStr = rest[bindColon+1:]
	} else {
		bindPortStr = rest
	}

	bindPort, err := parsePort(bindPortStr)
	if err != nil {
		return Spec{}, stunerr.New(stunerr.Config, fmt.Sprintf("invalid bind port: %q", bindPortStr))
	}

	return Spec{
		BindAddress: bindAddr,
		BindPort:    bindPort,
		RemoteHost:  remoteHost,
		RemotePort:  remotePort,
	}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// EffectiveBindAddress returns BindAddress, or the default ("127.0.0.1")
// when none was specified.
func (s Spec) EffectiveBindAddress() string {
	if s.BindAddress == "" {
		return defaultBindAddress
	}
	return s.BindAddress
}

// ToSSHArg renders the canonical argument string for this Spec, suitable
// both as the -L/-R argument to ssh(1) and as the Spec's map key. It is
// the deterministic inverse of Parse.
func (s Spec) ToSSHArg() string {
	if s.BindAddress == "" {
		return fmt.Sprintf("%d:%s:%d", s.BindPort, s.RemoteHost, s.RemotePort)
	}
	return fmt.Sprintf("%s:%d:%s:%d", s.BindAddress, s.BindPort, s.RemoteHost, s.RemotePort)
}
