// Package config loads, validates, and persists the stun configuration
// file: a JSON document enumerating one SSH connection and the forwards
// to maintain over it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tomaszpeksa/stun/internal/forwarding"
	"github.com/tomaszpeksa/stun/internal/stunerr"
)

const (
	defaultRemotePort      = 22
	defaultTimeoutSecs     = 2
	defaultBackoffBaseSecs = 1
	defaultBackoffMaxSecs  = 30
)

// RemoteEndpoint describes the SSH server stun connects through.
type RemoteEndpoint struct {
	Host string `json:"host"`
	Port uint16 `json:"port,omitempty"`
	User string `json:"user"`
	Key  string `json:"key,omitempty"`
}

// Config is the fully validated, immutable-after-load application
// configuration. Field names and JSON tags mirror the wire schema from
// the forwarding-tool configurations this supervisor descends from.
type Config struct {
	Mode           forwarding.Mode   `json:"-"`
	ModeRaw        string            `json:"mode"`
	Remote         RemoteEndpoint    `json:"remote"`
	ForwardingList []string          `json:"forwarding_list"`
	TimeoutSecs    uint64            `json:"timeout,omitempty"`
	RemoteProbes   map[string]string `json:"remote_probes,omitempty"`

	// BackoffBaseSecs/BackoffMaxSecs are pointers, not plain uint64, so
	// Validate can tell an absent field (nil, defaults) apart from an
	// explicit zero (rejected) — both decode to the same plain-uint64 zero
	// value otherwise. Use Uint64Ptr to build one from a literal.
	BackoffBaseSecs *uint64 `json:"backoff_base_secs,omitempty"`
	BackoffMaxSecs  *uint64 `json:"backoff_max_secs,omitempty"`

	// Specs holds the parsed form of ForwardingList, populated by Validate.
	Specs []forwarding.Spec `json:"-"`
}

// Uint64Ptr returns a pointer to v, for constructing BackoffBaseSecs/
// BackoffMaxSecs literals.
func Uint64Ptr(v uint64) *uint64 {
	return &v
}

// Timeout returns TimeoutSecs as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// BackoffBase returns BackoffBaseSecs as a time.Duration. Valid only after
// Validate has succeeded.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(*c.BackoffBaseSecs) * time.Second
}

// BackoffMax returns BackoffMaxSecs as a time.Duration. Valid only after
// Validate has succeeded.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(*c.BackoffMaxSecs) * time.Second
}

// FromFile reads and parses a JSON config file, then validates it.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stunerr.Wrap(stunerr.Io, fmt.Sprintf("reading config file %q", path), err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, stunerr.Wrap(stunerr.Config, "parsing config JSON", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToFile writes Config back out as JSON, for round-trip persistence in
// tests and operator tooling.
func (c *Config) ToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return stunerr.Wrap(stunerr.Config, "marshaling config JSON", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return stunerr.Wrap(stunerr.Io, fmt.Sprintf("writing config file %q", path), err)
	}
	return nil
}

// Validate applies defaults, parses every forwarding spec, and checks all
// of the invariants the configuration schema promises. It populates
// c.Mode and c.Specs as a side effect, so it must be called before a
// Config is handed to the supervisor.
func (c *Config) Validate() error {
	mode, err := forwarding.ParseMode(c.ModeRaw)
	if err != nil {
		return err
	}
	c.Mode = mode

	if c.Remote.Host == "" {
		return stunerr.New(stunerr.Config, "remote host must not be empty")
	}
	if c.Remote.User == "" {
		return stunerr.New(stunerr.Config, "remote user must not be empty")
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = defaultRemotePort
	}
	if len(c.ForwardingList) == 0 {
		return stunerr.New(stunerr.Config, "forwarding_list must not be empty")
	}
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = defaultTimeoutSecs
	}
	if c.BackoffBaseSecs == nil {
		c.BackoffBaseSecs = Uint64Ptr(defaultBackoffBaseSecs)
	} else if *c.BackoffBaseSecs == 0 {
		return stunerr.New(stunerr.Config, "backoff_base_secs must not be 0")
	}
	if c.BackoffMaxSecs == nil {
		c.BackoffMaxSecs = Uint64Ptr(defaultBackoffMaxSecs)
	} else if *c.BackoffMaxSecs == 0 {
		return stunerr.New(stunerr.Config, "backoff_max_secs must not be 0")
	}
	if *c.BackoffMaxSecs < *c.BackoffBaseSecs {
		return stunerr.New(stunerr.Config, "backoff_max_secs must be >= backoff_base_secs")
	}

	specs := make([]forwarding.Spec, 0, len(c.ForwardingList))
	canonical := make(map[string]struct{}, len(c.ForwardingList))
	for _, raw := range c.ForwardingList {
		spec, err := forwarding.Parse(raw)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
		canonical[spec.ToSSHArg()] = struct{}{}
	}
	c.Specs = specs

	for key, target := range c.RemoteProbes {
		if _, ok := canonical[key]; !ok {
			return stunerr.New(stunerr.Config, fmt.Sprintf("remote_probes key %q does not match any forwarding_list entry", key))
		}
		if _, _, err := splitHostPort(target); err != nil {
			return stunerr.New(stunerr.Config, fmt.Sprintf("remote_probes target %q for %q is malformed: %v", target, key, err))
		}
	}

	return nil
}

// splitHostPort parses a "host:port" probe target, splitting on the last
// colon the same way forwarding.Parse does, so bracketed IPv6 literals
// survive.
func splitHostPort(target string) (host string, port uint16, err error) {
	idx := strings.LastIndex(target, ":")
	if idx == -1 {
		return "", 0, fmt.Errorf("missing port in %q", target)
	}
	host = target[:idx]
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", target)
	}
	n, err := strconv.ParseUint(target[idx+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", target, err)
	}
	return host, uint16(n), nil
}

// RemoteProbeTarget looks up the configured remote probe host:port for a
// spec's canonical argument string, if one was configured.
func (c *Config) RemoteProbeTarget(spec forwarding.Spec) (host string, port uint16, ok bool) {
	target, present := c.RemoteProbes[spec.ToSSHArg()]
	if !present {
		return "", 0, false
	}
	host, port, err := splitHostPort(target)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}
