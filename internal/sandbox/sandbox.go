// Package sandbox defines the execution environment contract shared by the
// local, docker and firecracker backends.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"sort"
	"strings"
)

const (
	CapabilityProcessGroupKill   = "process.group_kill"
	CapabilityFilesystemIsolated = "fs.isolated"
	CapabilityNetworkIsolated    = "network.isolated"
	CapabilityHardwareIsolated   = "vm.hardware_isolated"
)

var knownCapabilityKeys = []string{
	CapabilityProcessGroupKill,
	CapabilityFilesystemIsolated,
	CapabilityNetworkIsolated,
	CapabilityHardwareIsolated,
}

// ErrUnsupportedHost is returned by Boot when the host lacks an isolation
// primitive the backend depends on.
var ErrUnsupportedHost = errors.New("host does not support sandbox isolation")

// Booter starts a sandbox. Boot is called at most once per successful
// environment; callers dedupe concurrent boots.
type Booter interface {
	Name() string
	Boot(ctx context.Context) (Sandbox, error)
}

// Sandbox is a live execution environment with a private working directory.
// File names are relative to that directory.
type Sandbox interface {
	ID() string
	WriteFile(ctx context.Context, name string, data []byte) error
	// ReadFile and RemoveFile return an error matching fs.ErrNotExist when
	// the file is absent.
	ReadFile(ctx context.Context, name string) ([]byte, error)
	RemoveFile(ctx context.Context, name string) error
	Spawn(ctx context.Context, spec ProcessSpec) (Process, error)
	Close() error
}

type ProcessSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Process is a running command. Output must be drained until EOF; it
// carries stdout and stderr interleaved.
type Process interface {
	Output() io.Reader
	Wait() (int, error)
	Kill() error
}

// CapabilityReporter allows backends to publish isolation properties in a
// machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

// DoctorCapable backends can diagnose host prerequisites without booting.
type DoctorCapable interface {
	Doctor(ctx context.Context) (*DoctorReport, error)
}

// CapabilitiesFor returns a capability map with every known key present.
func CapabilitiesFor(b Booter) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}
	if reporter, ok := b.(CapabilityReporter); ok {
		maps.Copy(caps, reporter.Capabilities())
	}
	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

func (r *DoctorReport) Add(name, status, message string) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: message})
}

// Failed reports whether any check has status fail.
func (r *DoctorReport) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == "fail" {
			return true
		}
	}
	return false
}

// CleanName validates a sandbox-relative file name and returns it in
// slash-separated canonical form.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty file name")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("file name %q must be relative", name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("file name %q escapes the sandbox", name)
	}
	return clean, nil
}

// EnvList renders env as sorted KEY=VALUE entries.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}
