package boxlite

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

// EnvVar is one ordered environment variable entry. Order is preserved
// end to end, unlike a map.
type EnvVar struct {
	Key   string
	Value string
}

// Volume is a host<->guest bind mount.
type Volume struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// PortMapping is a host<->guest port forward.
type PortMapping struct {
	HostPort  int
	GuestPort int
	Proto     string // "tcp" or "udp"
}

var boxNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)

const (
	minMemoryMiB = 128
	maxMemoryMiB = 65536
	minDiskGB    = 1
	maxDiskGB    = 1024
)

// BoxOptions is the resource and runtime configuration shared by every box:
// the half of CreateOptions the validation table in spec.md §4.8 actually
// governs, factored out so it can be reused wherever a caller builds on top
// of a box without naming a preset (spec §9: "never a subclass").
type BoxOptions struct {
	ImageRef   string
	CPUs       int
	MemoryMiB  int
	DiskSizeGB *int // nil means unset
	WorkingDir string
	Env        []EnvVar
	Volumes    []Volume
	Ports      []PortMapping
	User       string
	Cmd        []string
	AutoRemove bool
}

// Validate runs the options validation table in order, returning a
// boxliteerr.Config error describing the first rule that fails. Later
// rules are not evaluated once one fails — callers get one actionable
// message per call, not a batch of them.
func (o BoxOptions) Validate() error {
	if strings.TrimSpace(o.ImageRef) == "" {
		return boxliteerr.Configf("ImageRequired", "image must be a non-empty reference")
	}

	hostCPUs := runtime.NumCPU()
	if o.CPUs < 1 || o.CPUs > hostCPUs {
		return boxliteerr.Configf("CPUsOutOfRange", "cpus must be between 1 and %d, got %d", hostCPUs, o.CPUs)
	}

	if o.MemoryMiB < minMemoryMiB || o.MemoryMiB > maxMemoryMiB {
		return boxliteerr.Configf("MemoryOutOfRange", "memory_mib must be between %d and %d, got %d",
			minMemoryMiB, maxMemoryMiB, o.MemoryMiB)
	}

	if o.DiskSizeGB != nil && (*o.DiskSizeGB < minDiskGB || *o.DiskSizeGB > maxDiskGB) {
		return boxliteerr.Configf("DiskSizeOutOfRange", "disk_size_gb must be between %d and %d, got %d",
			minDiskGB, maxDiskGB, *o.DiskSizeGB)
	}

	if !filepath.IsAbs(o.WorkingDir) {
		return boxliteerr.Configf("WorkingDirNotAbsolute", "working_dir must be an absolute path, got %q", o.WorkingDir)
	}

	for _, e := range o.Env {
		if e.Key == "" {
			return boxliteerr.Configf("EnvKeyEmpty", "env keys must be non-empty")
		}
		if strings.ContainsRune(e.Key, 0) || strings.ContainsRune(e.Value, 0) {
			return boxliteerr.Configf("EnvContainsNUL", "env %q: key and value must not contain NUL", e.Key)
		}
	}

	for _, v := range o.Volumes {
		if !filepath.IsAbs(v.HostPath) {
			return boxliteerr.Configf("VolumeHostPathNotAbsolute", "volume host_path must be absolute, got %q", v.HostPath)
		}
		if _, err := os.Stat(v.HostPath); err != nil {
			return boxliteerr.Configf("VolumeHostPathMissing", "volume host_path %q must exist", v.HostPath)
		}
	}

	for _, p := range o.Ports {
		if p.Proto != "tcp" && p.Proto != "udp" {
			return boxliteerr.Configf("PortProtoInvalid", "port proto must be tcp or udp, got %q", p.Proto)
		}
		if p.HostPort < 1 || p.HostPort > 65535 {
			return boxliteerr.Configf("PortOutOfRange", "host_port must be between 1 and 65535, got %d", p.HostPort)
		}
	}

	return nil
}

// CreateOptions is the full request to Runtime.Create: BoxOptions plus the
// identity and lifecycle fields the create pipeline itself needs.
type CreateOptions struct {
	Name string // optional; must be globally unique among live boxes if set
	BoxOptions

	// StartOnCreate starts the box as part of create instead of leaving it
	// Created.
	StartOnCreate bool
}

// Validate checks Name (when set) and then delegates to BoxOptions.
func (o CreateOptions) Validate() error {
	if o.Name != "" && !boxNamePattern.MatchString(o.Name) {
		return boxliteerr.Configf("NameInvalid", "name %q must match %s", o.Name, boxNamePattern.String())
	}
	return o.BoxOptions.Validate()
}
