// Package qemu builds argument vectors for the qemu-img and qemu-kvm
// binaries. Builders are pure: they do no I/O and have no side effects, so
// every command a reconciliation will run can be constructed and inspected
// before anything touches the system.
//
// Arguments are returned as a vector and must be passed to the process
// runner as-is, never joined into a shell string. A path containing shell
// metacharacters stays one literal argument all the way to execve.
package qemu

import (
	"fmt"
	"strconv"

	"github.com/jbweber/kiln/internal/spec"
)

const (
	// ImgBinary is the disk management binary.
	ImgBinary = "qemu-img"

	// KVMBinary is the hypervisor execution binary.
	KVMBinary = "qemu-kvm"

	// DefaultDisplay is used when the spec leaves the display transport
	// unset, matching qemu's historical local default.
	DefaultDisplay = "sdl"
)

// BuildCreateImage builds the qemu-img invocation that creates a disk image
// at target. The target is normally a temporary path supplied by the
// reconciler, which renames it over the spec path once qemu-img exits 0;
// passing the creation target explicitly keeps the builder free of that
// policy.
//
//	qemu-img create -f <format> [-o backing_file=<base> [-F <fmt>]] <target> [<size>]
func BuildCreateImage(s *spec.ImageSpec, target string) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("image spec is nil")
	}
	if s.Format == "" {
		return nil, fmt.Errorf("image format is required")
	}
	if target == "" {
		return nil, fmt.Errorf("creation target is required")
	}

	argv := []string{ImgBinary, "create", "-f", string(s.Format)}

	if s.BackingFile != "" {
		argv = append(argv, "-o", "backing_file="+s.BackingFile)
		if s.BackingFormat != "" {
			argv = append(argv, "-F", string(s.BackingFormat))
		}
	}

	argv = append(argv, target)

	if s.Size != "" {
		argv = append(argv, s.Size)
	}

	return argv, nil
}

// BuildInspect builds the qemu-img info invocation for an image path.
// JSON output is requested so the result can be parsed into ImageInfo.
//
//	qemu-img info --output=json <path>
func BuildInspect(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("image path is required")
	}
	return []string{ImgBinary, "info", "--output=json", path}, nil
}

// BuildBoot builds the qemu-kvm invocation that boots an instance as a
// daemonized process. The pid file path is mandatory: it is the only way
// the daemonized child's pid reaches the caller, since the forking parent
// exits immediately.
//
//	qemu-kvm -daemonize -pidfile <pf> -enable-kvm -hda <disk>
//	         [-cpu <model>] [-smp cpus=<n>] [-m <ram>] [-vnc <addr>]
//	         -display <display|sdl> [-cdrom <iso>]
func BuildBoot(s *spec.InstanceSpec, pidFile, cdrom string) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("instance spec is nil")
	}
	if s.DiskPath == "" {
		return nil, fmt.Errorf("instance disk path is required")
	}
	if pidFile == "" {
		return nil, fmt.Errorf("pid file path is required")
	}

	argv := []string{
		KVMBinary,
		"-daemonize",
		"-pidfile", pidFile,
		"-enable-kvm",
		"-hda", s.DiskPath,
	}

	p := s.Boot

	if p.CPUModel != "" {
		argv = append(argv, "-cpu", p.CPUModel)
	}
	if p.VCPUs > 0 {
		argv = append(argv, "-smp", "cpus="+strconv.Itoa(p.VCPUs))
	}
	if p.MemoryMiB > 0 {
		argv = append(argv, "-m", strconv.Itoa(p.MemoryMiB))
	}
	if p.VNC != "" {
		argv = append(argv, "-vnc", p.VNC)
	}

	display := p.Display
	if display == "" {
		display = DefaultDisplay
	}
	argv = append(argv, "-display", display)

	if cdrom != "" {
		argv = append(argv, "-cdrom", cdrom)
	}

	return argv, nil
}
