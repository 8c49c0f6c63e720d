// Package probe determines the current state of a named resource without
// mutating anything. Images are probed through the filesystem; instances
// through their sidecar record, the process table, and the recorded
// process's command line.
//
// Probe results are never cached: the filesystem and process table are the
// source of truth and may change between reconciliations.
package probe

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/naming"
)

// State is the probed state of a resource.
type State string

const (
	// StateAbsent means the resource does not exist on disk.
	StateAbsent State = "absent"

	// StatePresentStopped means the disk image exists but no live
	// process is bound to it. This is also the "present" state for
	// plain images, which have no running form.
	StatePresentStopped State = "present-stopped"

	// StatePresentRunning means a recorded pid is alive and its command
	// line references the expected disk path.
	StatePresentRunning State = "present-running"
)

// Prober probes resource state. Meta is required for instance probes;
// ProcRoot defaults to /proc and exists so tests can fake the process
// table.
type Prober struct {
	Meta     *metadata.Store
	ProcRoot string
}

// Image probes a disk image path. The image is present iff the path names
// a regular file of nonzero size; partial creation targets never match
// because creates write to a hidden temp name until rename.
func (p *Prober) Image(path string) (State, error) {
	if path == "" {
		return "", fmt.Errorf("image path is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StateAbsent, nil
		}
		return "", fmt.Errorf("failed to stat image %s: %w", path, err)
	}

	if !info.Mode().IsRegular() || info.Size() == 0 {
		return StateAbsent, nil
	}

	return StatePresentStopped, nil
}

// Instance probes an instance identified by its disk path. The returned
// record is the sidecar record when one exists, nil otherwise; it is
// returned so the reconciler doesn't have to re-read it, and is never
// modified here.
func (p *Prober) Instance(id string) (State, *metadata.Record, error) {
	diskState, err := p.Image(id)
	if err != nil {
		return "", nil, err
	}

	rec, err := p.loadRecord(id)
	if err != nil {
		return "", nil, err
	}

	if diskState == StateAbsent {
		// A stale record without a disk is still absent; the record is
		// surfaced so delete can clean it up.
		return StateAbsent, rec, nil
	}

	if rec != nil && rec.PID > 0 && p.pidMatchesDisk(rec.PID, rec.DiskPath) {
		return StatePresentRunning, rec, nil
	}

	return StatePresentStopped, rec, nil
}

func (p *Prober) loadRecord(id string) (*metadata.Record, error) {
	if p.Meta == nil {
		return nil, nil
	}
	rec, err := p.Meta.Load(id)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sidecar record: %w", err)
	}
	return rec, nil
}

// pidMatchesDisk reports whether pid is alive and its command line
// references the expected disk path. The command-line check guards against
// pid reuse: a recycled pid belonging to an unrelated process must not
// count as our instance.
func (p *Prober) pidMatchesDisk(pid int, diskPath string) bool {
	if !Alive(pid) {
		return false
	}

	procRoot := p.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}

	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}

	// /proc cmdline is NUL-separated argv.
	for _, arg := range bytes.Split(data, []byte{0}) {
		if string(arg) == diskPath {
			return true
		}
	}
	return false
}

// Alive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// ReadPidFile reads a qemu -pidfile file: a single decimal pid on one line.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s: pid %d", path, pid)
	}

	return pid, nil
}

// StalePartials returns any leftover temporary creation targets next to an
// image path. A crashed create can leave one behind; they are invisible to
// Image probes and get swept by the reconciler before a new create.
func StalePartials(imagePath string) ([]string, error) {
	dir := filepath.Dir(imagePath)
	prefix := "." + filepath.Base(imagePath) + ".partial."

	// Plain directory listing instead of a glob pattern: the image name
	// may contain glob metacharacters.
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan for stale partials: %w", err)
	}

	var stale []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && naming.IsPartial(e.Name()) {
			stale = append(stale, filepath.Join(dir, e.Name()))
		}
	}
	return stale, nil
}
