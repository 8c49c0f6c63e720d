// Package reconcile compares desired resource state against probed actual
// state and issues the minimal sequence of hypervisor commands to converge,
// under a per-resource advisory lock. Every operation re-probes before
// acting, so repeating a request with unchanged desired state never
// performs a destructive or duplicate action.
package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/lock"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/probe"
	"github.com/jbweber/kiln/internal/qemu"
	"github.com/jbweber/kiln/internal/spec"
)

// Options tune a Reconciler. Zero values take defaults.
type Options struct {
	// LockWait bounds how long an operation waits for the resource lock
	// before reporting ResourceBusy.
	LockWait time.Duration

	// SeedFor generates (or locates) the default seed ISO for an
	// instance booted without an explicit cdrom. Defaults to NoCloud
	// seed generation next to the disk. It exists as an option so tests
	// can stub it out.
	SeedFor func(s *spec.InstanceSpec) (string, error)
}

// recordStore is the mutating slice of the sidecar store. *metadata.Store
// satisfies it; the seam exists so tests can inject write failures.
type recordStore interface {
	Save(rec *metadata.Record) error
	Delete(id string) error
}

// Reconciler drives resources toward their desired state through a
// hypervisor driver. Construct with New.
type Reconciler struct {
	driver   Driver
	meta     *metadata.Store
	records  recordStore
	prober   *probe.Prober
	lockDir  string
	lockWait time.Duration
	seedFor  func(s *spec.InstanceSpec) (string, error)
}

// New builds a reconciler around an explicit driver and sidecar store.
func New(driver Driver, meta *metadata.Store, opts Options) *Reconciler {
	r := &Reconciler{
		driver:   driver,
		meta:     meta,
		records:  meta,
		prober:   &probe.Prober{Meta: meta},
		lockDir:  filepath.Join(meta.Dir(), "locks"),
		lockWait: opts.LockWait,
		seedFor:  opts.SeedFor,
	}
	if r.seedFor == nil {
		r.seedFor = defaultSeed
	}
	return r
}

// defaultSeed generates a NoCloud seed ISO next to the instance disk if
// one isn't already there, and returns its path.
func defaultSeed(s *spec.InstanceSpec) (string, error) {
	seedPath := naming.SeedISOPath(s.DiskPath)
	if _, err := os.Stat(seedPath); err == nil {
		return seedPath, nil
	}
	if err := cloudinit.WriteSeedISO(seedPath, s); err != nil {
		return "", err
	}
	return seedPath, nil
}

// CreateImage converges an image toward present. A create that fails or is
// interrupted leaves no partial artifact: qemu-img writes to a hidden temp
// target that is renamed over the final path only on success.
func (r *Reconciler) CreateImage(ctx context.Context, s *spec.ImageSpec) (*Result, error) {
	rep := newReporter(idOf(s))

	if s == nil {
		err := errf(KindInvalidSpec, nil, "image spec is required")
		return rep.result("", err), err
	}
	if err := s.Validate(); err != nil {
		cerr := errf(KindInvalidSpec, err, "invalid image spec")
		return rep.result("", cerr), cerr
	}

	guard, err := r.acquire(ctx, s.Path)
	if err != nil {
		return rep.result("", err), err
	}
	defer func() { _ = guard.Release() }()

	state, cerr := r.probeImage(s.Path)
	if cerr != nil {
		return rep.result("", cerr), cerr
	}
	if state == probe.StatePresentStopped {
		logrus.Infof("Image %s already present, nothing to do", s.Path)
		return rep.result(state, nil), nil
	}

	state, cerr = r.createImageLocked(ctx, rep, s)
	if cerr != nil {
		return rep.result(state, cerr), cerr
	}
	return rep.result(state, nil), nil
}

// createImageLocked performs the actual create under an already-held lock.
// Returns the resulting probed state.
func (r *Reconciler) createImageLocked(ctx context.Context, rep *reporter, s *spec.ImageSpec) (probe.State, *Error) {
	// Sweep temp targets a crashed create may have left behind.
	stale, err := probe.StalePartials(s.Path)
	if err != nil {
		return probe.StateAbsent, errf(KindIOError, err, "failed to scan for stale creation targets")
	}
	for _, p := range stale {
		logrus.Warnf("Removing stale creation target %s", p)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return probe.StateAbsent, errf(KindIOError, err, "failed to remove stale creation target %s", p)
		}
	}

	if s.BackingFile != "" {
		if cerr := r.checkBacking(s); cerr != nil {
			return probe.StateAbsent, cerr
		}
	}

	target := naming.PartialPath(s.Path, uuid.NewString()[:8])

	logrus.Infof("Creating image %s (format %s)", s.Path, s.Format)
	outcome, err := r.driver.CreateImage(ctx, s, target)
	rep.record(outcome, false)
	if err != nil {
		_ = os.Remove(target)
		return probe.StateAbsent, classifyRunError(err, "create image")
	}
	if outcome.ExitCode != 0 {
		_ = os.Remove(target)
		return probe.StateAbsent, errf(KindCommandFailed, nil, "qemu-img create exited %d", outcome.ExitCode)
	}

	// Publish atomically. Only now does the image become visible to
	// probes.
	if err := os.Rename(target, s.Path); err != nil {
		_ = os.Remove(target)
		return probe.StateAbsent, errf(KindIOError, err, "failed to publish created image")
	}
	rep.changed = true

	return probe.StatePresentStopped, nil
}

// checkBacking verifies the backing image exists and, when its format can
// be detected, that it is compatible with the declared backing format.
func (r *Reconciler) checkBacking(s *spec.ImageSpec) *Error {
	state, err := r.prober.Image(s.BackingFile)
	if err != nil {
		return errf(KindIOError, err, "failed to probe backing image")
	}
	if state == probe.StateAbsent {
		return errf(KindNotFound, nil, "backing image %s does not exist", s.BackingFile)
	}

	if s.BackingFormat != "" {
		detected, err := qemu.DetectFormat(s.BackingFile)
		if err != nil {
			// Detection only understands qcow2 and bootable raw;
			// other formats defer to qemu-img's own validation.
			logrus.Debugf("Could not detect backing format of %s: %v", s.BackingFile, err)
			return nil
		}
		if detected != s.BackingFormat {
			return errf(KindInvalidSpec, nil,
				"backing image %s is %s, spec declares %s", s.BackingFile, detected, s.BackingFormat)
		}
	}

	return nil
}

// CreateInstance allocates an instance disk from the instance's image
// parameters. It does not boot; create and boot are separate, individually
// idempotent operations.
func (r *Reconciler) CreateInstance(ctx context.Context, s *spec.InstanceSpec) (*Result, error) {
	rep := newReporter(idOfInstance(s))

	if s == nil {
		err := errf(KindInvalidSpec, nil, "instance spec is required")
		return rep.result("", err), err
	}
	if err := s.Validate(); err != nil {
		cerr := errf(KindInvalidSpec, err, "invalid instance spec")
		return rep.result("", cerr), cerr
	}
	if s.Image == nil {
		err := errf(KindInvalidSpec, nil, "instance spec has no image parameters to create the disk from")
		return rep.result("", err), err
	}

	img := *s.Image
	img.Path = s.DiskPath

	guard, err := r.acquire(ctx, s.DiskPath)
	if err != nil {
		return rep.result("", err), err
	}
	defer func() { _ = guard.Release() }()

	state, _, perr := r.prober.Instance(s.DiskPath)
	if perr != nil {
		cerr := errf(KindIOError, perr, "failed to probe instance")
		return rep.result("", cerr), cerr
	}
	if state != probe.StateAbsent {
		logrus.Infof("Instance disk %s already present, nothing to do", s.DiskPath)
		return rep.result(state, nil), nil
	}

	state, cerr := r.createImageLocked(ctx, rep, &img)
	if cerr != nil {
		return rep.result(state, cerr), cerr
	}
	return rep.result(state, nil), nil
}

// BootInstance boots an existing instance disk. Booting an absent disk is
// NotFound: create-then-boot is the caller's composition, never an
// implicit side effect of boot. Booting an already-running instance is a
// no-op.
func (r *Reconciler) BootInstance(ctx context.Context, s *spec.InstanceSpec) (*Result, error) {
	rep := newReporter(idOfInstance(s))

	if s == nil {
		err := errf(KindInvalidSpec, nil, "instance spec is required")
		return rep.result("", err), err
	}
	if err := s.Validate(); err != nil {
		cerr := errf(KindInvalidSpec, err, "invalid instance spec")
		return rep.result("", cerr), cerr
	}

	guard, lerr := r.acquire(ctx, s.DiskPath)
	if lerr != nil {
		return rep.result("", lerr), lerr
	}
	defer func() { _ = guard.Release() }()

	state, _, perr := r.prober.Instance(s.DiskPath)
	if perr != nil {
		cerr := errf(KindIOError, perr, "failed to probe instance")
		return rep.result("", cerr), cerr
	}

	switch state {
	case probe.StateAbsent:
		cerr := errf(KindNotFound, nil, "instance disk %s does not exist", s.DiskPath)
		return rep.result(state, cerr), cerr
	case probe.StatePresentRunning:
		logrus.Infof("Instance %s already running, nothing to do", s.DiskPath)
		return rep.result(state, nil), nil
	}

	cdrom := s.Boot.CDROM
	if cdrom == "" {
		seedPath, err := r.seedFor(s)
		if err != nil {
			cerr := errf(KindIOError, err, "failed to prepare default seed image")
			return rep.result(state, cerr), cerr
		}
		cdrom = seedPath
	}

	pidFile := naming.PidFilePath(s.DiskPath)
	// A stale pid file from an earlier boot must not be mistaken for
	// the new daemon's.
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		cerr := errf(KindIOError, err, "failed to clear stale pid file")
		return rep.result(state, cerr), cerr
	}

	logrus.Infof("Booting instance %s", s.DiskPath)
	outcome, err := r.driver.Boot(ctx, s, pidFile, cdrom)
	// The daemon is up once the forking parent exits 0; everything after
	// this point is bookkeeping and must not mask that the state changed.
	rep.record(outcome, true)
	if err != nil {
		cerr := classifyRunError(err, "boot instance")
		return rep.result(state, cerr), cerr
	}
	if outcome.ExitCode != 0 {
		cerr := errf(KindCommandFailed, nil, "qemu-kvm exited %d", outcome.ExitCode)
		return rep.result(probe.StatePresentStopped, cerr), cerr
	}

	// The forking parent exited 0, so the daemon is up and has written
	// its own pid.
	pid, err := probe.ReadPidFile(pidFile)
	if err != nil {
		cerr := errf(KindIOError, err, "daemon started but pid could not be recorded")
		return rep.result(state, cerr), cerr
	}

	rec := &metadata.Record{
		Identifier: s.DiskPath,
		DiskPath:   s.DiskPath,
		PID:        pid,
		BootID:     uuid.NewString(),
		BootedAt:   time.Now().UTC(),
	}
	if err := r.records.Save(rec); err != nil {
		cerr := errf(KindIOError, err, "daemon started (pid %d) but sidecar record could not be written", pid)
		return rep.result(state, cerr), cerr
	}

	logrus.Infof("Instance %s running as pid %d", s.DiskPath, pid)
	return rep.result(probe.StatePresentRunning, nil), nil
}

// StopInstance stops a running instance. Stopping an already-stopped
// instance is a no-op; stopping an absent one is NotFound.
func (r *Reconciler) StopInstance(ctx context.Context, id string) (*Result, error) {
	rep := newReporter(id)

	if id == "" {
		err := errf(KindInvalidSpec, nil, "instance identifier is required")
		return rep.result("", err), err
	}

	guard, err := r.acquire(ctx, id)
	if err != nil {
		return rep.result("", err), err
	}
	defer func() { _ = guard.Release() }()

	state, rec, perr := r.prober.Instance(id)
	if perr != nil {
		cerr := errf(KindIOError, perr, "failed to probe instance")
		return rep.result("", cerr), cerr
	}

	switch state {
	case probe.StateAbsent:
		cerr := errf(KindNotFound, nil, "instance %s does not exist", id)
		return rep.result(state, cerr), cerr
	case probe.StatePresentStopped:
		logrus.Infof("Instance %s not running, nothing to do", id)
		return rep.result(state, nil), nil
	}

	state, cerr := r.stopLocked(ctx, rep, rec)
	if cerr != nil {
		return rep.result(state, cerr), cerr
	}
	return rep.result(state, nil), nil
}

// stopLocked terminates a running instance and updates its sidecar record
// under an already-held lock. The reporter is marked changed as soon as the
// process is gone; record bookkeeping failing afterwards must not hide that.
func (r *Reconciler) stopLocked(ctx context.Context, rep *reporter, rec *metadata.Record) (probe.State, *Error) {
	logrus.Infof("Stopping instance %s (pid %d)", rec.Identifier, rec.PID)
	if err := r.driver.Terminate(ctx, rec.PID); err != nil {
		if ctx.Err() != nil {
			return probe.StatePresentRunning, errf(KindTimeout, err, "stop interrupted")
		}
		return probe.StatePresentRunning, errf(KindCommandFailed, err, "failed to terminate pid %d", rec.PID)
	}
	rep.changed = true

	stopped := *rec
	stopped.PID = 0
	stopped.BootID = ""
	if err := r.records.Save(&stopped); err != nil {
		return probe.StatePresentStopped, errf(KindIOError, err, "instance stopped but sidecar record could not be updated")
	}
	_ = os.Remove(naming.PidFilePath(rec.DiskPath))

	return probe.StatePresentStopped, nil
}

// Delete converges a resource toward absent: stop it if running, then
// remove the disk and every artifact kiln created next to it. Deleting an
// absent resource is a no-op.
func (r *Reconciler) Delete(ctx context.Context, id string) (*Result, error) {
	rep := newReporter(id)

	if id == "" {
		err := errf(KindInvalidSpec, nil, "resource identifier is required")
		return rep.result("", err), err
	}

	guard, err := r.acquire(ctx, id)
	if err != nil {
		return rep.result("", err), err
	}
	defer func() { _ = guard.Release() }()

	state, rec, perr := r.prober.Instance(id)
	if perr != nil {
		cerr := errf(KindIOError, perr, "failed to probe resource")
		return rep.result("", cerr), cerr
	}

	if state == probe.StateAbsent {
		// The probe treats an empty file as absent, but a stray zero-size
		// file at the path still has to go.
		if err := os.Remove(id); err != nil {
			if !os.IsNotExist(err) {
				cerr := errf(KindIOError, err, "failed to delete disk image")
				return rep.result(state, cerr), cerr
			}
		} else {
			rep.changed = true
		}
		// Clean up a stale record left by an out-of-band disk removal.
		if rec != nil {
			if err := r.records.Delete(id); err != nil {
				cerr := errf(KindIOError, err, "failed to remove stale sidecar record")
				return rep.result(state, cerr), cerr
			}
		}
		if !rep.changed {
			logrus.Infof("Resource %s already absent, nothing to do", id)
		}
		return rep.result(state, nil), nil
	}

	if state == probe.StatePresentRunning {
		if _, cerr := r.stopLocked(ctx, rep, rec); cerr != nil {
			return rep.result(state, cerr), cerr
		}
	}

	logrus.Infof("Deleting %s", id)
	if err := os.Remove(id); err != nil && !os.IsNotExist(err) {
		cerr := errf(KindIOError, err, "failed to delete disk image")
		return rep.result(probe.StatePresentStopped, cerr), cerr
	}
	rep.changed = true

	// Best effort on the derived artifacts; the resource itself is gone.
	_ = os.Remove(naming.PidFilePath(id))
	_ = os.Remove(naming.SeedISOPath(id))
	if stale, err := probe.StalePartials(id); err == nil {
		for _, p := range stale {
			_ = os.Remove(p)
		}
	}
	if err := r.records.Delete(id); err != nil {
		cerr := errf(KindIOError, err, "disk deleted but sidecar record could not be removed")
		return rep.result(probe.StateAbsent, cerr), cerr
	}

	return rep.result(probe.StateAbsent, nil), nil
}

// Status reports probed state plus qemu-img info for a resource, without
// mutating anything. No lock is taken: status is advisory by nature.
type Status struct {
	Identifier string           `json:"identifier" yaml:"identifier"`
	State      probe.State      `json:"state" yaml:"state"`
	Info       *qemu.ImageInfo  `json:"info,omitempty" yaml:"info,omitempty"`
	Record     *metadata.Record `json:"record,omitempty" yaml:"record,omitempty"`
}

// InspectImage probes a resource and, when present, runs qemu-img info on
// it.
func (r *Reconciler) InspectImage(ctx context.Context, id string) (*Status, error) {
	if id == "" {
		return nil, errf(KindInvalidSpec, nil, "resource identifier is required")
	}

	state, rec, err := r.prober.Instance(id)
	if err != nil {
		return nil, errf(KindIOError, err, "failed to probe resource")
	}

	status := &Status{Identifier: id, State: state, Record: rec}
	if state == probe.StateAbsent {
		return status, nil
	}

	outcome, err := r.driver.Inspect(ctx, id)
	if err != nil {
		return status, classifyRunError(err, "inspect image")
	}
	if outcome.ExitCode != 0 {
		return status, errf(KindCommandFailed, nil, "qemu-img info exited %d: %s", outcome.ExitCode, outcome.Stderr)
	}

	info, err := qemu.ParseImageInfo([]byte(outcome.Stdout))
	if err != nil {
		return status, errf(KindCommandFailed, err, "unusable qemu-img info output")
	}
	status.Info = info

	return status, nil
}

func (r *Reconciler) probeImage(path string) (probe.State, *Error) {
	state, err := r.prober.Image(path)
	if err != nil {
		return "", errf(KindIOError, err, "failed to probe image")
	}
	return state, nil
}

func (r *Reconciler) acquire(ctx context.Context, id string) (*lock.Guard, *Error) {
	guard, err := lock.Acquire(ctx, r.lockDir, id, r.lockWait)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return nil, errf(KindResourceBusy, err, "resource %s is being reconciled elsewhere", id)
		}
		if ctx.Err() != nil {
			return nil, errf(KindTimeout, err, "lock acquisition for %s gave up", id)
		}
		return nil, errf(KindIOError, err, "failed to lock resource %s", id)
	}
	return guard, nil
}

// classifyRunError maps a process-runner error onto the failure taxonomy.
func classifyRunError(err error, what string) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errf(KindTimeout, err, "%s timed out", what)
	case errors.Is(err, context.Canceled):
		return errf(KindTimeout, err, "%s canceled", what)
	default:
		return errf(KindIOError, err, "%s could not run", what)
	}
}

func idOf(s *spec.ImageSpec) string {
	if s == nil {
		return ""
	}
	return s.Path
}

func idOfInstance(s *spec.InstanceSpec) string {
	if s == nil {
		return ""
	}
	return s.DiskPath
}
