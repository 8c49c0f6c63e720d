package reconcile

import (
	"context"

	"github.com/jbweber/kiln/internal/run"
	"github.com/jbweber/kiln/internal/spec"
)

// Driver is the hypervisor capability set the reconciler consumes. The
// concrete qemu-backed implementation lives in internal/qemu and is handed
// in explicitly by the caller; tests hand in mocks.
//
// Command-shaped operations report nonzero exits through the outcome, not
// the error: the reconciler classifies them without reinterpreting exit
// codes beyond zero/non-zero.
type Driver interface {
	// CreateImage creates a disk image at target (a temporary path the
	// reconciler later renames over the spec path).
	CreateImage(ctx context.Context, s *spec.ImageSpec, target string) (*run.Outcome, error)

	// Inspect reports image details (qemu-img info, JSON on stdout).
	Inspect(ctx context.Context, path string) (*run.Outcome, error)

	// Boot starts a daemonized instance. The daemon writes its own pid
	// to pidFile; the call returns once the daemon attempt succeeded or
	// failed.
	Boot(ctx context.Context, s *spec.InstanceSpec, pidFile, cdrom string) (*run.Outcome, error)

	// Terminate stops a daemonized instance: graceful signal, grace
	// period, then forceful kill. Returns nil once the process is gone.
	Terminate(ctx context.Context, pid int) error
}
