package reconcile

import (
	"context"
	"fmt"
	"os"

	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/run"
	"github.com/jbweber/kiln/internal/spec"
)

// failingStore passes reads through to the real store but fails every
// write, simulating a state dir that filled up or went read-only after
// the hypervisor command already ran.
type failingStore struct {
	*metadata.Store
}

func (f *failingStore) Save(rec *metadata.Record) error {
	return fmt.Errorf("simulated sidecar write failure")
}

// mockDriver is a mock hypervisor driver for testing. Each method
// delegates to an optional function field; unset fields behave like a
// successful command. Call counts are tracked so tests can assert that
// no-op reconciliations really ran nothing.
type mockDriver struct {
	createImageFunc func(ctx context.Context, s *spec.ImageSpec, target string) (*run.Outcome, error)
	inspectFunc     func(ctx context.Context, path string) (*run.Outcome, error)
	bootFunc        func(ctx context.Context, s *spec.InstanceSpec, pidFile, cdrom string) (*run.Outcome, error)
	terminateFunc   func(ctx context.Context, pid int) error

	createCalls    int
	inspectCalls   int
	bootCalls      int
	terminateCalls int
}

func (m *mockDriver) CreateImage(ctx context.Context, s *spec.ImageSpec, target string) (*run.Outcome, error) {
	m.createCalls++
	if m.createImageFunc != nil {
		return m.createImageFunc(ctx, s, target)
	}
	// Default: pretend qemu-img wrote the target.
	if err := os.WriteFile(target, []byte("qcow2-image-data"), 0644); err != nil {
		return nil, fmt.Errorf("mock create failed: %w", err)
	}
	return &run.Outcome{ExitCode: 0}, nil
}

func (m *mockDriver) Inspect(ctx context.Context, path string) (*run.Outcome, error) {
	m.inspectCalls++
	if m.inspectFunc != nil {
		return m.inspectFunc(ctx, path)
	}
	return &run.Outcome{
		ExitCode: 0,
		Stdout:   fmt.Sprintf(`{"filename": %q, "format": "qcow2", "virtual-size": 1073741824}`, path),
	}, nil
}

func (m *mockDriver) Boot(ctx context.Context, s *spec.InstanceSpec, pidFile, cdrom string) (*run.Outcome, error) {
	m.bootCalls++
	if m.bootFunc != nil {
		return m.bootFunc(ctx, s, pidFile, cdrom)
	}
	// Default: pretend the daemon forked and wrote our own pid, which is
	// guaranteed to be alive for the duration of the test.
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("mock boot failed: %w", err)
	}
	return &run.Outcome{ExitCode: 0}, nil
}

func (m *mockDriver) Terminate(ctx context.Context, pid int) error {
	m.terminateCalls++
	if m.terminateFunc != nil {
		return m.terminateFunc(ctx, pid)
	}
	return nil
}
