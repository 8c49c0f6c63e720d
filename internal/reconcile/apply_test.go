package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jbweber/kiln/internal/probe"
	"github.com/jbweber/kiln/internal/spec"
)

func TestApplyPresentImage(t *testing.T) {
	drv := &mockDriver{}
	r, _ := newTestReconciler(t, drv)
	s := testImageSpec(t.TempDir())

	res, err := r.Apply(context.Background(), &spec.DesiredState{
		Presence: spec.Present,
		Image:    s,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Changed {
		t.Error("apply of missing image should report changed")
	}
	if _, err := os.Stat(s.Path); err != nil {
		t.Errorf("image not created: %v", err)
	}
}

func TestApplyPresentInstanceCreatesAndBoots(t *testing.T) {
	drv := &mockDriver{}
	r, _ := newTestReconciler(t, drv)
	dir := t.TempDir()

	inst := &spec.InstanceSpec{
		DiskPath: filepath.Join(dir, "vm01.qcow2"),
		Image:    &spec.ImageSpec{Format: spec.FormatQCOW2, Size: "20G"},
	}
	fakeProc(t, r, os.Getpid(), inst.DiskPath)

	desired := &spec.DesiredState{Presence: spec.Present, Instance: inst}

	res, err := r.Apply(context.Background(), desired)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Changed {
		t.Error("first apply should report changed")
	}
	if res.State != probe.StatePresentRunning {
		t.Errorf("State = %q, want %q", res.State, probe.StatePresentRunning)
	}
	if drv.createCalls != 1 || drv.bootCalls != 1 {
		t.Errorf("createCalls = %d, bootCalls = %d, want 1 and 1", drv.createCalls, drv.bootCalls)
	}

	// Converged: neither step runs again.
	res, err = r.Apply(context.Background(), desired)
	if err != nil {
		t.Fatalf("repeat Apply() error = %v", err)
	}
	if res.Changed {
		t.Error("repeat apply should not report changed")
	}
	if drv.createCalls != 1 || drv.bootCalls != 1 {
		t.Errorf("createCalls = %d, bootCalls = %d after repeat, want 1 and 1", drv.createCalls, drv.bootCalls)
	}
}

func TestApplyAbsentDeletes(t *testing.T) {
	drv := &mockDriver{}
	r, _ := newTestReconciler(t, drv)
	dir := t.TempDir()

	path := filepath.Join(dir, "old.qcow2")
	if err := os.WriteFile(path, []byte("disk"), 0644); err != nil {
		t.Fatalf("failed to create disk: %v", err)
	}

	res, err := r.Apply(context.Background(), &spec.DesiredState{
		Presence: spec.Absent,
		Image:    &spec.ImageSpec{Path: path, Format: spec.FormatQCOW2, Size: "1G"},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Changed {
		t.Error("apply absent over a present resource should report changed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("disk not removed")
	}
}

func TestApplyInvalid(t *testing.T) {
	drv := &mockDriver{}
	r, _ := newTestReconciler(t, drv)

	tests := []struct {
		name string
		d    *spec.DesiredState
	}{
		{"nil", nil},
		{"no presence", &spec.DesiredState{Image: &spec.ImageSpec{Path: "/x.qcow2", Format: spec.FormatQCOW2, Size: "1G"}}},
		{"both resources", &spec.DesiredState{
			Presence: spec.Present,
			Image:    &spec.ImageSpec{Path: "/x.qcow2", Format: spec.FormatQCOW2, Size: "1G"},
			Instance: &spec.InstanceSpec{DiskPath: "/y.qcow2"},
		}},
		{"neither resource", &spec.DesiredState{Presence: spec.Present}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Apply(context.Background(), tt.d)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := KindOf(err); got != KindInvalidSpec {
				t.Errorf("KindOf(err) = %q, want %q", got, KindInvalidSpec)
			}
		})
	}
}
