package probe

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jbweber/kiln/internal/metadata"
)

// fakeProc writes a fake /proc/<pid>/cmdline under root with NUL-separated
// argv, the way the kernel presents it.
func fakeProc(t *testing.T, root string, pid int, argv ...string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create fake proc dir: %v", err)
	}
	var data []byte
	for _, a := range argv {
		data = append(data, a...)
		data = append(data, 0)
	}
	if err := os.WriteFile(filepath.Join(dir, "cmdline"), data, 0444); err != nil {
		t.Fatalf("failed to write fake cmdline: %v", err)
	}
}

func writeImage(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("failed to write image fixture: %v", err)
	}
}

func TestImageProbe(t *testing.T) {
	tmpDir := t.TempDir()

	present := filepath.Join(tmpDir, "present.qcow2")
	writeImage(t, present, 512)

	empty := filepath.Join(tmpDir, "empty.qcow2")
	writeImage(t, empty, 0)

	tests := []struct {
		name string
		path string
		want State
	}{
		{name: "regular nonzero file", path: present, want: StatePresentStopped},
		{name: "zero-size file", path: empty, want: StateAbsent},
		{name: "missing file", path: filepath.Join(tmpDir, "nope.qcow2"), want: StateAbsent},
		{name: "directory is not an image", path: tmpDir, want: StateAbsent},
	}

	p := &Prober{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Image(tt.path)
			if err != nil {
				t.Fatalf("Image() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Image() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstanceProbeRunning(t *testing.T) {
	tmpDir := t.TempDir()
	procRoot := t.TempDir()

	disk := filepath.Join(tmpDir, "vm.qcow2")
	writeImage(t, disk, 512)

	store, err := metadata.NewStore(filepath.Join(tmpDir, "state"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	// Use this test process's pid so liveness passes, with a faked
	// cmdline that references the disk.
	pid := os.Getpid()
	fakeProc(t, procRoot, pid, "qemu-kvm", "-daemonize", "-hda", disk)

	if err := store.Save(&metadata.Record{
		Identifier: disk,
		DiskPath:   disk,
		PID:        pid,
		BootedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	p := &Prober{Meta: store, ProcRoot: procRoot}
	state, rec, err := p.Instance(disk)
	if err != nil {
		t.Fatalf("Instance() error: %v", err)
	}
	if state != StatePresentRunning {
		t.Errorf("Instance() = %v, want %v", state, StatePresentRunning)
	}
	if rec == nil || rec.PID != pid {
		t.Errorf("record = %+v, want pid %d", rec, pid)
	}
}

func TestInstanceProbeStoppedWhenPidDead(t *testing.T) {
	tmpDir := t.TempDir()

	disk := filepath.Join(tmpDir, "vm.qcow2")
	writeImage(t, disk, 512)

	store, err := metadata.NewStore(filepath.Join(tmpDir, "state"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	// Way beyond the default pid_max, so it cannot be alive.
	if err := store.Save(&metadata.Record{Identifier: disk, DiskPath: disk, PID: 999999999}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	p := &Prober{Meta: store, ProcRoot: t.TempDir()}
	state, _, err := p.Instance(disk)
	if err != nil {
		t.Fatalf("Instance() error: %v", err)
	}
	if state != StatePresentStopped {
		t.Errorf("Instance() = %v, want %v", state, StatePresentStopped)
	}
}

func TestInstanceProbeGuardsAgainstPidReuse(t *testing.T) {
	tmpDir := t.TempDir()
	procRoot := t.TempDir()

	disk := filepath.Join(tmpDir, "vm.qcow2")
	writeImage(t, disk, 512)

	store, err := metadata.NewStore(filepath.Join(tmpDir, "state"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	// Alive pid whose command line does NOT reference the disk: the
	// recorded pid was recycled by an unrelated process.
	pid := os.Getpid()
	fakeProc(t, procRoot, pid, "some-other-daemon", "--flag")

	if err := store.Save(&metadata.Record{Identifier: disk, DiskPath: disk, PID: pid}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	p := &Prober{Meta: store, ProcRoot: procRoot}
	state, _, err := p.Instance(disk)
	if err != nil {
		t.Fatalf("Instance() error: %v", err)
	}
	if state != StatePresentStopped {
		t.Errorf("Instance() = %v, want %v (recycled pid must not count)", state, StatePresentStopped)
	}
}

func TestInstanceProbeAbsent(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := metadata.NewStore(filepath.Join(tmpDir, "state"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	p := &Prober{Meta: store}
	state, rec, err := p.Instance(filepath.Join(tmpDir, "never-created.qcow2"))
	if err != nil {
		t.Fatalf("Instance() error: %v", err)
	}
	if state != StateAbsent {
		t.Errorf("Instance() = %v, want %v", state, StateAbsent)
	}
	if rec != nil {
		t.Errorf("record = %+v, want nil", rec)
	}
}

func TestReadPidFile(t *testing.T) {
	tmpDir := t.TempDir()

	good := filepath.Join(tmpDir, "good.pid")
	if err := os.WriteFile(good, []byte("12345\n"), 0644); err != nil {
		t.Fatalf("failed to write pid file: %v", err)
	}

	pid, err := ReadPidFile(good)
	if err != nil {
		t.Fatalf("ReadPidFile() error: %v", err)
	}
	if pid != 12345 {
		t.Errorf("pid = %d, want 12345", pid)
	}

	bad := filepath.Join(tmpDir, "bad.pid")
	if err := os.WriteFile(bad, []byte("not-a-pid"), 0644); err != nil {
		t.Fatalf("failed to write pid file: %v", err)
	}
	if _, err := ReadPidFile(bad); err == nil {
		t.Error("ReadPidFile(malformed) expected error, got nil")
	}

	if _, err := ReadPidFile(filepath.Join(tmpDir, "missing.pid")); err == nil {
		t.Error("ReadPidFile(missing) expected error, got nil")
	}
}

func TestStalePartials(t *testing.T) {
	tmpDir := t.TempDir()
	img := filepath.Join(tmpDir, "a.qcow2")

	writeImage(t, filepath.Join(tmpDir, ".a.qcow2.partial.x1"), 16)
	writeImage(t, filepath.Join(tmpDir, ".a.qcow2.partial.x2"), 16)
	writeImage(t, filepath.Join(tmpDir, ".b.qcow2.partial.x1"), 16) // other image
	writeImage(t, img, 512)

	stale, err := StalePartials(img)
	if err != nil {
		t.Fatalf("StalePartials() error: %v", err)
	}
	if len(stale) != 2 {
		t.Errorf("StalePartials() = %v, want 2 entries for a.qcow2", stale)
	}

	// Missing directory is not an error.
	stale, err = StalePartials("/nonexistent-dir-kiln/a.qcow2")
	if err != nil {
		t.Fatalf("StalePartials() on missing dir error: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("StalePartials() = %v, want empty", stale)
	}
}
