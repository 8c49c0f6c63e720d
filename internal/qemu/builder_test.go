package qemu

import (
	"reflect"
	"testing"

	"github.com/jbweber/kiln/internal/spec"
)

func TestBuildCreateImage(t *testing.T) {
	tests := []struct {
		name    string
		spec    *spec.ImageSpec
		target  string
		want    []string
		wantErr bool
	}{
		{
			name: "plain qcow2 with size",
			spec: &spec.ImageSpec{
				Path:   "/tmp/a.qcow2",
				Format: spec.FormatQCOW2,
				Size:   "10G",
			},
			target: "/tmp/.a.qcow2.partial.x",
			want:   []string{"qemu-img", "create", "-f", "qcow2", "/tmp/.a.qcow2.partial.x", "10G"},
		},
		{
			name: "backing file overlay",
			spec: &spec.ImageSpec{
				Path:          "/vm/controller.qcow2",
				Format:        spec.FormatQCOW2,
				BackingFile:   "/images/base.img",
				BackingFormat: spec.FormatQCOW2,
			},
			target: "/vm/.controller.qcow2.partial.x",
			want: []string{
				"qemu-img", "create", "-f", "qcow2",
				"-o", "backing_file=/images/base.img",
				"-F", "qcow2",
				"/vm/.controller.qcow2.partial.x",
			},
		},
		{
			name: "backing file without explicit backing format",
			spec: &spec.ImageSpec{
				Path:        "/vm/c.qcow2",
				Format:      spec.FormatQCOW2,
				BackingFile: "/images/base.img",
				Size:        "200G",
			},
			target: "/vm/.c.qcow2.partial.x",
			want: []string{
				"qemu-img", "create", "-f", "qcow2",
				"-o", "backing_file=/images/base.img",
				"/vm/.c.qcow2.partial.x", "200G",
			},
		},
		{
			name: "metacharacters stay one literal argument",
			spec: &spec.ImageSpec{
				Path:   `/tmp/"; rm -rf |.qcow2`,
				Format: spec.FormatQCOW2,
				Size:   "1G",
			},
			target: `/tmp/"; rm -rf |.qcow2.partial`,
			want: []string{
				"qemu-img", "create", "-f", "qcow2",
				`/tmp/"; rm -rf |.qcow2.partial`, "1G",
			},
		},
		{
			name:    "missing format",
			spec:    &spec.ImageSpec{Path: "/tmp/a.qcow2", Size: "1G"},
			target:  "/tmp/a.qcow2.partial",
			wantErr: true,
		},
		{
			name:    "missing target",
			spec:    &spec.ImageSpec{Path: "/tmp/a.qcow2", Format: spec.FormatQCOW2, Size: "1G"},
			wantErr: true,
		},
		{
			name:    "nil spec",
			target:  "/tmp/a.qcow2.partial",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildCreateImage(tt.spec, tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildCreateImage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildCreateImage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildBoot(t *testing.T) {
	tests := []struct {
		name    string
		spec    *spec.InstanceSpec
		pidFile string
		cdrom   string
		want    []string
		wantErr bool
	}{
		{
			name: "full boot parameters",
			spec: &spec.InstanceSpec{
				DiskPath: "/vm/controller.qcow2",
				Boot: spec.BootParams{
					CPUModel:  "core2duo,+vmx",
					VCPUs:     2,
					MemoryMiB: 1024,
					VNC:       ":1",
				},
			},
			pidFile: "/vm/controller.pid",
			cdrom:   "/seed/cidata.iso",
			want: []string{
				"qemu-kvm", "-daemonize",
				"-pidfile", "/vm/controller.pid",
				"-enable-kvm",
				"-hda", "/vm/controller.qcow2",
				"-cpu", "core2duo,+vmx",
				"-smp", "cpus=2",
				"-m", "1024",
				"-vnc", ":1",
				"-display", "sdl",
				"-cdrom", "/seed/cidata.iso",
			},
		},
		{
			name: "defaults only",
			spec: &spec.InstanceSpec{
				DiskPath: "/vm/a.qcow2",
			},
			pidFile: "/vm/a.pid",
			want: []string{
				"qemu-kvm", "-daemonize",
				"-pidfile", "/vm/a.pid",
				"-enable-kvm",
				"-hda", "/vm/a.qcow2",
				"-display", "sdl",
			},
		},
		{
			name: "explicit display, no cdrom",
			spec: &spec.InstanceSpec{
				DiskPath: "/vm/a.qcow2",
				Boot:     spec.BootParams{Display: "none"},
			},
			pidFile: "/vm/a.pid",
			want: []string{
				"qemu-kvm", "-daemonize",
				"-pidfile", "/vm/a.pid",
				"-enable-kvm",
				"-hda", "/vm/a.qcow2",
				"-display", "none",
			},
		},
		{
			name:    "missing disk path",
			spec:    &spec.InstanceSpec{},
			pidFile: "/vm/a.pid",
			wantErr: true,
		},
		{
			name:    "missing pid file",
			spec:    &spec.InstanceSpec{DiskPath: "/vm/a.qcow2"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildBoot(tt.spec, tt.pidFile, tt.cdrom)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildBoot() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildBoot() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildInspect(t *testing.T) {
	got, err := BuildInspect("/tmp/a.qcow2")
	if err != nil {
		t.Fatalf("BuildInspect() error: %v", err)
	}
	want := []string{"qemu-img", "info", "--output=json", "/tmp/a.qcow2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildInspect() = %v, want %v", got, want)
	}

	if _, err := BuildInspect(""); err == nil {
		t.Error("BuildInspect(\"\") expected error, got nil")
	}
}
