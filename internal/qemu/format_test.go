package qemu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jbweber/kiln/internal/spec"
)

func TestDetectFormat(t *testing.T) {
	tmpDir := t.TempDir()

	// Helper to create QCOW2 test file
	createQCOW2 := func(path string) error {
		data := []byte{0x51, 0x46, 0x49, 0xfb, 0x00, 0x00, 0x00, 0x03} // magic + version
		data = append(data, make([]byte, 504)...)
		return os.WriteFile(path, data, 0644)
	}

	// Helper to create bootable RAW test file
	createBootableRAW := func(path string) error {
		data := make([]byte, 512)
		data[510] = 0x55
		data[511] = 0xaa
		return os.WriteFile(path, data, 0644)
	}

	qcow2Path := filepath.Join(tmpDir, "a.qcow2")
	if err := createQCOW2(qcow2Path); err != nil {
		t.Fatalf("failed to create qcow2 fixture: %v", err)
	}

	rawPath := filepath.Join(tmpDir, "a.raw")
	if err := createBootableRAW(rawPath); err != nil {
		t.Fatalf("failed to create raw fixture: %v", err)
	}

	junkPath := filepath.Join(tmpDir, "junk.img")
	if err := os.WriteFile(junkPath, make([]byte, 512), 0644); err != nil {
		t.Fatalf("failed to create junk fixture: %v", err)
	}

	tinyPath := filepath.Join(tmpDir, "tiny.img")
	if err := os.WriteFile(tinyPath, []byte{0x01}, 0644); err != nil {
		t.Fatalf("failed to create tiny fixture: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		want    spec.ImageFormat
		wantErr bool
	}{
		{name: "qcow2 magic", path: qcow2Path, want: spec.FormatQCOW2},
		{name: "raw with boot sector", path: rawPath, want: spec.FormatRaw},
		{name: "non-bootable junk", path: junkPath, wantErr: true},
		{name: "file too small", path: tinyPath, wantErr: true},
		{name: "missing file", path: filepath.Join(tmpDir, "nope"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DetectFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("DetectFormat() = %v, want %v", got, tt.want)
			}
		})
	}
}
