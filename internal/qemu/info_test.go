package qemu

import "testing"

func TestParseImageInfo(t *testing.T) {
	stdout := []byte(`{
  "virtual-size": 10737418240,
  "filename": "/var/lib/kiln/base.qcow2",
  "cluster-size": 65536,
  "format": "qcow2",
  "actual-size": 200704,
  "backing-filename": "/var/lib/kiln/parent.qcow2"
}`)

	info, err := ParseImageInfo(stdout)
	if err != nil {
		t.Fatalf("ParseImageInfo() error = %v", err)
	}
	if info.Format != "qcow2" {
		t.Errorf("Format = %q", info.Format)
	}
	if info.VirtualSize != 10737418240 {
		t.Errorf("VirtualSize = %d", info.VirtualSize)
	}
	if info.BackingFile != "/var/lib/kiln/parent.qcow2" {
		t.Errorf("BackingFile = %q", info.BackingFile)
	}
}

func TestParseImageInfoErrors(t *testing.T) {
	if _, err := ParseImageInfo([]byte("not json")); err == nil {
		t.Error("expected error for malformed output")
	}
	if _, err := ParseImageInfo([]byte(`{"filename": "/x"}`)); err == nil {
		t.Error("expected error for output without a format")
	}
	if _, err := ParseImageInfo([]byte("{}")); err == nil {
		t.Error("expected error for an empty object")
	}
}
