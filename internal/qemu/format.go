package qemu

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/jbweber/kiln/internal/spec"
)

// Magic bytes for disk image format detection
var (
	// qcow2Magic is the magic at offset 0 of QCOW2 files: "QFI" + 0xfb.
	// Reference: https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature is the boot sector signature 0x55 0xaa at offset 510.
	// GPT disks carry it too, via the protective MBR.
	mbrSignature = []byte{0x55, 0xaa}
)

// DetectFormat detects the on-disk image format by reading magic bytes,
// without invoking qemu-img. It is used as a cheap pre-boot sanity check
// and to verify backing-file compatibility before a create.
//
// Returns FormatQCOW2 for QCOW2 headers, FormatRaw for images with a boot
// sector signature, and an error for anything else.
func DetectFormat(filePath string) (spec.ImageFormat, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", fmt.Errorf("file too small to be a valid image (< 4 bytes): %w", err)
	}

	if bytes.Equal(magic, qcow2Magic) {
		return spec.FormatQCOW2, nil
	}

	if _, err := f.Seek(510, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek to boot sector signature: %w", err)
	}

	sig := make([]byte, 2)
	if _, err := io.ReadFull(f, sig); err != nil {
		return "", fmt.Errorf("file too small for a boot sector (< 512 bytes): %w", err)
	}

	if bytes.Equal(sig, mbrSignature) {
		return spec.FormatRaw, nil
	}

	return "", fmt.Errorf("unsupported or invalid image: not qcow2 and missing boot sector signature (0x55aa at offset 510)")
}
