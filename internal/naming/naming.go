// Package naming provides the naming conventions for the on-disk artifacts
// kiln derives from a resource identifier: sidecar metadata files, advisory
// lock files, temporary image targets, and generated seed ISOs.
//
// Resource identifiers are filesystem paths and may contain arbitrary
// characters, so anything that becomes a file name in a shared directory is
// keyed by the SHA-256 of the identifier instead of the identifier itself.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// IdentifierKey returns the stable hex key for a resource identifier.
// The identifier is cleaned first so "/tmp/a.qcow2" and "/tmp//a.qcow2"
// key the same resource.
func IdentifierKey(id string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(id)))
	return hex.EncodeToString(sum[:16])
}

// SidecarName returns the sidecar metadata file name for an identifier.
// Format: {key}.json
func SidecarName(id string) string {
	return IdentifierKey(id) + ".json"
}

// LockName returns the advisory lock file name for an identifier.
// Format: {key}.lock
func LockName(id string) string {
	return IdentifierKey(id) + ".lock"
}

// PartialPath returns the temporary target an image is created at before
// being renamed into place. It lives in the same directory as the final
// path so the rename is atomic on every POSIX filesystem.
// Format: {dir}/.{base}.partial.{suffix}
func PartialPath(imagePath, suffix string) string {
	dir := filepath.Dir(imagePath)
	base := filepath.Base(imagePath)
	return filepath.Join(dir, fmt.Sprintf(".%s.partial.%s", base, suffix))
}

// IsPartial reports whether a path names a temporary creation target.
func IsPartial(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && strings.Contains(base, ".partial.")
}

// SeedISOPath returns the path of the generated default seed ISO for an
// instance disk. It sits next to the disk image.
// Format: {disk-without-ext}_seed.iso
func SeedISOPath(diskPath string) string {
	ext := filepath.Ext(diskPath)
	return strings.TrimSuffix(diskPath, ext) + "_seed.iso"
}

// PidFilePath returns the path qemu-kvm is told to write its daemonized
// pid to. It sits next to the disk image so it survives kiln restarts.
// Format: {disk-without-ext}.pid
func PidFilePath(diskPath string) string {
	ext := filepath.Ext(diskPath)
	return strings.TrimSuffix(diskPath, ext) + ".pid"
}
