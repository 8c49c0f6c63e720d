// Package metadata persists per-instance sidecar records: the mapping from
// a resource identifier to the daemonized qemu pid, disk path, and boot
// timestamp. Records are the reconciler's memory between invocations; the
// prober reads them but never writes.
//
// Every write goes to a temporary file in the store directory and is
// renamed into place, so a crash mid-write never leaves a torn record
// visible to a later probe.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jbweber/kiln/internal/naming"
)

// DefaultStateDir is where sidecar records and lock files live unless the
// caller overrides it.
const DefaultStateDir = "/var/lib/kiln"

// DirPermissions are the permissions for the store directory.
const DirPermissions = 0755

// FilePermissions are the permissions for sidecar record files.
const FilePermissions = 0644

// ErrNotFound is returned by Load when no record exists for an identifier.
var ErrNotFound = errors.New("no sidecar record for identifier")

// Record is one instance's sidecar metadata. PID is zero when the instance
// is not known to be running.
type Record struct {
	Identifier string    `json:"identifier"`
	DiskPath   string    `json:"disk_path"`
	PID        int       `json:"pid,omitempty"`
	BootID     string    `json:"boot_id,omitempty"`
	BootedAt   time.Time `json:"booted_at,omitzero"`
}

// Store reads and writes sidecar records under a single directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultStateDir
	}
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads the record for an identifier. Returns ErrNotFound when no
// record exists.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read sidecar record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse sidecar record for %s: %w", id, err)
	}

	return &rec, nil
}

// Save writes the record atomically: marshal, write to a temp file in the
// same directory, fsync, rename over the final name.
func (s *Store) Save(rec *Record) error {
	if rec == nil || rec.Identifier == "" {
		return fmt.Errorf("record must have an identifier")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar record: %w", err)
	}

	final := s.path(rec.Identifier)

	tmp, err := os.CreateTemp(s.dir, ".sidecar-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp sidecar file: %w", err)
	}
	tmpName := tmp.Name()

	// Any failure from here on must not leave the temp file behind.
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write sidecar record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync sidecar record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close sidecar record: %w", err)
	}
	if err := os.Chmod(tmpName, FilePermissions); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set sidecar permissions: %w", err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to publish sidecar record: %w", err)
	}

	return nil
}

// Delete removes the record for an identifier. Deleting a record that does
// not exist is not an error.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete sidecar record: %w", err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, naming.SidecarName(id))
}
