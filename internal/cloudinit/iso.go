package cloudinit

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"

	"github.com/jbweber/kiln/internal/spec"
)

// GenerateISO builds a NoCloud seed ISO for the instance and returns it
// as a byte slice.
//
// The image contains user-data and meta-data in the root directory and
// carries the volume label CIDATA, which is how the NoCloud datasource
// finds it.
func GenerateISO(s *spec.InstanceSpec) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("instance spec cannot be nil")
	}

	userData, err := GenerateUserData(s)
	if err != nil {
		return nil, fmt.Errorf("failed to generate user-data: %w", err)
	}

	metaData, err := GenerateMetaData(s)
	if err != nil {
		return nil, fmt.Errorf("failed to generate meta-data: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader([]byte(userData)), "user-data"); err != nil {
		return nil, fmt.Errorf("failed to add user-data: %w", err)
	}

	if err := writer.AddFile(bytes.NewReader([]byte(metaData)), "meta-data"); err != nil {
		return nil, fmt.Errorf("failed to add meta-data: %w", err)
	}

	var buf bytes.Buffer
	// The label must be uppercase CIDATA per the NoCloud specification.
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteSeedISO generates the seed ISO and writes it to path atomically:
// the content lands in a temp file in the same directory and is renamed
// into place, so a crash never leaves a half-written seed.
func WriteSeedISO(path string, s *spec.InstanceSpec) error {
	data, err := GenerateISO(s)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".seed-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp seed file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write seed ISO: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync seed ISO: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close seed ISO: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to set seed ISO permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to publish seed ISO: %w", err)
	}

	return nil
}
