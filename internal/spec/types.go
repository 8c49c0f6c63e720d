// Package spec defines the validated value objects that drive a
// reconciliation: image specifications, instance specifications, and the
// desired state wrapper. Values are constructed once per request and are
// immutable thereafter; all validation happens here, before any external
// command is built or run.
package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ImageFormat identifies a disk image format understood by qemu-img.
type ImageFormat string

const (
	FormatQCOW2 ImageFormat = "qcow2"
	FormatRaw   ImageFormat = "raw"
	FormatAMI   ImageFormat = "ami"
	FormatAKI   ImageFormat = "aki"
	FormatARI   ImageFormat = "ari"
)

// Presence states whether a resource should exist after reconciliation.
type Presence string

const (
	Present Presence = "present"
	Absent  Presence = "absent"
)

// sizePattern matches qemu-img size arguments: digits with an optional
// binary suffix, e.g. "10G", "512M", "2048".
var sizePattern = regexp.MustCompile(`^[0-9]+[bkKMGTPE]?$`)

// ImageSpec describes a disk image to create or inspect.
//
// The Path doubles as the resource identifier. Size is required when no
// backing file is given; with a backing file the image inherits the backing
// file's virtual size unless Size is set explicitly.
type ImageSpec struct {
	Path          string      `yaml:"path"`
	Format        ImageFormat `yaml:"format"`
	BackingFile   string      `yaml:"backing_file,omitempty"`
	BackingFormat ImageFormat `yaml:"backing_format,omitempty"`
	Size          string      `yaml:"size,omitempty"`
}

// InstanceSpec describes a bootable VM instance bound to one disk image.
//
// The DiskPath doubles as the resource identifier and must resolve to an
// existing image before boot. Image holds the creation parameters used by
// create-instance to allocate the disk.
type InstanceSpec struct {
	DiskPath  string           `yaml:"disk_path"`
	Image     *ImageSpec       `yaml:"image,omitempty"`
	Boot      BootParams       `yaml:"boot,omitempty"`
	CloudInit *CloudInitConfig `yaml:"cloud_init,omitempty"`
}

// BootParams carries the qemu-kvm runtime parameters for booting an
// instance. Zero values mean "let qemu decide" except VCPUs and MemoryMiB,
// which must be at least 1 when set.
type BootParams struct {
	CPUModel  string `yaml:"cpu_model,omitempty"` // e.g. "core2duo,+vmx"
	VCPUs     int    `yaml:"vcpus,omitempty"`
	MemoryMiB int    `yaml:"memory_mib,omitempty"`
	VNC       string `yaml:"vnc,omitempty"`     // e.g. ":1"
	Display   string `yaml:"display,omitempty"` // default "sdl"
	CDROM     string `yaml:"cdrom,omitempty"`
}

// CloudInitConfig holds the NoCloud seed parameters used when a boot has no
// explicit CDROM and a default seed image is generated instead.
type CloudInitConfig struct {
	Hostname         string   `yaml:"hostname,omitempty"`
	SSHKeys          []string `yaml:"ssh_keys,omitempty"`
	RootPasswordHash string   `yaml:"root_password_hash,omitempty"`
}

// DesiredState pairs a resource identifier with the state it should be in.
// Exactly one of Image or Instance is set, matching the resource kind.
type DesiredState struct {
	Presence Presence      `yaml:"presence"`
	Image    *ImageSpec    `yaml:"image,omitempty"`
	Instance *InstanceSpec `yaml:"instance,omitempty"`
}

// Validate checks the image spec for structural errors. It does not touch
// the filesystem; existence checks belong to the prober.
func (s *ImageSpec) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(s.Path) {
		return fmt.Errorf("path must be absolute, got %q", s.Path)
	}

	if err := s.Format.Validate(); err != nil {
		return err
	}

	if s.BackingFile == "" && s.Size == "" {
		return fmt.Errorf("size is required when no backing_file is set")
	}
	if s.Size != "" && !sizePattern.MatchString(s.Size) {
		return fmt.Errorf("invalid size %q (expect digits with optional suffix, e.g. 10G)", s.Size)
	}

	if s.BackingFile != "" {
		if !s.Format.SupportsBacking() {
			return fmt.Errorf("format %s does not support a backing file", s.Format)
		}
		if s.BackingFormat != "" {
			if err := s.BackingFormat.Validate(); err != nil {
				return fmt.Errorf("backing_format: %w", err)
			}
			if !CompatibleBacking(s.Format, s.BackingFormat) {
				return fmt.Errorf("backing format %s is not compatible with target format %s", s.BackingFormat, s.Format)
			}
		}
	}

	return nil
}

// Validate checks the instance spec for structural errors.
func (s *InstanceSpec) Validate() error {
	if s.DiskPath == "" {
		return fmt.Errorf("disk_path is required")
	}
	if !filepath.IsAbs(s.DiskPath) {
		return fmt.Errorf("disk_path must be absolute, got %q", s.DiskPath)
	}

	if s.Image != nil {
		// The instance disk is the image target; force agreement so a
		// loaded spec can't create one path and boot another.
		if s.Image.Path != "" && s.Image.Path != s.DiskPath {
			return fmt.Errorf("image.path %q does not match disk_path %q", s.Image.Path, s.DiskPath)
		}
		img := *s.Image
		img.Path = s.DiskPath
		if err := img.Validate(); err != nil {
			return fmt.Errorf("image: %w", err)
		}
	}

	if err := s.Boot.Validate(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	return nil
}

// Validate checks boot parameters. Zero means unset; negative values are
// always invalid.
func (p *BootParams) Validate() error {
	if p.VCPUs < 0 {
		return fmt.Errorf("vcpus must be >= 1, got %d", p.VCPUs)
	}
	if p.MemoryMiB < 0 {
		return fmt.Errorf("memory_mib must be >= 1, got %d", p.MemoryMiB)
	}
	return nil
}

// Validate checks that the format is one of the supported qemu-img formats.
func (f ImageFormat) Validate() error {
	switch f {
	case FormatQCOW2, FormatRaw, FormatAMI, FormatAKI, FormatARI:
		return nil
	case "":
		return fmt.Errorf("format is required")
	default:
		return fmt.Errorf("unsupported format %q (supported: qcow2, raw, ami, aki, ari)", string(f))
	}
}

// SupportsBacking reports whether the format can carry a backing file.
// Only copy-on-write machine images can; raw images and kernel/ramdisk
// images are always standalone.
func (f ImageFormat) SupportsBacking() bool {
	return f == FormatQCOW2 || f == FormatAMI
}

// CompatibleBacking reports whether an image of format backing may serve as
// the backing file for an image of format target.
func CompatibleBacking(target, backing ImageFormat) bool {
	if !target.SupportsBacking() {
		return false
	}
	switch backing {
	case FormatQCOW2, FormatRaw, FormatAMI:
		return true
	default:
		return false
	}
}

// Validate checks the desired-state wrapper: a known presence and exactly
// one resource spec. The nested spec is validated too.
func (d *DesiredState) Validate() error {
	switch d.Presence {
	case Present, Absent:
	case "":
		return fmt.Errorf("presence is required (present or absent)")
	default:
		return fmt.Errorf("unknown presence %q (expect present or absent)", string(d.Presence))
	}

	if (d.Image == nil) == (d.Instance == nil) {
		return fmt.Errorf("exactly one of image or instance must be set")
	}

	if d.Image != nil {
		if err := d.Image.Validate(); err != nil {
			return fmt.Errorf("image: %w", err)
		}
	}
	if d.Instance != nil {
		if err := d.Instance.Validate(); err != nil {
			return fmt.Errorf("instance: %w", err)
		}
	}

	return nil
}

// Identifier returns the resource identifier the desired state refers to.
func (d *DesiredState) Identifier() string {
	if d.Image != nil {
		return d.Image.Path
	}
	if d.Instance != nil {
		return d.Instance.DiskPath
	}
	return ""
}

// LoadDesiredState loads and validates a desired-state document from a
// YAML file.
func LoadDesiredState(path string) (*DesiredState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	var d DesiredState
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse spec file %s: %w", path, err)
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spec in %s: %w", path, err)
	}

	return &d, nil
}

// LoadInstanceSpec loads and validates an instance spec from a YAML file.
func LoadInstanceSpec(path string) (*InstanceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	var s InstanceSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse spec file %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spec in %s: %w", path, err)
	}

	return &s, nil
}

// LoadImageSpec loads and validates an image spec from a YAML file.
func LoadImageSpec(path string) (*ImageSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	var s ImageSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse spec file %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spec in %s: %w", path, err)
	}

	return &s, nil
}
