// Package cloudinit generates NoCloud seed content for freshly booted
// instances.
//
// The seed is an ISO9660 image labeled CIDATA carrying user-data and
// meta-data files, per the cloud-init NoCloud datasource specification.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/spec"
)

// UserData is the cloud-config user-data structure. It is marshaled to
// YAML and prefixed with the "#cloud-config" header.
type UserData struct {
	Hostname          string    `yaml:"hostname"`
	FQDN              string    `yaml:"fqdn,omitempty"`
	SSHAuthorizedKeys []string  `yaml:"ssh_authorized_keys,omitempty"`
	Chpasswd          *Chpasswd `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth   bool      `yaml:"ssh_pwauth"`
}

// Chpasswd configures user password settings.
type Chpasswd struct {
	Expire bool   `yaml:"expire"`
	List   string `yaml:"list"` // "username:hash"
}

// MetaData is the cloud-init meta-data structure.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// hostnameFor picks the instance hostname: the configured one when set,
// otherwise the disk basename with its extension stripped.
func hostnameFor(s *spec.InstanceSpec) string {
	if s.CloudInit != nil && s.CloudInit.Hostname != "" {
		return s.CloudInit.Hostname
	}
	base := filepath.Base(s.DiskPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// GenerateUserData renders the user-data file content, including the
// "#cloud-config" header cloud-init requires.
func GenerateUserData(s *spec.InstanceSpec) (string, error) {
	if s == nil {
		return "", fmt.Errorf("instance spec cannot be nil")
	}

	hostname := hostnameFor(s)
	userData := UserData{
		Hostname: hostname,
	}
	if strings.Contains(hostname, ".") {
		userData.FQDN = hostname
		userData.Hostname = strings.SplitN(hostname, ".", 2)[0]
	}

	if s.CloudInit != nil {
		userData.SSHAuthorizedKeys = s.CloudInit.SSHKeys
		if s.CloudInit.RootPasswordHash != "" {
			userData.Chpasswd = &Chpasswd{
				Expire: false,
				List:   fmt.Sprintf("root:%s", s.CloudInit.RootPasswordHash),
			}
			userData.SSHPasswordAuth = true
		}
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData renders the meta-data file content.
//
// The instance-id is derived from the disk path, so it stays stable
// across reboots of the same disk and cloud-init only provisions on the
// first boot. Recreating the disk under the same path reuses the id;
// callers that need a re-run should clear cloud-init state in the guest.
func GenerateMetaData(s *spec.InstanceSpec) (string, error) {
	if s == nil {
		return "", fmt.Errorf("instance spec cannot be nil")
	}

	metaData := MetaData{
		InstanceID:    "kiln-" + naming.IdentifierKey(s.DiskPath),
		LocalHostname: hostnameFor(s),
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}

	return string(yamlBytes), nil
}
