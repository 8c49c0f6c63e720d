package qemu

import (
	"encoding/json"
	"fmt"
)

// ImageInfo is the subset of qemu-img info --output=json that kiln reads.
//
// Field names follow the qemu-img JSON schema:
// https://www.qemu.org/docs/master/tools/qemu-img.html
type ImageInfo struct {
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
	ActualSize  int64  `json:"actual-size"`
	BackingFile string `json:"backing-filename,omitempty"`
	ClusterSize int64  `json:"cluster-size,omitempty"`
}

// ParseImageInfo parses the stdout of a qemu-img info --output=json call.
func ParseImageInfo(stdout []byte) (*ImageInfo, error) {
	var info ImageInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return nil, fmt.Errorf("failed to parse qemu-img info output: %w", err)
	}
	if info.Format == "" {
		return nil, fmt.Errorf("qemu-img info output has no format field")
	}
	return &info, nil
}
