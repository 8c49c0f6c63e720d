package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/spec"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage disk images",
	Long: `Manage qemu disk images.

Images are created with qemu-img and probed through the filesystem.
A create that fails or is interrupted never leaves a half-written
image at the target path.`,
}

func init() {
	imageCmd.AddCommand(imageCreateCmd)
	imageCmd.AddCommand(imageDeleteCmd)
	imageCmd.AddCommand(imageStatusCmd)
}

var imageCreateCmd = &cobra.Command{
	Use:   "create <spec.yaml>",
	Short: "Create a disk image from a spec file",
	Long: `Create a disk image from a YAML spec file.

The spec defines the target path, format, size, and optional backing
file. Creating an image that already exists is a no-op.

Example spec:
  path: /var/lib/kiln/base.qcow2
  format: qcow2
  size: 10G`,
	Args:    cobra.ExactArgs(1),
	PreRunE: validateOutputFlag,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := spec.LoadImageSpec(args[0])
		if err != nil {
			return fmt.Errorf("failed to load image spec: %w", err)
		}

		r, err := newReconciler()
		if err != nil {
			return err
		}

		res, rerr := r.CreateImage(cmd.Context(), s)
		if perr := printResult(res); perr != nil {
			return perr
		}
		return rerr
	},
}

var imageDeleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a disk image",
	Long: `Delete a disk image and any artifacts kiln created next to it.

Deleting an image that does not exist is a no-op.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: validateOutputFlag,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newReconciler()
		if err != nil {
			return err
		}

		res, rerr := r.Delete(cmd.Context(), args[0])
		if perr := printResult(res); perr != nil {
			return perr
		}
		return rerr
	},
}

var imageStatusCmd = &cobra.Command{
	Use:   "status <path>",
	Short: "Show image state and qemu-img info",
	Long: `Probe an image and, when present, report qemu-img info details.

Status never mutates anything and takes no lock.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: validateOutputFlag,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newReconciler()
		if err != nil {
			return err
		}

		st, rerr := r.InspectImage(cmd.Context(), args[0])
		if rerr != nil {
			return rerr
		}
		return printStatus(st)
	},
}
