package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/spec"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage qemu-kvm instances",
	Long: `Manage qemu-kvm instances.

An instance is a disk image plus, when running, a daemonized qemu-kvm
process bound to it. Creating the disk and booting it are separate,
individually idempotent operations: boot never creates a missing disk.`,
}

func init() {
	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceBootCmd)
	instanceCmd.AddCommand(instanceStopCmd)
	instanceCmd.AddCommand(instanceDeleteCmd)
	instanceCmd.AddCommand(instanceStatusCmd)
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create <spec.yaml>",
	Short: "Create an instance disk from a spec file",
	Long: `Create the disk image for an instance from a YAML spec file.

The spec's image section defines the disk format, size, and optional
backing file. Creating a disk that already exists is a no-op.

Example spec:
  disk_path: /var/lib/kiln/web01.qcow2
  image:
    format: qcow2
    size: 20G
    backing_file: /var/lib/kiln/base.qcow2`,
	Args:    cobra.ExactArgs(1),
	PreRunE: validateOutputFlag,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := spec.LoadInstanceSpec(args[0])
		if err != nil {
			return fmt.Errorf("failed to load instance spec: %w", err)
		}

		r, err := newReconciler()
		if err != nil {
			return err
		}

		res, rerr := r.CreateInstance(cmd.Context(), s)
		if perr := printResult(res); perr != nil {
			return perr
		}
		return rerr
	},
}

var instanceBootCmd = &cobra.Command{
	Use:   "boot <spec.yaml>",
	Short: "Boot an instance",
	Long: `Boot an existing instance disk with qemu-kvm.

The disk must already exist; boot reports NotFound otherwise. When the
spec configures no cdrom, a cloud-init NoCloud seed ISO is generated
next to the disk and attached. Booting a running instance is a no-op.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: validateOutputFlag,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := spec.LoadInstanceSpec(args[0])
		if err != nil {
			return fmt.Errorf("failed to load instance spec: %w", err)
		}

		r, err := newReconciler()
		if err != nil {
			return err
		}

		res, rerr := r.BootInstance(cmd.Context(), s)
		if perr := printResult(res); perr != nil {
			return perr
		}
		return rerr
	},
}

var instanceStopCmd = &cobra.Command{
	Use:   "stop <disk-path>",
	Short: "Stop a running instance",
	Long: `Stop a running instance: SIGTERM first, SIGKILL after the grace
period. Stopping an instance that is not running is a no-op; stopping
one whose disk does not exist reports NotFound.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: validateOutputFlag,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newReconciler()
		if err != nil {
			return err
		}

		res, rerr := r.StopInstance(cmd.Context(), args[0])
		if perr := printResult(res); perr != nil {
			return perr
		}
		return rerr
	},
}

var instanceDeleteCmd = &cobra.Command{
	Use:   "delete <disk-path>",
	Short: "Delete an instance",
	Long: `Delete an instance: stop it if running, then remove the disk,
the seed ISO, the pid file, and the sidecar record.

Deleting an instance that does not exist is a no-op.`,
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

var instanceStatusCmd = &cobra.Command{
	Use:   "status <disk-path>",
	Short: "Show instance state",
	Long: `Probe an instance and report its state (absent, present-stopped,
present-running), the recorded pid when running, and qemu-img info for
the disk.`,
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
