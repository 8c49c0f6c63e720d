package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/spec"
)

var applyCmd = &cobra.Command{
	Use:   "apply <state.yaml>",
	Short: "Converge a resource toward a declared state",
	Long: `Converge one resource toward the state declared in a YAML file.

The file names a presence (present or absent) and exactly one resource:
an image or an instance. Present images are created, present instances
are created and booted, absent resources are stopped and deleted.
Applying an already-converged state is a no-op.

Example:
  presence: present
  instance:
    disk_path: /var/lib/kiln/web01.qcow2
    image:
      format: qcow2
      size: 20G
      backing_file: /var/lib/kiln/base.qcow2
    boot:
      vcpus: 2
      memory_mib: 2048`,
	Args:    cobra.ExactArgs(1),
	PreRunE: validateOutputFlag,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := spec.LoadDesiredState(args[0])
		if err != nil {
			return fmt.Errorf("failed to load desired state: %w", err)
		}

		r, err := newReconciler()
		if err != nil {
			return err
		}

		res, rerr := r.Apply(cmd.Context(), d)
		if perr := printResult(res); perr != nil {
			return perr
		}
		return rerr
	},
}
