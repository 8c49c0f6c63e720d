package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/spec"
)

var seedOutputPath string

var seedCmd = &cobra.Command{
	Use:   "seed <spec.yaml>",
	Short: "Generate a cloud-init NoCloud seed ISO",
	Long: `Generate the cloud-init NoCloud seed ISO for an instance spec
without booting anything.

By default the ISO lands next to the instance disk, at the same path a
boot would generate it. Use --file to write it somewhere else.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := spec.LoadInstanceSpec(args[0])
		if err != nil {
			return fmt.Errorf("failed to load instance spec: %w", err)
		}

		target := seedOutputPath
		if target == "" {
			target = naming.SeedISOPath(s.DiskPath)
		}

		if err := cloudinit.WriteSeedISO(target, s); err != nil {
			return fmt.Errorf("failed to write seed ISO: %w", err)
		}

		fmt.Printf("Seed ISO written to %s\n", target)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedOutputPath, "file", "f", "",
		"output path for the seed ISO (default: next to the instance disk)")
}
