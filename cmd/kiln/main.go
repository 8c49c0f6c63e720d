package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/output"
	"github.com/jbweber/kiln/internal/qemu"
	"github.com/jbweber/kiln/internal/reconcile"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	stateDir       string
	outputFormat   string
	noHeaders      bool
	verbose        bool
	commandTimeout time.Duration
	lockWait       time.Duration
)

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	// Classified failures carry their own exit code contract; anything
	// else (flag misuse, unreadable spec file) is caller error.
	var rerr *reconcile.Error
	if errors.As(err, &rerr) {
		os.Exit(rerr.Kind.ExitCode())
	}
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - qemu image and instance lifecycle tool",
	Long: `Kiln manages qemu disk images and qemu-kvm instances by converging
them toward a desired state. It talks to the qemu binaries directly;
no libvirt daemon is involved.

Every command is idempotent: re-running a request whose state already
holds is a no-op and reports changed=false.

Exit codes:
  0  success (including no-op)
  1  invalid spec or usage
  2  underlying command or resource failure
  3  timeout
  4  resource busy (another kiln holds the lock; retry)`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetOutput(os.Stderr)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", metadata.DefaultStateDir,
		"directory for sidecar records and lock files")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table",
		"output format (table, yaml, json)")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false,
		"omit headers in table output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", qemu.DefaultCommandTimeout,
		"per-command timeout for qemu invocations")
	rootCmd.PersistentFlags().DurationVar(&lockWait, "lock-wait", 2*time.Second,
		"how long to wait for a contended resource lock before giving up")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(seedCmd)
}

// newReconciler wires the real qemu driver to a reconciler using the
// global flags.
func newReconciler() (*reconcile.Reconciler, error) {
	meta, err := metadata.NewStore(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state directory: %w", err)
	}

	drv := qemu.NewDriver()
	drv.CommandTimeout = commandTimeout

	return reconcile.New(drv, meta, reconcile.Options{LockWait: lockWait}), nil
}

// printResult renders a reconciliation result in the selected format. It
// is called on failure too, so callers always get the structured outcome
// alongside the error.
func printResult(res *reconcile.Result) error {
	if res == nil {
		return nil
	}
	formatter, err := output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
	if err != nil {
		return err
	}
	text, err := formatter.FormatResult(res)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(text)
	return nil
}

func printStatus(st *reconcile.Status) error {
	formatter, err := output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
	if err != nil {
		return err
	}
	text, err := formatter.FormatStatus(st)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(text)
	return nil
}

// validateOutputFlag rejects bad -o values before any work happens.
func validateOutputFlag(cmd *cobra.Command, args []string) error {
	return output.ValidateFormat(outputFormat)
}
