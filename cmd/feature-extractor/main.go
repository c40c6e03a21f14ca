package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	featureextractor "github.com/menta2k/feature-extractor"
)

const rootLongDesc string = `Extract keypoints and learned patch descriptors from photo collections.

Every image gets a feature file next to it, "<image>.<suffix>.npz", holding a
keypoints (N x 4) and a descriptors (N x D) dataset.

Examples:
  feature-extractor config init --out config.yaml
  feature-extractor model init --out patchnet.zip --dim 128
  feature-extractor extract --input-path /data/phototour --model patchnet.zip
  feature-extractor inspect /data/phototour/scene/dense/images/0001.jpg.sift-2000.npz`

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "feature-extractor",
		Short:         "Keypoint and descriptor extraction",
		Long:          rootLongDesc,
		Version:       featureextractor.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newExtractCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newModelCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// isTerminal reports whether f is attached to a character device
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
