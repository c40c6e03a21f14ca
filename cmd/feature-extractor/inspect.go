package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/menta2k/feature-extractor/internal/utils"
	"github.com/menta2k/feature-extractor/pkg/featurefile"
	"github.com/menta2k/feature-extractor/pkg/types"
)

const inspectShortDesc string = "Print dataset shapes of feature files"

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE...",
		Short: inspectShortDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args)
		},
	}
}

func runInspect(paths []string) error {
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"File", "N", "D", "Keypoints", "Descriptors", "Size"})

	var failed int
	for _, p := range paths {
		rec, err := featurefile.Read(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			failed++
			continue
		}
		var size string
		if info, err := os.Stat(p); err == nil {
			size = utils.FormatFileSize(info.Size())
		}
		tw.Append([]string{
			p,
			fmt.Sprint(rec.Len()),
			fmt.Sprint(rec.Dim),
			fmt.Sprintf("(%d, %d)", rec.Len(), types.KeypointColumns),
			fmt.Sprintf("(%d, %d)", rec.Len(), rec.Dim),
			size,
		})
	}
	tw.Render()

	if failed > 0 {
		return fmt.Errorf("%d files could not be read", failed)
	}
	return nil
}
