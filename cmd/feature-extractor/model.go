package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/menta2k/feature-extractor/internal/utils"
	"github.com/menta2k/feature-extractor/pkg/model"
)

const modelInitLongDesc string = `Write a random-projection descriptor model.

The model maps standardized input patches through a single Gaussian random
linear layer to L2-normalized descriptors. It is useful for smoke tests and
as a template for exporting trained models.`

type modelInitCommander struct {
	out       string
	dim       int
	inputSize int
	seed      int64
	force     bool
}

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage descriptor model artifacts",
	}
	cmd.AddCommand(newModelInitCmd())
	return cmd
}

func newModelInitCmd() *cobra.Command {
	cmder := &modelInitCommander{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a random-projection model",
		Long:  modelInitLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run()
		},
	}

	cmd.Flags().StringVarP(&cmder.out, "out", "o", "", "Output model path")
	cmd.Flags().IntVar(&cmder.dim, "dim", 128, "Descriptor length")
	cmd.Flags().IntVar(&cmder.inputSize, "input-size", 32, "Side of the input patch")
	cmd.Flags().Int64Var(&cmder.seed, "seed", 1, "Random seed")
	cmd.Flags().BoolVarP(&cmder.force, "force", "f", false, "Overwrite an existing file")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func (c *modelInitCommander) run() error {
	if c.dim < 1 || c.inputSize < 1 {
		return fmt.Errorf("--dim and --input-size must be positive")
	}
	if utils.FileExists(c.out) && !c.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", c.out)
	}

	m := model.NewRandomProjection(c.inputSize, c.dim, c.seed)
	if err := m.Save(c.out); err != nil {
		return err
	}
	fmt.Printf("wrote model %q (%dx%d -> %d) to %s\n", m.Name, c.inputSize, c.inputSize, m.Dim(), c.out)
	return nil
}
