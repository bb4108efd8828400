package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tsawler/go-metal/checkpoints"

	"github.com/dudu/edgeguard/internal/inference"
)

var inspectLayers bool

var inspectCmd = &cobra.Command{
	Use:   "inspect [model.onnx...]",
	Short: "Print the input and output tensors of models",
	Long: `Prints the tensor layout every pool relies on: one input, its size and
channel order, and the outputs the decoders read. Without arguments the
configured models are inspected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = []string{cfg.RetinaFaceModelPath, cfg.FaceNetModelPath, cfg.YOLOModelPath}
		}
		if err := initRuntime(); err != nil {
			return err
		}
		accel := newAccelerator()
		failed := 0
		for _, path := range args {
			if err := inspectModel(accel, path); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d models could not be inspected", failed, len(args))
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectLayers, "layers", false, "Also list the layers go-metal can import")
	rootCmd.AddCommand(inspectCmd)
}

func inspectModel(accel *inference.ONNX, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	fmt.Printf("%s\n", path)

	inputs, outputs, err := accel.Describe(path)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		fmt.Printf("  input  %s\n", in)
	}
	for _, out := range outputs {
		fmt.Printf("  output %s\n", out)
	}

	if !inspectLayers {
		return nil
	}

	importer := checkpoints.NewONNXImporter()
	checkpoint, err := importer.ImportFromONNX(path)
	if err != nil {
		// go-metal only covers a subset of operators
		fmt.Printf("  layers: not importable: %v\n", err)
		return nil
	}
	fmt.Printf("  layers: %d, weights: %d tensors\n", len(checkpoint.ModelSpec.Layers), len(checkpoint.Weights))
	for i, layer := range checkpoint.ModelSpec.Layers {
		fmt.Printf("    %d: %s (%s)\n", i+1, layer.Name, layer.Type)
	}
	return nil
}
