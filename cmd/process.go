package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"github.com/chaos-io/facecrop/util"
)

var (
	inputPath  string
	outputPath string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Crop the face from a single local file or URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		out, err := runProcess(cmd.Context(), inputPath, outputPath)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	processCmd.Flags().StringVarP(&inputPath, "input", "i", "", "image path or http(s) URL")
	processCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output PNG path (default: output/<id>_face.png)")
	_ = processCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(processCmd)
}

func runProcess(ctx context.Context, input, output string) (string, error) {
	collab, err := buildCollaborators(cfg)
	if err != nil {
		return "", err
	}

	raw, err := util.ReadSource(ctx, input)
	if err != nil {
		return "", err
	}

	out, err := collab.processor(cfg).Process(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("process %s: %w", input, err)
	}

	if output == "" {
		output = filepath.Join("output", ksuid.New().String()+"_face.png")
	}
	if err := util.WriteFile(output, out); err != nil {
		return "", err
	}
	return output, nil
}
