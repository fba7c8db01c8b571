package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/eg-automation/internal/input"
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Write a sample lot descriptor to the input folder",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Paths.InputDir
		}
		path, err := input.WriteSample(dir)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	sampleCmd.Flags().String("dir", "", "target folder (default: input folder)")
	rootCmd.AddCommand(sampleCmd)
}
