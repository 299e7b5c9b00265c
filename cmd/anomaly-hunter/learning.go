package main

import (
	"github.com/spf13/cobra"
)

func newLearningCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "learning",
		Short: "Show adaptive strategy weights and calibration suggestions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			ctx := cmd.Context()

			_, cfg, err := loadConfig(ctx, cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return printLearning(cmd.OutOrStdout(), a.tracker.Snapshot(), a.tracker.Suggestions(), format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", formatText, "output format: text or json")
	return cmd
}
