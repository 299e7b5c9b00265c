package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/anomaly-hunter/internal/ingest"
)

func newDemoCmd() *cobra.Command {
	var (
		scenario string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a detection over a built-in synthetic series",
		Long: fmt.Sprintf(`Generates a reproducible series and runs all three strategies over it.
Scenarios: %s.`, strings.Join(ingest.Scenarios(), ", ")),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			series, err := ingest.DemoSeries(scenario)
			if err != nil {
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
			if err := a.startDetection(ctx); err != nil {
				return err
			}

			verdict, err := a.engine.Investigate(ctx, series)
			if err != nil {
				return fmt.Errorf("detection failed: %w", err)
			}
			return printVerdict(cmd.OutOrStdout(), verdict, format)
		},
	}

	cmd.Flags().StringVarP(&scenario, "scenario", "s", ingest.ScenarioSample, "demo scenario")
	cmd.Flags().StringVarP(&format, "format", "o", formatText, "output format: text or json")
	return cmd
}
