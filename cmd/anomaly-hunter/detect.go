package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubilitics/anomaly-hunter/internal/ingest"
)

func newDetectCmd() *cobra.Command {
	var (
		file   string
		column string
		all    bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect anomalies in a CSV or Excel file",
		Long: `Reads a CSV or Excel (.xlsx) file and runs all three strategies over one
numeric column, or over every numeric column with --all.`,
		Example: `  anomaly-hunter detect --file data.csv
  anomaly-hunter detect --file metrics.xlsx --column cpu --format json
  anomaly-hunter detect --file metrics.csv --all`,
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
			if err := a.startDetection(ctx); err != nil {
				return err
			}

			reader, err := ingest.NewReader(file, a.logger.Named("ingest"))
			if err != nil {
				return err
			}
			table, err := reader.Read()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if all {
				items, err := table.AllSeries()
				if err != nil {
					return err
				}
				results, err := a.pipeline.Run(ctx, items)
				if err != nil {
					return err
				}
				return printBatch(out, results, format)
			}

			series, err := table.Series(column)
			if err != nil {
				return err
			}
			verdict, err := a.engine.Investigate(ctx, series)
			if err != nil {
				return fmt.Errorf("detection failed: %w", err)
			}
			return printVerdict(out, verdict, format)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV or Excel file to analyse")
	cmd.Flags().StringVarP(&column, "column", "c", ingest.DefaultValueColumn, "numeric column to analyse")
	cmd.Flags().BoolVar(&all, "all", false, "analyse every numeric column")
	cmd.Flags().StringVarP(&format, "format", "o", formatText, "output format: text or json")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
