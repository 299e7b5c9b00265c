package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/kubilitics/anomaly-hunter/internal/analytics"
	"github.com/kubilitics/anomaly-hunter/internal/learning"
	"github.com/kubilitics/anomaly-hunter/internal/models"
)

const (
	formatText = "text"
	formatJSON = "json"
)

func checkFormat(format string) error {
	switch format {
	case formatText, formatJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", format)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printVerdict(w io.Writer, v *models.Verdict, format string) error {
	if format == formatJSON {
		return writeJSON(w, v)
	}

	fmt.Fprintf(w, "Run:            %s\n", v.RunID)
	fmt.Fprintf(w, "Severity:       %d/10\n", v.Severity)
	fmt.Fprintf(w, "Confidence:     %.2f\n", v.Confidence)
	fmt.Fprintf(w, "Anomalies:      %d %v\n", len(v.AnomalyIndices), v.AnomalyIndices)
	fmt.Fprintf(w, "Duration:       %s\n", v.Duration)
	fmt.Fprintf(w, "Recommendation: %s\n", v.Recommendation)
	if v.Summary != "" {
		fmt.Fprintf(w, "Summary:        %s\n", v.Summary)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STRATEGY\tSEVERITY\tCONFIDENCE\tWEIGHT\tANOMALIES\tORACLE")
	for _, f := range v.Findings {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%d\t%t\n",
			f.Strategy, f.Severity, f.Confidence, v.Weights[f.Strategy], len(f.AnomalyIndices), f.OracleUsed)
	}
	for _, s := range v.Skipped {
		fmt.Fprintf(tw, "%s\t-\t-\t%.2f\t-\tskipped: %s\n", s.Strategy, v.Weights[s.Strategy], s.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, f := range v.Findings {
		if len(f.Details) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", f.Strategy)
		for _, d := range f.Details {
			fmt.Fprintf(w, "  - %s\n", d)
		}
	}
	return nil
}

type batchOutput struct {
	Results []analytics.BatchResult `json:"results"`
	Summary analytics.BatchSummary  `json:"summary"`
}

func printBatch(w io.Writer, results []analytics.BatchResult, format string) error {
	summary := analytics.Summarize(results)
	if format == formatJSON {
		return writeJSON(w, batchOutput{Results: results, Summary: summary})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIES\tSEVERITY\tCONFIDENCE\tANOMALIES\tDEGRADED\tERROR")
	for _, r := range results {
		if r.Verdict == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t%s\n", r.Name, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%d\t%t\t\n",
			r.Name, r.Verdict.Severity, r.Verdict.Confidence, len(r.Verdict.AnomalyIndices), r.Verdict.Degraded())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d series, %d failed, %d degraded, max severity %d\n",
		summary.Total, summary.Failed, summary.Degraded, summary.MaxSeverity)
	return nil
}

type learningOutput struct {
	learning.Snapshot
	Suggestions []string `json:"suggestions"`
}

func printLearning(w io.Writer, snap learning.Snapshot, suggestions []string, format string) error {
	if format == formatJSON {
		if suggestions == nil {
			suggestions = []string{}
		}
		return writeJSON(w, learningOutput{Snapshot: snap, Suggestions: suggestions})
	}

	fmt.Fprintf(w, "Total detections:      %d\n", snap.TotalDetections)
	fmt.Fprintf(w, "Successful strategies: %d\n\n", snap.SuccessfulStrategies)

	ids := make([]string, 0, len(snap.Strategies))
	for id := range snap.Strategies {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STRATEGY\tRUNS\tAVG CONFIDENCE\tWEIGHT\tFEEDBACK\tACCURACY")
	for _, id := range ids {
		s := snap.Strategies[models.StrategyID(id)]
		acc := "-"
		if s.Accuracy != nil {
			acc = fmt.Sprintf("%.0f%%", *s.Accuracy*100)
		}
		fmt.Fprintf(tw, "%s\t%d\t%.3f\t%.3f\t%d\t%s\n", id, s.TotalRuns, s.AvgConfidence, s.Weight, s.FeedbackTotal, acc)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(w, "\nSuggestions:\n  - %s\n", strings.Join(suggestions, "\n  - "))
	}
	return nil
}
