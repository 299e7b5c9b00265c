package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/kubilitics/anomaly-hunter/internal/analytics"
	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// Package ingest loads series from tabular files.
//
// A file has one header row. The "value" column (or the one named by the
// caller) holds the samples; an optional "timestamp" column supplies sample
// times and an optional "source" column is carried as series metadata.

const (
	DefaultValueColumn = "value"
	TimestampColumn    = "timestamp"
	SourceColumn       = "source"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Table is a header plus raw string rows.
type Table struct {
	Name    string
	Headers []string
	Rows    [][]string
}

// Reader handles reading CSV and XLSX files.
type Reader struct {
	filePath string
	fileType string // "xlsx" or "csv"
	logger   *zap.Logger
}

// NewReader creates a reader; the type is taken from the file extension.
func NewReader(filePath string, logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var fileType string
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".csv":
		fileType = "csv"
	case ".xlsx", ".xlsm":
		fileType = "xlsx"
	default:
		return nil, fmt.Errorf("unsupported file type %q (want .csv or .xlsx)", filepath.Ext(filePath))
	}
	return &Reader{filePath: filePath, fileType: fileType, logger: logger}, nil
}

// Read loads the file into a Table.
func (r *Reader) Read() (*Table, error) {
	start := time.Now()

	var (
		rows [][]string
		err  error
	)
	switch r.fileType {
	case "csv":
		rows, err = r.readCSV()
	default:
		rows, err = r.readExcel()
	}
	if err != nil {
		return nil, err
	}

	table, err := newTable(filepath.Base(r.filePath), rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.filePath, err)
	}
	r.logger.Debug("file loaded",
		zap.String("path", r.filePath),
		zap.String("type", r.fileType),
		zap.Int("columns", len(table.Headers)),
		zap.Int("rows", len(table.Rows)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return table, nil
}

func (r *Reader) readCSV() ([][]string, error) {
	file, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()
	return readCSVRows(file)
}

func (r *Reader) readExcel() ([][]string, error) {
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("Excel file has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

// ParseCSV reads a CSV document from r.
func ParseCSV(name string, r io.Reader) (*Table, error) {
	rows, err := readCSVRows(r)
	if err != nil {
		return nil, err
	}
	return newTable(name, rows)
}

func readCSVRows(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	return rows, nil
}

func newTable(name string, rows [][]string) (*Table, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("file must have a header row and at least one data row")
	}
	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
	}

	data := make([][]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		cells := make([]string, len(headers))
		for j := range headers {
			if j < len(row) {
				cells[j] = strings.TrimSpace(row[j])
			}
		}
		data = append(data, cells)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("file has no data rows")
	}
	return &Table{Name: name, Headers: headers, Rows: data}, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (t *Table) columnIndex(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, h := range t.Headers {
		if h == name {
			return i
		}
	}
	return -1
}

// Series extracts one numeric column. An empty column means "value".
func (t *Table) Series(column string) (*models.Series, error) {
	if column == "" {
		column = DefaultValueColumn
	}
	idx := t.columnIndex(column)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found (have %s)", column, strings.Join(t.Headers, ", "))
	}

	series := &models.Series{
		Values:   make([]float64, 0, len(t.Rows)),
		Metadata: map[string]string{"file": t.Name, "column": strings.ToLower(column)},
	}
	for i, row := range t.Rows {
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			// +2: header row and 1-based numbering
			return nil, fmt.Errorf("row %d: column %q: invalid number %q", i+2, column, row[idx])
		}
		series.Values = append(series.Values, v)
	}

	if tsIdx := t.columnIndex(TimestampColumn); tsIdx >= 0 {
		timestamps, err := t.timestamps(tsIdx)
		if err != nil {
			return nil, err
		}
		series.Timestamps = timestamps
	}
	if srcIdx := t.columnIndex(SourceColumn); srcIdx >= 0 {
		for _, row := range t.Rows {
			if row[srcIdx] != "" {
				series.Metadata["source"] = row[srcIdx]
				break
			}
		}
	}
	return series, nil
}

func (t *Table) timestamps(idx int) ([]time.Time, error) {
	out := make([]time.Time, 0, len(t.Rows))
	for i, row := range t.Rows {
		ts, err := ParseTimestamp(row[idx])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		out = append(out, ts)
	}
	return out, nil
}

// ParseTimestamp accepts RFC 3339 and common ISO-like layouts (UTC assumed).
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// NumericColumns returns the columns whose every cell parses as a number,
// in header order. The timestamp column is never included.
func (t *Table) NumericColumns() []string {
	var cols []string
	for j, h := range t.Headers {
		if h == "" || h == TimestampColumn || h == SourceColumn {
			continue
		}
		numeric := true
		for _, row := range t.Rows {
			if _, err := strconv.ParseFloat(row[j], 64); err != nil {
				numeric = false
				break
			}
		}
		if numeric {
			cols = append(cols, h)
		}
	}
	return cols
}

// AllSeries extracts every numeric column as a named batch input.
func (t *Table) AllSeries() ([]analytics.NamedSeries, error) {
	cols := t.NumericColumns()
	if len(cols) == 0 {
		return nil, fmt.Errorf("no numeric columns in %s", t.Name)
	}
	items := make([]analytics.NamedSeries, 0, len(cols))
	for _, c := range cols {
		s, err := t.Series(c)
		if err != nil {
			return nil, err
		}
		items = append(items, analytics.NamedSeries{Name: c, Series: s})
	}
	return items, nil
}
