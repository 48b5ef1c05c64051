// Package export renders test analytics as downloadable files.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pagecraft/abtest/internal/stats"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Formats lists the supported formats in menu order.
var Formats = []Format{FormatJSON, FormatCSV, FormatXLSX}

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("unsupported export format %q (want json, csv or xlsx)", s)
}

// Result is a rendered export ready to be written to a file or response.
type Result struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
}

var variantHeader = []string{
	"variant_id", "name", "is_control", "traffic_percentage",
	"visitors", "conversions", "conversion_rate", "conversion_value",
	"average_value", "ci_lower", "ci_upper", "lift",
}

// Render encodes a in the requested format. now dates the filename.
func Render(a *stats.DetailedAnalytics, format Format, now time.Time) (*Result, error) {
	name := fmt.Sprintf("ab-test-%s-%s", a.TestID, now.UTC().Format("20060102"))

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(a, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode json export: %w", err)
		}
		return &Result{Data: data, MimeType: "application/json", Filename: name + ".json"}, nil
	case FormatCSV:
		data, err := renderCSV(a)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, MimeType: "text/csv", Filename: name + ".csv"}, nil
	case FormatXLSX:
		data, err := renderXLSX(a)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Filename: name + ".xlsx",
		}, nil
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

func renderCSV(a *stats.DetailedAnalytics) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(variantHeader); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, v := range a.Variants {
		if err := w.Write(variantRecord(v)); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func variantRecord(v stats.VariantPerformance) []string {
	lift := ""
	if v.Lift != nil {
		lift = formatFloat(*v.Lift)
	}
	return []string{
		v.VariantID,
		v.Name,
		strconv.FormatBool(v.IsControl),
		formatFloat(v.TrafficPercentage),
		strconv.FormatInt(v.Visitors, 10),
		strconv.FormatInt(v.Conversions, 10),
		formatFloat(v.ConversionRate),
		formatFloat(v.ConversionValue),
		formatFloat(v.AverageValue),
		formatFloat(v.CILower),
		formatFloat(v.CIUpper),
		lift,
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

const (
	sheetResults  = "Results"
	sheetVariants = "Variants"
	sheetTimeline = "Timeline"
)

func renderXLSX(a *stats.DetailedAnalytics) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetResults); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	for _, name := range []string{sheetVariants, sheetTimeline} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("failed to add sheet %s: %w", name, err)
		}
	}

	summary := [][]any{
		{"Test ID", a.TestID},
		{"Name", a.Name},
		{"Status", string(a.Status)},
		{"Total visitors", a.Results.TotalVisitors},
		{"Total conversions", a.Results.TotalConversions},
		{"Statistical significance", a.Results.StatisticalSignificance},
		{"Confidence (%)", a.Results.Confidence},
		{"Winner", a.Results.Winner},
	}
	if err := writeRows(f, sheetResults, summary); err != nil {
		return nil, err
	}

	variants := make([][]any, 0, len(a.Variants)+1)
	variants = append(variants, toAny(variantHeader))
	for _, v := range a.Variants {
		var lift any
		if v.Lift != nil {
			lift = *v.Lift
		}
		variants = append(variants, []any{
			v.VariantID, v.Name, v.IsControl, v.TrafficPercentage,
			v.Visitors, v.Conversions, v.ConversionRate, v.ConversionValue,
			v.AverageValue, v.CILower, v.CIUpper, lift,
		})
	}
	if err := writeRows(f, sheetVariants, variants); err != nil {
		return nil, err
	}

	timeline := [][]any{{"date", "variant_id", "visitors", "conversions", "conversion_rate", "conversion_value"}}
	for _, p := range a.Timeline {
		for _, v := range a.Variants {
			tv, ok := p.Variants[v.VariantID]
			if !ok {
				continue
			}
			timeline = append(timeline, []any{p.Date, v.VariantID, tv.Visitors, tv.Conversions, tv.ConversionRate, tv.ConversionValue})
		}
	}
	if err := writeRows(f, sheetTimeline, timeline); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
