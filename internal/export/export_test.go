package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/pagecraft/abtest/internal/stats"
	"github.com/pagecraft/abtest/internal/store"
	"github.com/pagecraft/abtest/internal/testutil"
)

var exportDay = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func sampleAnalytics() *stats.DetailedAnalytics {
	test := testutil.TwoWayTest("hero")
	test.Status = store.StatusRunning
	metrics := []store.VariantMetrics{
		{TestID: "hero", VariantID: "control", Visitors: 100, Conversions: 10, ConversionValue: 40},
		{TestID: "hero", VariantID: "v1", Visitors: 100, Conversions: 20, ConversionValue: 90},
	}
	buckets := []store.DailyBucket{
		{Day: "2026-03-13", VariantID: "control", Visitors: 100, Conversions: 10, ConversionValue: 40},
		{Day: "2026-03-13", VariantID: "v1", Visitors: 100, Conversions: 20, ConversionValue: 90},
	}
	return stats.Analyze(test, metrics, buckets, stats.DefaultOptions())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat(" XLSX ")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestRender_JSON(t *testing.T) {
	res, err := Render(sampleAnalytics(), FormatJSON, exportDay)
	require.NoError(t, err)

	assert.Equal(t, "application/json", res.MimeType)
	assert.Equal(t, "ab-test-hero-20260314.json", res.Filename)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &decoded))
	assert.Equal(t, "hero", decoded["testId"])
	results := decoded["results"].(map[string]any)
	assert.Equal(t, "v1", results["winner"])
}

func TestRender_CSV(t *testing.T) {
	res, err := Render(sampleAnalytics(), FormatCSV, exportDay)
	require.NoError(t, err)

	assert.Equal(t, "text/csv", res.MimeType)
	assert.Equal(t, "ab-test-hero-20260314.csv", res.Filename)

	records, err := csv.NewReader(bytes.NewReader(res.Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, variantHeader, records[0])
	assert.Equal(t, []string{"control", "control", "true", "50", "100", "10", "0.1", "40", "4"}, records[1][:9])
	assert.Equal(t, "", records[1][11], "control has no lift")
	assert.Equal(t, "1", records[2][11])
}

func TestRender_XLSX(t *testing.T) {
	res, err := Render(sampleAnalytics(), FormatXLSX, exportDay)
	require.NoError(t, err)
	assert.Equal(t, "ab-test-hero-20260314.xlsx", res.Filename)

	f, err := excelize.OpenReader(bytes.NewReader(res.Data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheetResults, sheetVariants, sheetTimeline}, f.GetSheetList())

	rows, err := f.GetRows(sheetVariants)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "variant_id", rows[0][0])
	assert.Equal(t, "v1", rows[2][0])

	winner, err := f.GetCellValue(sheetResults, "B8")
	require.NoError(t, err)
	assert.Equal(t, "v1", winner)

	timeline, err := f.GetRows(sheetTimeline)
	require.NoError(t, err)
	assert.Len(t, timeline, 3)
}

func TestRender_UnknownFormat(t *testing.T) {
	_, err := Render(sampleAnalytics(), Format("pdf"), exportDay)
	assert.Error(t, err)
}
