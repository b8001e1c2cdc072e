package notify

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/karpov-sv/fram-grandma/internal/plan"
	"github.com/karpov-sv/fram-grandma/internal/visibility"
)

const (
	fieldsSheet     = "Fields"
	visibilitySheet = "Visibility"

	// maxChartSeries caps the number of fields drawn on the chart.
	maxChartSeries = 20

	xlsxType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ErrNoVisibility is returned when no field has a known visibility record.
var ErrNoVisibility = errors.New("no visibility data to render")

// PlanAttachment reads the stored plan file for attaching.
func PlanAttachment(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("reading plan attachment: %w", err)
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return Attachment{Name: filepath.Base(path), ContentType: ct, Data: data}, nil
}

// VisibilityWorkbook renders fields and their altitude over the night into
// an xlsx workbook with a line chart of altitude against time. Fields
// without a known record are listed but not charted.
func VisibilityWorkbook(key string, fields plan.FieldSet, records map[int64]visibility.Record) (Attachment, error) {
	var known []plan.Field
	var samples []visibility.Sample
	for _, f := range fields.Fields() {
		rec, ok := records[f.ID]
		if !ok || !rec.Known || len(rec.Samples) == 0 {
			continue
		}
		known = append(known, f)
		if samples == nil {
			samples = rec.Samples
		}
	}
	if len(known) == 0 {
		return Attachment{}, ErrNoVisibility
	}

	x := excelize.NewFile()
	defer x.Close()

	if err := x.SetSheetName("Sheet1", fieldsSheet); err != nil {
		return Attachment{}, fmt.Errorf("renaming sheet: %w", err)
	}
	if _, err := x.NewSheet(visibilitySheet); err != nil {
		return Attachment{}, fmt.Errorf("adding sheet: %w", err)
	}

	header := []any{"id", "ra", "dec", "weight", "filt", "exposure_time", "repeat", "visibility"}
	if err := x.SetSheetRow(fieldsSheet, "A1", &header); err != nil {
		return Attachment{}, err
	}
	for i, f := range fields.Fields() {
		status := ""
		if rec, ok := records[f.ID]; ok {
			status = visibility.Classify(rec).String()
		}
		row := []any{f.ID, f.RA, f.Dec, f.Weight, f.Filter, f.ExposureTime, f.Repeat, status}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := x.SetSheetRow(fieldsSheet, cell, &row); err != nil {
			return Attachment{}, err
		}
	}

	// Visibility: time in column A, one altitude column per field.
	head := []any{"time (UT)"}
	for _, f := range known {
		head = append(head, fmt.Sprintf("field %d", f.ID))
	}
	if err := x.SetSheetRow(visibilitySheet, "A1", &head); err != nil {
		return Attachment{}, err
	}
	for i, s := range samples {
		row := []any{s.Time.UTC().Format("15:04")}
		for _, f := range known {
			rs := records[f.ID].Samples
			if i < len(rs) {
				row = append(row, rs[i].Altitude)
			} else {
				row = append(row, nil)
			}
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := x.SetSheetRow(visibilitySheet, cell, &row); err != nil {
			return Attachment{}, err
		}
	}

	last := len(samples) + 1
	categories := fmt.Sprintf("%s!$A$2:$A$%d", visibilitySheet, last)
	var series []excelize.ChartSeries
	for i := range known {
		if i >= maxChartSeries {
			break
		}
		col, _ := excelize.ColumnNumberToName(i + 2)
		series = append(series, excelize.ChartSeries{
			Name:       fmt.Sprintf("%s!$%s$1", visibilitySheet, col),
			Categories: categories,
			Values:     fmt.Sprintf("%s!$%s$2:$%s$%d", visibilitySheet, col, col, last),
		})
	}
	anchor, _ := excelize.CoordinatesToCellName(len(known)+3, 2)
	err := x.AddChart(visibilitySheet, anchor, &excelize.Chart{
		Type:   excelize.Line,
		Series: series,
		Title:  []excelize.RichTextRun{{Text: "Altitude tonight: " + key}},
	})
	if err != nil {
		return Attachment{}, fmt.Errorf("adding chart: %w", err)
	}

	buf, err := x.WriteToBuffer()
	if err != nil {
		return Attachment{}, fmt.Errorf("writing workbook: %w", err)
	}
	return Attachment{
		Name:        key + "_visibility.xlsx",
		ContentType: xlsxType,
		Data:        buf.Bytes(),
	}, nil
}
