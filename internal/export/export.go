// Package export renders fetched attendance rows into a spreadsheet. It is a
// pure formatting layer over already-fetched records.
package export

import (
	"bytes"
	"fmt"
	"regexp"
	"time"

	"github.com/xuri/excelize/v2"

	"attendguard/internal/attendance"
	"attendguard/internal/geo"
)

// ReferencePoint is the fixed campus coordinate used for the proximity
// columns. Nil disables the location-aware columns.
type ReferencePoint struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

var whitespace = regexp.MustCompile(`\s+`)

// Filename builds the download name for a session's export:
// {label with whitespace replaced by underscores}_Attendance_{ISO date}.xlsx
func Filename(sessionLabel string, date time.Time) string {
	label := whitespace.ReplaceAllString(sessionLabel, "_")
	return fmt.Sprintf("%s_Attendance_%s.xlsx", label, date.Format("2006-01-02"))
}

var baseHeaders = []string{"#", "Time", "Name", "Student ID", "Branch", "Division", "Batch", "Room", "Present"}

var locationHeaders = []string{"On Campus", "Distance (m)", "Latitude", "Longitude", "Map"}

// Attendance renders records into an xlsx workbook. When ref is non-nil the
// location-aware columns (proximity status, distance from the reference
// point, raw coordinates, map link) are appended for rows that carry
// coordinates.
func Attendance(records []attendance.Record, sessionLabel string, ref *ReferencePoint) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Attendance"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("export: create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("export: drop default sheet: %w", err)
	}

	headers := baseHeaders
	if ref != nil {
		headers = append(append([]string{}, baseHeaders...), locationHeaders...)
	}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("export: write header: %w", err)
		}
	}

	for i, rec := range records {
		row := []any{
			i + 1,
			rec.RecordedAt.Format("2006-01-02 15:04:05"),
			rec.StudentName,
			rec.StudentID,
			rec.Branch,
			rec.Division,
			rec.Batch,
			rec.Room,
			"P",
		}
		if ref != nil {
			row = append(row, locationColumns(rec, ref)...)
		}
		for col, val := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := f.SetCellValue(sheet, cell, val); err != nil {
				return nil, fmt.Errorf("export: write row %d: %w", i+1, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("export: serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func locationColumns(rec attendance.Record, ref *ReferencePoint) []any {
	if rec.Latitude == nil || rec.Longitude == nil {
		return []any{"No location", "", "", "", ""}
	}
	dist := geo.DistanceMeters(*rec.Latitude, *rec.Longitude, ref.Latitude, ref.Longitude)
	status := "Off campus"
	if dist <= ref.RadiusMeters {
		status = "On campus"
	}
	return []any{
		status,
		fmt.Sprintf("%.0f", dist),
		*rec.Latitude,
		*rec.Longitude,
		fmt.Sprintf("https://www.google.com/maps?q=%f,%f", *rec.Latitude, *rec.Longitude),
	}
}
